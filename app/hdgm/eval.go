package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/training"
)

type evalOptions struct {
	data       dataOptions
	checkpoint string
	batchSize  int
	confusion  bool
}

func newEvalCommand() *cobra.Command {
	o := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Report deterministic loss, accuracy and macro F1 of a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, o)
		},
	}
	o.data.register(cmd, "t10k")
	f := cmd.Flags()
	f.StringVar(&o.checkpoint, "checkpoint", "checkpoints/best_checkpoint.pb", "checkpoint to evaluate")
	f.IntVar(&o.batchSize, "batch-size", 0, "evaluation batch size (0 keeps the trained one)")
	f.BoolVar(&o.confusion, "confusion", false, "print the confusion matrix")
	return cmd
}

func runEval(cmd *cobra.Command, o *evalOptions) error {
	cp, err := checkpoints.Load(o.checkpoint)
	if err != nil {
		return err
	}
	ie, err := engine.NewInferenceEngineFromCheckpoint(cp, o.batchSize)
	if err != nil {
		return err
	}
	defer ie.Close()

	cfg := ie.Config()
	data, err := o.data.load(cfg.Seed)
	if err != nil {
		return err
	}
	if data.Dim != cfg.InputDim || data.Channels != cfg.Channels {
		return fmt.Errorf("data is %dx%dx%d, model expects %dx%dx%d",
			data.Channels, data.Dim, data.Dim, cfg.Channels, cfg.InputDim, cfg.InputDim)
	}

	ev, err := training.Evaluate(context.Background(), ie, data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Examples:        %d\n", ev.Examples)
	fmt.Fprintf(out, "Loss:            %.4f\n", ev.Loss)
	fmt.Fprintf(out, "Accuracy:        %.2f%%\n", ev.Accuracy*100)
	fmt.Fprintf(out, "Macro precision: %.4f\n", ev.Confusion.GetMetric(training.MacroPrecision))
	fmt.Fprintf(out, "Macro recall:    %.4f\n", ev.Confusion.GetMetric(training.MacroRecall))
	fmt.Fprintf(out, "Macro F1:        %.4f\n", ev.Confusion.GetMetric(training.MacroF1))
	if o.confusion {
		fmt.Fprintf(out, "\n%s", ev.Confusion.Table(data.ClassNames...))
	}
	return nil
}
