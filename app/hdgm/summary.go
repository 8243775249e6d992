package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/training"
)

func newSummaryCommand() *cobra.Command {
	var (
		model      modelOptions
		checkpoint string
		dim        int
		channels   int
		classes    int
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the model architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg hdgm.Config
			var err error
			if checkpoint != "" {
				cp, err := checkpoints.Load(checkpoint)
				if err != nil {
					return err
				}
				if cfg, err = engine.ConfigFromCheckpoint(cp); err != nil {
					return err
				}
			} else {
				if cfg, err = model.config(cmd, nil); err != nil {
					return err
				}
				f := cmd.Flags()
				if f.Changed("dim") {
					cfg.InputDim = dim
				}
				if f.Changed("channels") {
					cfg.Channels = channels
				}
				if f.Changed("classes") {
					cfg.Classes = classes
				}
			}

			spec, err := hdgm.Architecture(cfg)
			if err != nil {
				return err
			}
			trainable, err := hdgm.TrainableParams(spec)
			if err != nil {
				return err
			}
			names := make([]string, len(trainable))
			for i, p := range trainable {
				names[i] = p.Name
			}

			out := cmd.OutOrStdout()
			training.PrintArchitecture(out, "SupervisedHDGM", spec, names)
			if verbose {
				fmt.Fprint(out, spec.Summary())
			}
			fmt.Fprintf(out, "Likelihood: %s, MC samples: %d, optimizer: %s\n", cfg.Likelihood, cfg.MCSamples, cfg.Optimizer)
			return nil
		},
	}
	model.register(cmd)
	f := cmd.Flags()
	f.StringVar(&checkpoint, "checkpoint", "", "describe the model stored in a checkpoint instead")
	f.IntVar(&dim, "dim", 28, "image side")
	f.IntVar(&channels, "channels", 1, "image channels")
	f.IntVar(&classes, "classes", 10, "number of classes")
	f.BoolVar(&verbose, "verbose", false, "also list every layer's inputs and output shape")
	return cmd
}
