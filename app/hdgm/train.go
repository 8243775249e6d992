package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/training"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

type trainOptions struct {
	data  dataOptions
	model modelOptions

	epochs      int
	scheduler   string
	stepSize    int
	gamma       float64
	warmup      int
	patience    int
	validRatio  float64
	ckptDir     string
	ckptFormat  string
	saveEvery   int
	keep        int
	samplesDir  string
	sampleCount int
	resume      string
	quiet       bool
}

func newTrainCommand() *cobra.Command {
	o := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and write checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, o)
		},
	}
	o.data.register(cmd, "train")
	o.model.register(cmd)

	def := training.DefaultTrainerConfig()
	f := cmd.Flags()
	f.IntVar(&o.epochs, "epochs", def.Epochs, "number of epochs")
	f.StringVar(&o.scheduler, "scheduler", "constant", "learning rate schedule: constant, step, exponential, cosine or plateau")
	f.IntVar(&o.stepSize, "step-size", 30, "epochs between step decays, or plateau patience")
	f.Float64Var(&o.gamma, "gamma", 0.1, "decay factor for step, exponential and plateau schedules")
	f.IntVar(&o.warmup, "warmup-steps", 0, "ramp the learning rate up linearly over this many steps")
	f.IntVar(&o.patience, "patience", def.Patience, "early stopping patience in epochs (0 disables)")
	f.Float64Var(&o.validRatio, "valid-ratio", 0.9, "fraction of the data used for training; the rest validates (1 disables validation)")
	f.StringVar(&o.ckptDir, "checkpoint-dir", def.Checkpoint.SaveDirectory, "checkpoint directory (empty disables checkpoints)")
	f.StringVar(&o.ckptFormat, "checkpoint-format", "proto", "checkpoint format: json or proto")
	f.IntVar(&o.saveEvery, "save-every", def.Checkpoint.SaveFrequency, "save a periodic checkpoint every N epochs (0 disables)")
	f.IntVar(&o.keep, "keep", def.Checkpoint.MaxCheckpoints, "periodic checkpoints to keep (0 keeps all)")
	f.StringVar(&o.samplesDir, "samples-dir", "", "write a PNG grid of generated samples here after every epoch")
	f.IntVar(&o.sampleCount, "samples", def.SampleCount, "samples per grid; must be a perfect square no larger than the batch size")
	f.StringVar(&o.resume, "resume", "", "checkpoint to resume from")
	f.BoolVar(&o.quiet, "quiet", false, "disable progress bars")
	return cmd
}

func runTrain(cmd *cobra.Command, o *trainOptions) error {
	data, err := o.data.load(o.model.seed)
	if err != nil {
		return errors.Wrap(err, "loading training data")
	}
	cfg, err := o.model.config(cmd, data)
	if err != nil {
		return err
	}

	train := data
	var valid *dataset.Dataset
	if o.validRatio < 1 {
		if train, valid, err = data.Split(o.validRatio, rand.New(rand.NewSource(cfg.Seed))); err != nil {
			return err
		}
	}

	e, err := engine.NewTrainingEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	scheduler, err := training.NewScheduler(o.scheduler, o.epochs, o.stepSize, o.gamma, o.warmup)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(o.ckptFormat)
	if err != nil {
		return err
	}

	tc := training.DefaultTrainerConfig()
	tc.Epochs = o.epochs
	tc.Scheduler = scheduler
	tc.Patience = o.patience
	tc.SampleDir = o.samplesDir
	tc.SampleCount = o.sampleCount
	tc.EnableCheckpoints = o.ckptDir != ""
	tc.Checkpoint.SaveDirectory = o.ckptDir
	tc.Checkpoint.Format = format
	tc.Checkpoint.SaveFrequency = o.saveEvery
	tc.Checkpoint.MaxCheckpoints = o.keep
	if o.quiet {
		tc.Progress = nil
	} else {
		tc.Progress = cmd.OutOrStdout()
	}

	trainer, err := training.NewTrainer(e, tc)
	if err != nil {
		return err
	}
	if o.resume != "" {
		if err := trainer.Resume(o.resume); err != nil {
			return err
		}
	}

	training.PrintArchitecture(cmd.OutOrStdout(), "SupervisedHDGM", e.Spec(), e.TrainableParams())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	history, err := trainer.Train(ctx, train, valid)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		klog.Infof("Finished after epoch %d: train loss %.4f, train accuracy %.2f%%", last.Epoch, last.TrainLoss, last.TrainAccuracy*100)
	}
	if cm := trainer.Checkpoints(); cm != nil {
		loss, acc := cm.BestMetrics()
		klog.Infof("Best checkpoint %s: loss %.4f, accuracy %.2f%%", cm.BestPath(), loss, acc*100)
	}
	return nil
}
