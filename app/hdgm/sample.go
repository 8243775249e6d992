package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/vision/preprocessing"
)

func newSampleCommand() *cobra.Command {
	var (
		checkpoint string
		output     string
		n          int
		seed       int64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Decode random latent draws into a PNG grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := checkpoints.Load(checkpoint)
			if err != nil {
				return err
			}
			cfg, err := engine.ConfigFromCheckpoint(cp)
			if err != nil {
				return err
			}
			// The sampler decodes one batch, so the batch must hold n rows.
			batch := max(cfg.BatchSize, n)
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			cfg.BatchSize = batch
			cfg.SuperbatchSize = max(cfg.SuperbatchSize, batch)

			ie, err := engine.NewInferenceEngine(cfg)
			if err != nil {
				return err
			}
			defer ie.Close()
			if err := ie.ImportWeights(cp.Weights); err != nil {
				return err
			}

			grid, err := ie.GenSamples(n)
			if err != nil {
				return err
			}
			if err := preprocessing.SaveGridPNG(output, grid); err != nil {
				return err
			}
			side := int(math.Sqrt(float64(n)))
			klog.Infof("Wrote %dx%d sample grid to %s", side, side, output)
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpoint, "checkpoint", "checkpoints/best_checkpoint.pb", "checkpoint to sample from")
	f.StringVarP(&output, "output", "o", "samples.png", "PNG file to write")
	f.IntVarP(&n, "n", "n", 100, "number of samples; must be a perfect square")
	f.Int64Var(&seed, "seed", 0, "random seed (defaults to the trained seed)")
	return cmd
}
