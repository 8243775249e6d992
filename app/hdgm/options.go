package main

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

// dataOptions selects and loads a dataset
type dataOptions struct {
	format    string
	dir       string
	split     string
	dim       int
	channels  int
	binarize  string
	threshold float64
	randomN   int
	classes   int
	workers   int
}

func (o *dataOptions) register(cmd *cobra.Command, defaultSplit string) {
	f := cmd.Flags()
	f.StringVar(&o.format, "data-format", "mnist", "dataset format: mnist, folder or random")
	f.StringVar(&o.dir, "data-dir", "data/mnist", "directory holding IDX files or class subdirectories")
	f.StringVar(&o.split, "split", defaultSplit, "MNIST split prefix, e.g. train or t10k")
	f.IntVar(&o.dim, "dim", 28, "image side for folder and random datasets")
	f.IntVar(&o.channels, "channels", 1, "channels for folder and random datasets (1 or 3)")
	f.StringVar(&o.binarize, "binarize", "none", "binarization: none, threshold or stochastic")
	f.Float64Var(&o.threshold, "threshold", 0.5, "threshold for --binarize=threshold")
	f.IntVar(&o.randomN, "random-n", 256, "number of examples for --data-format=random")
	f.IntVar(&o.classes, "random-classes", 10, "number of classes for --data-format=random")
	f.IntVar(&o.workers, "workers", runtime.NumCPU(), "image decoding workers")
}

func (o *dataOptions) load(seed int64) (*dataset.Dataset, error) {
	var d *dataset.Dataset
	var err error
	switch o.format {
	case "mnist":
		d, err = dataset.LoadMNISTDir(o.dir, o.split)
	case "folder":
		var folder *dataset.ImageFolderDataset
		folder, err = dataset.NewImageFolderDataset(o.dir, nil)
		if err == nil {
			d, err = folder.Load(o.channels, o.dim, o.workers)
		}
	case "random":
		d = dataset.NewRandom(o.randomN, o.classes, o.channels, o.dim, rand.New(rand.NewSource(seed)))
	default:
		return nil, fmt.Errorf("unknown data format %q", o.format)
	}
	if err != nil {
		return nil, err
	}

	switch o.binarize {
	case "", "none":
	case "threshold":
		d = d.Binarize(o.threshold, nil)
	case "stochastic":
		d = d.Binarize(0, rand.New(rand.NewSource(seed)))
	default:
		return nil, fmt.Errorf("unknown binarization %q", o.binarize)
	}
	klog.V(1).Infof("Loaded %s", d)
	return d, nil
}

// modelOptions maps flags onto hdgm.Config
type modelOptions struct {
	configPath string
	likelihood string
	batchSize  int
	superbatch int
	optimizer  string
	lr         float64
	mcSamples  int
	seed       int64
	unsupW     float64
	supW       float64
}

func (o *modelOptions) register(cmd *cobra.Command) {
	def := hdgm.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "JSON model configuration; flags override it")
	f.StringVar(&o.likelihood, "likelihood", def.Likelihood, "reconstruction likelihood: bernoulli or gaussian")
	f.IntVar(&o.batchSize, "batch-size", def.BatchSize, "minibatch size")
	f.IntVar(&o.superbatch, "superbatch-size", def.SuperbatchSize, "examples copied per superbatch")
	f.StringVar(&o.optimizer, "optimizer", def.Optimizer, "optimizer: adam, sgd, rmsprop, adagrad, adadelta or nadam")
	f.Float64Var(&o.lr, "lr", def.OptimizerParams["lr"], "learning rate")
	f.IntVar(&o.mcSamples, "mc-samples", def.MCSamples, "Monte-Carlo samples per example")
	f.Int64Var(&o.seed, "seed", def.Seed, "random seed")
	f.Float64Var(&o.unsupW, "unsupervised-weight", def.UnsupervisedWeight, "weight of the negative ELBO term")
	f.Float64Var(&o.supW, "supervised-weight", def.SupervisedWeight, "weight of the cross-entropy term")
}

// config builds the model configuration for d. Only flags set on the command
// line override the JSON file.
func (o *modelOptions) config(cmd *cobra.Command, d *dataset.Dataset) (hdgm.Config, error) {
	cfg := hdgm.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = hdgm.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}

	f := cmd.Flags()
	if f.Changed("likelihood") {
		cfg.Likelihood = o.likelihood
	}
	if f.Changed("batch-size") {
		cfg.BatchSize = o.batchSize
	}
	if f.Changed("superbatch-size") {
		cfg.SuperbatchSize = o.superbatch
	}
	if f.Changed("optimizer") {
		cfg.Optimizer = o.optimizer
	}
	if f.Changed("lr") {
		params := make(map[string]float64, len(cfg.OptimizerParams)+1)
		for k, v := range cfg.OptimizerParams {
			params[k] = v
		}
		params["lr"] = o.lr
		cfg.OptimizerParams = params
	}
	if f.Changed("mc-samples") {
		cfg.MCSamples = o.mcSamples
	}
	if f.Changed("seed") {
		cfg.Seed = o.seed
	}
	if f.Changed("unsupervised-weight") {
		cfg.UnsupervisedWeight = o.unsupW
	}
	if f.Changed("supervised-weight") {
		cfg.SupervisedWeight = o.supW
	}

	if d != nil {
		cfg.InputDim = d.Dim
		cfg.Channels = d.Channels
		cfg.Classes = d.NumClasses()
	}
	if cfg.SuperbatchSize < cfg.BatchSize {
		cfg.SuperbatchSize = cfg.BatchSize
	}
	return cfg, cfg.Validate()
}
