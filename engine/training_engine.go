package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/layers"
	"github.com/tsawler/go-hdgm/optimizer"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

// TrainingEngine owns the model parameters and runs training steps on them.
// It compiles two programs over one parameter store: a stochastic one with
// gradients used for updates, and a deterministic one used for evaluation.
// A TrainingEngine is not safe for concurrent use.
type TrainingEngine struct {
	config hdgm.Config
	spec   *layers.ModelSpec
	store  *layers.ParamStore
	rng    *rand.Rand

	train   *program
	eval    *program
	sampler *samplerProgram // built on first GenSamples

	optimizer optimizer.Optimizer
	gradBufs  [][]float64
	steps     int
}

// StepResult is the outcome of one training step
type StepResult struct {
	Loss     float64
	Accuracy float64
	// GradNorm is the global gradient norm before clipping
	GradNorm float64
	StepTime time.Duration
}

// EvalResult is the outcome of evaluating one batch. Probs holds one row of
// class probabilities per valid example.
type EvalResult struct {
	Loss     float64
	Accuracy float64
	Valid    int
	Probs    [][]float64
}

// NewTrainingEngine builds the model described by cfg with freshly
// initialized parameters and the optimizer cfg names.
func NewTrainingEngine(cfg hdgm.Config) (*TrainingEngine, error) {
	spec, err := hdgm.Architecture(cfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	store, err := layers.NewParamStore(spec, rng)
	if err != nil {
		return nil, errors.Wrap(err, "initializing parameters")
	}

	start := time.Now()
	e := &TrainingEngine{config: cfg, spec: spec, store: store, rng: rng}
	if e.train, err = newProgram(cfg, spec, store, false, true); err != nil {
		return nil, errors.Wrap(err, "compiling training graph")
	}
	if e.eval, err = newProgram(cfg, spec, store, true, false); err != nil {
		e.train.close()
		return nil, errors.Wrap(err, "compiling evaluation graph")
	}

	shapes := make([][]int, len(e.train.params))
	e.gradBufs = make([][]float64, len(e.train.params))
	for i, p := range e.train.params {
		shapes[i] = []int(p.Shape())
		e.gradBufs[i] = make([]float64, p.Shape().TotalSize())
	}
	if e.optimizer, err = optimizer.New(cfg.Optimizer, cfg.OptimizerParams, shapes); err != nil {
		e.Close()
		return nil, errors.Wrap(err, "creating optimizer")
	}

	klog.Infof("Compiled %s model: %d parameters (%d trainable tensors), %s optimizer in %v",
		cfg.Likelihood, store.Count(), len(e.train.params), e.optimizer.Name(), time.Since(start))
	return e, nil
}

// ExecuteStep runs forward and backward passes on a full batch, clips the
// gradients and applies one optimizer update.
func (e *TrainingEngine) ExecuteStep(b *dataset.Batch) (*StepResult, error) {
	start := time.Now()
	p := e.train
	if err := p.run(b, e.rng); err != nil {
		return nil, err
	}
	defer p.reset()

	loss, err := p.loss()
	if err != nil {
		return nil, errors.Wrap(err, "reading loss")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, errors.Errorf("non-finite loss %v at step %d", loss, e.steps)
	}
	probs, err := p.probs()
	if err != nil {
		return nil, errors.Wrap(err, "reading class probabilities")
	}
	acc := hdgm.Accuracy(probs, b.Labels, e.config.Classes, e.config.MCSamples, b.Valid)

	weights := make([][]float64, len(p.params))
	for i, n := range p.params {
		g, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "gradient of %s", n.Name())
		}
		gd, err := valueData(g)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient of %s", n.Name())
		}
		copy(e.gradBufs[i], gd)
		if weights[i], err = nodeData(n); err != nil {
			return nil, err
		}
	}
	norm := hdgm.ClipGradients(e.gradBufs)

	if err := e.optimizer.Step(weights, e.gradBufs); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	if err := p.pushParams(); err != nil {
		return nil, err
	}
	e.steps++

	klog.V(2).Infof("step %d: loss=%.4f acc=%.4f grad_norm=%.4f", e.steps, loss, acc, norm)
	return &StepResult{
		Loss:     loss,
		Accuracy: acc,
		GradNorm: norm,
		StepTime: time.Since(start),
	}, nil
}

// Objectives evaluates the loss and accuracy of a batch without updating
// parameters. The deterministic variant disables dropout and uses latent
// means; the stochastic one draws fresh noise.
func (e *TrainingEngine) Objectives(b *dataset.Batch, deterministic bool) (float64, float64, error) {
	p := e.train
	if deterministic {
		p = e.eval
	}
	if err := p.run(b, e.rng); err != nil {
		return 0, 0, err
	}
	defer p.reset()

	loss, err := p.loss()
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading loss")
	}
	probs, err := p.probs()
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading class probabilities")
	}
	return loss, hdgm.Accuracy(probs, b.Labels, e.config.Classes, e.config.MCSamples, b.Valid), nil
}

// Evaluate runs the deterministic program on a possibly padded batch. Loss and
// accuracy only cover the batch's valid rows.
func (e *TrainingEngine) Evaluate(b *dataset.Batch) (*EvalResult, error) {
	return evaluate(e.eval, e.rng, b)
}

func evaluate(p *program, rng *rand.Rand, b *dataset.Batch) (*EvalResult, error) {
	if err := p.run(b, rng); err != nil {
		return nil, err
	}
	defer p.reset()

	cfg := p.cfg
	rowLoss, err := p.rowLoss()
	if err != nil {
		return nil, errors.Wrap(err, "reading per-row loss")
	}
	probs, err := p.probs()
	if err != nil {
		return nil, errors.Wrap(err, "reading class probabilities")
	}

	res := &EvalResult{Valid: b.Valid}
	if b.Valid == 0 {
		return res, nil
	}
	rows := b.Valid * cfg.MCSamples
	sum := 0.0
	for _, v := range rowLoss[:rows] {
		sum += v
	}
	res.Loss = sum / float64(rows)
	res.Accuracy = hdgm.Accuracy(probs, b.Labels, cfg.Classes, cfg.MCSamples, b.Valid)

	// Deterministic rows of one example are identical; keep the first.
	res.Probs = make([][]float64, b.Valid)
	for i := range res.Probs {
		row := i * cfg.MCSamples
		res.Probs[i] = copyOf(probs[row*cfg.Classes : (row+1)*cfg.Classes])
	}
	return res, nil
}

// GenSamples decodes n latent draws with the current parameters and tiles
// them into a square grid
func (e *TrainingEngine) GenSamples(n int) (*tensor.Dense, error) {
	if e.sampler == nil {
		s, err := newSampler(e.config, e.spec, e.store)
		if err != nil {
			return nil, errors.Wrap(err, "compiling sampler graph")
		}
		e.sampler = s
	}
	return e.sampler.generate(e.config, e.store, e.rng, n)
}

// Config returns the model configuration
func (e *TrainingEngine) Config() hdgm.Config {
	return e.config
}

// Spec returns the compiled layer DAG
func (e *TrainingEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// Store returns the parameter store shared by the engine's programs
func (e *TrainingEngine) Store() *layers.ParamStore {
	return e.store
}

// Optimizer returns the optimizer applying updates
func (e *TrainingEngine) Optimizer() optimizer.Optimizer {
	return e.optimizer
}

// TrainableParams returns the names of the parameters the optimizer updates,
// in optimizer buffer order
func (e *TrainingEngine) TrainableParams() []string {
	names := make([]string, len(e.train.params))
	for i, n := range e.train.params {
		names[i] = n.Name()
	}
	return names
}

// Steps returns the number of completed training steps
func (e *TrainingEngine) Steps() int {
	return e.steps
}

// ExportWeights copies every parameter for checkpointing
func (e *TrainingEngine) ExportWeights() []checkpoints.WeightTensor {
	return exportWeights(e.store)
}

// ImportWeights restores every parameter from a checkpoint
func (e *TrainingEngine) ImportWeights(weights []checkpoints.WeightTensor) error {
	return importWeights(e.store, weights)
}

// Close releases both tape machines
func (e *TrainingEngine) Close() error {
	var first error
	for _, p := range []*program{e.train, e.eval} {
		if p == nil {
			continue
		}
		if err := p.close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.sampler.close(); err != nil && first == nil {
		first = err
	}
	return first
}
