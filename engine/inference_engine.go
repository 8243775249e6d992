package engine

import (
	"encoding/json"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/layers"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

// InferenceEngine runs the model without training overhead: deterministic
// class prediction, the eleven named outputs, and sample generation through
// the decoder alone.
type InferenceEngine struct {
	config hdgm.Config
	spec   *layers.ModelSpec
	store  *layers.ParamStore
	rng    *rand.Rand

	forward *program
	sampler *samplerProgram
}

// samplerProgram maps standard-normal noise in place of qz to px_mu.
type samplerProgram struct {
	dec   *hdgm.Decoder
	vm    G.VM
	z     *tensor.Dense
	pxVal G.Value
}

// NewInferenceEngine builds the model for cfg with freshly initialized
// parameters. Load trained values with ImportWeights.
func NewInferenceEngine(cfg hdgm.Config) (*InferenceEngine, error) {
	spec, err := hdgm.Architecture(cfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	store, err := layers.NewParamStore(spec, rng)
	if err != nil {
		return nil, errors.Wrap(err, "initializing parameters")
	}

	ie := &InferenceEngine{config: cfg, spec: spec, store: store, rng: rng}
	if ie.forward, err = newProgram(cfg, spec, store, true, false); err != nil {
		return nil, errors.Wrap(err, "compiling inference graph")
	}
	if ie.sampler, err = newSampler(cfg, spec, store); err != nil {
		ie.forward.close()
		return nil, errors.Wrap(err, "compiling sampler graph")
	}
	klog.V(1).Infof("Compiled inference engine for %dx%dx%d inputs", cfg.Channels, cfg.InputDim, cfg.InputDim)
	return ie, nil
}

// NewInferenceEngineFromCheckpoint rebuilds the model a checkpoint was trained
// with and loads its weights. batchSize overrides the stored batch size when
// positive.
func NewInferenceEngineFromCheckpoint(cp *checkpoints.Checkpoint, batchSize int) (*InferenceEngine, error) {
	cfg, err := ConfigFromCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
		if cfg.SuperbatchSize < batchSize {
			cfg.SuperbatchSize = batchSize
		}
	}
	ie, err := NewInferenceEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := ie.ImportWeights(cp.Weights); err != nil {
		ie.Close()
		return nil, err
	}
	return ie, nil
}

// ConfigFromCheckpoint decodes the model configuration stored in cp
func ConfigFromCheckpoint(cp *checkpoints.Checkpoint) (hdgm.Config, error) {
	cfg := hdgm.DefaultConfig()
	if len(cp.ModelConfig) == 0 {
		return cfg, errors.New("checkpoint has no model configuration")
	}
	if err := json.Unmarshal(cp.ModelConfig, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding model configuration")
	}
	return cfg, cfg.Validate()
}

func newSampler(cfg hdgm.Config, spec *layers.ModelSpec, store *layers.ParamStore) (*samplerProgram, error) {
	g := G.NewGraph()
	dec, err := hdgm.CreateDecoder(g, spec, store, cfg)
	if err != nil {
		return nil, err
	}
	s := &samplerProgram{
		dec: dec,
		z:   tensor.New(tensor.WithShape(dec.Z.Shape()...), tensor.Of(layers.Dtype)),
	}
	G.Read(dec.PxMu, &s.pxVal)
	s.vm = G.NewTapeMachine(g)
	return s, nil
}

// Predict returns class probabilities for images, a row-major
// [n, channels, dim, dim] buffer. Any n is accepted; the last batch is padded.
func (ie *InferenceEngine) Predict(images []float64) ([][]float64, error) {
	imgSize := ie.config.PixelCount()
	if len(images)%imgSize != 0 {
		return nil, errors.Errorf("%d values is not a whole number of %d-value images", len(images), imgSize)
	}
	n := len(images) / imgSize
	bs := ie.config.BatchSize

	out := make([][]float64, 0, n)
	for start := 0; start < n; start += bs {
		valid := min(bs, n-start)
		b := &dataset.Batch{
			Images: make([]float64, bs*imgSize),
			Labels: make([]int, bs),
			Size:   bs,
			Valid:  valid,
		}
		copy(b.Images, images[start*imgSize:(start+valid)*imgSize])
		res, err := evaluate(ie.forward, ie.rng, b)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Probs...)
	}
	return out, nil
}

// Evaluate returns deterministic loss and accuracy on the valid rows of b
func (ie *InferenceEngine) Evaluate(b *dataset.Batch) (*EvalResult, error) {
	return evaluate(ie.forward, ie.rng, b)
}

// Forward runs the deterministic model on a full batch and returns copies of
// the eleven outputs keyed by hdgm.OutputNames.
func (ie *InferenceEngine) Forward(b *dataset.Batch) (map[string]*tensor.Dense, error) {
	p := ie.forward
	if err := p.run(b, ie.rng); err != nil {
		return nil, err
	}
	defer p.reset()

	out := make(map[string]*tensor.Dense, len(hdgm.OutputNames))
	for i, name := range hdgm.OutputNames {
		v := p.outVals[i]
		data, err := valueData(v)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
		out[name] = tensor.New(tensor.WithShape(v.Shape().Clone()...), tensor.WithBacking(copyOf(data)))
	}
	return out, nil
}

// GenSamples decodes n standard-normal latent draws and tiles them into one
// (s*dim, s*dim) image, s*s == n.
func (ie *InferenceEngine) GenSamples(n int) (*tensor.Dense, error) {
	return ie.sampler.generate(ie.config, ie.store, ie.rng, n)
}

func (s *samplerProgram) generate(cfg hdgm.Config, store *layers.ParamStore, rng *rand.Rand, n int) (*tensor.Dense, error) {
	if _, err := hdgm.GridSide(n); err != nil {
		return nil, err
	}
	if n > cfg.BatchSize {
		return nil, errors.Errorf("cannot draw %d samples with batch size %d", n, cfg.BatchSize)
	}

	zs := s.z.Data().([]float64)
	for i := range zs {
		zs[i] = rng.NormFloat64()
	}
	if err := G.Let(s.dec.Z, s.z); err != nil {
		return nil, errors.Wrap(err, "binding Z")
	}
	for name, node := range s.dec.Graph.Params {
		src, ok := store.Data(name)
		if !ok {
			return nil, errors.Errorf("parameter %q missing from store", name)
		}
		dst, err := nodeData(node)
		if err != nil {
			return nil, err
		}
		if !sameBacking(src, dst) {
			copy(dst, src)
		}
	}
	if err := s.vm.RunAll(); err != nil {
		s.vm.Reset()
		return nil, errors.Wrap(err, "running sampler")
	}
	defer s.vm.Reset()

	px, err := valueData(s.pxVal)
	if err != nil {
		return nil, errors.Wrap(err, "reading decoded samples")
	}
	return hdgm.TileGrid(px, n, cfg.Channels, cfg.InputDim)
}

func (s *samplerProgram) close() error {
	if s == nil || s.vm == nil {
		return nil
	}
	return s.vm.Close()
}

// Config returns the model configuration
func (ie *InferenceEngine) Config() hdgm.Config {
	return ie.config
}

// Spec returns the compiled layer DAG
func (ie *InferenceEngine) Spec() *layers.ModelSpec {
	return ie.spec
}

// ExportWeights copies every parameter
func (ie *InferenceEngine) ExportWeights() []checkpoints.WeightTensor {
	return exportWeights(ie.store)
}

// ImportWeights restores every parameter from a checkpoint
func (ie *InferenceEngine) ImportWeights(weights []checkpoints.WeightTensor) error {
	return importWeights(ie.store, weights)
}

// Close releases the tape machines
func (ie *InferenceEngine) Close() error {
	var first error
	if ie.forward != nil {
		first = ie.forward.close()
	}
	if err := ie.sampler.close(); err != nil && first == nil {
		first = err
	}
	return first
}
