package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/layers"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

// program is one compiled view of the model: an expression graph, its tape
// machine and the input buffers bound to it before every run.
type program struct {
	cfg   hdgm.Config
	store *layers.ParamStore

	g   *G.ExprGraph
	net *hdgm.Network
	obj *hdgm.Objectives
	vm  G.VM

	// params are the nodes the optimizer updates; empty for evaluation programs
	params G.Nodes
	// paramNodes holds every parameter node of the graph by name
	paramNodes map[string]*G.Node

	x, y  *tensor.Dense
	noise []noiseInput

	lossVal    G.Value
	rowLossVal G.Value
	probVal    G.Value
	outVals    []G.Value
}

type noiseInput struct {
	in  layers.StochasticInput
	buf *tensor.Dense
}

// newProgram compiles the full model. A training program adds symbolic
// gradients for the trainable parameters and binds dual values for them; any
// other program reads the eleven outputs as well.
func newProgram(cfg hdgm.Config, spec *layers.ModelSpec, store *layers.ParamStore, deterministic, train bool) (*program, error) {
	g := G.NewGraph()
	net, err := hdgm.CreateModel(g, spec, store, cfg, deterministic)
	if err != nil {
		return nil, err
	}
	obj, err := hdgm.CreateObjectives(net)
	if err != nil {
		return nil, err
	}

	p := &program{
		cfg:        cfg,
		store:      store,
		g:          g,
		net:        net,
		obj:        obj,
		paramNodes: net.Graph.Params,
		x:          tensor.New(tensor.WithShape(net.X.Shape()...), tensor.Of(layers.Dtype)),
		y:          tensor.New(tensor.WithShape(net.Y.Shape()...), tensor.Of(layers.Dtype)),
	}
	for _, s := range net.Graph.Stochastic {
		p.noise = append(p.noise, noiseInput{
			in:  s,
			buf: tensor.New(tensor.WithShape(s.Node.Shape()...), tensor.Of(layers.Dtype)),
		})
	}

	G.Read(obj.Loss, &p.lossVal)
	G.Read(obj.RowLoss, &p.rowLossVal)
	G.Read(obj.P, &p.probVal)

	if train {
		if p.params, err = net.Params(); err != nil {
			return nil, err
		}
		if _, err := hdgm.CreateGradients(obj.Loss, p.params); err != nil {
			return nil, err
		}
		p.vm = G.NewTapeMachine(g, G.BindDualValues(p.params...))
		return p, nil
	}

	outputs := net.Outputs()
	p.outVals = make([]G.Value, len(outputs))
	for i, n := range outputs {
		G.Read(n, &p.outVals[i])
	}
	p.vm = G.NewTapeMachine(g)
	return p, nil
}

// run binds the batch and fresh noise, then executes the graph once. The
// caller must call reset after reading results.
func (p *program) run(b *dataset.Batch, rng *rand.Rand) error {
	if err := p.bindBatch(b); err != nil {
		return err
	}
	for _, n := range p.noise {
		fillNoise(n.buf.Data().([]float64), n.in, rng)
		if err := G.Let(n.in.Node, n.buf); err != nil {
			return errors.Wrapf(err, "binding %s", n.in.Node.Name())
		}
	}
	if err := p.pullParams(); err != nil {
		return err
	}
	if err := p.vm.RunAll(); err != nil {
		p.vm.Reset()
		return errors.Wrap(err, "running graph")
	}
	return nil
}

func (p *program) reset() {
	p.vm.Reset()
}

func (p *program) bindBatch(b *dataset.Batch) error {
	if b == nil {
		return errors.New("nil batch")
	}
	if b.Size != p.cfg.BatchSize {
		return errors.Errorf("batch holds %d rows, graph expects %d", b.Size, p.cfg.BatchSize)
	}
	xs := p.x.Data().([]float64)
	if len(b.Images) != len(xs) {
		return errors.Errorf("batch holds %d pixel values, graph expects %d", len(b.Images), len(xs))
	}
	copy(xs, b.Images)

	ys := p.y.Data().([]float64)
	for i := range ys {
		ys[i] = 0
	}
	classes := p.cfg.Classes
	for i, l := range b.Labels {
		if l < 0 || l >= classes {
			return errors.Errorf("label %d of row %d outside [0, %d)", l, i, classes)
		}
		ys[i*classes+l] = 1
	}

	if err := G.Let(p.net.X, p.x); err != nil {
		return errors.Wrap(err, "binding X")
	}
	return errors.Wrap(G.Let(p.net.Y, p.y), "binding Y")
}

// pullParams copies store values into parameter nodes that do not share the
// store's backing array.
func (p *program) pullParams() error {
	for name, n := range p.paramNodes {
		src, ok := p.store.Data(name)
		if !ok {
			return errors.Errorf("parameter %q missing from store", name)
		}
		dst, err := nodeData(n)
		if err != nil {
			return err
		}
		if !sameBacking(src, dst) {
			copy(dst, src)
		}
	}
	return nil
}

// pushParams copies trainable node values back into the store when they do
// not alias it.
func (p *program) pushParams() error {
	for _, n := range p.params {
		dst, ok := p.store.Data(n.Name())
		if !ok {
			return errors.Errorf("parameter %q missing from store", n.Name())
		}
		src, err := nodeData(n)
		if err != nil {
			return err
		}
		if !sameBacking(src, dst) {
			copy(dst, src)
		}
	}
	return nil
}

func (p *program) loss() (float64, error) {
	return scalar(p.lossVal)
}

func (p *program) rowLoss() ([]float64, error) {
	return valueData(p.rowLossVal)
}

func (p *program) probs() ([]float64, error) {
	return valueData(p.probVal)
}

func (p *program) close() error {
	if p.vm == nil {
		return nil
	}
	return p.vm.Close()
}

func fillNoise(buf []float64, in layers.StochasticInput, rng *rand.Rand) {
	switch in.Kind {
	case layers.StandardNormal:
		for i := range buf {
			buf[i] = rng.NormFloat64()
		}
	case layers.DropoutMask:
		keep := 1 - in.Rate
		for i := range buf {
			if rng.Float64() < keep {
				buf[i] = 1 / keep
			} else {
				buf[i] = 0
			}
		}
	}
}

func nodeData(n *G.Node) ([]float64, error) {
	if n.Value() == nil {
		return nil, errors.Errorf("node %s has no value", n.Name())
	}
	return valueData(n.Value())
}

func valueData(v G.Value) ([]float64, error) {
	if v == nil {
		return nil, errors.New("value not computed")
	}
	switch d := v.Data().(type) {
	case []float64:
		return d, nil
	case float64:
		return []float64{d}, nil
	}
	return nil, errors.Errorf("unexpected value type %T", v.Data())
}

func scalar(v G.Value) (float64, error) {
	d, err := valueData(v)
	if err != nil {
		return 0, err
	}
	if len(d) != 1 {
		return 0, errors.Errorf("expected a scalar, got %d values", len(d))
	}
	return d[0], nil
}

func sameBacking(a, b []float64) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}

func copyOf(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
