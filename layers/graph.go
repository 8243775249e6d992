package layers

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dtype is the element type of every graph built by this package.
var Dtype = tensor.Float64

// NoiseKind tells the runtime how to fill a stochastic input before each run.
type NoiseKind int

const (
	// StandardNormal inputs are filled with N(0, 1) draws.
	StandardNormal NoiseKind = iota
	// DropoutMask inputs are filled with 0 or 1/(1-rate).
	DropoutMask
)

// StochasticInput is a graph input that carries randomness. Graphs never draw
// random numbers themselves; the runtime fills these from a seeded source so
// runs are reproducible.
type StochasticInput struct {
	Node  *G.Node
	Kind  NoiseKind
	Rate  float64
	Layer string
}

// Graph is a ModelSpec compiled into a gorgonia expression graph.
type Graph struct {
	G             *G.ExprGraph
	Spec          *ModelSpec
	Deterministic bool

	Outputs        map[string]*G.Node
	PreActivations map[string]*G.Node
	Params         map[string]*G.Node
	Stochastic     []StochasticInput
}

// BuildOptions controls graph compilation
type BuildOptions struct {
	// Deterministic disables dropout and makes gaussian samples return their mean.
	Deterministic bool
	// Inputs binds layer names to existing nodes. Bound layers are not built and
	// their ancestors are skipped, so a latent sample can be replaced by noise.
	Inputs map[string]*G.Node
	// Targets restricts compilation to the ancestors of these layers. Empty
	// means every layer.
	Targets []string
}

// BuildGraph compiles spec into g, reading parameter values from store.
func BuildGraph(g *G.ExprGraph, spec *ModelSpec, store *ParamStore, opts BuildOptions) (*Graph, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}

	stop := make(map[string]bool, len(opts.Inputs))
	for name := range opts.Inputs {
		stop[name] = true
	}
	targets := opts.Targets
	if len(targets) == 0 {
		for _, l := range spec.Layers {
			targets = append(targets, l.Name)
		}
	}
	needed, err := spec.Ancestors(targets, stop)
	if err != nil {
		return nil, errors.Wrap(err, "resolving targets")
	}

	gr := &Graph{
		G:              g,
		Spec:           spec,
		Deterministic:  opts.Deterministic,
		Outputs:        make(map[string]*G.Node),
		PreActivations: make(map[string]*G.Node),
		Params:         make(map[string]*G.Node),
	}
	for name, n := range opts.Inputs {
		gr.Outputs[name] = n
	}

	for _, name := range needed {
		if _, bound := gr.Outputs[name]; bound {
			continue
		}
		layer, _ := spec.Layer(name)
		if layer.Type == Input {
			return nil, errors.Errorf("input layer %q is not bound", name)
		}
		out, err := gr.buildLayer(layer, store)
		if err != nil {
			return nil, errors.Wrapf(err, "building layer %s (%s)", layer.Name, layer.Type)
		}
		gr.Outputs[name] = out
	}
	return gr, nil
}

// Node returns the output node of the named layer
func (gr *Graph) Node(name string) (*G.Node, error) {
	n, ok := gr.Outputs[name]
	if !ok {
		return nil, errors.Errorf("layer %q not built in this graph", name)
	}
	return n, nil
}

// ParamNodes returns the nodes holding the given parameters, in order
func (gr *Graph) ParamNodes(specs []ParamSpec) (G.Nodes, error) {
	nodes := make(G.Nodes, 0, len(specs))
	for _, p := range specs {
		n, ok := gr.Params[p.Name]
		if !ok {
			return nil, errors.Errorf("parameter %q not in graph", p.Name)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (gr *Graph) param(store *ParamStore, p ParamSpec) (*G.Node, error) {
	if n, ok := gr.Params[p.Name]; ok {
		return n, nil
	}
	v, ok := store.Get(p.Name)
	if !ok {
		return nil, errors.Errorf("parameter %q missing from store", p.Name)
	}
	n := G.NewTensor(gr.G, Dtype, len(p.Shape), G.WithShape(p.Shape...), G.WithName(p.Name), G.WithValue(v))
	gr.Params[p.Name] = n
	return n, nil
}

func (gr *Graph) stochastic(layer string, shape []int, kind NoiseKind, rate float64) *G.Node {
	suffix := "/eps"
	if kind == DropoutMask {
		suffix = "/mask"
	}
	n := G.NewTensor(gr.G, Dtype, len(shape), G.WithShape(shape...), G.WithName(layer+suffix))
	gr.Stochastic = append(gr.Stochastic, StochasticInput{Node: n, Kind: kind, Rate: rate, Layer: layer})
	return n
}

func (gr *Graph) buildLayer(layer *LayerSpec, store *ParamStore) (*G.Node, error) {
	inputs := make([]*G.Node, len(layer.Inputs))
	for i, in := range layer.Inputs {
		inputs[i] = gr.Outputs[in]
	}

	switch layer.Type {
	case Dense:
		W, err := gr.param(store, layer.Params[0])
		if err != nil {
			return nil, err
		}
		b, err := gr.param(store, layer.Params[1])
		if err != nil {
			return nil, err
		}
		pre, err := DenseNode(inputs[0], W, b)
		if err != nil {
			return nil, err
		}
		gr.PreActivations[layer.Name] = pre
		return Activate(pre, Activation(getStringParam(layer.Parameters, "activation", string(Linear))))

	case Conv2D:
		W, err := gr.param(store, layer.Params[0])
		if err != nil {
			return nil, err
		}
		b, err := gr.param(store, layer.Params[1])
		if err != nil {
			return nil, err
		}
		pre, err := Conv2DNode(inputs[0], W, b,
			getIntParam(layer.Parameters, "kernel_size", 0),
			getIntParam(layer.Parameters, "padding", 0),
			getIntParam(layer.Parameters, "stride", 1))
		if err != nil {
			return nil, err
		}
		gr.PreActivations[layer.Name] = pre
		return Activate(pre, Activation(getStringParam(layer.Parameters, "activation", string(Linear))))

	case MaxPool2D:
		pool := getIntParam(layer.Parameters, "pool_size", 2)
		stride := getIntParam(layer.Parameters, "stride", pool)
		return G.MaxPool2D(inputs[0], tensor.Shape{pool, pool}, []int{0, 0}, []int{stride, stride})

	case Dropout:
		rate := getFloatParam(layer.Parameters, "rate", 0)
		if gr.Deterministic || rate == 0 {
			return inputs[0], nil
		}
		mask := gr.stochastic(layer.Name, layer.OutputShape, DropoutMask, rate)
		return G.HadamardProd(inputs[0], mask)

	case Flatten:
		return G.Reshape(inputs[0], tensor.Shape(layer.OutputShape))

	case Repeat:
		return RepeatRows(inputs[0], getIntParam(layer.Parameters, "repeats", 1))

	case GaussianSample:
		if gr.Deterministic {
			return inputs[0], nil
		}
		eps := gr.stochastic(layer.Name, layer.OutputShape, StandardNormal, 0)
		return GaussianSampleNode(inputs[0], inputs[1], eps)

	case ElemwiseSum:
		sum := inputs[0]
		for _, in := range inputs[1:] {
			var err error
			if sum, err = G.Add(sum, in); err != nil {
				return nil, err
			}
		}
		return Activate(sum, Activation(getStringParam(layer.Parameters, "activation", string(Linear))))

	case Concat:
		return G.Concat(1, inputs...)
	}
	return nil, errors.Errorf("unsupported layer type: %s", layer.Type)
}

// DenseNode computes x·W + b, flattening x to two axes first.
func DenseNode(x, W, b *G.Node) (*G.Node, error) {
	if x.Dims() > 2 {
		shape := x.Shape()
		var err error
		if x, err = G.Reshape(x, tensor.Shape{shape[0], shape[1:].TotalSize()}); err != nil {
			return nil, errors.Wrap(err, "flatten")
		}
	}
	xw, err := G.Mul(x, W)
	if err != nil {
		return nil, errors.Wrap(err, "x·W")
	}
	return G.BroadcastAdd(xw, b, nil, []byte{0})
}

// Conv2DNode convolves x with W and adds a per-channel bias of shape [1, C, 1, 1].
func Conv2DNode(x, W, b *G.Node, kernel, pad, stride int) (*G.Node, error) {
	conv, err := G.Conv2d(x, W, tensor.Shape{kernel, kernel}, []int{pad, pad}, []int{stride, stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "conv2d")
	}
	return G.BroadcastAdd(conv, b, nil, []byte{0, 2, 3})
}

// GaussianSampleNode draws mu + exp(logSigma) * eps.
func GaussianSampleNode(mu, logSigma, eps *G.Node) (*G.Node, error) {
	sigma, err := G.Exp(logSigma)
	if err != nil {
		return nil, err
	}
	scaled, err := G.HadamardProd(sigma, eps)
	if err != nil {
		return nil, err
	}
	return G.Add(mu, scaled)
}

// RepeatRows turns [rows, d] into [rows*n, d] with each row copied n times in
// place. n == 1 returns x unchanged.
func RepeatRows(x *G.Node, n int) (*G.Node, error) {
	if n == 1 {
		return x, nil
	}
	if x.Dims() != 2 {
		return nil, errors.Errorf("repeat expects a matrix, got shape %v", x.Shape())
	}
	rows, cols := x.Shape()[0], x.Shape()[1]
	expanded, err := G.Reshape(x, tensor.Shape{rows, 1, cols})
	if err != nil {
		return nil, err
	}
	copies := make([]*G.Node, n)
	for i := range copies {
		copies[i] = expanded
	}
	stacked, err := G.Concat(1, copies...)
	if err != nil {
		return nil, err
	}
	return G.Reshape(stacked, tensor.Shape{rows * n, cols})
}

// ShiftedRectify computes relu(x+10)-10.
func ShiftedRectify(x *G.Node) (*G.Node, error) {
	shifted, err := G.Add(x, G.NewConstant(10.0))
	if err != nil {
		return nil, err
	}
	r, err := G.Rectify(shifted)
	if err != nil {
		return nil, err
	}
	return G.Sub(r, G.NewConstant(10.0))
}

// Activate applies the named nonlinearity.
func Activate(x *G.Node, act Activation) (*G.Node, error) {
	switch act {
	case Linear, "":
		return x, nil
	case ReLU:
		return G.Rectify(x)
	case Sigmoid:
		return G.Sigmoid(x)
	case Softmax:
		return G.SoftMax(x)
	case ShiftedReLU:
		return ShiftedRectify(x)
	}
	return nil, errors.Errorf("unknown activation %q", act)
}
