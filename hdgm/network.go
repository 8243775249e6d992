package hdgm

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/tsawler/go-hdgm/layers"
)

// Layer names of the eleven model outputs, in output order.
const (
	PxMu       = "px_mu"
	PxLogSigma = "px_logsigma"
	PaMu       = "pa_mu"
	PaLogSigma = "pa_logsigma"
	QzMu       = "qz_mu"
	QzLogSigma = "qz_logsigma"
	QaMu       = "qa_mu"
	QaLogSigma = "qa_logsigma"
	Qa         = "qa"
	Qz         = "qz"
	ClassProbs = "d_out"
)

// OutputNames lists the model outputs in the order CreateModel returns them.
var OutputNames = []string{PxMu, PxLogSigma, PaMu, PaLogSigma, QzMu, QzLogSigma, QaMu, QaLogSigma, Qa, Qz, ClassProbs}

// paramRoots are the layers whose ancestors make up the trainable set.
var paramRoots = []string{PxMu, PaMu, ClassProbs}

// Architecture declares the layer DAG for cfg.
func Architecture(cfg Config) (*layers.ModelSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nSam := cfg.MCSamples
	pxAct := layers.Sigmoid
	if cfg.Likelihood == Gaussian {
		pxAct = layers.Linear
	}

	b := layers.NewModelBuilder([]int{cfg.BatchSize, cfg.Channels, cfg.InputDim, cfg.InputDim})

	// q(a|x)
	b.AddDense("qa_hid1", "input", HiddenDim, layers.ReLU).
		AddDense("qa_mu_head", "qa_hid1", AuxDim, layers.Linear).
		AddDense("qa_logsigma_head", "qa_hid1", AuxDim, layers.ShiftedReLU).
		AddRepeat(QaMu, "qa_mu_head", nSam).
		AddRepeat(QaLogSigma, "qa_logsigma_head", nSam).
		AddGaussianSample(Qa, QaMu, QaLogSigma)

	// q(z|a,x)
	b.AddDense("qz_hid1a", Qa, HiddenDim, layers.ReLU).
		AddDense("qz_hid1b_head", "input", HiddenDim, layers.ReLU).
		AddRepeat("qz_hid1b", "qz_hid1b_head", nSam).
		AddElemwiseSum("qz_hid2", layers.ReLU, "qz_hid1a", "qz_hid1b").
		AddDense(QzMu, "qz_hid2", LatentDim, layers.Linear).
		AddDense(QzLogSigma, "qz_hid2", LatentDim, layers.ShiftedReLU).
		AddGaussianSample(Qz, QzMu, QzLogSigma)

	// p(x|z)
	b.AddDense("px_hid1", Qz, HiddenDim, layers.ReLU).
		AddDense(PxMu, "px_hid1", cfg.PixelCount(), pxAct).
		AddDense(PxLogSigma, "px_hid1", cfg.PixelCount(), layers.ShiftedReLU)

	// p(a|z)
	b.AddDense("pa_hid1", Qz, HiddenDim, layers.ReLU).
		AddDense(PaMu, "pa_hid1", AuxDim, layers.Linear).
		AddDense(PaLogSigma, "pa_hid1", AuxDim, layers.ShiftedReLU)

	// classifier
	b.AddDropout("in_drop", "input", InputDropout)
	prev := "in_drop"
	for i, filters := range ConvFilters {
		conv := fmt.Sprintf("conv%d", i+1)
		pool := fmt.Sprintf("pool%d", i+1)
		b.AddConv2D(conv, prev, filters, ConvKernel, layers.ReLU).
			AddMaxPool2D(pool, conv, PoolSize, PoolStride)
		prev = pool
	}
	b.AddFlatten("conv_flat", prev).
		AddRepeat("conv_rep", "conv_flat", nSam).
		AddConcat("merge", "conv_rep", QzMu).
		AddDense("d_hid", "merge", ClassifierHidden, layers.ReLU).
		AddDropout("d_hid_drop", "d_hid", HiddenDropout).
		AddDense(ClassProbs, "d_hid_drop", cfg.Classes, layers.Softmax)

	spec, err := b.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "compiling architecture")
	}
	return spec, nil
}

// Network is the model compiled into one expression graph.
type Network struct {
	Config Config
	Graph  *layers.Graph

	X *G.Node // [batch, channels, dim, dim]
	Y *G.Node // one-hot [batch, classes]

	PxMu, PxLogSigma *G.Node
	PaMu, PaLogSigma *G.Node
	QzMu, QzLogSigma *G.Node
	QaMu, QaLogSigma *G.Node
	Qa, Qz           *G.Node
	P                *G.Node

	// PxLogits is px_mu before the sigmoid. Only meaningful for the
	// bernoulli family.
	PxLogits *G.Node
}

// CreateModel builds the encoder, decoder, auxiliary prior and classifier into
// g and returns the eleven named outputs. With deterministic set, dropout is
// off and every latent sample equals its mean.
func CreateModel(g *G.ExprGraph, spec *layers.ModelSpec, store *layers.ParamStore, cfg Config, deterministic bool) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	x := G.NewTensor(g, layers.Dtype, 4, G.WithShape(spec.InputShape...), G.WithName("X"))
	y := G.NewMatrix(g, layers.Dtype, G.WithShape(cfg.BatchSize, cfg.Classes), G.WithName("Y"))

	gr, err := layers.BuildGraph(g, spec, store, layers.BuildOptions{
		Deterministic: deterministic,
		Inputs:        map[string]*G.Node{"input": x},
		Targets:       OutputNames,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building network graph")
	}

	net := &Network{Config: cfg, Graph: gr, X: x, Y: y}
	targets := []**G.Node{
		&net.PxMu, &net.PxLogSigma, &net.PaMu, &net.PaLogSigma,
		&net.QzMu, &net.QzLogSigma, &net.QaMu, &net.QaLogSigma,
		&net.Qa, &net.Qz, &net.P,
	}
	for i, name := range OutputNames {
		n, err := gr.Node(name)
		if err != nil {
			return nil, err
		}
		*targets[i] = n
	}
	net.PxLogits = gr.PreActivations[PxMu]
	return net, nil
}

// Outputs returns the eleven outputs in OutputNames order.
func (n *Network) Outputs() G.Nodes {
	return G.Nodes{
		n.PxMu, n.PxLogSigma, n.PaMu, n.PaLogSigma,
		n.QzMu, n.QzLogSigma, n.QaMu, n.QaLogSigma,
		n.Qa, n.Qz, n.P,
	}
}

// Params returns the trainable parameter nodes: everything reachable from
// px_mu, pa_mu and the classifier output.
func (n *Network) Params() (G.Nodes, error) {
	specs, err := TrainableParams(n.Graph.Spec)
	if err != nil {
		return nil, err
	}
	return n.Graph.ParamNodes(specs)
}

// TrainableParams returns the parameter declarations Params selects.
func TrainableParams(spec *layers.ModelSpec) ([]layers.ParamSpec, error) {
	return spec.TrainableParams(paramRoots...)
}

// Decoder is the p(x|z) path compiled on its own, fed by a noise matrix in
// place of the latent sample.
type Decoder struct {
	Graph *layers.Graph
	Z     *G.Node // [batch, LatentDim]
	PxMu  *G.Node
}

// CreateDecoder builds a deterministic graph mapping Z to px_mu.
func CreateDecoder(g *G.ExprGraph, spec *layers.ModelSpec, store *layers.ParamStore, cfg Config) (*Decoder, error) {
	z := G.NewMatrix(g, layers.Dtype, G.WithShape(cfg.BatchSize, LatentDim), G.WithName("Z"))
	gr, err := layers.BuildGraph(g, spec, store, layers.BuildOptions{
		Deterministic: true,
		Inputs:        map[string]*G.Node{Qz: z},
		Targets:       []string{PxMu},
	})
	if err != nil {
		return nil, errors.Wrap(err, "building sampler graph")
	}
	pxMu, err := gr.Node(PxMu)
	if err != nil {
		return nil, err
	}
	return &Decoder{Graph: gr, Z: z, PxMu: pxMu}, nil
}
