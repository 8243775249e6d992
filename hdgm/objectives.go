package hdgm

import (
	"math"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-hdgm/distributions"
	"github.com/tsawler/go-hdgm/layers"
)

// Objectives holds the loss nodes of a Network.
type Objectives struct {
	// Loss is the scalar mean of RowLoss.
	Loss *G.Node
	// RowLoss is the negated per-row objective, one entry per replicated row.
	RowLoss *G.Node

	CrossEntropy *G.Node // per row
	LogQ         *G.Node // log q(a|x) + log q(z|a,x), per row
	LogP         *G.Node // log p(a|z) + log p(x|z) + log p(z), per row

	// P is the classifier output the accuracy is measured on.
	P *G.Node
}

// CreateObjectives builds the negative ELBO combined with the weighted
// classifier cross-entropy:
//
//	loss = -mean(-sup_w*ce + unsup_w*(log p(a,x,z) - log q(a,z|x)))
//
// Which variant (stochastic or deterministic) the loss is depends on how net
// was built.
func CreateObjectives(net *Network) (*Objectives, error) {
	cfg := net.Config
	rows := cfg.Rows()

	x, err := G.Reshape(net.X, tensor.Shape{cfg.BatchSize, cfg.PixelCount()})
	if err != nil {
		return nil, errors.Wrap(err, "flattening X")
	}
	if x, err = layers.RepeatRows(x, cfg.MCSamples); err != nil {
		return nil, errors.Wrap(err, "repeating X")
	}
	y, err := layers.RepeatRows(net.Y, cfg.MCSamples)
	if err != nil {
		return nil, errors.Wrap(err, "repeating Y")
	}

	// entropy term
	logQa, err := rowSum(distributions.LogNormal(net.Qa, net.QaMu, net.QaLogSigma))
	if err != nil {
		return nil, errors.Wrap(err, "log q(a|x)")
	}
	logQz, err := rowSum(distributions.LogNormal(net.Qz, net.QzMu, net.QzLogSigma))
	if err != nil {
		return nil, errors.Wrap(err, "log q(z|a,x)")
	}
	logQ, err := G.Add(logQa, logQz)
	if err != nil {
		return nil, err
	}

	// log-probability term
	logPz, err := rowSum(distributions.LogStdNormal(net.Qz))
	if err != nil {
		return nil, errors.Wrap(err, "log p(z)")
	}
	logPa, err := rowSum(distributions.LogNormal(net.Qa, net.PaMu, net.PaLogSigma))
	if err != nil {
		return nil, errors.Wrap(err, "log p(a|z)")
	}
	var logPx *G.Node
	switch cfg.Likelihood {
	case Bernoulli:
		logPx, err = rowSum(distributions.LogBernoulliLogits(x, net.PxLogits))
	case Gaussian:
		logPx, err = rowSum(distributions.LogNormal(x, net.PxMu, net.PxLogSigma))
	default:
		return nil, errors.Wrapf(ErrUnknownLikelihood, "%q", cfg.Likelihood)
	}
	if err != nil {
		return nil, errors.Wrap(err, "log p(x|z)")
	}
	logP, err := G.Add(logPa, logPx)
	if err != nil {
		return nil, err
	}
	if logP, err = G.Add(logP, logPz); err != nil {
		return nil, err
	}

	// discriminative component
	ce, err := distributions.CategoricalCrossEntropy(net.P, y, CrossEntropyEps)
	if err != nil {
		return nil, errors.Wrap(err, "cross-entropy")
	}

	bound, err := G.Sub(logP, logQ)
	if err != nil {
		return nil, err
	}
	unsup, err := G.Mul(bound, G.NewConstant(cfg.UnsupervisedWeight))
	if err != nil {
		return nil, err
	}
	sup, err := G.Mul(ce, G.NewConstant(cfg.SupervisedWeight))
	if err != nil {
		return nil, err
	}
	// -(-sup + unsup) == sup - unsup
	rowLoss, err := G.Sub(sup, unsup)
	if err != nil {
		return nil, err
	}
	if got := rowLoss.Shape().TotalSize(); got != rows {
		return nil, errors.Errorf("per-row loss has %d entries, expected %d", got, rows)
	}
	loss, err := G.Mean(rowLoss)
	if err != nil {
		return nil, err
	}

	return &Objectives{
		Loss:         loss,
		RowLoss:      rowLoss,
		CrossEntropy: ce,
		LogQ:         logQ,
		LogP:         logP,
		P:            net.P,
	}, nil
}

func rowSum(n *G.Node, err error) (*G.Node, error) {
	if err != nil {
		return nil, err
	}
	return distributions.SumFeatures(n)
}

// Accuracy returns the fraction of the first valid rows of probs whose argmax
// equals the label. probs is row-major [rows, classes]; with Monte-Carlo
// replication every label covers samples consecutive rows.
func Accuracy(probs []float64, labels []int, classes, samples, valid int) float64 {
	if valid <= 0 || classes <= 0 {
		return 0
	}
	if samples < 1 {
		samples = 1
	}
	correct := 0
	total := 0
	for i := 0; i < valid; i++ {
		for s := 0; s < samples; s++ {
			row := i*samples + s
			if (row+1)*classes > len(probs) {
				break
			}
			if Argmax(probs[row*classes:(row+1)*classes]) == labels[i] {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(v []float64) int {
	best := 0
	bestVal := math.Inf(-1)
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}
