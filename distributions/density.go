// Package distributions builds elementwise log-density terms as graph nodes.
// Callers reduce them along the feature axis.
package distributions

import (
	"math"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// halfLog2Pi is 0.5*log(2π).
var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

// LogNormal returns log N(x; mu, exp(logSigma)²) per element, with logSigma
// the log standard deviation.
func LogNormal(x, mu, logSigma *G.Node) (*G.Node, error) {
	diff, err := G.Sub(x, mu)
	if err != nil {
		return nil, errors.Wrap(err, "x-mu")
	}
	negLogSigma, err := G.Neg(logSigma)
	if err != nil {
		return nil, err
	}
	invSigma, err := G.Exp(negLogSigma)
	if err != nil {
		return nil, err
	}
	scaled, err := G.HadamardProd(diff, invSigma)
	if err != nil {
		return nil, errors.Wrap(err, "(x-mu)/sigma")
	}
	sq, err := G.Square(scaled)
	if err != nil {
		return nil, err
	}
	halfSq, err := G.Mul(sq, G.NewConstant(0.5))
	if err != nil {
		return nil, err
	}
	inner, err := G.Add(logSigma, halfSq)
	if err != nil {
		return nil, err
	}
	inner, err = G.Add(inner, G.NewConstant(halfLog2Pi))
	if err != nil {
		return nil, err
	}
	return G.Neg(inner)
}

// LogStdNormal returns log N(x; 0, 1) per element.
func LogStdNormal(x *G.Node) (*G.Node, error) {
	sq, err := G.Square(x)
	if err != nil {
		return nil, err
	}
	halfSq, err := G.Mul(sq, G.NewConstant(0.5))
	if err != nil {
		return nil, err
	}
	inner, err := G.Add(halfSq, G.NewConstant(halfLog2Pi))
	if err != nil {
		return nil, err
	}
	return G.Neg(inner)
}

// LogBernoulliLogits returns x*log(p) + (1-x)*log(1-p) per element where
// p = sigmoid(logits). It is evaluated as x*h - softplus(h), which stays
// finite when p saturates.
func LogBernoulliLogits(x, logits *G.Node) (*G.Node, error) {
	xh, err := G.HadamardProd(x, logits)
	if err != nil {
		return nil, errors.Wrap(err, "x*h")
	}
	sp, err := G.Softplus(logits)
	if err != nil {
		return nil, err
	}
	return G.Sub(xh, sp)
}

// CategoricalCrossEntropy returns -Σ_k y_k log(p_k + eps) for each row of a
// probability matrix p and one-hot targets y.
func CategoricalCrossEntropy(p, y *G.Node, eps float64) (*G.Node, error) {
	shifted, err := G.Add(p, G.NewConstant(eps))
	if err != nil {
		return nil, err
	}
	logp, err := G.Log(shifted)
	if err != nil {
		return nil, err
	}
	prod, err := G.HadamardProd(y, logp)
	if err != nil {
		return nil, errors.Wrap(err, "y*log(p)")
	}
	sum, err := G.Sum(prod, 1)
	if err != nil {
		return nil, err
	}
	return G.Neg(sum)
}

// SumFeatures reduces a [rows, features] term to one value per row.
func SumFeatures(x *G.Node) (*G.Node, error) {
	return G.Sum(x, 1)
}
