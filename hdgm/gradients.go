package hdgm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
)

// normEpsilon guards the total-norm rescale against a zero norm.
const normEpsilon = 1e-7

// CreateGradients adds symbolic gradients of loss with respect to params to the
// graph. The values are clipped with ClipGradients once computed.
func CreateGradients(loss *G.Node, params G.Nodes) (G.Nodes, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters to differentiate")
	}
	grads, err := G.Grad(loss, params...)
	if err != nil {
		return nil, errors.Wrap(err, "symbolic differentiation")
	}
	return grads, nil
}

// GlobalNorm returns the L2 norm of all gradients taken as one vector.
func GlobalNorm(grads [][]float64) float64 {
	sum := 0.0
	for _, g := range grads {
		sum += floats.Dot(g, g)
	}
	return math.Sqrt(sum)
}

// ClipByGlobalNorm rescales all gradients in place by min(norm, maxNorm)/(norm+1e-7)
// and returns the norm before rescaling.
func ClipByGlobalNorm(grads [][]float64, maxNorm float64) float64 {
	norm := GlobalNorm(grads)
	target := math.Min(norm, maxNorm)
	scale := target / (normEpsilon + norm)
	for _, g := range grads {
		floats.Scale(scale, g)
	}
	return norm
}

// ClipByValue clamps every gradient element to [-limit, limit] in place.
func ClipByValue(grads [][]float64, limit float64) {
	for _, g := range grads {
		for i, v := range g {
			switch {
			case v > limit:
				g[i] = limit
			case v < -limit:
				g[i] = -limit
			}
		}
	}
}

// ClipGradients applies the total-norm constraint (MaxGradNorm) and then the
// elementwise clip (GradClip) to raw gradients in place. It returns the norm
// measured before clipping.
func ClipGradients(grads [][]float64) float64 {
	norm := ClipByGlobalNorm(grads, MaxGradNorm)
	ClipByValue(grads, GradClip)
	return norm
}
