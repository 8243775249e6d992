package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// ParamStore owns the value of every learnable tensor of a model. Graphs
// compiled from the same spec share these tensors, so an update made through
// one graph is seen by all of them.
type ParamStore struct {
	specs  []ParamSpec
	values map[string]*tensor.Dense
}

// NewParamStore allocates and initializes every parameter declared by spec.
// Weights use orthogonal initialization and biases start at zero.
func NewParamStore(spec *ModelSpec, rng *rand.Rand) (*ParamStore, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	store := &ParamStore{
		values: make(map[string]*tensor.Dense),
	}
	for _, p := range spec.AllParams() {
		var data []float64
		switch p.Init {
		case InitOrthogonal:
			var err error
			if data, err = Orthogonal(p.Shape, 1.0, rng); err != nil {
				return nil, fmt.Errorf("failed to initialize %s: %v", p.Name, err)
			}
		case InitZeros:
			data = make([]float64, p.Size())
		default:
			return nil, fmt.Errorf("unknown initializer %q for %s", p.Init, p.Name)
		}
		store.specs = append(store.specs, p)
		store.values[p.Name] = tensor.New(tensor.WithShape(p.Shape...), tensor.WithBacking(data))
	}
	return store, nil
}

// Get returns the tensor backing the named parameter
func (s *ParamStore) Get(name string) (*tensor.Dense, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Data returns the raw values of the named parameter
func (s *ParamStore) Data(name string) ([]float64, bool) {
	v, ok := s.values[name]
	if !ok {
		return nil, false
	}
	return v.Data().([]float64), true
}

// Specs returns the parameter declarations in model order
func (s *ParamStore) Specs() []ParamSpec {
	return s.specs
}

// Len returns the number of parameter tensors
func (s *ParamStore) Len() int {
	return len(s.specs)
}

// Count returns the total number of scalar parameters
func (s *ParamStore) Count() int {
	n := 0
	for _, p := range s.specs {
		n += p.Size()
	}
	return n
}

// Set overwrites the named parameter in place. The shape must match the
// declared one.
func (s *ParamStore) Set(name string, shape []int, data []float64) error {
	v, ok := s.values[name]
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if !sameShape([]int(v.Shape()), shape) {
		return fmt.Errorf("shape mismatch for %s: expected %v, got %v", name, []int(v.Shape()), shape)
	}
	dst := v.Data().([]float64)
	if len(dst) != len(data) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", name, len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

// Orthogonal returns a gain-scaled orthogonal matrix flattened to shape. The
// first axis is kept and the rest are collapsed, so a conv kernel
// [out, in, k, k] is treated as an out x in*k*k matrix.
func Orthogonal(shape []int, gain float64, rng *rand.Rand) ([]float64, error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("orthogonal init needs at least 2 dimensions, got %v", shape)
	}
	rows := shape[0]
	cols := shapeSize(shape[1:])

	a := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD failed to converge for shape %v", shape)
	}

	// With a thin SVD, U is rows x min and V is cols x min. Whichever of U
	// and V^T has the requested shape is the orthogonal factor.
	var q mat.Dense
	if rows >= cols {
		svd.UTo(&q)
	} else {
		var v mat.Dense
		svd.VTo(&v)
		q.CloneFrom(v.T())
	}

	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, gain*q.At(i, j))
		}
	}
	return out, nil
}
