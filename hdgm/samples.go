package hdgm

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// GridSide returns s for n == s*s, or ErrNotSquare.
func GridSide(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Wrapf(ErrNotSquare, "n=%d", n)
	}
	s := int(math.Round(math.Sqrt(float64(n))))
	if s*s != n {
		return 0, errors.Wrapf(ErrNotSquare, "n=%d", n)
	}
	return s, nil
}

// TileGrid arranges the first n decoded images of samples into one square
// image. samples is row-major [rows, channels*dim*dim]; only channel 0 of each
// image is kept. Image k lands at grid row k/s and grid column k%s, giving an
// (s*dim, s*dim) result.
func TileGrid(samples []float64, n, channels, dim int) (*tensor.Dense, error) {
	s, err := GridSide(n)
	if err != nil {
		return nil, err
	}
	imgSize := channels * dim * dim
	if len(samples) < n*imgSize {
		return nil, errors.Errorf("have %d decoded values, need %d for %d images", len(samples), n*imgSize, n)
	}

	side := s * dim
	out := make([]float64, side*side)
	for k := 0; k < n; k++ {
		img := samples[k*imgSize : k*imgSize+dim*dim]
		top := (k / s) * dim
		left := (k % s) * dim
		for r := 0; r < dim; r++ {
			copy(out[(top+r)*side+left:(top+r)*side+left+dim], img[r*dim:(r+1)*dim])
		}
	}
	return tensor.New(tensor.WithShape(side, side), tensor.WithBacking(out)), nil
}
