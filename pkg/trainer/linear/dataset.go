package linear

import (
	"fmt"
	"math/rand/v2"

	"github.com/absmach/fedcoord/pkg/fl"
	"gonum.org/v1/gonum/mat"
)

// Dataset is a dense regression problem: one row of X per sample.
type Dataset struct {
	X *mat.Dense
	Y []float64
}

// Synthetic draws n samples of y = X·w + b + noise with a fixed seed, so
// the same arguments always produce the same data.
func Synthetic(n, features int, noise float64, seed uint64) Dataset {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	w := make([]float64, features)
	for i := range w {
		w[i] = rng.Float64()*4 - 2
	}
	b := rng.Float64()*2 - 1

	x := mat.NewDense(n, features, nil)
	y := make([]float64, n)
	for i := range n {
		sum := b
		for j := range features {
			v := rng.NormFloat64()
			x.Set(i, j, v)
			sum += w[j] * v
		}
		y[i] = sum + noise*rng.NormFloat64()
	}

	return Dataset{X: x, Y: y}
}

func (d Dataset) Len() int {
	return len(d.Y)
}

func (d Dataset) Features() int {
	_, c := d.X.Dims()

	return c
}

// Subset copies the given rows in order.
func (d Dataset) Subset(indices []int) (Dataset, error) {
	if len(indices) == 0 {
		return Dataset{}, fmt.Errorf("%w: empty index set", fl.ErrInvalidConfig)
	}
	features := d.Features()
	x := mat.NewDense(len(indices), features, nil)
	y := make([]float64, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= d.Len() {
			return Dataset{}, fmt.Errorf("%w: index %d out of range [0, %d)", fl.ErrInvalidConfig, idx, d.Len())
		}
		x.SetRow(i, d.X.RawRowView(idx))
		y[i] = d.Y[idx]
	}

	return Dataset{X: x, Y: y}, nil
}
