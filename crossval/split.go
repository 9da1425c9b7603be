package crossval

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/absmach/fedcoord/pkg/fl"
)

// FoldPlan is one train/test partition of the dataset indices.
type FoldPlan struct {
	FoldIndex    int   `json:"fold_index"`
	TrainIndices []int `json:"train_indices"`
	TestIndices  []int `json:"test_indices"`
}

// Split shuffles [0, size) with seed and cuts the permutation into folds
// contiguous test blocks. The first size%folds folds get one extra index.
// Equal arguments always yield equal plans.
func Split(size, folds int, seed uint64) ([]FoldPlan, error) {
	if folds < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", fl.ErrInvalidConfig, folds)
	}
	if size < folds {
		return nil, fmt.Errorf("%w: %d samples cannot fill %d folds", fl.ErrInvalidConfig, size, folds)
	}

	perm := rand.New(rand.NewPCG(seed, seed)).Perm(size)

	plans := make([]FoldPlan, folds)
	start := 0
	for k := range folds {
		n := size / folds
		if k < size%folds {
			n++
		}
		test := slices.Clone(perm[start : start+n])
		train := make([]int, 0, size-n)
		train = append(train, perm[:start]...)
		train = append(train, perm[start+n:]...)
		slices.Sort(test)
		slices.Sort(train)

		plans[k] = FoldPlan{FoldIndex: k, TrainIndices: train, TestIndices: test}
		start += n
	}

	return plans, nil
}

// Holdout moves a seeded random fraction of indices into a validation set
// that no client trains on. Both results are sorted and non-empty.
func Holdout(indices []int, fraction float64, seed uint64) (train, validation []int, err error) {
	if !(fraction > 0 && fraction < 1) {
		return nil, nil, fmt.Errorf("%w: holdout fraction %v outside (0, 1)", fl.ErrInvalidConfig, fraction)
	}
	n := int(math.Ceil(float64(len(indices)) * fraction))
	if n < 1 || n >= len(indices) {
		return nil, nil, fmt.Errorf("%w: %d samples cannot spare a %v holdout", fl.ErrInvalidConfig, len(indices), fraction)
	}

	perm := rand.New(rand.NewPCG(seed, seed)).Perm(len(indices))
	validation = make([]int, 0, n)
	for _, p := range perm[:n] {
		validation = append(validation, indices[p])
	}
	train = make([]int, 0, len(indices)-n)
	for _, p := range perm[n:] {
		train = append(train, indices[p])
	}
	slices.Sort(validation)
	slices.Sort(train)

	return train, validation, nil
}

// Shares cuts indices into consecutive blocks proportional to distribution.
// Every block is non-empty.
func Shares(indices []int, distribution []float64) ([][]int, error) {
	if len(distribution) == 0 {
		return nil, fmt.Errorf("%w: no clients", fl.ErrInvalidConfig)
	}
	if len(indices) < len(distribution) {
		return nil, fmt.Errorf("%w: %d samples cannot feed %d clients", fl.ErrInvalidConfig, len(indices), len(distribution))
	}

	var total float64
	for _, d := range distribution {
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: client distribution must be positive, got %v", fl.ErrInvalidConfig, d)
		}
		total += d
	}

	shares := make([][]int, len(distribution))
	var cum float64
	lo := 0
	for i, d := range distribution {
		cum += d
		hi := int(math.Round(cum / total * float64(len(indices))))
		// Leave at least one index for every remaining client.
		hi = max(hi, lo+1)
		hi = min(hi, len(indices)-(len(distribution)-1-i))
		if i == len(distribution)-1 {
			hi = len(indices)
		}
		shares[i] = slices.Clone(indices[lo:hi])
		lo = hi
	}

	return shares, nil
}
