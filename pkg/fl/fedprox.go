package fl

import (
	"context"
	"fmt"
	"sync"
)

// FedProx adds the proximal term mu/2·‖w − w₀‖² to the local loss, where w₀
// is the checkpoint the round started from.
type FedProx struct {
	mu float64

	lock  sync.Mutex
	start WeightSet
}

var (
	_ BeforeTrainingHook = (*FedProx)(nil)
	_ AfterCriterionHook = (*FedProx)(nil)
)

func NewFedProx(mu float64) (*FedProx, error) {
	if mu < 0 {
		return nil, fmt.Errorf("%w: fedprox mu must be non-negative, got %v", ErrInvalidConfig, mu)
	}

	return &FedProx{mu: mu}, nil
}

func (p *FedProx) BeforeTraining(_ context.Context, ev BeforeTrainingEvent) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.start = ev.Checkpoint

	return nil
}

func (p *FedProx) AfterCriterion(ev AfterCriterionEvent) {
	p.lock.Lock()
	start := p.start
	p.lock.Unlock()

	if p.mu == 0 || start.IsEmpty() || !start.SameLayout(ev.Weights) {
		return
	}

	var penalty float64
	for _, name := range ev.Weights.Names() {
		w := ev.Weights.tensors[name]
		if w.Integer {
			continue
		}
		w0 := start.tensors[name]
		grad := ev.Gradient[name]
		for i := range w.Data {
			d := w.Data[i] - w0.Data[i]
			penalty += d * d
			if i < len(grad) {
				grad[i] += p.mu * d
			}
		}
	}
	if ev.Loss != nil {
		*ev.Loss += p.mu / 2 * penalty
	}
}
