package fl

import (
	"context"
	"fmt"
)

// BeforeTrainingEvent fires once per round before local training starts.
type BeforeTrainingEvent struct {
	ClientID   string
	Round      uint64
	Checkpoint WeightSet
	Config     TaskConfig
}

// AfterCriterionEvent fires after each loss evaluation inside a trainer.
// Hooks may adjust Loss and add to Gradient in place.
type AfterCriterionEvent struct {
	Round    uint64
	Weights  WeightSet
	Loss     *float64
	Gradient map[string][]float64
}

// BeforeSubmitEvent fires before weights leave the client. The returned
// weight set replaces the outgoing one.
type BeforeSubmitEvent struct {
	ClientID string
	Round    uint64
	Weights  WeightSet
	Metrics  Metrics
}

type BeforeTrainingHook interface {
	BeforeTraining(ctx context.Context, ev BeforeTrainingEvent) error
}

type AfterCriterionHook interface {
	AfterCriterion(ev AfterCriterionEvent)
}

type BeforeSubmitHook interface {
	BeforeSubmit(ctx context.Context, ev BeforeSubmitEvent) (WeightSet, error)
}

// Hooks is the per-client list of extension callbacks. The zero value and a
// nil pointer are both usable and run nothing.
type Hooks struct {
	beforeTraining []BeforeTrainingHook
	afterCriterion []AfterCriterionHook
	beforeSubmit   []BeforeSubmitHook
}

// NewHooks registers each value under every extension point it implements.
func NewHooks(hooks ...any) (*Hooks, error) {
	h := &Hooks{}
	for _, hook := range hooks {
		if err := h.Register(hook); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func (h *Hooks) Register(hook any) error {
	matched := false
	if v, ok := hook.(BeforeTrainingHook); ok {
		h.beforeTraining = append(h.beforeTraining, v)
		matched = true
	}
	if v, ok := hook.(AfterCriterionHook); ok {
		h.afterCriterion = append(h.afterCriterion, v)
		matched = true
	}
	if v, ok := hook.(BeforeSubmitHook); ok {
		h.beforeSubmit = append(h.beforeSubmit, v)
		matched = true
	}
	if !matched {
		return fmt.Errorf("%w: %T implements no extension point", ErrInvalidConfig, hook)
	}

	return nil
}

func (h *Hooks) BeforeTraining(ctx context.Context, ev BeforeTrainingEvent) error {
	if h == nil {
		return nil
	}
	for _, hook := range h.beforeTraining {
		if err := hook.BeforeTraining(ctx, ev); err != nil {
			return err
		}
	}

	return nil
}

func (h *Hooks) AfterCriterion(ev AfterCriterionEvent) {
	if h == nil {
		return
	}
	for _, hook := range h.afterCriterion {
		hook.AfterCriterion(ev)
	}
}

func (h *Hooks) BeforeSubmit(ctx context.Context, ev BeforeSubmitEvent) (WeightSet, error) {
	if h == nil {
		return ev.Weights, nil
	}
	for _, hook := range h.beforeSubmit {
		out, err := hook.BeforeSubmit(ctx, ev)
		if err != nil {
			return WeightSet{}, err
		}
		ev.Weights = out
	}

	return ev.Weights, nil
}
