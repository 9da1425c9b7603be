package linear

import (
	"context"
	"fmt"
	"math"

	"github.com/absmach/fedcoord/pkg/fl"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	WeightsTensor = "w"
	BiasTensor    = "b"
	// StepsTensor counts gradient steps; it is an integer tensor.
	StepsTensor = "steps"

	EpochsKey       = "epochs"
	LearningRateKey = "lr"
	// IndicesKey restricts a call to a subset of the trainer's rows.
	IndicesKey = "indices"

	defEpochs       = 1
	defLearningRate = 0.01
)

var (
	_ fl.Trainer   = (*Trainer)(nil)
	_ fl.Predictor = (*Trainer)(nil)
)

// Trainer fits y = X·w + b by full-batch gradient descent on mean squared
// error.
type Trainer struct {
	data  Dataset
	hooks *fl.Hooks
}

func New(data Dataset, hooks *fl.Hooks) *Trainer {
	return &Trainer{data: data, hooks: hooks}
}

// Init returns zero weights for the trainer's feature count.
func (t *Trainer) Init() fl.WeightSet {
	ws, _ := fl.NewWeightSet(map[string]fl.Tensor{
		WeightsTensor: fl.NewTensor(make([]float64, t.data.Features())),
		BiasTensor:    fl.NewTensor([]float64{0}),
		StepsTensor:   {Shape: []int{1}, Data: []float64{0}, Integer: true},
	})

	return ws
}

func (t *Trainer) Train(ctx context.Context, ws fl.WeightSet, cfg fl.TaskConfig) (fl.WeightSet, fl.Metrics, error) {
	data, err := t.rows(cfg)
	if err != nil {
		return fl.WeightSet{}, nil, err
	}
	if ws.IsEmpty() {
		ws = t.Init()
	}
	w, b, steps, err := t.unpack(ws)
	if err != nil {
		return fl.WeightSet{}, nil, err
	}

	epochs := cfg.Int(EpochsKey, defEpochs)
	lr := cfg.Float(LearningRateKey, defLearningRate)
	if epochs < 1 || lr <= 0 {
		return fl.WeightSet{}, nil, fmt.Errorf("%w: epochs %d and lr %v must be positive", fl.ErrInvalidConfig, epochs, lr)
	}
	round := uint64(cfg.Int(fl.RoundKey, 0))

	n := float64(data.Len())
	var loss float64
	for range epochs {
		if err := ctx.Err(); err != nil {
			return fl.WeightSet{}, nil, err
		}

		resid := residuals(data, w, b)
		loss = floats.Dot(resid, resid) / n

		gw := mat.NewVecDense(len(w), nil)
		gw.MulVec(data.X.T(), mat.NewVecDense(len(resid), resid))
		gradW := make([]float64, len(w))
		floats.ScaleTo(gradW, 2/n, gw.RawVector().Data)
		gradB := []float64{2 / n * floats.Sum(resid)}

		current, err := pack(w, b, steps)
		if err != nil {
			return fl.WeightSet{}, nil, err
		}
		t.hooks.AfterCriterion(fl.AfterCriterionEvent{
			Round:    round,
			Weights:  current,
			Loss:     &loss,
			Gradient: map[string][]float64{WeightsTensor: gradW, BiasTensor: gradB},
		})

		floats.AddScaled(w, -lr, gradW)
		b -= lr * gradB[0]
		steps++
	}

	out, err := pack(w, b, steps)
	if err != nil {
		return fl.WeightSet{}, nil, err
	}

	return out, fl.Metrics{"loss": loss, "samples": n}, nil
}

// Evaluate reports mse, rmse and r2 on the selected rows.
func (t *Trainer) Evaluate(_ context.Context, ws fl.WeightSet, cfg fl.TaskConfig) (fl.Metrics, error) {
	data, err := t.rows(cfg)
	if err != nil {
		return nil, err
	}
	w, b, _, err := t.unpack(ws)
	if err != nil {
		return nil, err
	}

	resid := residuals(data, w, b)
	mse := floats.Dot(resid, resid) / float64(data.Len())
	r2 := 0.0
	if variance := stat.PopVariance(data.Y, nil); variance > 0 {
		r2 = 1 - mse/variance
	}

	return fl.Metrics{
		"mse":     mse,
		"rmse":    math.Sqrt(mse),
		"r2":      r2,
		"samples": float64(data.Len()),
	}, nil
}

func (t *Trainer) Predict(_ context.Context, ws fl.WeightSet, cfg fl.TaskConfig) ([]float64, error) {
	data, err := t.rows(cfg)
	if err != nil {
		return nil, err
	}
	w, b, _, err := t.unpack(ws)
	if err != nil {
		return nil, err
	}

	return predict(data, w, b), nil
}

func (t *Trainer) rows(cfg fl.TaskConfig) (Dataset, error) {
	indices, err := cfg.Ints(IndicesKey)
	if err != nil {
		return Dataset{}, err
	}
	if indices == nil {
		if t.data.Len() == 0 {
			return Dataset{}, fmt.Errorf("%w: empty dataset", fl.ErrInvalidConfig)
		}

		return t.data, nil
	}

	return t.data.Subset(indices)
}

func (t *Trainer) unpack(ws fl.WeightSet) ([]float64, float64, float64, error) {
	wt, ok := ws.Tensor(WeightsTensor)
	if !ok || len(wt.Data) != t.data.Features() {
		return nil, 0, 0, fmt.Errorf("%w: expected %q with %d values", fl.ErrShapeMismatch, WeightsTensor, t.data.Features())
	}
	bt, ok := ws.Tensor(BiasTensor)
	if !ok || len(bt.Data) != 1 {
		return nil, 0, 0, fmt.Errorf("%w: expected scalar %q", fl.ErrShapeMismatch, BiasTensor)
	}
	var steps float64
	if st, ok := ws.Tensor(StepsTensor); ok && len(st.Data) == 1 {
		steps = st.Data[0]
	}

	return wt.Data, bt.Data[0], steps, nil
}

func pack(w []float64, b, steps float64) (fl.WeightSet, error) {
	return fl.NewWeightSet(map[string]fl.Tensor{
		WeightsTensor: fl.NewTensor(append([]float64(nil), w...)),
		BiasTensor:    fl.NewTensor([]float64{b}),
		StepsTensor:   {Shape: []int{1}, Data: []float64{steps}, Integer: true},
	})
}

func predict(data Dataset, w []float64, b float64) []float64 {
	pred := mat.NewVecDense(data.Len(), nil)
	pred.MulVec(data.X, mat.NewVecDense(len(w), w))
	out := pred.RawVector().Data
	floats.AddConst(b, out)

	return out
}

func residuals(data Dataset, w []float64, b float64) []float64 {
	pred := predict(data, w, b)
	floats.Sub(pred, data.Y)

	return pred
}
