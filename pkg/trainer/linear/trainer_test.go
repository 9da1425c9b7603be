package linear_test

import (
	"context"
	"testing"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/trainer/linear"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type lossRecorder struct {
	losses []float64
}

func (r *lossRecorder) AfterCriterion(ev fl.AfterCriterionEvent) {
	r.losses = append(r.losses, *ev.Loss)
}

func TestSyntheticIsDeterministic(t *testing.T) {
	a := linear.Synthetic(50, 3, 0.1, 42)
	b := linear.Synthetic(50, 3, 0.1, 42)
	c := linear.Synthetic(50, 3, 0.1, 43)

	assert.True(t, mat.Equal(a.X, b.X))
	assert.Equal(t, a.Y, b.Y)
	assert.NotEqual(t, a.Y, c.Y)
	assert.Equal(t, 50, a.Len())
	assert.Equal(t, 3, a.Features())
}

func TestSubset(t *testing.T) {
	data := linear.Synthetic(10, 2, 0, 1)

	cases := []struct {
		desc    string
		indices []int
		err     error
	}{
		{
			desc:    "ordered rows",
			indices: []int{7, 2, 9},
		},
		{
			desc:    "out of range",
			indices: []int{10},
			err:     fl.ErrInvalidConfig,
		},
		{
			desc: "empty",
			err:  fl.ErrInvalidConfig,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			sub, err := data.Subset(tc.indices)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			require.Equal(t, len(tc.indices), sub.Len())
			for i, idx := range tc.indices {
				assert.Equal(t, data.Y[idx], sub.Y[i])
				assert.Equal(t, data.X.RawRowView(idx), sub.X.RawRowView(i))
			}
		})
	}
}

func TestTrainConverges(t *testing.T) {
	rec := &lossRecorder{}
	hooks, err := fl.NewHooks(rec)
	require.NoError(t, err)
	tr := linear.New(linear.Synthetic(200, 3, 0.01, 7), hooks)

	ws, metrics, err := tr.Train(context.Background(), fl.WeightSet{}, fl.TaskConfig{"epochs": 300, "lr": 0.1})
	require.NoError(t, err)
	require.Len(t, rec.losses, 300)
	assert.Less(t, rec.losses[len(rec.losses)-1], rec.losses[0])
	assert.Equal(t, 200.0, metrics["samples"])

	steps, ok := ws.Tensor(linear.StepsTensor)
	require.True(t, ok)
	assert.True(t, steps.Integer)
	assert.Equal(t, []float64{300}, steps.Data)

	eval, err := tr.Evaluate(context.Background(), ws, nil)
	require.NoError(t, err)
	assert.Greater(t, eval["r2"], 0.99)
	assert.InDelta(t, eval["mse"], eval["rmse"]*eval["rmse"], 1e-12)

	pred, err := tr.Predict(context.Background(), ws, fl.TaskConfig{linear.IndicesKey: []int{0, 1, 2}})
	require.NoError(t, err)
	assert.Len(t, pred, 3)
}

func TestTrainContinuesFromCheckpoint(t *testing.T) {
	tr := linear.New(linear.Synthetic(100, 2, 0.01, 3), nil)
	cfg := fl.TaskConfig{"epochs": 5, "lr": 0.05}

	first, _, err := tr.Train(context.Background(), tr.Init(), cfg)
	require.NoError(t, err)
	second, _, err := tr.Train(context.Background(), first, cfg)
	require.NoError(t, err)
	direct, _, err := tr.Train(context.Background(), tr.Init(), fl.TaskConfig{"epochs": 10, "lr": 0.05})
	require.NoError(t, err)

	assert.True(t, second.EqualApprox(direct, 1e-12))
}

func TestFedProxPullsTowardsCheckpoint(t *testing.T) {
	data := linear.Synthetic(100, 2, 0.01, 5)
	plain := linear.New(data, nil)
	start := plain.Init()
	cfg := fl.TaskConfig{"epochs": 20, "lr": 0.05}

	free, _, err := plain.Train(context.Background(), start, cfg)
	require.NoError(t, err)

	prox, err := fl.NewFedProx(10)
	require.NoError(t, err)
	hooks, err := fl.NewHooks(prox)
	require.NoError(t, err)
	require.NoError(t, hooks.BeforeTraining(context.Background(), fl.BeforeTrainingEvent{Checkpoint: start}))
	held, _, err := linear.New(data, hooks).Train(context.Background(), start, cfg)
	require.NoError(t, err)

	freeDelta, err := free.Sub(start)
	require.NoError(t, err)
	heldDelta, err := held.Sub(start)
	require.NoError(t, err)
	assert.Less(t, heldDelta.SquaredNorm(), freeDelta.SquaredNorm())
}

func TestTrainErrors(t *testing.T) {
	tr := linear.New(linear.Synthetic(20, 2, 0, 1), nil)
	wrong, err := fl.NewWeightSet(map[string]fl.Tensor{
		linear.WeightsTensor: fl.NewTensor([]float64{1, 2, 3}),
		linear.BiasTensor:    fl.NewTensor([]float64{0}),
	})
	require.NoError(t, err)

	cases := []struct {
		desc string
		ws   fl.WeightSet
		cfg  fl.TaskConfig
		err  error
	}{
		{
			desc: "feature count mismatch",
			ws:   wrong,
			err:  fl.ErrShapeMismatch,
		},
		{
			desc: "negative learning rate",
			ws:   tr.Init(),
			cfg:  fl.TaskConfig{"lr": -1},
			err:  fl.ErrInvalidConfig,
		},
		{
			desc: "index out of range",
			ws:   tr.Init(),
			cfg:  fl.TaskConfig{linear.IndicesKey: []int{99}},
			err:  fl.ErrInvalidConfig,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, _, err := tr.Train(context.Background(), tc.ws, tc.cfg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
