package fl_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scoreTrainer reports a fixed score per first weight value.
type scoreTrainer struct {
	scores map[float64]float64
}

func (s scoreTrainer) Train(_ context.Context, ws fl.WeightSet, _ fl.TaskConfig) (fl.WeightSet, fl.Metrics, error) {
	return ws, nil, nil
}

func (s scoreTrainer) Evaluate(_ context.Context, ws fl.WeightSet, _ fl.TaskConfig) (fl.Metrics, error) {
	w, _ := ws.Tensor("w")

	return fl.Metrics{"score": s.scores[w.Data[0]]}, nil
}

func vec(t *testing.T, values ...float64) fl.WeightSet {
	t.Helper()

	return mustWeights(t, map[string]fl.Tensor{"w": fl.NewTensor(values)})
}

func TestAggregatorsRejectEmptyInput(t *testing.T) {
	t.Parallel()

	weighted, err := fl.NewWeightedAggregator(map[string]float64{"a": 1})
	require.NoError(t, err)
	bench, err := fl.NewBenchmarkAggregator(scoreTrainer{}, fl.TaskConfig{"split": "holdout"}, "score", fl.DirectionMaximize, nil)
	require.NoError(t, err)

	cases := []struct {
		desc string
		agg  fl.Aggregator
	}{
		{desc: "plain", agg: fl.PlainAggregator{}},
		{desc: "weighted", agg: weighted},
		{desc: "benchmark", agg: bench},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := tc.agg.Aggregate(context.Background(), map[string]fl.WeightSet{})
			assert.ErrorIs(t, err, fl.ErrInsufficientSubmissions)
		})
	}
}

func TestPlainAggregatorOrderIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	ids := []string{"alpha", "bravo", "charlie", "delta", "echo"}

	want := map[string]fl.WeightSet{}
	for _, id := range ids {
		values := make([]float64, 16)
		for i := range values {
			values[i] = rng.NormFloat64() * 1e3
		}
		want[id] = vec(t, values...)
	}
	expected, err := fl.PlainAggregator{}.Aggregate(context.Background(), want)
	require.NoError(t, err)

	for range 20 {
		perm := rng.Perm(len(ids))
		shuffled := make(map[string]fl.WeightSet, len(ids))
		for _, i := range perm {
			shuffled[ids[i]] = want[ids[i]]
		}
		got, err := fl.PlainAggregator{}.Aggregate(context.Background(), shuffled)
		require.NoError(t, err)
		assert.True(t, expected.Equal(got))
	}
}

func TestPlainAggregatorMean(t *testing.T) {
	t.Parallel()

	got, err := fl.PlainAggregator{}.Aggregate(context.Background(), map[string]fl.WeightSet{
		"a": vec(t, 1, 2, 3),
		"b": vec(t, 3, 4, 5),
	})
	require.NoError(t, err)
	assert.True(t, vec(t, 2, 3, 4).Equal(got))
}

func TestWeightedAggregator(t *testing.T) {
	t.Parallel()

	agg, err := fl.NewWeightedAggregator(map[string]float64{"a": 0.8, "b": 0.2})
	require.NoError(t, err)

	a := vec(t, 0.1, 0.7, -3.3)
	b := vec(t, 10, 20, 30)

	cases := []struct {
		desc        string
		submissions map[string]fl.WeightSet
		want        fl.WeightSet
	}{
		{
			desc:        "sole survivor receives the full weight",
			submissions: map[string]fl.WeightSet{"a": a},
			want:        a,
		},
		{
			desc:        "both submit",
			submissions: map[string]fl.WeightSet{"a": a, "b": b},
			want:        vec(t, 0.8*0.1+0.2*10, 0.8*0.7+0.2*20, 0.8*-3.3+0.2*30),
		},
		{
			desc:        "unknown submitter gets the mean share",
			submissions: map[string]fl.WeightSet{"a": vec(t, 0), "c": vec(t, 1)},
			want:        vec(t, 0.5),
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := agg.Aggregate(context.Background(), tc.submissions)
			require.NoError(t, err)
			assert.True(t, tc.want.EqualApprox(got, 1e-12), "got %v", got)
		})
	}

	sole, err := agg.Aggregate(context.Background(), map[string]fl.WeightSet{"a": a})
	require.NoError(t, err)
	assert.True(t, a.Equal(sole), "sole survivor is reproduced exactly")

	assert.Equal(t, []string{"b"}, agg.Unknown([]string{"a", "z"}))
}

func TestNewWeightedAggregatorValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc  string
		table map[string]float64
		err   error
	}{
		{desc: "valid table", table: map[string]float64{"a": 1, "b": 0}},
		{desc: "empty table", table: nil, err: fl.ErrInvalidConfig},
		{desc: "negative weight", table: map[string]float64{"a": -1, "b": 2}, err: fl.ErrInvalidWeights},
		{desc: "zero sum", table: map[string]float64{"a": 0}, err: fl.ErrInvalidWeights},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := fl.NewWeightedAggregator(tc.table)
			if tc.err == nil {
				assert.NoError(t, err)

				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestBenchmarkAggregator(t *testing.T) {
	t.Parallel()

	trainer := scoreTrainer{scores: map[float64]float64{1: 3, 5: 1}}
	holdout := fl.TaskConfig{"split": "holdout"}
	submissions := map[string]fl.WeightSet{"a": vec(t, 1), "b": vec(t, 5)}

	cases := []struct {
		desc      string
		direction string
		want      float64
	}{
		// shares 0.75 / 0.25
		{desc: "maximize", direction: fl.DirectionMaximize, want: 0.75*1 + 0.25*5},
		// complemented shares 0.25 / 0.75
		{desc: "minimize", direction: fl.DirectionMinimize, want: 0.25*1 + 0.75*5},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			agg, err := fl.NewBenchmarkAggregator(trainer, holdout, "score", tc.direction, nil)
			require.NoError(t, err)
			got, err := agg.Aggregate(context.Background(), submissions)
			require.NoError(t, err)
			assert.True(t, vec(t, tc.want).EqualApprox(got, 1e-12), "got %v", got)
		})
	}

	agg, err := fl.NewBenchmarkAggregator(trainer, holdout, "score", fl.DirectionMinimize, nil)
	require.NoError(t, err)
	single, err := agg.Aggregate(context.Background(), map[string]fl.WeightSet{"b": vec(t, 5)})
	require.NoError(t, err)
	assert.True(t, vec(t, 5).Equal(single))
}

func TestNewAggregator(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc string
		cfg  fl.AggregatorConfig
		err  error
	}{
		{desc: "default is plain", cfg: fl.AggregatorConfig{}},
		{desc: "weighted", cfg: fl.AggregatorConfig{Type: fl.AggregatorWeighted, Weights: map[string]float64{"a": 1}}},
		{desc: "benchmark without holdout", cfg: fl.AggregatorConfig{Type: fl.AggregatorBenchmark, TargetMetric: "r2", MetricDirection: fl.DirectionMaximize}, err: fl.ErrInvalidConfig},
		{desc: "benchmark without direction", cfg: fl.AggregatorConfig{Type: fl.AggregatorBenchmark, TargetMetric: "r2", Holdout: fl.TaskConfig{"x": 1}}, err: fl.ErrInvalidConfig},
		{desc: "unknown type", cfg: fl.AggregatorConfig{Type: "median"}, err: fl.ErrInvalidConfig},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := fl.NewAggregator(tc.cfg, scoreTrainer{}, nil)
			if tc.err == nil {
				assert.NoError(t, err)

				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
