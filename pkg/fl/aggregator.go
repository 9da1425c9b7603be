package fl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

const (
	AggregatorPlain     = "plain"
	AggregatorWeighted  = "weighted"
	AggregatorBenchmark = "benchmark"

	DirectionMaximize = "maximize"
	DirectionMinimize = "minimize"
)

// Aggregator merges the weight sets submitted in one round.
type Aggregator interface {
	Aggregate(ctx context.Context, submissions map[string]WeightSet) (WeightSet, error)
}

type AggregatorConfig struct {
	Type            string             `toml:"type"             json:"type"`
	Weights         map[string]float64 `toml:"weights"          json:"weights,omitempty"`
	TargetMetric    string             `toml:"target_metric"    json:"target_metric,omitempty"`
	MetricDirection string             `toml:"metric_direction" json:"metric_direction,omitempty"`
	Holdout         TaskConfig         `toml:"holdout"          json:"holdout,omitempty"`
}

// NewAggregator builds the configured strategy. Benchmark needs a trainer
// and a holdout config; their absence is a startup error.
func NewAggregator(cfg AggregatorConfig, trainer Trainer, logger *slog.Logger) (Aggregator, error) {
	switch cfg.Type {
	case "", AggregatorPlain:
		return PlainAggregator{}, nil
	case AggregatorWeighted:
		return NewWeightedAggregator(cfg.Weights)
	case AggregatorBenchmark:
		return NewBenchmarkAggregator(trainer, cfg.Holdout, cfg.TargetMetric, cfg.MetricDirection, logger)
	default:
		return nil, fmt.Errorf("%w: unknown aggregator %q", ErrInvalidConfig, cfg.Type)
	}
}

func sortedIDs(submissions map[string]WeightSet) []string {
	ids := make([]string, 0, len(submissions))
	for id := range submissions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// weightedMean computes Σ w_i·s_i over ids in order. Weights must already be
// normalized. The first term is scaled rather than added to zero so that a
// weight of exactly 1 reproduces the submission bit for bit.
func weightedMean(ids []string, weights map[string]float64, submissions map[string]WeightSet) (WeightSet, error) {
	acc := submissions[ids[0]].Scale(weights[ids[0]])
	for _, id := range ids[1:] {
		next, err := acc.AddScaled(weights[id], submissions[id])
		if err != nil {
			return WeightSet{}, fmt.Errorf("client %q: %w", id, err)
		}
		acc = next
	}

	return acc.FloorIntegers(), nil
}

// PlainAggregator is the unweighted mean (FedAvg with equal shares).
type PlainAggregator struct{}

func (PlainAggregator) Aggregate(_ context.Context, submissions map[string]WeightSet) (WeightSet, error) {
	if len(submissions) == 0 {
		return WeightSet{}, ErrInsufficientSubmissions
	}

	ids := sortedIDs(submissions)
	acc := submissions[ids[0]].Clone()
	for _, id := range ids[1:] {
		next, err := acc.Add(submissions[id])
		if err != nil {
			return WeightSet{}, fmt.Errorf("client %q: %w", id, err)
		}
		acc = next
	}

	return acc.Divide(float64(len(ids))), nil
}

// WeightedAggregator uses a static client weight table, renormalized over
// the clients that actually submitted.
type WeightedAggregator struct {
	table map[string]float64
}

func NewWeightedAggregator(table map[string]float64) (*WeightedAggregator, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: weighted aggregator needs a weight table", ErrInvalidConfig)
	}

	var errs error
	var sum float64
	for id, w := range table {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = errors.Join(errs, fmt.Errorf("%w: weight for %q is %v", ErrInvalidWeights, id, w))
		}
		sum += w
	}
	if sum <= 0 {
		errs = errors.Join(errs, fmt.Errorf("%w: weights sum to %v", ErrInvalidWeights, sum))
	}
	if errs != nil {
		return nil, errors.Join(ErrInvalidConfig, errs)
	}

	cp := make(map[string]float64, len(table))
	for id, w := range table {
		cp[id] = w
	}

	return &WeightedAggregator{table: cp}, nil
}

// Unknown lists table entries that do not belong to any of the given clients.
func (a *WeightedAggregator) Unknown(clients []string) []string {
	var unknown []string
	for id := range a.table {
		if !slices.Contains(clients, id) {
			unknown = append(unknown, id)
		}
	}
	slices.Sort(unknown)

	return unknown
}

// Shares returns the normalized weight of every submitter. Submitters
// missing from the table get the mean of the present entries.
func (a *WeightedAggregator) Shares(ids []string) (map[string]float64, error) {
	var present []float64
	for _, id := range ids {
		if w, ok := a.table[id]; ok {
			present = append(present, w)
		}
	}
	fallback := 1.0
	if len(present) > 0 {
		var s float64
		for _, w := range present {
			s += w
		}
		fallback = s / float64(len(present))
	}

	raw := make(map[string]float64, len(ids))
	var sum float64
	for _, id := range ids {
		w, ok := a.table[id]
		if !ok {
			w = fallback
		}
		raw[id] = w
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: submitters carry no weight", ErrInvalidWeights)
	}
	for id := range raw {
		raw[id] /= sum
	}

	return raw, nil
}

func (a *WeightedAggregator) Aggregate(_ context.Context, submissions map[string]WeightSet) (WeightSet, error) {
	if len(submissions) == 0 {
		return WeightSet{}, ErrInsufficientSubmissions
	}

	ids := sortedIDs(submissions)
	shares, err := a.Shares(ids)
	if err != nil {
		return WeightSet{}, err
	}

	return weightedMean(ids, shares, submissions)
}

// BenchmarkAggregator scores each submission on a holdout set held by the
// coordinator and weights the merge by that score.
type BenchmarkAggregator struct {
	trainer   Trainer
	holdout   TaskConfig
	metric    string
	direction string
	logger    *slog.Logger
}

func NewBenchmarkAggregator(trainer Trainer, holdout TaskConfig, metric, direction string, logger *slog.Logger) (*BenchmarkAggregator, error) {
	var errs error
	if trainer == nil {
		errs = errors.Join(errs, errors.New("benchmark aggregator needs a trainer"))
	}
	if len(holdout) == 0 {
		errs = errors.Join(errs, errors.New("benchmark aggregator needs holdout data"))
	}
	if metric == "" {
		errs = errors.Join(errs, errors.New("benchmark aggregator needs a target metric"))
	}
	if direction != DirectionMaximize && direction != DirectionMinimize {
		errs = errors.Join(errs, fmt.Errorf("metric direction must be %q or %q, got %q", DirectionMaximize, DirectionMinimize, direction))
	}
	if errs != nil {
		return nil, errors.Join(ErrInvalidConfig, errs)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BenchmarkAggregator{
		trainer:   trainer,
		holdout:   holdout,
		metric:    metric,
		direction: direction,
		logger:    logger,
	}, nil
}

func (a *BenchmarkAggregator) Aggregate(ctx context.Context, submissions map[string]WeightSet) (WeightSet, error) {
	if len(submissions) == 0 {
		return WeightSet{}, ErrInsufficientSubmissions
	}

	ids := sortedIDs(submissions)
	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		metrics, err := a.trainer.Evaluate(ctx, submissions[id], a.holdout)
		if err != nil {
			return WeightSet{}, fmt.Errorf("evaluate submission of %q: %w", id, err)
		}
		score, ok := metrics[a.metric]
		if !ok {
			return WeightSet{}, fmt.Errorf("%w: trainer did not report %q", ErrInvalidConfig, a.metric)
		}
		scores[id] = score
	}

	shares, err := a.shares(ids, scores)
	if err != nil {
		return WeightSet{}, err
	}
	a.logger.Debug("benchmark shares computed", slog.Any("scores", scores), slog.Any("shares", shares))

	return weightedMean(ids, shares, submissions)
}

func (a *BenchmarkAggregator) shares(ids []string, scores map[string]float64) (map[string]float64, error) {
	shares := make(map[string]float64, len(ids))
	if len(ids) == 1 {
		shares[ids[0]] = 1

		return shares, nil
	}

	var sum float64
	for _, id := range ids {
		if scores[id] < 0 || math.IsNaN(scores[id]) {
			return nil, fmt.Errorf("%w: %s for %q is %v", ErrInvalidWeights, a.metric, id, scores[id])
		}
		sum += scores[id]
	}
	if sum <= 0 {
		// Every submission scored zero; fall back to equal shares.
		for _, id := range ids {
			shares[id] = 1 / float64(len(ids))
		}

		return shares, nil
	}
	for _, id := range ids {
		shares[id] = scores[id] / sum
	}
	if a.direction == DirectionMaximize {
		return shares, nil
	}

	// Lower is better: complement and renormalize.
	var csum float64
	for _, id := range ids {
		shares[id] = 1 - shares[id]
		csum += shares[id]
	}
	for _, id := range ids {
		shares[id] /= csum
	}

	return shares, nil
}
