package fl

import "context"

// Trainer runs local training and evaluation. Implementations must be
// deterministic for identical weights, config and seed.
type Trainer interface {
	Train(ctx context.Context, weights WeightSet, cfg TaskConfig) (WeightSet, Metrics, error)
	Evaluate(ctx context.Context, weights WeightSet, cfg TaskConfig) (Metrics, error)
}

// Predictor is implemented by trainers that can emit per-sample predictions.
type Predictor interface {
	Predict(ctx context.Context, weights WeightSet, cfg TaskConfig) ([]float64, error)
}
