package crossval

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/absmach/fedcoord/client"
	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/coordinator/api"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/mqtt"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/absmach/fedcoord/pkg/storage"
	"github.com/absmach/fedcoord/pkg/transport"
	"github.com/absmach/supermq/pkg/server"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const (
	BestCheckpointName = "best.ckpt"
	PredictionsName    = "predictions.csv"
	ResultsName        = "results.json"
)

// TrainerFactory builds a trainer over the given dataset rows.
type TrainerFactory func(indices []int, hooks *fl.Hooks) (fl.Trainer, error)

// FoldResult is the best round of one fold, measured on its test rows.
type FoldResult struct {
	Fold      int        `json:"fold"`
	BestRound uint64     `json:"best_round"`
	Metric    float64    `json:"metric"`
	Metrics   fl.Metrics `json:"metrics"`
}

type Summary struct {
	TargetMetric    string       `json:"target_metric"`
	MetricDirection string       `json:"metric_direction"`
	Folds           []FoldResult `json:"folds"`
	Mean            float64      `json:"mean"`
	Std             float64      `json:"std"`
}

// Values lists the per-fold target metric in fold order.
func (s Summary) Values() []float64 {
	out := make([]float64, len(s.Folds))
	for i, f := range s.Folds {
		out[i] = f.Metric
	}

	return out
}

type Option func(*Orchestrator)

// WithObservers attaches coordinator observers to every fold.
func WithObservers(observers ...coordinator.Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, observers...)
	}
}

// WithPubSub publishes round events and lets the clients wake on them.
func WithPubSub(pubsub mqtt.PubSub, prefix string) Option {
	return func(o *Orchestrator) {
		o.pubsub = pubsub
		o.prefix = prefix
	}
}

// WithInitial seeds round 1 of every fold.
func WithInitial(ws fl.WeightSet) Option {
	return func(o *Orchestrator) {
		o.initial = ws
	}
}

// Orchestrator runs one federated experiment per cross-validation fold,
// with the coordinator and all clients in this process.
type Orchestrator struct {
	cfg       Config
	coord     coordinator.Config
	factory   TrainerFactory
	logger    *slog.Logger
	observers []coordinator.Observer
	pubsub    mqtt.PubSub
	prefix    string
	initial   fl.WeightSet
}

func NewOrchestrator(cfg Config, coord coordinator.Config, factory TrainerFactory, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := coord.Validate(); err != nil {
		return nil, err
	}
	if coord.MinimumClients > len(cfg.Clients) {
		return nil, fmt.Errorf("%w: minimum_clients %d exceeds the %d configured clients", fl.ErrInvalidConfig, coord.MinimumClients, len(cfg.Clients))
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: trainer factory is required", fl.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		coord:   coord,
		factory: factory,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Run executes every fold in order. Any fold failure aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	plans, err := Split(o.cfg.DatasetSize, o.cfg.NumFolds, o.cfg.Seed)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		TargetMetric:    o.cfg.TargetMetric,
		MetricDirection: o.cfg.MetricDirection,
		Folds:           make([]FoldResult, 0, len(plans)),
	}
	for _, plan := range plans {
		res, err := o.runFold(ctx, plan)
		if err != nil {
			return summary, fmt.Errorf("fold %d: %w", plan.FoldIndex, err)
		}
		o.logger.Info("fold finished",
			slog.Int("fold", plan.FoldIndex),
			slog.Uint64("best_round", res.BestRound),
			slog.Float64(o.cfg.TargetMetric, res.Metric),
		)
		summary.Folds = append(summary.Folds, res)
	}

	values := summary.Values()
	summary.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		summary.Std = stat.StdDev(values, nil)
	}
	o.logger.Info(fmt.Sprintf("cross-validation %s: %.6f ± %.6f", o.cfg.TargetMetric, summary.Mean, summary.Std),
		slog.Int("folds", len(values)))

	if o.cfg.SaveResults {
		if err := writeResults(filepath.Join(o.cfg.OutputPath, ResultsName), summary); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func (o *Orchestrator) runFold(ctx context.Context, plan FoldPlan) (FoldResult, error) {
	logger := o.logger.With(slog.Int("fold", plan.FoldIndex))

	persistor, err := storage.NewPersistor(o.foldStorage(plan.FoldIndex))
	if err != nil {
		return FoldResult{}, err
	}
	defer func() {
		if err := persistor.Close(); err != nil {
			logger.Warn("failed to close fold storage", slog.Any("error", err))
		}
	}()
	if err := persistor.Reset(ctx); err != nil {
		return FoldResult{}, fmt.Errorf("failed to clean fold storage: %w", err)
	}

	if err := o.federate(ctx, plan, persistor, logger); err != nil {
		return FoldResult{}, err
	}

	evaluator, err := o.factory(plan.TestIndices, nil)
	if err != nil {
		return FoldResult{}, err
	}
	res, best, err := o.bestRound(ctx, plan, persistor, evaluator)
	if err != nil {
		return FoldResult{}, err
	}

	if o.cfg.SaveResults {
		if err := o.saveFold(ctx, plan, best, evaluator); err != nil {
			return FoldResult{}, err
		}
	}

	return res, nil
}

// federate runs the coordinator and every client until the experiment
// completes.
func (o *Orchestrator) federate(ctx context.Context, plan FoldPlan, persistor fl.Persistor, logger *slog.Logger) error {
	coordCfg := o.coord
	coordCfg.Initial = o.initial

	trainIndices := plan.TrainIndices
	var (
		holdout fl.Trainer
		err     error
	)
	if coordCfg.Aggregator.Type == fl.AggregatorBenchmark {
		var validation []int
		trainIndices, validation, err = Holdout(plan.TrainIndices, o.cfg.HoldoutFraction, o.cfg.Seed+uint64(plan.FoldIndex))
		if err != nil {
			return err
		}
		if holdout, err = o.factory(validation, nil); err != nil {
			return err
		}
	}
	agg, err := fl.NewAggregator(coordCfg.Aggregator, holdout, logger)
	if err != nil {
		return err
	}

	observers := slices.Clone(o.observers)
	if o.pubsub != nil {
		observers = append(observers, coordinator.NewMQTTObserver(o.pubsub, o.prefix, logger))
	}
	svc, err := coordinator.NewService(coordCfg, agg, persistor, logger, observers...)
	if err != nil {
		return err
	}

	srvCfg := transport.Config{Config: server.Config{Host: "127.0.0.1", Port: "0"}, MaxReceiveSize: o.cfg.MaxMessageSize}
	handler := api.MakeHandler(svc, logger, uuid.NewString(), coordCfg.PoolSize())
	hs, err := transport.NewServer(fmt.Sprintf("fold %d coordinator", plan.FoldIndex), srvCfg, handler, logger)
	if err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- hs.Start()
	}()
	go func() {
		if err := svc.Start(monitorCtx); err != nil {
			logger.Warn("coordinator monitor stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		stopMonitor()
		if err := svc.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to shut down fold coordinator", slog.Any("error", err))
		}
		if err := hs.Stop(); err != nil {
			logger.Warn("failed to stop fold server", slog.Any("error", err))
		}
		if err := <-srvErr; err != nil {
			logger.Warn("fold server failed", slog.Any("error", err))
		}
	}()

	shares, err := Shares(trainIndices, o.distribution())
	if err != nil {
		return err
	}

	agents := make([]*client.Agent, len(o.cfg.Clients))
	for i, spec := range o.cfg.Clients {
		if agents[i], err = o.newAgent(spec, shares[i], plan.FoldIndex, "http://"+hs.Addr(), logger); err != nil {
			return fmt.Errorf("client %s: %w", spec.Name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			if err := agent.Run(gctx); err != nil {
				return fmt.Errorf("client %s: %w", o.cfg.Clients[i].Name, err)
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return svc.Wait(ctx)
}

func (o *Orchestrator) newAgent(spec ClientSpec, share []int, fold int, url string, logger *slog.Logger) (*client.Agent, error) {
	var hooks *fl.Hooks
	if spec.FedProxMu > 0 {
		prox, err := fl.NewFedProx(spec.FedProxMu)
		if err != nil {
			return nil, err
		}
		if hooks, err = fl.NewHooks(prox); err != nil {
			return nil, err
		}
	}
	trainer, err := o.factory(share, hooks)
	if err != nil {
		return nil, err
	}
	fedSDK, err := sdk.NewSDK(transport.ClientConfig{
		URL:            url,
		Timeout:        o.coord.RoundTimeout,
		MaxSendSize:    o.cfg.MaxMessageSize,
		MaxReceiveSize: o.cfg.MaxMessageSize,
	})
	if err != nil {
		return nil, err
	}

	cfg := client.Config{
		Name:               spec.Name,
		HeartbeatFrequency: o.cfg.HeartbeatFrequency,
		RetryTimeout:       o.cfg.RetryTimeout,
		SubmitRetries:      o.cfg.SubmitRetries,
		Overrides:          spec.Overrides,
	}
	opts := []client.Option{client.WithHooks(hooks)}
	if spec.SavePath != "" {
		dir := filepath.Join(spec.SavePath, foldDir(fold))
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
		fp, err := fl.NewFilePersistor(dir)
		if err != nil {
			return nil, err
		}
		cfg.SavePath = dir
		opts = append(opts, client.WithPersistor(fp))
	}
	if o.pubsub != nil {
		opts = append(opts, client.WithWakeup(o.pubsub, o.prefix))
	}

	return client.NewAgent(cfg, fedSDK, trainer, logger, opts...)
}

// bestRound scores every round aggregate on the fold's test rows.
func (o *Orchestrator) bestRound(ctx context.Context, plan FoldPlan, persistor fl.Persistor, evaluator fl.Trainer) (FoldResult, fl.Checkpoint, error) {
	res := FoldResult{Fold: plan.FoldIndex}
	var best fl.Checkpoint
	for round := uint64(1); round <= o.coord.RoundsCount; round++ {
		ckpt, err := persistor.Load(ctx, fl.RoundCheckpointName(round))
		if err != nil {
			return FoldResult{}, fl.Checkpoint{}, fmt.Errorf("round %d: %w", round, err)
		}
		metrics, err := evaluator.Evaluate(ctx, ckpt.Weights, nil)
		if err != nil {
			return FoldResult{}, fl.Checkpoint{}, fmt.Errorf("round %d: %w", round, err)
		}
		v, ok := metrics[o.cfg.TargetMetric]
		if !ok || math.IsNaN(v) {
			return FoldResult{}, fl.Checkpoint{}, fmt.Errorf("%w: round %d did not report %q", fl.ErrInvalidConfig, round, o.cfg.TargetMetric)
		}
		if res.BestRound == 0 || o.better(v, res.Metric) {
			res.BestRound = round
			res.Metric = v
			res.Metrics = metrics
			best = ckpt
		}
	}

	return res, best, nil
}

func (o *Orchestrator) better(v, cur float64) bool {
	if o.cfg.MetricDirection == fl.DirectionMaximize {
		return v > cur
	}

	return v < cur
}

func (o *Orchestrator) saveFold(ctx context.Context, plan FoldPlan, best fl.Checkpoint, evaluator fl.Trainer) error {
	out, err := fl.NewFilePersistor(filepath.Join(o.cfg.OutputPath, runDir(plan.FoldIndex)))
	if err != nil {
		return err
	}
	if err := out.Save(ctx, best, BestCheckpointName); err != nil {
		return err
	}

	predictor, ok := evaluator.(fl.Predictor)
	if !ok {
		o.logger.Warn("trainer cannot predict, skipping predictions", slog.Int("fold", plan.FoldIndex))

		return nil
	}
	preds, err := predictor.Predict(ctx, best.Weights, nil)
	if err != nil {
		return err
	}
	if len(preds) != len(plan.TestIndices) {
		return fmt.Errorf("%w: %d predictions for %d test rows", fl.ErrShapeMismatch, len(preds), len(plan.TestIndices))
	}

	return writePredictions(filepath.Join(out.Root(), PredictionsName), plan.TestIndices, preds)
}

func (o *Orchestrator) foldStorage(fold int) storage.Config {
	cfg := o.cfg.Storage
	cfg.Namespace = fmt.Sprintf("%s_%s", cfg.Namespace, foldDir(fold))
	if cfg.Path != "" {
		cfg.Path = filepath.Join(cfg.Path, foldDir(fold))
	}

	return cfg
}

func (o *Orchestrator) distribution() []float64 {
	out := make([]float64, len(o.cfg.Clients))
	for i, c := range o.cfg.Clients {
		out[i] = c.Distribution
	}

	return out
}

func foldDir(fold int) string {
	return fmt.Sprintf("fold_%d", fold)
}

func runDir(fold int) string {
	return fmt.Sprintf("run_%d", fold)
}

func writePredictions(path string, indices []int, preds []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"index", "prediction"}); err != nil {
		return err
	}
	for i, idx := range indices {
		row := []string{strconv.Itoa(idx), strconv.FormatFloat(preds[i], 'g', -1, 64)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return f.Close()
}

func writeResults(path string, summary Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
