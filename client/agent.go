package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/mqtt"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// LatestCheckpointName is where SavePath keeps the last received checkpoint.
const LatestCheckpointName = "latest.ckpt"

const closeTimeout = 5 * time.Second

type State uint8

const (
	Connecting State = iota
	Registered
	WaitingForTask
	Training
	Submitting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case WaitingForTask:
		return "waiting_for_task"
	case Training:
		return "training"
	case Submitting:
		return "submitting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Option func(*Agent)

func WithHooks(hooks *fl.Hooks) Option {
	return func(a *Agent) {
		a.hooks = hooks
	}
}

// WithPersistor keeps the latest received checkpoint.
func WithPersistor(p fl.Persistor) Option {
	return func(a *Agent) {
		a.persistor = p
	}
}

// WithWakeup subscribes to round-start events so the agent fetches the new
// task without waiting out its retry timeout.
func WithWakeup(pubsub mqtt.PubSub, prefix string) Option {
	return func(a *Agent) {
		a.pubsub = pubsub
		a.prefix = prefix
	}
}

// Agent trains locally on behalf of one data holder.
type Agent struct {
	cfg       Config
	sdk       sdk.SDK
	trainer   fl.Trainer
	hooks     *fl.Hooks
	persistor fl.Persistor
	pubsub    mqtt.PubSub
	prefix    string
	logger    *slog.Logger
	wake      chan struct{}

	mu     sync.Mutex
	state  State
	token  string
	rounds []uint64
}

func NewAgent(cfg Config, client sdk.SDK, trainer fl.Trainer, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || trainer == nil {
		return nil, fmt.Errorf("%w: sdk and trainer are required", fl.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		cfg:     cfg,
		sdk:     client,
		trainer: trainer,
		logger:  logger.With(slog.String("client", cfg.Name)),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Rounds lists the rounds whose submission the coordinator accepted.
func (a *Agent) Rounds() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]uint64(nil), a.rounds...)
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// Run registers, trains every round it is given and returns nil once the
// experiment completes or the coordinator declares this client dead.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(Disconnected)

	a.setState(Connecting)
	adm, err := a.register(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = adm.Token
	a.state = Registered
	a.mu.Unlock()
	a.logger.Info("registered with coordinator")

	if a.pubsub != nil {
		topic := coordinator.Topic(a.prefix, coordinator.RoundStartedTopic)
		if err := a.pubsub.Subscribe(ctx, topic, a.handleRoundStarted); err != nil {
			a.logger.Warn("failed to subscribe to round events", slog.Any("error", err))
		} else {
			defer func() {
				if err := a.pubsub.Unsubscribe(context.WithoutCancel(ctx), topic); err != nil {
					a.logger.Warn("failed to unsubscribe from round events", slog.Any("error", err))
				}
			}()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.heartbeats(gctx, adm.Token)
	})
	g.Go(func() error {
		defer cancel()

		return a.taskLoop(gctx, adm.Token)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, fl.ErrExperimentComplete):
		a.logger.Info("experiment complete", slog.Int("rounds", len(a.Rounds())))

		return nil
	case errors.Is(err, fl.ErrClientDead):
		a.logger.Warn("coordinator declared this client dead")

		return nil
	}

	a.close(ctx, adm.Token)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}

func (a *Agent) register(ctx context.Context) (sdk.Admission, error) {
	return backoff.Retry(ctx, func() (sdk.Admission, error) {
		adm, err := a.sdk.Register(ctx, a.cfg.Name)
		if err != nil && !fl.IsTransient(err) {
			return sdk.Admission{}, backoff.Permanent(err)
		}

		return adm, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(a.cfg.RetryTimeout)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("coordinator unreachable, retrying registration", slog.Any("error", err), slog.Duration("retry_in", next))
		}),
	)
}

// heartbeats runs until ctx ends. Failed beats are retried on the next tick;
// only a terminal answer from the coordinator stops it.
func (a *Agent) heartbeats(ctx context.Context, token string) error {
	ticker := time.NewTicker(a.cfg.HeartbeatFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := a.sdk.Heartbeat(ctx, a.cfg.Name, token)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, fl.ErrExperimentComplete), errors.Is(err, fl.ErrClientDead):
			return err
		default:
			a.logger.Warn("heartbeat failed", slog.Any("error", err))
		}
	}
}

func (a *Agent) taskLoop(ctx context.Context, token string) error {
	var last uint64
	for {
		a.setState(WaitingForTask)
		task, err := a.sdk.FetchTask(ctx, a.cfg.Name, token)
		switch {
		case errors.Is(err, fl.ErrWait), fl.IsTransient(err):
			if fl.IsTransient(err) {
				a.logger.Warn("fetch task failed", slog.Any("error", err))
			}
			if err := a.sleep(ctx); err != nil {
				return err
			}

			continue
		case err != nil:
			return err
		case task.Round <= last:
			if err := a.sleep(ctx); err != nil {
				return err
			}

			continue
		}
		last = task.Round

		if err := a.runRound(ctx, token, task); err != nil {
			return err
		}
	}
}

func (a *Agent) runRound(ctx context.Context, token string, task fl.Task) error {
	log := a.logger.With(slog.Uint64("round", task.Round))

	if a.persistor != nil && !task.Checkpoint.IsEmpty() {
		ckpt := fl.Checkpoint{Round: task.Round - 1, Weights: task.Checkpoint, CreatedAt: time.Now().UTC()}
		if err := a.persistor.Save(ctx, ckpt, LatestCheckpointName); err != nil {
			log.Warn("failed to save received checkpoint", slog.Any("error", err))
		}
	}

	a.setState(Training)
	cfg := task.Config.Merge(a.cfg.Overrides)
	cfg[fl.RoundKey] = task.Round
	if err := a.hooks.BeforeTraining(ctx, fl.BeforeTrainingEvent{
		ClientID:   a.cfg.Name,
		Round:      task.Round,
		Checkpoint: task.Checkpoint,
		Config:     cfg,
	}); err != nil {
		return fmt.Errorf("before training hook: %w", err)
	}

	weights, metrics, err := a.trainer.Train(ctx, task.Checkpoint, cfg)
	if err != nil {
		return fmt.Errorf("round %d training: %w", task.Round, err)
	}
	weights, err = a.hooks.BeforeSubmit(ctx, fl.BeforeSubmitEvent{
		ClientID: a.cfg.Name,
		Round:    task.Round,
		Weights:  weights,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("before submit hook: %w", err)
	}

	a.setState(Submitting)
	status, err := a.submit(ctx, token, fl.Submission{
		ClientID: a.cfg.Name,
		Round:    task.Round,
		Weights:  weights,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	switch status {
	case fl.SubmitAccepted:
		a.mu.Lock()
		a.rounds = append(a.rounds, task.Round)
		a.mu.Unlock()
		log.Info("submission accepted", slog.Any("metrics", metrics))
	case fl.SubmitStaleRound:
		log.Debug("round closed before submission")
	}

	return nil
}

func (a *Agent) submit(ctx context.Context, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryTimeout
	b.MaxInterval = 8 * a.cfg.RetryTimeout

	return backoff.Retry(ctx, func() (fl.SubmitStatus, error) {
		status, err := a.sdk.SubmitWeights(ctx, a.cfg.Name, token, sub)
		if err != nil && !fl.IsTransient(err) {
			return status, backoff.Permanent(err)
		}

		return status, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.cfg.SubmitRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("submission failed, retrying", slog.Uint64("round", sub.Round), slog.Any("error", err), slog.Duration("retry_in", next))
		}),
	)
}

// sleep waits out the retry timeout or until a round-start event arrives.
func (a *Agent) sleep(ctx context.Context) error {
	timer := time.NewTimer(a.cfg.RetryTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.wake:
	case <-timer.C:
	}

	return nil
}

func (a *Agent) handleRoundStarted(_ string, _ map[string]any) error {
	select {
	case a.wake <- struct{}{}:
	default:
	}

	return nil
}

// close leaves the experiment best-effort; the coordinator reaps the session
// through the heartbeat monitor otherwise.
func (a *Agent) close(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := a.sdk.Close(ctx, a.cfg.Name, token); err != nil {
		a.logger.Warn("failed to close session", slog.Any("error", err))
	}
}
