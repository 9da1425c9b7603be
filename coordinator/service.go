package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

var ErrShutdown = errors.New("coordinator shut down")

var _ Service = (*coordinator)(nil)

type coordinator struct {
	cfg        Config
	aggregator fl.Aggregator
	persistor  fl.Persistor
	observers  []Observer
	logger     *slog.Logger

	// mu guards the fields below it. Lock order is mu, then sessionsMu, then
	// a single session's mu.
	mu          sync.Mutex
	phase       Phase
	round       uint64
	deadline    time.Time
	roundStart  time.Time
	checkpoint  fl.WeightSet
	windowTimer *time.Timer
	roundTimer  *time.Timer
	err         error

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	// advanceMu serializes round close and aggregation.
	advanceMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

// NewService validates cfg and returns a coordinator waiting for clients.
func NewService(cfg Config, aggregator fl.Aggregator, persistor fl.Persistor, logger *slog.Logger, observers ...Observer) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if aggregator == nil {
		return nil, fmt.Errorf("%w: aggregator is required", fl.ErrInvalidConfig)
	}
	if persistor == nil {
		return nil, fmt.Errorf("%w: persistor is required", fl.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &coordinator{
		cfg:        cfg,
		aggregator: aggregator,
		persistor:  persistor,
		observers:  observers,
		logger:     logger,
		phase:      WaitingForClients,
		checkpoint: cfg.Initial,
		sessions:   make(map[string]*session),
		done:       make(chan struct{}),
	}, nil
}

func (c *coordinator) notify(ctx context.Context, events ...Event) {
	for _, ev := range events {
		for _, o := range c.observers {
			o.Notify(ctx, ev)
		}
	}
}

func (c *coordinator) terminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// session authenticates a client call. It takes only sessionsMu.
func (c *coordinator) session(clientID, token string) (*session, error) {
	if c.terminated() {
		return nil, fl.ErrExperimentComplete
	}

	c.sessionsMu.RLock()
	s, ok := c.sessions[clientID]
	c.sessionsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", fl.ErrUnknownClient, clientID)
	}
	if s.token != token {
		return nil, fl.ErrUnauthorized
	}

	return s, nil
}

func (c *coordinator) sessionList() []*session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	slices.SortFunc(list, func(a, b *session) int {
		return cmp.Compare(a.id, b.id)
	})

	return list
}

func (c *coordinator) Status(_ context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		Phase:       c.phase.String(),
		Round:       c.round,
		RoundsCount: c.cfg.RoundsCount,
	}
	if c.phase == RoundActive {
		deadline := c.deadline
		st.Deadline = &deadline
	}
	sessions := c.sessionList()
	c.mu.Unlock()

	st.Sessions = make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, s.info())
	}

	return st, nil
}

func (c *coordinator) Close(ctx context.Context, clientID, token string) error {
	s, err := c.session(clientID, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionsMu.Lock()
	delete(c.sessions, clientID)
	c.sessionsMu.Unlock()
	round, ready := c.round, c.quorumReadyLocked()
	c.mu.Unlock()

	s.mu.Lock()
	alive := s.state != Dead
	s.state = Dead
	left := ClientLeft{ClientID: clientID, Round: s.round}
	s.mu.Unlock()

	c.logger.Info("client left the experiment", slog.String("client_id", clientID))
	if alive {
		c.notify(ctx, left)
	}
	if ready {
		c.closeRound(context.WithoutCancel(ctx), round)
	}

	return nil
}

func (c *coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			c.checkHeartbeats(ctx)
		}
	}
}

func (c *coordinator) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()

		return nil
	}
	c.finishLocked(Aborted, ErrShutdown)
	round := c.round
	c.mu.Unlock()

	c.logger.Info("coordinator shut down", slog.Uint64("round", round))
	c.notify(ctx, ExperimentFinished{Rounds: round, Err: ErrShutdown})

	return nil
}

// finishLocked moves to a terminal phase, stops timers, releases sessions and
// broadcasts the terminal signal.
func (c *coordinator) finishLocked(phase Phase, err error) {
	c.phase = phase
	c.err = err
	if c.windowTimer != nil {
		c.windowTimer.Stop()
		c.windowTimer = nil
	}
	if c.roundTimer != nil {
		c.roundTimer.Stop()
		c.roundTimer = nil
	}

	c.sessionsMu.Lock()
	clear(c.sessions)
	c.sessionsMu.Unlock()

	c.doneOnce.Do(func() {
		close(c.done)
	})
}
