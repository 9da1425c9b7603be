package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func vec(t *testing.T, values ...float64) fl.WeightSet {
	t.Helper()

	ws, err := fl.NewWeightSet(map[string]fl.Tensor{"w": fl.NewTensor(values)})
	require.NoError(t, err)

	return ws
}

func baseConfig() coordinator.Config {
	return coordinator.Config{
		MinimumClients:         2,
		MaximumClients:         2,
		ClientWaitTime:         50 * time.Millisecond,
		HeartbeatTimeout:       time.Hour,
		HeartbeatCheckInterval: 10 * time.Millisecond,
		RoundsCount:            1,
		RoundTimeout:           time.Minute,
		Workers:                2,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []coordinator.Event
}

func (r *recorder) Notify(_ context.Context, ev coordinator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind())
	}

	return kinds
}

func newService(t *testing.T, cfg coordinator.Config, observers ...coordinator.Observer) (coordinator.Service, *fl.MemoryPersistor) {
	t.Helper()

	persistor := fl.NewMemoryPersistor()
	svc, err := coordinator.NewService(cfg, fl.PlainAggregator{}, persistor, logger, observers...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})

	return svc, persistor
}

func startMonitor(t *testing.T, svc coordinator.Service) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func phase(t *testing.T, svc coordinator.Service) string {
	t.Helper()

	st, err := svc.Status(context.Background())
	require.NoError(t, err)

	return st.Phase
}

func sessionState(t *testing.T, svc coordinator.Service, id string) string {
	t.Helper()

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	for _, s := range st.Sessions {
		if s.ID == id {
			return s.State
		}
	}

	return ""
}

func register(t *testing.T, svc coordinator.Service, id string) string {
	t.Helper()

	adm, err := svc.Register(context.Background(), id, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, id, adm.ClientID)
	require.NotEmpty(t, adm.Token)

	return adm.Token
}

func submit(t *testing.T, svc coordinator.Service, id, token string, round uint64, ws fl.WeightSet) {
	t.Helper()

	task, err := svc.FetchTask(context.Background(), id, token)
	require.NoError(t, err)
	require.Equal(t, round, task.Round)

	status, err := svc.Submit(context.Background(), id, token, fl.Submission{
		ClientID: id,
		Round:    round,
		Weights:  ws,
		Metrics:  fl.Metrics{"loss": float64(round)},
	})
	require.NoError(t, err)
	require.Equal(t, fl.SubmitAccepted, status)
}

func TestNewServiceValidation(t *testing.T) {
	cases := []struct {
		desc      string
		cfg       func(cfg coordinator.Config) coordinator.Config
		agg       fl.Aggregator
		persistor fl.Persistor
		err       error
	}{
		{
			desc:      "valid config",
			cfg:       func(cfg coordinator.Config) coordinator.Config { return cfg },
			agg:       fl.PlainAggregator{},
			persistor: fl.NewMemoryPersistor(),
		},
		{
			desc: "maximum below minimum",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.MaximumClients = 1

				return cfg
			},
			agg:       fl.PlainAggregator{},
			persistor: fl.NewMemoryPersistor(),
			err:       fl.ErrInvalidConfig,
		},
		{
			desc: "zero rounds",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.RoundsCount = 0

				return cfg
			},
			agg:       fl.PlainAggregator{},
			persistor: fl.NewMemoryPersistor(),
			err:       fl.ErrInvalidConfig,
		},
		{
			desc: "whitelist enabled but empty",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.UseWhitelist = true

				return cfg
			},
			agg:       fl.PlainAggregator{},
			persistor: fl.NewMemoryPersistor(),
			err:       fl.ErrInvalidConfig,
		},
		{
			desc:      "missing aggregator",
			cfg:       func(cfg coordinator.Config) coordinator.Config { return cfg },
			persistor: fl.NewMemoryPersistor(),
			err:       fl.ErrInvalidConfig,
		},
		{
			desc: "missing persistor",
			cfg:  func(cfg coordinator.Config) coordinator.Config { return cfg },
			agg:  fl.PlainAggregator{},
			err:  fl.ErrInvalidConfig,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := coordinator.NewService(tc.cfg(baseConfig()), tc.agg, tc.persistor, logger)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFullExperiment(t *testing.T) {
	cfg := baseConfig()
	cfg.RoundsCount = 3
	rec := &recorder{}
	svc, persistor := newService(t, cfg, rec)

	tokenA := register(t, svc, "a")
	assert.Equal(t, coordinator.WaitingForClients.String(), phase(t, svc))

	_, err := svc.FetchTask(context.Background(), "a", tokenA)
	assert.ErrorIs(t, err, fl.ErrWait)

	tokenB := register(t, svc, "b")
	assert.Equal(t, coordinator.RoundActive.String(), phase(t, svc))

	for round := uint64(1); round <= cfg.RoundsCount; round++ {
		submit(t, svc, "a", tokenA, round, vec(t, float64(round), 0))
		if round < cfg.RoundsCount {
			assert.Equal(t, coordinator.RoundActive.String(), phase(t, svc))
		}
		submit(t, svc, "b", tokenB, round, vec(t, float64(3*round), 2))
	}

	require.NoError(t, svc.Wait(context.Background()))
	assert.Equal(t, coordinator.Complete.String(), phase(t, svc))
	assert.Equal(t, []string{"final.ckpt", "round_1.ckpt", "round_2.ckpt", "round_3.ckpt"}, persistor.Paths())

	first, err := persistor.Load(context.Background(), fl.RoundCheckpointName(1))
	require.NoError(t, err)
	assert.True(t, first.Weights.Equal(vec(t, 2, 1)))
	assert.Equal(t, fl.Metrics{"loss": 1}, first.Metrics)

	final, err := persistor.Load(context.Background(), fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(vec(t, 6, 1)))

	_, err = svc.FetchTask(context.Background(), "a", tokenA)
	assert.ErrorIs(t, err, fl.ErrExperimentComplete)
	_, err = svc.Register(context.Background(), "c", "127.0.0.1")
	assert.ErrorIs(t, err, fl.ErrExperimentComplete)

	assert.Equal(t, []string{
		"client_admitted",
		"client_admitted",
		"round_started",
		"round_closed",
		"round_started",
		"round_closed",
		"round_started",
		"round_closed",
		"experiment_finished",
	}, rec.kinds())
}

func TestNextRoundCarriesCheckpoint(t *testing.T) {
	cfg := baseConfig()
	cfg.RoundsCount = 2
	cfg.TaskConfig = fl.TaskConfig{"epochs": 2}
	svc, _ := newService(t, cfg)

	tokenA := register(t, svc, "a")
	tokenB := register(t, svc, "b")
	submit(t, svc, "a", tokenA, 1, vec(t, 1))
	submit(t, svc, "b", tokenB, 1, vec(t, 3))

	task, err := svc.FetchTask(context.Background(), "a", tokenA)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), task.Round)
	assert.True(t, task.Checkpoint.Equal(vec(t, 2)))
	assert.Equal(t, 2, task.Config.Int("epochs", 0))
}

func TestAdmissionWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.MinimumClients = 1
	cfg.MaximumClients = 3
	svc, _ := newService(t, cfg)

	register(t, svc, "a")
	waiting, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.WaitingForClients.String(), waiting.Phase)
	assert.Nil(t, waiting.Deadline)
	raw, err := json.Marshal(waiting)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "deadline")
	register(t, svc, "b")

	require.Eventually(t, func() bool {
		return phase(t, svc) == coordinator.RoundActive.String()
	}, waitFor, tick)

	_, err = svc.Register(context.Background(), "c", "127.0.0.1")
	var adm *fl.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, fl.ReasonLateJoin, adm.Reason)
	assert.ErrorIs(t, err, fl.ErrAdmission)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Deadline)
	assert.True(t, st.Deadline.After(time.Now()))
	assert.Len(t, st.Sessions, 2)
	for _, s := range st.Sessions {
		assert.Equal(t, coordinator.Training.String(), s.State)
	}
}

func TestAdmissionWindowWaitsForMinimum(t *testing.T) {
	cfg := baseConfig()
	cfg.MinimumClients = 2
	cfg.MaximumClients = 3
	cfg.ClientWaitTime = 20 * time.Millisecond
	svc, _ := newService(t, cfg)

	register(t, svc, "a")
	time.Sleep(4 * cfg.ClientWaitTime)
	assert.Equal(t, coordinator.WaitingForClients.String(), phase(t, svc))

	register(t, svc, "b")
	require.Eventually(t, func() bool {
		return phase(t, svc) == coordinator.RoundActive.String()
	}, waitFor, tick)
}

func TestAdmissionFilters(t *testing.T) {
	cases := []struct {
		desc     string
		cfg      func(cfg coordinator.Config) coordinator.Config
		clientID string
		address  string
		reason   string
	}{
		{
			desc: "blacklisted id",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.Blacklist = []string{"mallory"}

				return cfg
			},
			clientID: "mallory",
			address:  "10.0.0.1",
			reason:   fl.ReasonBlacklisted,
		},
		{
			desc: "blacklisted address",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.Blacklist = []string{"10.0.0.9"}

				return cfg
			},
			clientID: "alice",
			address:  "10.0.0.9",
			reason:   fl.ReasonBlacklisted,
		},
		{
			desc: "address outside whitelist",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.UseWhitelist = true
				cfg.Whitelist = []string{"10.0.0.1"}

				return cfg
			},
			clientID: "alice",
			address:  "10.0.0.2",
			reason:   fl.ReasonNotWhitelisted,
		},
		{
			desc: "address inside whitelist",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.UseWhitelist = true
				cfg.Whitelist = []string{"10.0.0.1"}

				return cfg
			},
			clientID: "alice",
			address:  "10.0.0.1",
		},
		{
			desc: "whitelisted id at unlisted address",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.UseWhitelist = true
				cfg.Whitelist = []string{"alice"}

				return cfg
			},
			clientID: "alice",
			address:  "10.0.0.7",
			reason:   fl.ReasonNotWhitelisted,
		},
		{
			desc: "whitelist ignored when disabled",
			cfg: func(cfg coordinator.Config) coordinator.Config {
				cfg.Whitelist = []string{"10.0.0.1"}

				return cfg
			},
			clientID: "alice",
			address:  "10.0.0.2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := &recorder{}
			svc, _ := newService(t, tc.cfg(baseConfig()), rec)

			adm, err := svc.Register(context.Background(), tc.clientID, tc.address)
			if tc.reason == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, adm.Token)
				assert.Equal(t, []string{"client_admitted"}, rec.kinds())

				return
			}

			var admErr *fl.AdmissionError
			require.ErrorAs(t, err, &admErr)
			assert.Equal(t, tc.reason, admErr.Reason)
			assert.Equal(t, tc.clientID, admErr.ClientID)
			assert.Equal(t, []string{"client_rejected"}, rec.kinds())
		})
	}
}

func TestReRegisterKeepsToken(t *testing.T) {
	cfg := baseConfig()
	cfg.MaximumClients = 3
	svc, _ := newService(t, cfg)

	first := register(t, svc, "a")
	second := register(t, svc, "a")
	assert.Equal(t, first, second)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Sessions, 1)
}

func TestSessionAuthentication(t *testing.T) {
	svc, _ := newService(t, baseConfig())
	token := register(t, svc, "a")

	cases := []struct {
		desc     string
		clientID string
		token    string
		err      error
	}{
		{
			desc:     "valid token",
			clientID: "a",
			token:    token,
		},
		{
			desc:     "wrong token",
			clientID: "a",
			token:    "forged",
			err:      fl.ErrUnauthorized,
		},
		{
			desc:     "unknown client",
			clientID: "z",
			token:    token,
			err:      fl.ErrUnknownClient,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := svc.Heartbeat(context.Background(), tc.clientID, tc.token)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSubmitOutsideRound(t *testing.T) {
	cfg := baseConfig()
	cfg.Initial = vec(t, 0, 0)
	svc, _ := newService(t, cfg)

	tokenA := register(t, svc, "a")
	status, err := svc.Submit(context.Background(), "a", tokenA, fl.Submission{Round: 1, Weights: vec(t, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, fl.SubmitStaleRound, status)

	register(t, svc, "b")

	cases := []struct {
		desc    string
		round   uint64
		weights fl.WeightSet
		status  fl.SubmitStatus
		err     error
	}{
		{
			desc:    "future round",
			round:   5,
			weights: vec(t, 1, 1),
			status:  fl.SubmitStaleRound,
		},
		{
			desc:    "layout differs from checkpoint",
			round:   1,
			weights: vec(t, 1),
			status:  fl.SubmitRejected,
			err:     fl.ErrShapeMismatch,
		},
		{
			desc:    "accepted",
			round:   1,
			weights: vec(t, 1, 1),
			status:  fl.SubmitAccepted,
		},
		{
			desc:    "second submission for the same round",
			round:   1,
			weights: vec(t, 2, 2),
			status:  fl.SubmitStaleRound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			status, err := svc.Submit(context.Background(), "a", tokenA, fl.Submission{Round: tc.round, Weights: tc.weights})
			assert.Equal(t, tc.status, status)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDeadClientSubmissionDiscarded(t *testing.T) {
	cfg := baseConfig()
	cfg.RoundsCount = 2
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	svc, persistor := newService(t, cfg)
	startMonitor(t, svc)

	tokenA := register(t, svc, "a")
	tokenB := register(t, svc, "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = svc.Heartbeat(ctx, "a", tokenA)
			}
		}
	}()

	submit(t, svc, "a", tokenA, 1, vec(t, 1))
	submit(t, svc, "b", tokenB, 1, vec(t, 3))
	submit(t, svc, "b", tokenB, 2, vec(t, 100))

	require.Eventually(t, func() bool {
		return sessionState(t, svc, "b") == coordinator.Dead.String()
	}, waitFor, tick)
	assert.Equal(t, coordinator.RoundActive.String(), phase(t, svc))

	assert.ErrorIs(t, svc.Heartbeat(context.Background(), "b", tokenB), fl.ErrClientDead)
	_, err := svc.FetchTask(context.Background(), "b", tokenB)
	assert.ErrorIs(t, err, fl.ErrClientDead)
	_, err = svc.Register(context.Background(), "b", "127.0.0.1")
	var adm *fl.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, fl.ReasonDead, adm.Reason)

	submit(t, svc, "a", tokenA, 2, vec(t, 4))
	require.NoError(t, svc.Wait(context.Background()))

	final, err := persistor.Load(context.Background(), fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(vec(t, 4)))
}

func TestAllClientsDeadAborts(t *testing.T) {
	cfg := baseConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	rec := &recorder{}
	svc, persistor := newService(t, cfg, rec)
	startMonitor(t, svc)

	register(t, svc, "a")
	register(t, svc, "b")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := svc.Wait(ctx)
	assert.ErrorIs(t, err, fl.ErrInsufficientSubmissions)
	assert.Equal(t, coordinator.Aborted.String(), phase(t, svc))
	assert.Empty(t, persistor.Paths())
	assert.Contains(t, rec.kinds(), "client_dead")
	assert.Contains(t, rec.kinds(), "experiment_finished")
}

func TestRoundDeadline(t *testing.T) {
	cfg := baseConfig()
	cfg.RoundTimeout = 100 * time.Millisecond
	svc, persistor := newService(t, cfg)

	tokenA := register(t, svc, "a")
	register(t, svc, "b")
	submit(t, svc, "a", tokenA, 1, vec(t, 7))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))

	final, err := persistor.Load(context.Background(), fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(vec(t, 7)))
}

func TestCloseLeavesExperiment(t *testing.T) {
	rec := &recorder{}
	svc, persistor := newService(t, baseConfig(), rec)

	tokenA := register(t, svc, "a")
	tokenB := register(t, svc, "b")
	submit(t, svc, "a", tokenA, 1, vec(t, 5))

	require.NoError(t, svc.Close(context.Background(), "b", tokenB))
	require.NoError(t, svc.Wait(context.Background()))

	kinds := rec.kinds()
	left := slices.Index(kinds, "client_left")
	require.NotEqual(t, -1, left)
	assert.Less(t, left, slices.Index(kinds, "round_closed"))

	final, err := persistor.Load(context.Background(), fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(vec(t, 5)))
}

func TestShutdown(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(t, baseConfig(), rec)
	token := register(t, svc, "a")

	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))

	err := svc.Wait(context.Background())
	assert.True(t, errors.Is(err, coordinator.ErrShutdown))
	assert.Equal(t, coordinator.Aborted.String(), phase(t, svc))
	assert.ErrorIs(t, svc.Heartbeat(context.Background(), "a", token), fl.ErrExperimentComplete)
	assert.Equal(t, []string{"client_admitted", "experiment_finished"}, rec.kinds())
}

func TestConcurrentClients(t *testing.T) {
	const (
		clients = 16
		rounds  = 5
	)
	cfg := baseConfig()
	cfg.MinimumClients = clients
	cfg.MaximumClients = clients
	cfg.RoundsCount = rounds
	cfg.Workers = 4
	rec := &recorder{}
	svc, persistor := newService(t, cfg, rec)
	startMonitor(t, svc)

	// Client i submits i*r in round r, so round r aggregates to 7.5*r.
	updates := make([][]fl.WeightSet, clients)
	for i := range clients {
		updates[i] = make([]fl.WeightSet, rounds+1)
		for r := 1; r <= rounds; r++ {
			updates[i][r] = vec(t, float64(i*r))
		}
	}
	expected := make([]fl.WeightSet, rounds+1)
	for r := 1; r <= rounds; r++ {
		expected[r] = vec(t, 7.5*float64(r))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*waitFor)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := range clients {
		id := fmt.Sprintf("client_%02d", i)
		g.Go(func() error {
			adm, err := svc.Register(gctx, id, "127.0.0.1")
			if err != nil {
				return err
			}

			hbCtx, stopHeartbeat := context.WithCancel(gctx)
			defer stopHeartbeat()
			go func() {
				for hbCtx.Err() == nil {
					if err := svc.Heartbeat(hbCtx, id, adm.Token); err != nil {
						return
					}
					time.Sleep(tick)
				}
			}()

			for {
				task, err := svc.FetchTask(gctx, id, adm.Token)
				switch {
				case errors.Is(err, fl.ErrExperimentComplete):
					return nil
				case errors.Is(err, fl.ErrWait):
					if err := gctx.Err(); err != nil {
						return err
					}
					time.Sleep(time.Millisecond)

					continue
				case err != nil:
					return err
				}

				if task.Round > 1 && !task.Checkpoint.Equal(expected[task.Round-1]) {
					return fmt.Errorf("%s: round %d started from a wrong checkpoint", id, task.Round)
				}
				status, err := svc.Submit(gctx, id, adm.Token, fl.Submission{
					ClientID: id,
					Round:    task.Round,
					Weights:  updates[i][task.Round],
				})
				if err != nil {
					return err
				}
				if status != fl.SubmitAccepted {
					return fmt.Errorf("%s: round %d submission %s", id, task.Round, status)
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, svc.Wait(ctx))

	for r := 1; r <= rounds; r++ {
		ckpt, err := persistor.Load(context.Background(), fl.RoundCheckpointName(uint64(r)))
		require.NoError(t, err)
		assert.True(t, ckpt.Weights.Equal(expected[r]), "round %d", r)
	}
	final, err := persistor.Load(context.Background(), fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(expected[rounds]))

	kinds := rec.kinds()
	count := func(kind string) int {
		n := 0
		for _, k := range kinds {
			if k == kind {
				n++
			}
		}

		return n
	}
	assert.Equal(t, clients, count("client_admitted"))
	assert.Equal(t, rounds, count("round_closed"))
	assert.Zero(t, count("client_dead"))
}
