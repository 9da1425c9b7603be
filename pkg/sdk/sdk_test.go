package sdk_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/coordinator/api"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/absmach/fedcoord/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func weights(t *testing.T, values ...float64) fl.WeightSet {
	t.Helper()

	ws, err := fl.NewWeightSet(map[string]fl.Tensor{"w": fl.NewTensor(values)})
	require.NoError(t, err)

	return ws
}

func newCoordinator(t *testing.T, cfg coordinator.Config) (sdk.SDK, *fl.MemoryPersistor) {
	t.Helper()

	persistor := fl.NewMemoryPersistor()
	svc, err := coordinator.NewService(cfg, fl.PlainAggregator{}, persistor, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})

	ts := httptest.NewServer(api.MakeHandler(svc, logger, "test", cfg.PoolSize()))
	t.Cleanup(ts.Close)

	return sdk.NewSDKWithClient(transport.ClientConfig{URL: ts.URL}, ts.Client()), persistor
}

func config() coordinator.Config {
	return coordinator.Config{
		MinimumClients:         2,
		MaximumClients:         2,
		ClientWaitTime:         time.Second,
		HeartbeatTimeout:       time.Hour,
		HeartbeatCheckInterval: time.Second,
		RoundsCount:            1,
		RoundTimeout:           time.Minute,
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := config()
	cfg.Blacklist = []string{"mallory"}
	client, persistor := newCoordinator(t, cfg)
	ctx := context.Background()

	_, err := client.Register(ctx, "mallory")
	var adm *fl.AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, fl.ReasonBlacklisted, adm.Reason)
	assert.Equal(t, "mallory", adm.ClientID)

	a, err := client.Register(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.ClientID)
	require.NoError(t, client.Heartbeat(ctx, "a", a.Token))

	_, err = client.FetchTask(ctx, "a", a.Token)
	assert.ErrorIs(t, err, fl.ErrWait)

	assert.ErrorIs(t, client.Heartbeat(ctx, "a", "forged"), fl.ErrUnauthorized)
	assert.ErrorIs(t, client.Heartbeat(ctx, "ghost", a.Token), fl.ErrUnknownClient)

	b, err := client.Register(ctx, "b")
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "round_active", st.Phase)
	assert.Len(t, st.Sessions, 2)

	for _, c := range []struct {
		adm sdk.Admission
		ws  fl.WeightSet
	}{
		{adm: a, ws: weights(t, 1, 1)},
		{adm: b, ws: weights(t, 3, 5)},
	} {
		task, err := client.FetchTask(ctx, c.adm.ClientID, c.adm.Token)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), task.Round)

		status, err := client.SubmitWeights(ctx, c.adm.ClientID, c.adm.Token, fl.Submission{Round: task.Round, Weights: c.ws})
		require.NoError(t, err)
		assert.Equal(t, fl.SubmitAccepted, status)
	}

	final, err := persistor.Load(ctx, fl.FinalCheckpointName)
	require.NoError(t, err)
	assert.True(t, final.Weights.Equal(weights(t, 2, 3)))

	_, err = client.FetchTask(ctx, "a", a.Token)
	assert.ErrorIs(t, err, fl.ErrExperimentComplete)
}

func TestStaleSubmission(t *testing.T) {
	client, _ := newCoordinator(t, config())
	ctx := context.Background()

	a, err := client.Register(ctx, "a")
	require.NoError(t, err)
	_, err = client.Register(ctx, "b")
	require.NoError(t, err)

	status, err := client.SubmitWeights(ctx, "a", a.Token, fl.Submission{Round: 7, Weights: weights(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, fl.SubmitStaleRound, status)

	require.NoError(t, client.Close(ctx, "a", a.Token))
	assert.ErrorIs(t, client.Heartbeat(ctx, "a", a.Token), fl.ErrUnknownClient)
}

func TestTransportErrors(t *testing.T) {
	cases := []struct {
		desc    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			desc: "server error is transient",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				assert.True(t, fl.IsTransient(err))
			},
		},
		{
			desc: "too many requests is transient",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				assert.True(t, fl.IsTransient(err))
			},
		},
		{
			desc: "payload too large",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, fl.ErrMessageTooLarge)
				assert.False(t, fl.IsTransient(err))
			},
		},
		{
			desc: "bad request is permanent",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			},
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
				assert.False(t, fl.IsTransient(err))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			ts := httptest.NewServer(tc.handler)
			defer ts.Close()

			client := sdk.NewSDKWithClient(transport.ClientConfig{URL: ts.URL}, ts.Client())
			tc.check(t, client.Heartbeat(context.Background(), "a", "token"))
		})
	}
}

func TestUnreachableCoordinator(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := sdk.NewSDKWithClient(transport.ClientConfig{URL: url}, &http.Client{Timeout: time.Second})
	_, err := client.Register(context.Background(), "a")
	assert.True(t, fl.IsTransient(err))
}

func TestMessageSizeLimits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", sdk.CTJSON)
		_, _ = w.Write([]byte(`{"phase":"waiting_for_clients","round":0,"rounds_count":1,"sessions":[]}`))
	}))
	defer ts.Close()

	small := sdk.NewSDKWithClient(transport.ClientConfig{URL: ts.URL, MaxSendSize: 8, MaxReceiveSize: 16}, ts.Client())

	_, err := small.SubmitWeights(context.Background(), "a", "token", fl.Submission{Round: 1, Weights: weights(t, 1, 2, 3, 4)})
	assert.ErrorIs(t, err, fl.ErrMessageTooLarge)

	_, err = small.Status(context.Background())
	assert.ErrorIs(t, err, fl.ErrMessageTooLarge)
}
