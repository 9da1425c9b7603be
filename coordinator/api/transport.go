package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/api"
	pkgerrors "github.com/absmach/fedcoord/pkg/errors"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
)

const (
	clientIDKey  = "clientID"
	bearerPrefix = "Bearer "
)

// MakeHandler returns the coordinator HTTP handler. At most poolSize client
// calls are served concurrently; the rest wait for a free worker.
func MakeHandler(svc coordinator.Service, logger *slog.Logger, instanceID string, poolSize int) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Route("/clients", func(r chi.Router) {
		r.Use(workerPool(poolSize))
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			registerEndpoint(svc),
			decodeRegisterReq,
			api.EncodeResponse,
			opts...,
		), "register-client").ServeHTTP)
		r.Route("/{clientID}", func(r chi.Router) {
			r.Delete("/", otelhttp.NewHandler(kithttp.NewServer(
				closeEndpoint(svc),
				decodeSessionReq,
				api.EncodeResponse,
				opts...,
			), "close-session").ServeHTTP)
			r.Post("/heartbeat", otelhttp.NewHandler(kithttp.NewServer(
				heartbeatEndpoint(svc),
				decodeSessionReq,
				api.EncodeResponse,
				opts...,
			), "heartbeat").ServeHTTP)
			r.Get("/task", otelhttp.NewHandler(kithttp.NewServer(
				fetchTaskEndpoint(svc),
				decodeSessionReq,
				api.EncodeResponse,
				opts...,
			), "fetch-task").ServeHTTP)
			r.Post("/weights", otelhttp.NewHandler(kithttp.NewServer(
				submitEndpoint(svc),
				decodeSubmitReq,
				api.EncodeResponse,
				opts...,
			), "submit-weights").ServeHTTP)
		})
	})

	mux.Get("/status", otelhttp.NewHandler(kithttp.NewServer(
		statusEndpoint(svc),
		decodeStatusReq,
		api.EncodeResponse,
		opts...,
	), "status").ServeHTTP)

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func workerPool(size int) func(http.Handler) http.Handler {
	if size < 1 {
		size = 1
	}
	sem := semaphore.NewWeighted(int64(size))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sem.Acquire(r.Context(), 1); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)

				return
			}
			defer sem.Release(1)

			next.ServeHTTP(w, r)
		})
	}
}

func decodeRegisterReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation, pkgerrors.ErrMalformedEntity)
	}
	req.address = remoteHost(r)

	return req, nil
}

func decodeSessionReq(_ context.Context, r *http.Request) (any, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	return sessionReq{
		clientID: chi.URLParam(r, clientIDKey),
		token:    token,
	}, nil
}

func decodeSubmitReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.CBORContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", fl.ErrMessageTooLarge, tooLarge.Limit)
		}

		return nil, err
	}

	req := submitReq{
		sessionReq: sessionReq{
			clientID: chi.URLParam(r, clientIDKey),
			token:    token,
		},
	}
	if err := fl.Unmarshal(data, &req.submission); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation, pkgerrors.ErrMalformedEntity)
	}

	return req, nil
}

func decodeStatusReq(_ context.Context, _ *http.Request) (any, error) {
	return nil, nil
}

func bearerToken(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", pkgerrors.ErrMissingToken
	}

	return strings.TrimSpace(token), nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
