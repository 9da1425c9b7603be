package middleware

import (
	"context"
	"time"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/go-kit/kit/metrics"
)

var _ coordinator.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     coordinator.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc coordinator.Service) coordinator.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) observe(method string, begin time.Time) {
	mm.counter.With("method", method).Add(1)
	mm.latency.With("method", method).Observe(time.Since(begin).Seconds())
}

func (mm *metricsMiddleware) Register(ctx context.Context, clientID, address string) (coordinator.Admission, error) {
	defer mm.observe("register", time.Now())

	return mm.svc.Register(ctx, clientID, address)
}

func (mm *metricsMiddleware) Heartbeat(ctx context.Context, clientID, token string) error {
	defer mm.observe("heartbeat", time.Now())

	return mm.svc.Heartbeat(ctx, clientID, token)
}

func (mm *metricsMiddleware) FetchTask(ctx context.Context, clientID, token string) (fl.Task, error) {
	defer mm.observe("fetch-task", time.Now())

	return mm.svc.FetchTask(ctx, clientID, token)
}

func (mm *metricsMiddleware) Submit(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	defer mm.observe("submit", time.Now())

	return mm.svc.Submit(ctx, clientID, token, sub)
}

func (mm *metricsMiddleware) Close(ctx context.Context, clientID, token string) error {
	defer mm.observe("close", time.Now())

	return mm.svc.Close(ctx, clientID, token)
}

func (mm *metricsMiddleware) Status(ctx context.Context) (coordinator.Status, error) {
	defer mm.observe("status", time.Now())

	return mm.svc.Status(ctx)
}

func (mm *metricsMiddleware) Start(ctx context.Context) error {
	return mm.svc.Start(ctx)
}

func (mm *metricsMiddleware) Wait(ctx context.Context) error {
	return mm.svc.Wait(ctx)
}

func (mm *metricsMiddleware) Shutdown(ctx context.Context) error {
	defer mm.observe("shutdown", time.Now())

	return mm.svc.Shutdown(ctx)
}
