package middleware

import (
	"context"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ coordinator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    coordinator.Service
}

func Tracing(tracer trace.Tracer, svc coordinator.Service) coordinator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) Register(ctx context.Context, clientID, address string) (coordinator.Admission, error) {
	ctx, span := tm.tracer.Start(ctx, "register", trace.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("address", address),
	))
	defer span.End()

	return tm.svc.Register(ctx, clientID, address)
}

func (tm *tracing) Heartbeat(ctx context.Context, clientID, token string) error {
	ctx, span := tm.tracer.Start(ctx, "heartbeat", trace.WithAttributes(
		attribute.String("client_id", clientID),
	))
	defer span.End()

	return tm.svc.Heartbeat(ctx, clientID, token)
}

func (tm *tracing) FetchTask(ctx context.Context, clientID, token string) (fl.Task, error) {
	ctx, span := tm.tracer.Start(ctx, "fetch-task", trace.WithAttributes(
		attribute.String("client_id", clientID),
	))
	defer span.End()

	return tm.svc.FetchTask(ctx, clientID, token)
}

func (tm *tracing) Submit(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	ctx, span := tm.tracer.Start(ctx, "submit", trace.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Int64("round", int64(sub.Round)),
	))
	defer span.End()

	return tm.svc.Submit(ctx, clientID, token, sub)
}

func (tm *tracing) Close(ctx context.Context, clientID, token string) error {
	ctx, span := tm.tracer.Start(ctx, "close", trace.WithAttributes(
		attribute.String("client_id", clientID),
	))
	defer span.End()

	return tm.svc.Close(ctx, clientID, token)
}

func (tm *tracing) Status(ctx context.Context) (coordinator.Status, error) {
	ctx, span := tm.tracer.Start(ctx, "status")
	defer span.End()

	return tm.svc.Status(ctx)
}

func (tm *tracing) Start(ctx context.Context) error {
	return tm.svc.Start(ctx)
}

func (tm *tracing) Wait(ctx context.Context) error {
	return tm.svc.Wait(ctx)
}

func (tm *tracing) Shutdown(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "shutdown")
	defer span.End()

	return tm.svc.Shutdown(ctx)
}
