package tracing

import (
	"context"
	"net/url"

	"github.com/absmach/supermq/pkg/jaeger"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider is a tracer provider that must be shut down on exit.
type Provider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type noopProvider struct {
	noop.TracerProvider
}

func (noopProvider) Shutdown(context.Context) error {
	return nil
}

// NewProvider exports spans over OTLP/HTTP to otelURL. An empty URL yields a
// no-op provider.
func NewProvider(ctx context.Context, svcName string, otelURL url.URL, instanceID string, fraction float64) (Provider, error) {
	if otelURL == (url.URL{}) {
		return noopProvider{noop.NewTracerProvider()}, nil
	}

	tp, err := jaeger.NewProvider(ctx, svcName, otelURL, instanceID, fraction)
	if err != nil {
		return nil, err
	}

	return tp, nil
}
