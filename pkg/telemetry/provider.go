package telemetry

import (
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
)

// TracerProvider is the provider installed for the duration of a run.
type TracerProvider interface {
	trace.TracerProvider

	// Close exports the spans still buffered and shuts the exporter down.
	Close(context.Context) error
}

// runTracerProvider batches the spans of a run into a single exporter, which
// is the slow trace filter when a threshold is configured.
type runTracerProvider struct {
	embedded.TracerProvider

	sdk *sdktrace.TracerProvider

	mu     sync.Mutex
	closed bool
}

func newRunTracerProvider(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *runTracerProvider {
	opts = append(opts, sdktrace.WithBatcher(exporter))
	return &runTracerProvider{sdk: sdktrace.NewTracerProvider(opts...)}
}

func (p *runTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return p.sdk.Tracer(name, options...)
}

func (p *runTracerProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	return errors.Join(p.sdk.ForceFlush(ctx), p.sdk.Shutdown(ctx))
}
