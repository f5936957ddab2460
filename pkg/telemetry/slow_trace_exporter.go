package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// slowTraceExporter forwards whole traces to the wrapped exporter, but only
// those whose root span lasted at least threshold.
type slowTraceExporter struct {
	wrapped   sdktrace.SpanExporter
	threshold time.Duration
}

var _ sdktrace.SpanExporter = (*slowTraceExporter)(nil)

// NewSlowTraceExporter wraps exporter so that only slow traces are exported.
// A nil exporter drops everything.
func NewSlowTraceExporter(exporter sdktrace.SpanExporter, threshold time.Duration) sdktrace.SpanExporter {
	return &slowTraceExporter{
		wrapped:   exporter,
		threshold: threshold,
	}
}

func (e *slowTraceExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.wrapped == nil {
		return nil
	}

	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if span.Parent().IsValid() {
			continue
		}
		if span.EndTime().Sub(span.StartTime()) >= e.threshold {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}
	if len(slow) == 0 {
		return nil
	}

	kept := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			kept = append(kept, span)
		}
	}

	return e.wrapped.ExportSpans(ctx, kept)
}

func (e *slowTraceExporter) Shutdown(ctx context.Context) error {
	if e.wrapped == nil {
		return nil
	}
	return e.wrapped.Shutdown(ctx)
}
