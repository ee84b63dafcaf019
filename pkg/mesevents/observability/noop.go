package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordPublish(_ context.Context, _ string, _ error) {}

func (NoopMetrics) RecordBroadcast(_ context.Context, _ string, _ error) {}

func (NoopMetrics) RecordHandler(_ context.Context, _, _ string, _ time.Duration, _ int, _ error) {}

func (NoopMetrics) RecordDeadLetter(_ context.Context, _ string) {}

func (NoopMetrics) RecordReplay(_ context.Context, _ string, _, _ int) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopTracer = noop.NewTracerProvider().Tracer("")

// StartPublishSpan returns a non-recording span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return noopTracer.Start(ctx, "")
}

// StartHandlerSpan returns a non-recording span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return noopTracer.Start(ctx, "")
}

func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}

func (NoopSpanManager) Inject(_ context.Context, _ map[string]string) {}

func (NoopSpanManager) Extract(ctx context.Context, _ map[string]string) context.Context { return ctx }
