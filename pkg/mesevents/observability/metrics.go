package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event backbone metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish attempt; err is the persistence error, if any.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordBroadcast records a transport broadcast.
	RecordBroadcast(ctx context.Context, eventType string, err error)

	// RecordHandler records one handler invocation (all attempts) with its outcome.
	RecordHandler(ctx context.Context, eventType, handler string, duration time.Duration, attempts int, err error)

	// RecordDeadLetter records an entry pushed to a dead-letter queue.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordReplay records a dead-letter replay.
	RecordReplay(ctx context.Context, eventType string, retried, failed int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	publishErrors   metric.Int64Counter
	broadcasts      metric.Int64Counter
	broadcastErrors metric.Int64Counter
	handlerRuns     metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	handlerAttempts metric.Int64Histogram
	deadLetters     metric.Int64Counter
	replayed        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("mesevents")
	m := &otelMetrics{}
	var err error

	if m.published, err = meter.Int64Counter("mesevents.events.published",
		metric.WithDescription("Number of events stored by publish"),
	); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("mesevents.events.publish_errors",
		metric.WithDescription("Number of publishes rejected by the event store"),
	); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter("mesevents.broadcasts",
		metric.WithDescription("Number of transport broadcasts"),
	); err != nil {
		return nil, err
	}
	if m.broadcastErrors, err = meter.Int64Counter("mesevents.broadcast.errors",
		metric.WithDescription("Number of failed transport broadcasts"),
	); err != nil {
		return nil, err
	}
	if m.handlerRuns, err = meter.Int64Counter("mesevents.handler.executions",
		metric.WithDescription("Number of handler invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("mesevents.handler.errors",
		metric.WithDescription("Number of handler invocations that exhausted their retries"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("mesevents.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds, across all attempts"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerAttempts, err = meter.Int64Histogram("mesevents.handler.attempts",
		metric.WithDescription("Attempts per handler invocation"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("mesevents.deadletter.enqueued",
		metric.WithDescription("Number of dead-letter entries"),
	); err != nil {
		return nil, err
	}
	if m.replayed, err = meter.Int64Counter("mesevents.deadletter.replayed",
		metric.WithDescription("Number of dead-letter entries replayed"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.published.Add(ctx, 1, attrs)
}

func (m *otelMetrics) RecordBroadcast(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.broadcasts.Add(ctx, 1, attrs)
	if err != nil {
		m.broadcastErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordHandler(ctx context.Context, eventType, handler string, duration time.Duration, attempts int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	)
	m.handlerRuns.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.handlerAttempts.Record(ctx, int64(attempts), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordReplay(ctx context.Context, eventType string, retried, failed int) {
	if retried > 0 {
		m.replayed.Add(ctx, int64(retried), metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.Bool("success", true),
		))
	}
	if failed > 0 {
		m.replayed.Add(ctx, int64(failed), metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.Bool("success", false),
		))
	}
}
