package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	PublishedTotal     *prometheus.CounterVec
	PublishFailedTotal *prometheus.CounterVec
	BroadcastFailed    *prometheus.CounterVec
	HandlerTotal       *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	DeadLetteredTotal  *prometheus.CounterVec
	ReplayedTotal      *prometheus.CounterVec
	ReplayFailedTotal  *prometheus.CounterVec
	registry           *prometheus.Registry
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the collectors on a fresh registry, together
// with the Go and process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_published_total", Help: "Events stored by publish."},
			[]string{"event_type"},
		),
		PublishFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_publish_failed_total", Help: "Publishes rejected by the event store."},
			[]string{"event_type"},
		),
		BroadcastFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_broadcast_failed_total", Help: "Failed transport broadcasts."},
			[]string{"event_type"},
		),
		HandlerTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_handler_total", Help: "Handler invocations by outcome."},
			[]string{"event_type", "handler", "outcome"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mesevents_handler_duration_seconds",
				Help:    "Handler latency across all attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type", "handler"},
		),
		DeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_deadlettered_total", Help: "Dead-letter entries."},
			[]string{"event_type"},
		),
		ReplayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_replayed_total", Help: "Dead-letter entries rebroadcast."},
			[]string{"event_type"},
		),
		ReplayFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mesevents_replay_failed_total", Help: "Dead-letter entries dropped during replay."},
			[]string{"event_type"},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.PublishedTotal, m.PublishFailedTotal, m.BroadcastFailed,
		m.HandlerTotal, m.HandlerDuration,
		m.DeadLetteredTotal, m.ReplayedTotal, m.ReplayFailedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) RecordPublish(_ context.Context, eventType string, err error) {
	if err != nil {
		m.PublishFailedTotal.WithLabelValues(eventType).Inc()
		return
	}
	m.PublishedTotal.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordBroadcast(_ context.Context, eventType string, err error) {
	if err != nil {
		m.BroadcastFailed.WithLabelValues(eventType).Inc()
	}
}

func (m *PrometheusMetrics) RecordHandler(_ context.Context, eventType, handler string, duration time.Duration, _ int, err error) {
	outcome := "processed"
	if err != nil {
		outcome = "failed"
	}
	m.HandlerTotal.WithLabelValues(eventType, handler, outcome).Inc()
	m.HandlerDuration.WithLabelValues(eventType, handler).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordDeadLetter(_ context.Context, eventType string) {
	m.DeadLetteredTotal.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordReplay(_ context.Context, eventType string, retried, failed int) {
	m.ReplayedTotal.WithLabelValues(eventType).Add(float64(retried))
	m.ReplayFailedTotal.WithLabelValues(eventType).Add(float64(failed))
}

// MultiMetrics fans every record out to several recorders.
type MultiMetrics []MetricsRecorder

var _ MetricsRecorder = MultiMetrics(nil)

func (mm MultiMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	for _, m := range mm {
		m.RecordPublish(ctx, eventType, err)
	}
}

func (mm MultiMetrics) RecordBroadcast(ctx context.Context, eventType string, err error) {
	for _, m := range mm {
		m.RecordBroadcast(ctx, eventType, err)
	}
}

func (mm MultiMetrics) RecordHandler(ctx context.Context, eventType, handler string, duration time.Duration, attempts int, err error) {
	for _, m := range mm {
		m.RecordHandler(ctx, eventType, handler, duration, attempts, err)
	}
}

func (mm MultiMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	for _, m := range mm {
		m.RecordDeadLetter(ctx, eventType)
	}
}

func (mm MultiMetrics) RecordReplay(ctx context.Context, eventType string, retried, failed int) {
	for _, m := range mm {
		m.RecordReplay(ctx, eventType, retried, failed)
	}
}
