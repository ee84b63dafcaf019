package bus

import (
	"log/slog"
	"time"

	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	mserrors "github.com/yusliao/mesevents/pkg/mesevents/errors"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/observability"
	"github.com/yusliao/mesevents/pkg/mesevents/stats"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

// Config controls dispatch.
type Config struct {
	// MaxRetries is the retry budget per handler invocation: a failing
	// handler runs 1 + MaxRetries times. Integration events use their own
	// remaining budget instead.
	MaxRetries int

	// Retry supplies the backoff schedule. Its MaxAttempts is ignored.
	Retry mserrors.RetryConfig

	// HandlerTimeout bounds a single attempt. A handler still running
	// after it counts as failed for that attempt.
	HandlerTimeout time.Duration

	// BroadcastTimeout bounds the transport send inside Publish.
	BroadcastTimeout time.Duration

	// PropagateCancel passes the publisher's cancellation to handlers.
	// By default handlers run detached from the caller's context.
	PropagateCancel bool
}

// DefaultConfig retries three times at 100ms, 200ms and 400ms.
var DefaultConfig = Config{
	MaxRetries:       3,
	Retry:            mserrors.DefaultRetry,
	HandlerTimeout:   30 * time.Second,
	BroadcastTimeout: 5 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = DefaultConfig.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = DefaultConfig.Retry.MaxBackoff
	}
	if c.Retry.BackoffFactor <= 0 {
		c.Retry.BackoffFactor = DefaultConfig.Retry.BackoffFactor
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultConfig.HandlerTimeout
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = DefaultConfig.BroadcastTimeout
	}
	return c
}

// budget returns how many retries e gets after its first attempt.
func (c Config) budget(e *event.Envelope) int {
	if e.Integration != nil {
		return e.Integration.Remaining()
	}
	return c.MaxRetries
}

// Option configures a Bus.
type Option func(*Bus)

// WithTransport enables broadcasting and Subscribe.
func WithTransport(t transport.Transport) Option {
	return func(b *Bus) {
		b.transport = t
	}
}

// WithDeadLetters routes exhausted handler failures to m.
func WithDeadLetters(m *deadletter.Manager) Option {
	return func(b *Bus) {
		b.deadLetters = m
	}
}

// WithCounters replaces the statistics counters.
func WithCounters(c *stats.Counters) Option {
	return func(b *Bus) {
		b.counters = c
	}
}

// WithCatalog sets the catalog used to decode stored and broadcast events.
func WithCatalog(c *event.Catalog) Option {
	return func(b *Bus) {
		b.catalog = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r observability.MetricsRecorder) Option {
	return func(b *Bus) {
		b.metrics = r
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(b *Bus) {
		b.spans = s
	}
}

// WithConfig replaces the dispatch configuration. Zero durations fall back
// to DefaultConfig.
func WithConfig(c Config) Option {
	return func(b *Bus) {
		b.cfg = c
	}
}
