// Package bus publishes events: it appends them to the event store,
// broadcasts them on the transport, and fans them out to the registered
// handlers with bounded retry. Handler failures never reach the publisher;
// they end in metrics, counters and the dead-letter queue.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	mserrors "github.com/yusliao/mesevents/pkg/mesevents/errors"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/observability"
	"github.com/yusliao/mesevents/pkg/mesevents/registry"
	"github.com/yusliao/mesevents/pkg/mesevents/stats"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

// deadLetterTimeout bounds the enqueue of a failed handler invocation.
const deadLetterTimeout = 5 * time.Second

// PublishAck acknowledges a durable publish.
type PublishAck struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	AggregateID string    `json:"aggregateId"`
	OccurredOn  time.Time `json:"occurredOn"`
	// Handlers is the number of handler invocations started.
	Handlers int `json:"handlers"`
	// Broadcast reports whether the transport accepted the event.
	Broadcast bool `json:"broadcast"`
}

// Bus is the event bus. It is safe for concurrent use.
type Bus struct {
	store       store.Store
	registry    *registry.Registry
	transport   transport.Transport
	deadLetters *deadletter.Manager
	counters    *stats.Counters
	catalog     *event.Catalog
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	cfg         Config

	// mu guards closed and orders wg.Add against Close.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// stopCtx is cancelled when Close gives up waiting for handlers.
	stopCtx context.Context
	stop    context.CancelFunc
}

// New creates a bus over an event store and a frozen handler registry.
func New(s store.Store, reg *registry.Registry, opts ...Option) (*Bus, error) {
	if s == nil {
		return nil, errors.New("bus: nil store")
	}
	if reg == nil {
		reg = registry.Empty()
	}

	b := &Bus{
		store:    s,
		registry: reg,
		catalog:  event.DefaultCatalog(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		cfg:      DefaultConfig,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.counters == nil {
		b.counters = stats.New()
	}
	b.cfg = b.cfg.withDefaults()
	b.stopCtx, b.stop = context.WithCancel(context.Background())
	return b, nil
}

// Config returns the effective dispatch configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Registry returns the handler registry.
func (b *Bus) Registry() *registry.Registry {
	return b.registry
}

// Publish stores e, broadcasts it and starts its handlers.
//
// The only error Publish returns is *event.PersistenceError: the event was
// not stored and nothing else happened. Once the append succeeds the event
// is published; broadcast and handler failures are logged, counted and
// dead-lettered instead. Publish does not wait for handlers.
func (b *Bus) Publish(ctx context.Context, e *event.Envelope) (PublishAck, error) {
	if e == nil || e.Payload == nil {
		return PublishAck{}, &event.PersistenceError{Op: "validate", Err: event.ErrInvalidEvent}
	}

	e.EnsureIdentity()
	eventType := e.EventType()

	ctx, span := b.spans.StartPublishSpan(ctx, e.EventID, eventType, e.AggregateID)
	e = b.withTraceContext(ctx, e)

	ack, err := b.publish(ctx, e)
	b.spans.EndSpanWithError(span, err)
	return ack, err
}

func (b *Bus) publish(ctx context.Context, e *event.Envelope) (PublishAck, error) {
	eventType := e.EventType()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return PublishAck{}, &event.PersistenceError{Op: "publish", EventID: e.EventID, Err: event.ErrClosed}
	}

	rec, err := store.RecordFrom(e)
	if err != nil {
		perr := &event.PersistenceError{Op: "encode", EventID: e.EventID, Err: err}
		b.metrics.RecordPublish(ctx, eventType, perr)
		observability.LogPublishFailed(b.logger, e.EventID, eventType, perr)
		return PublishAck{}, perr
	}
	if err := b.store.Append(ctx, rec); err != nil {
		perr := &event.PersistenceError{Op: "append", EventID: e.EventID, Err: err}
		b.metrics.RecordPublish(ctx, eventType, perr)
		observability.LogPublishFailed(b.logger, e.EventID, eventType, perr)
		return PublishAck{}, perr
	}

	b.counters.Incr(eventType, stats.Published)
	b.metrics.RecordPublish(ctx, eventType, nil)

	ack := PublishAck{
		EventID:     e.EventID,
		EventType:   eventType,
		AggregateID: e.AggregateID,
		OccurredOn:  e.OccurredOn,
	}
	ack.Broadcast = b.broadcast(ctx, e, rec.Payload)

	handlers := b.registry.Lookup(eventType)
	for _, h := range handlers {
		hctx, cancel := b.handlerContext(ctx)
		b.wg.Add(1)
		go b.dispatch(hctx, cancel, e, h, rec.Payload)
	}
	ack.Handlers = len(handlers)

	observability.LogPublished(b.logger, e.EventID, eventType, e.AggregateID, len(handlers))
	return ack, nil
}

// withTraceContext returns e with the trace context of ctx in its metadata.
// The caller's envelope is not modified.
func (b *Bus) withTraceContext(ctx context.Context, e *event.Envelope) *event.Envelope {
	md := make(map[string]string, len(e.Metadata)+2)
	maps.Copy(md, e.Metadata)
	b.spans.Inject(ctx, md)
	if len(md) == len(e.Metadata) {
		return e
	}
	cp := *e
	cp.Metadata = md
	return &cp
}

// broadcast sends the wire encoding on the event type's channel.
// It reports whether the transport accepted it.
func (b *Bus) broadcast(ctx context.Context, e *event.Envelope, payload []byte) bool {
	if b.transport == nil {
		return false
	}
	eventType := e.EventType()
	channel := event.Channel(eventType)

	bctx, cancel := context.WithTimeout(ctx, b.cfg.BroadcastTimeout)
	defer cancel()

	err := b.transport.Publish(bctx, channel, payload)
	b.metrics.RecordBroadcast(ctx, eventType, err)
	if err != nil {
		terr := &event.TransportError{Channel: channel, Err: err}
		observability.LogBroadcastFailed(b.logger, e.EventID, channel, terr)
		return false
	}
	return true
}

// handlerContext derives the context a handler runs under. It keeps the
// caller's values (trace span, request ids), drops its cancellation unless
// PropagateCancel is set, and is always cancelled when Close gives up.
func (b *Bus) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if !b.cfg.PropagateCancel {
		ctx = context.WithoutCancel(ctx)
	}
	hctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(b.stopCtx, cancel)
	return hctx, func() {
		stopAfter()
		cancel()
	}
}

// dispatch runs one handler for one event with retry, then records the outcome.
func (b *Bus) dispatch(ctx context.Context, cancel context.CancelFunc, e *event.Envelope, h event.Handler, payload []byte) {
	defer b.wg.Done()
	defer cancel()

	eventType := e.EventType()
	name := h.Name()

	ctx, span := b.spans.StartHandlerSpan(ctx, e.EventID, eventType, name)

	retry := b.cfg.Retry
	retry.MaxAttempts = 1 + b.cfg.budget(e)
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		observability.LogHandlerRetry(b.logger, e.EventID, name, attempt, wait, err)
		b.spans.AddSpanEvent(ctx, "retry",
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()))
	}

	attempt := 0
	result := mserrors.WithRetryContext(ctx, retry, func(ctx context.Context) (struct{}, error) {
		attempt++
		return struct{}{}, b.invoke(ctx, e, h, attempt)
	})

	b.metrics.RecordHandler(ctx, eventType, name, result.Duration, result.Attempts, result.Err)
	b.spans.EndSpanWithError(span, result.Err)

	if result.Err == nil {
		b.counters.Incr(eventType, stats.Processed)
		observability.LogHandlerComplete(b.logger, e.EventID, name, float64(result.Duration.Microseconds())/1000)
		return
	}

	b.counters.Incr(eventType, stats.Failed)
	observability.LogHandlerFailed(b.logger, e.EventID, eventType, name, result.Attempts, result.Err)
	b.deadLetter(ctx, e, name, payload, result.Attempts, result.Err)
}

// invoke runs a single attempt under HandlerTimeout and converts a panic
// into an error. A handler that ignores its context is abandoned when the
// attempt times out.
func (b *Bus) invoke(ctx context.Context, e *event.Envelope, h event.Handler, attempt int) error {
	actx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &mserrors.PanicError{Value: r}
			}
		}()
		done <- h.Handle(actx, e)
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		err = actx.Err()
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &mserrors.TimeoutError{
			Operation: "handler " + h.Name(),
			Duration:  b.cfg.HandlerTimeout,
		}
	}
	return &event.HandlerError{
		Handler:   h.Name(),
		EventID:   e.EventID,
		EventType: e.EventType(),
		Attempt:   attempt,
		Err:       err,
	}
}

// deadLetter quarantines an exhausted handler invocation. The enqueue runs
// even when ctx was cancelled so a forced shutdown does not lose the entry.
func (b *Bus) deadLetter(ctx context.Context, e *event.Envelope, handler string, payload []byte, attempts int, err error) {
	eventType := e.EventType()
	if b.deadLetters == nil {
		b.logger.Warn("no dead-letter manager, dropping failed event",
			slog.String("event_id", e.EventID),
			slog.String("event_type", eventType),
			slog.String("handler", handler))
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	entry := deadletter.Entry{
		EventID:       e.EventID,
		EventType:     eventType,
		Handler:       handler,
		Payload:       payload,
		FailureReason: failureReason(err),
		AttemptCount:  attempts,
	}
	// Enqueue logs and counts both outcomes.
	_ = b.deadLetters.Enqueue(dctx, eventType, entry)
}

// failureReason is the root cause of the last attempt.
func failureReason(err error) string {
	var herr *event.HandlerError
	if errors.As(err, &herr) && herr.Err != nil {
		return herr.Err.Error()
	}
	return err.Error()
}

// Close stops accepting publishes and waits for in-flight handlers. When
// ctx expires first, running handlers are cancelled and Close returns after
// they have stopped. Close does not close the store or the transport.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.stop()
		return nil
	case <-ctx.Done():
		b.logger.Warn("handler drain timed out, cancelling in-flight handlers")
		b.stop()
		<-done
		return fmt.Errorf("drain handlers: %w", ctx.Err())
	}
}
