package deadletter

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/observability"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 100

// DefaultRetention is how long entries are kept before Expire removes them.
const DefaultRetention = 7 * 24 * time.Hour

// ReplayResult reports what happened to the popped entries.
type ReplayResult struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Manager implements the dead-letter operations on top of a Backend.
type Manager struct {
	backend   Backend
	transport transport.Transport
	catalog   *event.Catalog
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	retention time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransport enables Replay. Without a transport Replay returns
// event.ErrTransportDisabled.
func WithTransport(t transport.Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithCatalog sets the catalog used to validate payloads before replay.
func WithCatalog(c *event.Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r observability.MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithRetention sets the entry retention. Zero disables expiry.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		m.retention = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		catalog:   event.DefaultCatalog(),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TransportEnabled reports whether Replay can rebroadcast.
func (m *Manager) TransportEnabled() bool {
	return m.transport != nil
}

// Enqueue appends e to the queue of eventType. ID, EventType and EnqueuedAt
// are filled in when empty.
func (m *Manager) Enqueue(ctx context.Context, eventType string, e Entry) error {
	if eventType == "" {
		return fmt.Errorf("enqueue dead letter: %w", event.ErrInvalidEvent)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EventType == "" {
		e.EventType = eventType
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = m.now().UTC()
	}

	if err := m.backend.Push(ctx, event.DeadLetterQueue(eventType), e); err != nil {
		observability.LogDeadLetterError(m.logger, e.EventID, eventType, err)
		return err
	}
	m.metrics.RecordDeadLetter(ctx, eventType)
	observability.LogDeadLettered(m.logger, e.EventID, eventType, e.Handler)
	return nil
}

// List returns dead-letter entries. For a single event type the result is
// FIFO (oldest first). With an empty eventType entries from every queue are
// merged most-recent-first. Either way the result holds at most limit entries.
func (m *Manager) List(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if eventType != "" {
		return m.backend.Range(ctx, event.DeadLetterQueue(eventType), limit)
	}

	queues, err := m.backend.Queues(ctx)
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, q := range queues {
		entries, err := m.backend.Range(ctx, q, 0)
		if err != nil {
			return nil, err
		}
		slices.Reverse(entries)
		all = append(all, entries...)
	}

	slices.SortStableFunc(all, func(a, b Entry) int {
		return b.EnqueuedAt.Compare(a.EnqueuedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Replay pops up to count entries of eventType and rebroadcasts each raw
// payload on the event type's channel. Popped entries are never re-enqueued:
// a payload that does not decode or cannot be published counts as failed.
func (m *Manager) Replay(ctx context.Context, eventType string, count int) (ReplayResult, error) {
	var res ReplayResult
	if m.transport == nil {
		return res, event.ErrTransportDisabled
	}
	if count <= 0 {
		return res, nil
	}

	entries, err := m.backend.PopN(ctx, event.DeadLetterQueue(eventType), count)
	if err != nil {
		return res, fmt.Errorf("pop dead letters: %w", err)
	}

	channel := event.Channel(eventType)
	for _, e := range entries {
		if err := m.republish(ctx, channel, e); err != nil {
			res.Failed++
			m.logger.Warn("dead letter replay failed",
				slog.String("entry_id", e.ID),
				slog.String("event_id", e.EventID),
				slog.String("event_type", eventType),
				slog.String("error", err.Error()))
			continue
		}
		res.Retried++
	}

	m.metrics.RecordReplay(ctx, eventType, res.Retried, res.Failed)
	observability.LogReplay(m.logger, eventType, res.Retried, res.Failed)
	return res, nil
}

func (m *Manager) republish(ctx context.Context, channel string, e Entry) error {
	if m.catalog != nil {
		if _, err := m.catalog.Decode(e.Payload); err != nil {
			return err
		}
	} else if !json.Valid(e.Payload) {
		return &event.SerializationError{EventType: e.EventType, Err: fmt.Errorf("invalid JSON payload")}
	}
	if err := m.transport.Publish(ctx, channel, e.Payload); err != nil {
		return &event.TransportError{Channel: channel, Err: err}
	}
	return nil
}

// Purge deletes the queue of eventType and returns how many entries it held.
// Purging a missing queue returns 0.
func (m *Manager) Purge(ctx context.Context, eventType string) (int, error) {
	n, err := m.backend.Delete(ctx, event.DeadLetterQueue(eventType))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	if n > 0 {
		m.logger.Info("dead-letter queue purged",
			slog.String("event_type", eventType),
			slog.Int("removed", n))
	}
	return n, nil
}

// Len returns the size of the queue of eventType.
func (m *Manager) Len(ctx context.Context, eventType string) (int, error) {
	return m.backend.Len(ctx, event.DeadLetterQueue(eventType))
}

// QueueCount is the size of one dead-letter queue.
type QueueCount struct {
	EventType string `json:"eventType"`
	Queue     string `json:"queue"`
	Count     int    `json:"count"`
}

// Counts returns the size of every non-empty queue, ordered by event type.
func (m *Manager) Counts(ctx context.Context) ([]QueueCount, error) {
	queues, err := m.backend.Queues(ctx)
	if err != nil {
		return nil, err
	}
	prefix := event.DeadLetterQueue("")

	out := make([]QueueCount, 0, len(queues))
	for _, q := range queues {
		n, err := m.backend.Len(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueCount{
			EventType: strings.TrimPrefix(q, prefix),
			Queue:     q,
			Count:     n,
		})
	}
	slices.SortFunc(out, func(a, b QueueCount) int {
		return cmp.Compare(a.EventType, b.EventType)
	})
	return out, nil
}

// Expire removes entries older than the retention window.
func (m *Manager) Expire(ctx context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	n, err := m.backend.ExpireBefore(ctx, m.now().Add(-m.retention))
	if err != nil {
		return 0, fmt.Errorf("expire dead letters: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired dead letters",
			slog.Int("removed", n),
			slog.Duration("retention", m.retention))
	}
	return n, nil
}

// RunJanitor calls Expire every interval until ctx is done.
// It returns nil when ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Expire(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("dead-letter janitor failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ping checks the backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close closes the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
