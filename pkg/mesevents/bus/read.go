package bus

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/stats"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

// DefaultHistoryLimit caps History when the query sets no limit.
const DefaultHistoryLimit = 100

// Statistics returns published/processed/failed counts per event type for
// the days overlapping [from, to].
func (b *Bus) Statistics(from, to time.Time) stats.Report {
	return b.counters.Report(from, to)
}

// Counters exposes the statistics counters, for pruning.
func (b *Bus) Counters() *stats.Counters {
	return b.counters
}

// HistoryQuery filters History. All fields are optional.
type HistoryQuery struct {
	AggregateID string
	EventType   string
	Since       time.Time
	Limit       int
}

// History returns stored events in ascending OccurredOn order. With an
// AggregateID the aggregate's stream is read, otherwise events of
// EventType (or of every type) since Since. When more than Limit records
// match, the most recent Limit are returned.
func (b *Bus) History(ctx context.Context, q HistoryQuery) ([]store.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var (
		recs []store.Record
		err  error
	)
	if q.AggregateID != "" {
		recs, err = b.store.ByAggregate(ctx, q.AggregateID)
		if err != nil {
			return nil, err
		}
		filtered := recs[:0]
		for _, r := range recs {
			if q.EventType != "" && r.EventType != q.EventType {
				continue
			}
			if r.OccurredOn.Before(q.Since) {
				continue
			}
			filtered = append(filtered, r)
		}
		recs = filtered
	} else {
		recs, err = b.store.ByTypeSince(ctx, q.EventType, q.Since)
		if err != nil {
			return nil, err
		}
	}

	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// Subscribe registers h on the cross-process channel of eventType,
// independent of the handler registry. Each broadcast is decoded with the
// bus catalog and handed to h as a single attempt under HandlerTimeout.
func (b *Bus) Subscribe(ctx context.Context, eventType string, h event.Handler) (transport.Subscription, error) {
	if b.transport == nil {
		return nil, event.ErrTransportDisabled
	}
	if eventType == "" || h == nil {
		return nil, event.ErrInvalidEvent
	}

	return b.transport.Subscribe(ctx, event.Channel(eventType), func(ctx context.Context, msg transport.Message) error {
		e, err := b.catalog.Decode(msg.Payload)
		if err != nil {
			b.logger.Warn("undecodable broadcast",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()))
			return err
		}

		ctx = b.spans.Extract(ctx, e.Metadata)
		ctx, span := b.spans.StartHandlerSpan(ctx, e.EventID, e.EventType(), h.Name())
		err = b.invoke(ctx, e, h, 1)
		b.spans.EndSpanWithError(span, err)
		return err
	})
}

// Component states reported by Health.
const (
	StatusUp       = "up"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

// ComponentHealth is the reachability of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health summarizes reachability of the store, transport and dead-letter
// backend. Healthy is false when any enabled component is down.
type Health struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health pings every dependency concurrently.
func (b *Bus) Health(ctx context.Context) Health {
	var storeH, transportH, dlqH ComponentHealth

	var g errgroup.Group
	g.Go(func() error {
		storeH = probe(b.store.Ping(ctx))
		return nil
	})
	g.Go(func() error {
		if b.transport == nil {
			transportH = ComponentHealth{Status: StatusDisabled}
			return nil
		}
		transportH = probe(b.transport.Ping(ctx))
		return nil
	})
	g.Go(func() error {
		if b.deadLetters == nil {
			dlqH = ComponentHealth{Status: StatusDisabled}
			return nil
		}
		dlqH = probe(b.deadLetters.Ping(ctx))
		return nil
	})
	_ = g.Wait()

	h := Health{
		Healthy: true,
		Components: map[string]ComponentHealth{
			"store":      storeH,
			"transport":  transportH,
			"deadLetter": dlqH,
		},
	}
	for _, c := range h.Components {
		if c.Status == StatusDown {
			h.Healthy = false
		}
	}
	return h
}

func probe(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Status: StatusDown, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusUp}
}
