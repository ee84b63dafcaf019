// Package store provides the append-only event log.
//
// Every published event is written once, before dispatch, and never updated
// or deleted. Records are queryable by aggregate or by type and time window,
// always ordered by OccurredOn with ties broken by append order.
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
)

// Store is the durable event log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append writes one record. It returns ErrDuplicate if the EventID is
	// already stored and ErrClosed after Close.
	Append(ctx context.Context, rec Record) error

	// ByAggregate returns every record for an aggregate, oldest first.
	// Returns an empty slice (not error) for unknown aggregates.
	ByAggregate(ctx context.Context, aggregateID string) ([]Record, error)

	// ByTypeSince returns records of eventType with OccurredOn >= since,
	// oldest first. An empty eventType matches every type.
	ByTypeSince(ctx context.Context, eventType string, since time.Time) ([]Record, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is the persisted form of an event.
type Record struct {
	// Seq is the append sequence assigned by the store.
	Seq         int64
	EventID     string
	AggregateID string
	EventType   string
	// Payload is the full wire encoding of the event.
	Payload    []byte
	OccurredOn time.Time
	Version    string
	UserID     *int64
	Metadata   map[string]string
}

// RecordFrom builds the persisted form of an envelope.
func RecordFrom(e *event.Envelope) (Record, error) {
	payload, err := event.Encode(e)
	if err != nil {
		return Record{}, err
	}
	return Record{
		EventID:     e.EventID,
		AggregateID: e.AggregateID,
		EventType:   e.EventType(),
		Payload:     payload,
		OccurredOn:  e.OccurredOn.UTC(),
		Version:     e.Version,
		UserID:      e.UserID,
		Metadata:    e.Metadata,
	}, nil
}

// Envelope decodes the record payload with the given catalog.
func (r Record) Envelope(c *event.Catalog) (*event.Envelope, error) {
	return c.Decode(r.Payload)
}

// Sentinel errors for store operations.
var (
	// ErrDuplicate indicates a record with the same EventID exists.
	ErrDuplicate = errors.New("event already stored")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("event store closed")
)

// compareRecords orders by OccurredOn, then by append sequence.
func compareRecords(a, b Record) int {
	if c := a.OccurredOn.Compare(b.OccurredOn); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func sortRecords(recs []Record) {
	slices.SortFunc(recs, compareRecords)
}
