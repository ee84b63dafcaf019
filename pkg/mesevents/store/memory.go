package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for tests and development.
// Data is lost when the process exits. Every Append holds one store-wide
// lock, so producers are serialized; use SQLiteStore or PostgresStore for
// concurrent production traffic.
type MemoryStore struct {
	mu          sync.RWMutex
	records     []Record
	byAggregate map[string][]int // aggregateID -> indexes into records
	ids         map[string]struct{}
	closed      bool
}

// NewMemoryStore creates a new in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAggregate: make(map[string][]int),
		ids:         make(map[string]struct{}),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, dup := m.ids[rec.EventID]; dup {
		return ErrDuplicate
	}

	rec = cloneRecord(rec)
	rec.Seq = int64(len(m.records) + 1)
	rec.OccurredOn = rec.OccurredOn.UTC()

	m.records = append(m.records, rec)
	m.ids[rec.EventID] = struct{}{}
	m.byAggregate[rec.AggregateID] = append(m.byAggregate[rec.AggregateID], len(m.records)-1)
	return nil
}

// ByAggregate implements Store.
func (m *MemoryStore) ByAggregate(_ context.Context, aggregateID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	idx := m.byAggregate[aggregateID]
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, cloneRecord(m.records[i]))
	}
	sortRecords(out)
	return out, nil
}

// ByTypeSince implements Store.
func (m *MemoryStore) ByTypeSince(_ context.Context, eventType string, since time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Record, 0)
	for _, rec := range m.records {
		if eventType != "" && rec.EventType != eventType {
			continue
		}
		if rec.OccurredOn.Before(since) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	m.byAggregate = nil
	m.ids = nil
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// cloneRecord copies the mutable parts so callers cannot alter the log.
func cloneRecord(rec Record) Record {
	rec.Payload = append([]byte(nil), rec.Payload...)
	if rec.Metadata != nil {
		rec.Metadata = maps.Clone(rec.Metadata)
	}
	if rec.UserID != nil {
		id := *rec.UserID
		rec.UserID = &id
	}
	return rec
}
