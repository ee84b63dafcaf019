package deadletter

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryBackend keeps queues in process memory.
// It is intended for tests and single-instance development.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string][]Entry
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string][]Entry)}
}

func (b *MemoryBackend) Push(_ context.Context, queue string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	e.Payload = slices.Clone(e.Payload)
	b.queues[queue] = append(b.queues[queue], e)
	return nil
}

func (b *MemoryBackend) PopN(_ context.Context, queue string, n int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := b.queues[queue]
	n = min(max(n, 0), len(q))
	if n == 0 {
		return nil, nil
	}

	out := slices.Clone(q[:n])
	if rest := q[n:]; len(rest) == 0 {
		delete(b.queues, queue)
	} else {
		b.queues[queue] = slices.Clone(rest)
	}
	return out, nil
}

func (b *MemoryBackend) Range(_ context.Context, queue string, limit int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := b.queues[queue]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	return slices.Clone(q), nil
}

func (b *MemoryBackend) Len(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return len(b.queues[queue]), nil
}

func (b *MemoryBackend) Queues(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return slices.Sorted(maps.Keys(b.queues)), nil
}

func (b *MemoryBackend) Delete(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := len(b.queues[queue])
	delete(b.queues, queue)
	return n, nil
}

func (b *MemoryBackend) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	removed := 0
	for name, q := range b.queues {
		kept := slices.DeleteFunc(q, func(e Entry) bool {
			return e.EnqueuedAt.Before(cutoff)
		})
		removed += len(q) - len(kept)
		if len(kept) == 0 {
			delete(b.queues, name)
		} else {
			b.queues[name] = kept
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the backend closed. Safe to call more than once.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queues = nil
	return nil
}
