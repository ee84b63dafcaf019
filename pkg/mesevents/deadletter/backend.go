// Package deadletter quarantines events whose handlers exhausted their
// retry budget. Each event type owns one FIFO queue, named
// events:deadletter:{eventType}, that operators can list, replay or purge.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("dead-letter backend closed")

// Entry is one quarantined handler failure.
type Entry struct {
	ID            string          `json:"id"`
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Handler       string          `json:"handler"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failureReason"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	AttemptCount  int             `json:"attemptCount"`
}

// Backend stores dead-letter queues.
//
// Queues are FIFO. PopN must remove and return entries atomically so that
// two concurrent replays never receive the same entry.
type Backend interface {
	// Push appends e to the tail of queue.
	Push(ctx context.Context, queue string, e Entry) error

	// PopN removes and returns up to n entries from the head of queue.
	PopN(ctx context.Context, queue string, n int) ([]Entry, error)

	// Range returns up to limit entries from the head of queue without
	// removing them. limit <= 0 returns the whole queue.
	Range(ctx context.Context, queue string, limit int) ([]Entry, error)

	// Len returns the number of entries in queue; 0 for a missing queue.
	Len(ctx context.Context, queue string) (int, error)

	// Queues returns the names of all non-empty queues, sorted.
	Queues(ctx context.Context) ([]string, error)

	// Delete removes queue and returns how many entries it held.
	Delete(ctx context.Context, queue string) (int, error)

	// ExpireBefore removes every entry enqueued before cutoff.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
