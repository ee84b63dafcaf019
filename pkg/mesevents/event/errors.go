package event

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a queue or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("closed")

	// ErrTransportDisabled is returned when an operation needs the broadcast transport.
	ErrTransportDisabled = errors.New("broadcast transport disabled")

	// ErrInvalidEvent is returned for envelopes without a payload or type tag.
	ErrInvalidEvent = errors.New("invalid event")
)

// PersistenceError means the store append failed and the publish did not happen.
type PersistenceError struct {
	Op      string
	EventID string
	Err     error
}

// Error implements error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s event %s: %v", e.Op, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// HandlerError is a single failed handler attempt.
type HandlerError struct {
	Handler   string
	EventID   string
	EventType string
	Attempt   int
	Err       error
}

// Error implements error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s %s (attempt %d): %v",
		e.Handler, e.EventType, e.EventID, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SerializationError means a payload could not be encoded or decoded.
// Retrying cannot help.
type SerializationError struct {
	EventType string
	Err       error
}

// Error implements error interface.
func (e *SerializationError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("serialization: %v", e.Err)
	}
	return fmt.Sprintf("serialization of %s: %v", e.EventType, e.Err)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Permanent marks serialization failures as not retryable.
func (e *SerializationError) Permanent() bool {
	return true
}

// TransportError means a broadcast failed. It is logged, never returned from Publish.
type TransportError struct {
	Channel string
	Err     error
}

// Error implements error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("broadcast on %s: %v", e.Channel, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
