package event

import "context"

// Handler is the dispatch contract for reactive services: one async entry
// point per event type. Handle may be called concurrently and more than once
// for the same event when earlier attempts failed.
type Handler interface {
	// Name identifies the handler in logs and dead-letter entries.
	Name() string

	// Handle processes one event. A returned error triggers a retry.
	Handle(ctx context.Context, e *Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, e *Envelope) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h *namedHandler) Name() string { return h.name }

func (h *namedHandler) Handle(ctx context.Context, e *Envelope) error {
	return h.fn(ctx, e)
}

// NewHandler wraps fn as a Handler called name.
func NewHandler(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

// Typed adapts a function over a concrete payload type. Envelopes whose
// payload cannot be converted to T fail with a SerializationError.
func Typed[T Payload](name string, fn func(ctx context.Context, e *Envelope, p T) error) Handler {
	return NewHandler(name, func(ctx context.Context, e *Envelope) error {
		p, err := PayloadAs[T](e)
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}
