// Package registry maps event type tags to the handlers that must run for them.
//
// A Builder collects registrations during startup; Build freezes them into
// an immutable Registry that the bus reads without locking. Matching is by
// exact type tag only, so a new event type never triggers an unrelated handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
)

// Sentinel errors for registration.
var (
	ErrEmptyType  = errors.New("registry: empty event type")
	ErrNilHandler = errors.New("registry: nil handler")
)

// Builder collects handler registrations. It is not safe for concurrent use;
// registration happens once during startup.
type Builder struct {
	handlers map[string][]event.Handler
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string][]event.Handler)}
}

// Register appends h to the handlers of eventType. Registering several
// handlers for one type fans the event out to all of them, in order.
func (b *Builder) Register(eventType string, h event.Handler) error {
	if eventType == "" {
		return ErrEmptyType
	}
	if h == nil {
		return fmt.Errorf("%w for %s", ErrNilHandler, eventType)
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
	return nil
}

// MustRegister is like Register but panics on error.
func (b *Builder) MustRegister(eventType string, h event.Handler) *Builder {
	if err := b.Register(eventType, h); err != nil {
		panic(err)
	}
	return b
}

// On registers a typed handler, deriving the type tag from T's zero value.
func On[T event.Payload](b *Builder, name string, fn func(ctx context.Context, e *event.Envelope, p T) error) *Builder {
	var zero T
	return b.MustRegister(zero.EventType(), event.Typed(name, fn))
}

// Build freezes the registrations. The builder can keep being used; later
// registrations do not affect registries already built.
func (b *Builder) Build() *Registry {
	frozen := make(map[string][]event.Handler, len(b.handlers))
	for t, hs := range b.handlers {
		frozen[t] = slices.Clone(hs)
	}
	return &Registry{handlers: frozen}
}

// Registry is an immutable event type -> handlers table.
type Registry struct {
	handlers map[string][]event.Handler
}

// Empty returns a registry with no handlers.
func Empty() *Registry {
	return &Registry{handlers: map[string][]event.Handler{}}
}

// Lookup returns the handlers for eventType in registration order.
// The result is a copy and is empty when nothing is registered.
func (r *Registry) Lookup(eventType string) []event.Handler {
	return slices.Clone(r.handlers[eventType])
}

// Has reports whether any handler is registered for eventType.
func (r *Registry) Has(eventType string) bool {
	return len(r.handlers[eventType]) > 0
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	n := 0
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}

// Range calls fn for every registration in type order; stop by returning false.
func (r *Registry) Range(fn func(eventType string, h event.Handler) bool) {
	for _, t := range r.Types() {
		for _, h := range r.handlers[t] {
			if !fn(t, h) {
				return
			}
		}
	}
}
