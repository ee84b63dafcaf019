// Package event defines the envelope every manufacturing event travels in.
//
// An Envelope carries the shared identity fields (event id, timestamp,
// aggregate linkage, metadata) and a Payload variant. The payload carries its
// own type tag, so dispatch is a map lookup on EventType rather than a type
// switch:
//   - Envelope and Integration for identity and cross-boundary retry budgets
//   - concrete payloads such as ProductionBatchCreatedEvent
//   - Catalog for decoding the wire format back into typed payloads
//   - Handler, the single async entry point reactive services implement
package event

import (
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the schema version tag assigned when none is given.
const DefaultVersion = "1.0"

// Payload is the event-specific part of an Envelope.
type Payload interface {
	// EventType returns the concrete type tag, e.g. "ProductionBatchCreatedEvent".
	EventType() string
}

// Integration carries the retry budget of events that cross a system boundary.
type Integration struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`
}

// CanRetry reports whether another retry fits in the budget.
func (i *Integration) CanRetry() bool {
	return i != nil && i.RetryCount < i.MaxRetries
}

// Remaining returns the number of retries left, never negative.
func (i *Integration) Remaining() int {
	if i == nil || i.RetryCount >= i.MaxRetries {
		return 0
	}
	return i.MaxRetries - i.RetryCount
}

// Envelope is the unit of communication: shared identity plus a payload.
// EventID and OccurredOn are assigned once and never changed.
type Envelope struct {
	EventID     string
	OccurredOn  time.Time
	AggregateID string
	Version     string
	UserID      *int64
	Metadata    map[string]string
	Integration *Integration
	Payload     Payload
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: random UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithOccurredOn sets a specific timestamp (default: time.Now). It is stored in UTC.
func WithOccurredOn(t time.Time) Option {
	return func(e *Envelope) {
		e.OccurredOn = t.UTC()
	}
}

// WithUserID records the acting user.
func WithUserID(id int64) Option {
	return func(e *Envelope) {
		e.UserID = &id
	}
}

// WithMetadata merges the given values into the envelope metadata.
func WithMetadata(md map[string]string) Option {
	return func(e *Envelope) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(e.Metadata, md)
	}
}

// WithVersion sets the schema version tag.
func WithVersion(v string) Option {
	return func(e *Envelope) {
		e.Version = v
	}
}

// WithIntegration marks the event as an integration event with its own retry budget.
// RetryCount is clamped to MaxRetries.
func WithIntegration(source, target string, retryCount, maxRetries int) Option {
	return func(e *Envelope) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		if retryCount > maxRetries {
			retryCount = maxRetries
		}
		if retryCount < 0 {
			retryCount = 0
		}
		e.Integration = &Integration{
			Source:     source,
			Target:     target,
			RetryCount: retryCount,
			MaxRetries: maxRetries,
		}
	}
}

// New creates an envelope for payload with a fresh identity.
func New(aggregateID string, payload Payload, opts ...Option) *Envelope {
	e := &Envelope{
		AggregateID: aggregateID,
		Payload:     payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.EnsureIdentity()
	return e
}

// EnsureIdentity assigns EventID, OccurredOn and Version when they are unset.
// Fields that are already set are left untouched.
func (e *Envelope) EnsureIdentity() {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredOn.IsZero() {
		e.OccurredOn = time.Now().UTC()
	}
	if e.Version == "" {
		e.Version = DefaultVersion
	}
}

// EventType returns the payload's type tag, or "" when there is no payload.
func (e *Envelope) EventType() string {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks that the envelope can be routed.
func (e *Envelope) Validate() error {
	if e == nil || e.Payload == nil {
		return ErrInvalidEvent
	}
	if e.EventType() == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Meta returns a metadata value, or "" when absent.
func (e *Envelope) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// WithMeta returns a copy of the envelope with one extra metadata entry.
// The receiver is not modified.
func (e *Envelope) WithMeta(key, value string) *Envelope {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	maps.Copy(cp.Metadata, e.Metadata)
	cp.Metadata[key] = value
	if e.Integration != nil {
		integ := *e.Integration
		cp.Integration = &integ
	}
	return &cp
}

// IsTest reports whether the event was published as a synthetic test event.
func (e *Envelope) IsTest() bool {
	return e.Meta(MetaTest) == "true"
}

// Well-known metadata keys.
const (
	MetaTest        = "test"
	MetaCausationID = "causationId"
	MetaReplayed    = "replayed"
)

// Channel returns the broadcast channel for an event type: events:{type lowercased}.
func Channel(eventType string) string {
	return "events:" + strings.ToLower(eventType)
}

// DeadLetterQueue returns the dead-letter list name for an event type.
func DeadLetterQueue(eventType string) string {
	return "events:deadletter:" + eventType
}
