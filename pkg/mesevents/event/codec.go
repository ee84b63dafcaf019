package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Envelope keys of the flat wire format. Payload fields share the same object.
const (
	keyEventID     = "eventId"
	keyEventType   = "eventType"
	keyAggregateID = "aggregateId"
	keyOccurredOn  = "occurredOn"
	keyVersion     = "version"
	keyUserID      = "userId"
	keyMetadata    = "metadata"
	keyIntegration = "integration"
)

var reservedKeys = []string{
	keyEventID, keyEventType, keyAggregateID, keyOccurredOn,
	keyVersion, keyUserID, keyMetadata, keyIntegration,
}

// header mirrors the envelope part of the wire format.
type header struct {
	EventID     string            `json:"eventId"`
	EventType   string            `json:"eventType"`
	AggregateID string            `json:"aggregateId"`
	OccurredOn  time.Time         `json:"occurredOn"`
	Version     string            `json:"version"`
	UserID      *int64            `json:"userId,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Integration *Integration      `json:"integration,omitempty"`
}

// Encode renders the envelope as one flat JSON object: the envelope keys
// (eventId, eventType, aggregateId, occurredOn, version, userId, metadata)
// next to the payload's own fields. Envelope keys win on collision.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &SerializationError{Err: err}
	}

	fields, err := PayloadFields(e.Payload)
	if err != nil {
		return nil, &SerializationError{EventType: e.EventType(), Err: err}
	}

	md := e.Metadata
	if md == nil {
		md = map[string]string{}
	}
	fields[keyEventID] = e.EventID
	fields[keyEventType] = e.EventType()
	fields[keyAggregateID] = e.AggregateID
	fields[keyOccurredOn] = e.OccurredOn.UTC().Format(time.RFC3339Nano)
	fields[keyVersion] = e.Version
	fields[keyMetadata] = md
	if e.UserID != nil {
		fields[keyUserID] = *e.UserID
	}
	if e.Integration != nil {
		fields[keyIntegration] = e.Integration
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, &SerializationError{EventType: e.EventType(), Err: err}
	}
	return data, nil
}

// PayloadFields returns the payload's wire fields as a map.
func PayloadFields(p Payload) (map[string]any, error) {
	switch raw := p.(type) {
	case RawPayload:
		return cloneFields(raw.Fields), nil
	case *RawPayload:
		return cloneFields(raw.Fields), nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	fields, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("payload %T is not a JSON object: %w", p, err)
	}
	return fields, nil
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

func decodeFields(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// decodeFunc turns payload JSON into a typed payload.
type decodeFunc func(data []byte) (Payload, error)

func decoderFor[T Payload]() decodeFunc {
	return func(data []byte) (Payload, error) {
		var p T
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Catalog maps type tags to payload decoders. It is built once at startup.
type Catalog struct {
	decoders map[string]decodeFunc
}

// NewCatalog returns an empty catalog. Unknown types decode to RawPayload.
func NewCatalog() *Catalog {
	return &Catalog{decoders: make(map[string]decodeFunc)}
}

// Add registers the payload type T, keyed by the tag of its zero value.
// T must be a value type whose EventType does not depend on its fields.
func Add[T Payload](c *Catalog) *Catalog {
	var zero T
	c.decoders[zero.EventType()] = decoderFor[T]()
	return c
}

// DefaultCatalog knows every manufacturing event defined in this package.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	Add[ProductionBatchCreatedEvent](c)
	Add[ProductionBatchCompletedEvent](c)
	Add[MaterialConsumedEvent](c)
	Add[QualityInspectionCompletedEvent](c)
	Add[EquipmentStatusChangedEvent](c)
	return c
}

// Known reports whether the catalog has a typed payload for eventType.
func (c *Catalog) Known(eventType string) bool {
	_, ok := c.decoders[eventType]
	return ok
}

// Types returns the known type tags, sorted.
func (c *Catalog) Types() []string {
	return slices.Sorted(maps.Keys(c.decoders))
}

// NewPayload builds a payload of eventType from its JSON fields.
// Empty fields produce the zero payload.
func (c *Catalog) NewPayload(eventType string, fields json.RawMessage) (Payload, error) {
	if eventType == "" {
		return nil, &SerializationError{Err: ErrInvalidEvent}
	}
	if len(bytes.TrimSpace(fields)) == 0 {
		fields = json.RawMessage("{}")
	}
	dec, ok := c.decoders[eventType]
	if !ok {
		m, err := decodeFields(fields)
		if err != nil {
			return nil, &SerializationError{EventType: eventType, Err: err}
		}
		return RawPayload{Type: eventType, Fields: m}, nil
	}
	p, err := dec(fields)
	if err != nil {
		return nil, &SerializationError{EventType: eventType, Err: err}
	}
	return p, nil
}

// Decode parses the flat wire format back into an envelope.
func (c *Catalog) Decode(data []byte) (*Envelope, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &SerializationError{Err: err}
	}
	if h.EventType == "" {
		return nil, &SerializationError{Err: fmt.Errorf("%w: missing %s", ErrInvalidEvent, keyEventType)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &SerializationError{EventType: h.EventType, Err: err}
	}
	for _, k := range reservedKeys {
		delete(fields, k)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, &SerializationError{EventType: h.EventType, Err: err}
	}

	payload, err := c.NewPayload(h.EventType, body)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:     h.EventID,
		OccurredOn:  h.OccurredOn.UTC(),
		AggregateID: h.AggregateID,
		Version:     h.Version,
		UserID:      h.UserID,
		Metadata:    h.Metadata,
		Integration: h.Integration,
		Payload:     payload,
	}, nil
}

// PayloadAs returns the envelope payload as T. A RawPayload with the
// matching tag is converted through its JSON fields.
func PayloadAs[T Payload](e *Envelope) (T, error) {
	var zero T
	if p, ok := e.Payload.(T); ok {
		return p, nil
	}

	raw, ok := e.Payload.(RawPayload)
	if !ok || raw.Type != zero.EventType() {
		return zero, &SerializationError{
			EventType: e.EventType(),
			Err:       fmt.Errorf("payload %T is not %T", e.Payload, zero),
		}
	}
	data, err := json.Marshal(raw.Fields)
	if err != nil {
		return zero, &SerializationError{EventType: raw.Type, Err: err}
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, &SerializationError{EventType: raw.Type, Err: err}
	}
	return out, nil
}
