package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusliao/mesevents/pkg/mesevents/event"
)

func batchCreated() event.ProductionBatchCreatedEvent {
	return event.ProductionBatchCreatedEvent{
		BatchNumber:     "B100",
		ProductModel:    "X1",
		PlannedQuantity: 500,
		Workshop:        "W1",
	}
}

func TestNew(t *testing.T) {
	e := event.New("B100", batchCreated())

	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.OccurredOn.IsZero())
	assert.Equal(t, time.UTC, e.OccurredOn.Location())
	assert.Equal(t, event.DefaultVersion, e.Version)
	assert.Equal(t, "ProductionBatchCreatedEvent", e.EventType())
	assert.Equal(t, "B100", e.AggregateID)
	assert.Nil(t, e.UserID)
	assert.Nil(t, e.Integration)

	other := event.New("B100", batchCreated())
	assert.NotEqual(t, e.EventID, other.EventID)
}

func TestNewOptions(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600))
	e := event.New("B1", batchCreated(),
		event.WithEventID("evt-1"),
		event.WithOccurredOn(ts),
		event.WithUserID(42),
		event.WithVersion("2.0"),
		event.WithMetadata(map[string]string{"causationId": "c-1"}),
	)

	assert.Equal(t, "evt-1", e.EventID)
	assert.True(t, e.OccurredOn.Equal(ts))
	assert.Equal(t, time.UTC, e.OccurredOn.Location())
	require.NotNil(t, e.UserID)
	assert.Equal(t, int64(42), *e.UserID)
	assert.Equal(t, "2.0", e.Version)
	assert.Equal(t, "c-1", e.Meta(event.MetaCausationID))
}

func TestEnsureIdentityKeepsExisting(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &event.Envelope{EventID: "fixed", OccurredOn: ts, Payload: batchCreated()}
	e.EnsureIdentity()

	assert.Equal(t, "fixed", e.EventID)
	assert.Equal(t, ts, e.OccurredOn)
	assert.Equal(t, event.DefaultVersion, e.Version)
}

func TestIntegration(t *testing.T) {
	t.Run("remaining budget", func(t *testing.T) {
		e := event.New("B1", batchCreated(), event.WithIntegration("mes", "erp", 1, 3))
		require.NotNil(t, e.Integration)
		assert.True(t, e.Integration.CanRetry())
		assert.Equal(t, 2, e.Integration.Remaining())
	})

	t.Run("retry count clamped to max", func(t *testing.T) {
		e := event.New("B1", batchCreated(), event.WithIntegration("mes", "erp", 7, 3))
		assert.Equal(t, 3, e.Integration.RetryCount)
		assert.False(t, e.Integration.CanRetry())
		assert.Equal(t, 0, e.Integration.Remaining())
	})

	t.Run("nil integration", func(t *testing.T) {
		var integ *event.Integration
		assert.False(t, integ.CanRetry())
		assert.Equal(t, 0, integ.Remaining())
	})
}

func TestWithMetaCopies(t *testing.T) {
	e := event.New("B1", batchCreated(), event.WithMetadata(map[string]string{"a": "1"}))
	cp := e.WithMeta(event.MetaTest, "true")

	assert.True(t, cp.IsTest())
	assert.False(t, e.IsTest())
	assert.Equal(t, e.EventID, cp.EventID)
	assert.Equal(t, "1", cp.Meta("a"))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, (&event.Envelope{}).Validate(), event.ErrInvalidEvent)
	assert.ErrorIs(t, (&event.Envelope{Payload: event.RawPayload{}}).Validate(), event.ErrInvalidEvent)
	assert.NoError(t, event.New("B1", batchCreated()).Validate())
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "events:productionbatchcreatedevent", event.Channel("ProductionBatchCreatedEvent"))
	assert.Equal(t, "events:deadletter:ProductionBatchCreatedEvent", event.DeadLetterQueue("ProductionBatchCreatedEvent"))
}

func TestEncodeWireFormat(t *testing.T) {
	e := event.New("B100", batchCreated(),
		event.WithEventID("evt-1"),
		event.WithOccurredOn(time.Date(2024, 5, 6, 7, 8, 9, 123, time.UTC)),
		event.WithUserID(7),
	)

	data, err := event.Encode(e)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	assert.Equal(t, "evt-1", wire["eventId"])
	assert.Equal(t, "ProductionBatchCreatedEvent", wire["eventType"])
	assert.Equal(t, "B100", wire["aggregateId"])
	assert.Equal(t, "2024-05-06T07:08:09.000000123Z", wire["occurredOn"])
	assert.Equal(t, "1.0", wire["version"])
	assert.Equal(t, float64(7), wire["userId"])
	assert.Equal(t, map[string]any{}, wire["metadata"])
	assert.Equal(t, "B100", wire["batchNumber"])
	assert.Equal(t, float64(500), wire["plannedQuantity"])
	assert.NotContains(t, wire, "integration")
}

func TestEncodeOmitsUserID(t *testing.T) {
	data, err := event.Encode(event.New("B1", batchCreated()))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "userId")
}

func TestEncodeInvalid(t *testing.T) {
	_, err := event.Encode(&event.Envelope{})
	var serr *event.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Permanent())
}

func TestDecodeRoundTrip(t *testing.T) {
	catalog := event.DefaultCatalog()
	original := event.New("B9", event.MaterialConsumedEvent{
		BatchNumber:  "B9",
		MaterialCode: "M-42",
		Quantity:     decimal.RequireFromString("12.375"),
		Unit:         "kg",
	}, event.WithIntegration("mes", "wms", 0, 2), event.WithMetadata(map[string]string{"k": "v"}))

	data, err := event.Encode(original)
	require.NoError(t, err)

	decoded, err := catalog.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, original.EventID, decoded.EventID)
	assert.True(t, original.OccurredOn.Equal(decoded.OccurredOn))
	assert.Equal(t, original.AggregateID, decoded.AggregateID)
	assert.Equal(t, "v", decoded.Meta("k"))
	assert.Equal(t, original.Integration, decoded.Integration)

	p, ok := decoded.Payload.(event.MaterialConsumedEvent)
	require.True(t, ok, "payload type %T", decoded.Payload)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("12.375")))
	assert.Equal(t, "M-42", p.MaterialCode)
}

func TestDecodeUnknownType(t *testing.T) {
	data := []byte(`{"eventId":"e1","eventType":"SyntheticEvent","aggregateId":"A","occurredOn":"2024-01-01T00:00:00Z","version":"1.0","metadata":{"test":"true"},"note":"hi","count":3}`)

	decoded, err := event.DefaultCatalog().Decode(data)
	require.NoError(t, err)

	raw, ok := decoded.Payload.(event.RawPayload)
	require.True(t, ok)
	assert.Equal(t, "SyntheticEvent", raw.Type)
	assert.Equal(t, "hi", raw.Fields["note"])
	assert.Equal(t, json.Number("3"), raw.Fields["count"])
	assert.NotContains(t, raw.Fields, "eventId")
	assert.True(t, decoded.IsTest())

	again, err := event.Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestDecodeErrors(t *testing.T) {
	catalog := event.DefaultCatalog()

	_, err := catalog.Decode([]byte("not json"))
	var serr *event.SerializationError
	assert.ErrorAs(t, err, &serr)

	_, err = catalog.Decode([]byte(`{"eventId":"x"}`))
	assert.ErrorIs(t, err, event.ErrInvalidEvent)

	_, err = catalog.Decode([]byte(`{"eventType":"ProductionBatchCreatedEvent","plannedQuantity":"many"}`))
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, "ProductionBatchCreatedEvent", serr.EventType)
}

func TestCatalog(t *testing.T) {
	c := event.DefaultCatalog()
	assert.True(t, c.Known("EquipmentStatusChangedEvent"))
	assert.False(t, c.Known("Unknown"))
	assert.Len(t, c.Types(), 5)
	assert.Equal(t, "EquipmentStatusChangedEvent", c.Types()[0])

	p, err := c.NewPayload("QualityInspectionCompletedEvent", nil)
	require.NoError(t, err)
	assert.Equal(t, event.QualityInspectionCompletedEvent{}, p)

	_, err = c.NewPayload("", nil)
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
}

func TestTypedHandler(t *testing.T) {
	var got event.ProductionBatchCreatedEvent
	h := event.Typed("capture", func(_ context.Context, _ *event.Envelope, p event.ProductionBatchCreatedEvent) error {
		got = p
		return nil
	})
	assert.Equal(t, "capture", h.Name())

	t.Run("typed payload", func(t *testing.T) {
		require.NoError(t, h.Handle(context.Background(), event.New("B100", batchCreated())))
		assert.Equal(t, batchCreated(), got)
	})

	t.Run("raw payload with matching tag", func(t *testing.T) {
		got = event.ProductionBatchCreatedEvent{}
		raw := event.RawPayload{Type: "ProductionBatchCreatedEvent", Fields: map[string]any{"batchNumber": "B7"}}
		require.NoError(t, h.Handle(context.Background(), event.New("B7", raw)))
		assert.Equal(t, "B7", got.BatchNumber)
	})

	t.Run("mismatched payload is a serialization error", func(t *testing.T) {
		err := h.Handle(context.Background(), event.New("E1", event.EquipmentStatusChangedEvent{}))
		var serr *event.SerializationError
		assert.ErrorAs(t, err, &serr)
	})
}

func TestErrorTypes(t *testing.T) {
	inner := errors.New("disk full")

	perr := &event.PersistenceError{Op: "append", EventID: "e1", Err: inner}
	assert.ErrorIs(t, perr, inner)
	assert.Contains(t, perr.Error(), "e1")

	herr := &event.HandlerError{Handler: "report", EventID: "e1", EventType: "T", Attempt: 2, Err: inner}
	assert.ErrorIs(t, herr, inner)
	assert.Contains(t, herr.Error(), "attempt 2")

	terr := &event.TransportError{Channel: "events:t", Err: inner}
	assert.ErrorIs(t, terr, inner)
	assert.Contains(t, terr.Error(), "events:t")
}
