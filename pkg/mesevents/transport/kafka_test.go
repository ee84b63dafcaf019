package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "events.productionbatchcreatedevent", Topic("events:productionbatchcreatedevent"))
	assert.Equal(t, "plain", Topic("plain"))
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 10.0.0.1:9092: connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("[3] Unknown Topic Or Partition"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldReset(tt.err), "%v", tt.err)
	}
}

func TestNewKafkaTransport(t *testing.T) {
	_, err := NewKafkaTransport(KafkaConfig{})
	assert.Error(t, err)

	k, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, "mesbus", k.cfg.GroupID)
	assert.Positive(t, k.cfg.WriteTimeout)
	assert.True(t, k.w.AllowAutoTopicCreation)
	assert.Empty(t, k.w.Topic)

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())

	assert.ErrorIs(t, k.Publish(context.Background(), "events:x", []byte("{}")), ErrClosed)
	_, err = k.Subscribe(context.Background(), "events:x", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, k.Ping(context.Background()), ErrClosed)
}

func TestNewReaderConfig(t *testing.T) {
	r := newReader(KafkaConfig{Brokers: []string{"b:9092"}, GroupID: "g", StartOffset: "first"}, "events.x", "g-1")
	defer r.Close()

	cfg := r.Config()
	assert.Equal(t, "events.x", cfg.Topic)
	assert.Equal(t, "g-1", cfg.GroupID)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)
	assert.Equal(t, 1, cfg.MinBytes)
}

func TestSubscriptionsUseDistinctGroups(t *testing.T) {
	k, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, GroupID: "mesbus"})
	require.NoError(t, err)

	noop := func(context.Context, Message) error { return nil }
	first, err := k.Subscribe(context.Background(), "events:productionbatchcreatedevent", noop)
	require.NoError(t, err)
	second, err := k.Subscribe(context.Background(), "events:productionbatchcreatedevent", noop)
	require.NoError(t, err)

	a := first.(*kafkaSubscription)
	b := second.(*kafkaSubscription)
	assert.NotEqual(t, a.group, b.group)
	assert.True(t, strings.HasPrefix(a.group, "mesbus-"))
	assert.True(t, strings.HasPrefix(b.group, "mesbus-"))

	a.mu.Lock()
	assert.Equal(t, a.group, a.r.Config().GroupID)
	a.mu.Unlock()

	require.NoError(t, k.Close())
	<-first.Done()
	<-second.Done()
}
