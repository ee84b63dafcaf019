package mesevents_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusliao/mesevents/pkg/mesevents"
	"github.com/yusliao/mesevents/pkg/mesevents/config"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/registry"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Transport.Driver = "memory"
	cfg.DeadLetter.Driver = "memory"
	cfg.Metrics.Exporter = "none"
	cfg.Dispatch.InitialBackoff = "1ms"
	cfg.Dispatch.MaxBackoff = "2ms"
	return cfg
}

func TestOpenMemory(t *testing.T) {
	var processed atomic.Int32
	reg := registry.On(registry.NewBuilder(), "count",
		func(_ context.Context, _ *event.Envelope, _ event.ProductionBatchCreatedEvent) error {
			processed.Add(1)
			return nil
		}).Build()

	bb, err := mesevents.Open(testConfig(t), reg)
	require.NoError(t, err)

	ack, err := bb.Bus.Publish(context.Background(), event.New("B1", event.ProductionBatchCreatedEvent{BatchNumber: "B1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Handlers)
	assert.True(t, ack.Broadcast)

	require.NoError(t, bb.Close(context.Background()))
	assert.Equal(t, int32(1), processed.Load())
	assert.Nil(t, bb.Prometheus)
}

func TestOpenDeadLetterReplay(t *testing.T) {
	reg := registry.On(registry.NewBuilder(), "always-fails",
		func(context.Context, *event.Envelope, event.MaterialConsumedEvent) error {
			return errors.New("inventory service unavailable")
		}).Build()

	bb, err := mesevents.Open(testConfig(t), reg)
	require.NoError(t, err)
	defer bb.Close(context.Background())

	received := make(chan struct{}, 1)
	sub, err := bb.Bus.Subscribe(context.Background(), "MaterialConsumedEvent",
		event.NewHandler("observer", func(context.Context, *event.Envelope) error {
			received <- struct{}{}
			return nil
		}))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = bb.Bus.Publish(context.Background(), event.New("B1", event.MaterialConsumedEvent{BatchNumber: "B1", MaterialCode: "M1"}))
	require.NoError(t, err)
	<-received

	require.Eventually(t, func() bool {
		n, err := bb.DeadLetters.Len(context.Background(), "MaterialConsumedEvent")
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	res, err := bb.DeadLetters.Replay(context.Background(), "MaterialConsumedEvent", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("replayed event was not broadcast")
	}
}

func TestOpenSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "events.db")
	cfg.DeadLetter.Driver = "sqlite"
	cfg.DeadLetter.Path = filepath.Join(dir, "dlq.db")
	cfg.Transport.Driver = "none"
	cfg.Metrics.Exporter = "prometheus"

	bb, err := mesevents.Open(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, bb.Transport)
	assert.NotNil(t, bb.Prometheus)

	_, err = bb.Bus.Publish(context.Background(), event.New("B7", event.ProductionBatchCreatedEvent{BatchNumber: "B7"}))
	require.NoError(t, err)
	require.NoError(t, bb.Close(context.Background()))

	reopened, err := store.NewSQLiteStore(cfg.Store.Path)
	require.NoError(t, err)
	defer reopened.Close()
	recs, err := reopened.ByAggregate(context.Background(), "B7")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestOpenErrors(t *testing.T) {
	_, err := mesevents.Open(nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Store.Driver = "cassandra"
	_, err = mesevents.Open(cfg, nil)
	assert.ErrorContains(t, err, "store.driver")

	cfg = testConfig(t)
	cfg.DeadLetter.Driver = "sqlite"
	cfg.DeadLetter.Path = filepath.Join(t.TempDir(), "missing", "dlq.db")
	_, err = mesevents.Open(cfg, nil)
	assert.Error(t, err)
}

func TestOpenWithStore(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://unused"

	bb, err := mesevents.Open(cfg, nil, mesevents.WithStore(s))
	require.NoError(t, err)
	_, err = bb.Bus.Publish(context.Background(), event.New("B1", event.ProductionBatchCreatedEvent{BatchNumber: "B1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	require.NoError(t, bb.Close(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter.JanitorInterval = "5ms"
	cfg.Stats.PruneInterval = "5ms"

	bb, err := mesevents.Open(cfg, nil)
	require.NoError(t, err)
	defer bb.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bb.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
