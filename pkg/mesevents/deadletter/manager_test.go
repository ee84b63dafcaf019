package deadletter_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

const batchCreated = "ProductionBatchCreatedEvent"

func encoded(t *testing.T, batch string) []byte {
	t.Helper()
	e := event.New(batch, event.ProductionBatchCreatedEvent{
		BatchNumber:     batch,
		ProductModel:    "X1",
		PlannedQuantity: 500,
		Workshop:        "W1",
	})
	data, err := event.Encode(e)
	require.NoError(t, err)
	return data
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingTransport captures published messages and can be told to fail.
type recordingTransport struct {
	transport.Transport
	mu   sync.Mutex
	msgs []transport.Message
	fail error
}

func (r *recordingTransport) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, transport.Message{Channel: channel, Payload: payload})
	return nil
}

func (r *recordingTransport) messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

func TestManager_Enqueue(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{now: base}
	m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithClock(clk.Now))

	require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{
		EventID:       "evt-1",
		Handler:       "report-generator",
		Payload:       encoded(t, "B100"),
		FailureReason: "boom",
		AttemptCount:  4,
	}))

	got, err := m.List(ctx, batchCreated, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, batchCreated, got[0].EventType)
	assert.Equal(t, base, got[0].EnqueuedAt)
	assert.Equal(t, "boom", got[0].FailureReason)

	n, err := m.Len(ctx, batchCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, m.Enqueue(ctx, "", deadletter.Entry{}), event.ErrInvalidEvent)
}

func TestManager_List(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{now: base}
	m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithClock(clk.Now))

	for i, typ := range []string{"A", "B", "A", "C", "B"} {
		require.NoError(t, m.Enqueue(ctx, typ, deadletter.Entry{EventID: fmt.Sprint(i), Payload: []byte("{}")}))
		clk.advance(time.Minute)
	}

	t.Run("single type is FIFO", func(t *testing.T) {
		got, err := m.List(ctx, "A", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "0", got[0].EventID)
		assert.Equal(t, "2", got[1].EventID)
	})

	t.Run("all types newest first, truncated", func(t *testing.T) {
		got, err := m.List(ctx, "", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "4", got[0].EventID)
		assert.Equal(t, "3", got[1].EventID)
		assert.Equal(t, "2", got[2].EventID)
	})

	t.Run("missing type is empty", func(t *testing.T) {
		got, err := m.List(ctx, "Nope", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("counts", func(t *testing.T) {
		counts, err := m.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, []deadletter.QueueCount{
			{EventType: "A", Queue: "events:deadletter:A", Count: 2},
			{EventType: "B", Queue: "events:deadletter:B", Count: 2},
			{EventType: "C", Queue: "events:deadletter:C", Count: 1},
		}, counts)
	})
}

func TestManager_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("transport disabled fails before popping", func(t *testing.T) {
		m := deadletter.NewManager(deadletter.NewMemoryBackend())
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, "B1")}))

		_, err := m.Replay(ctx, batchCreated, 1)
		assert.ErrorIs(t, err, event.ErrTransportDisabled)
		assert.False(t, m.TransportEnabled())

		n, _ := m.Len(ctx, batchCreated)
		assert.Equal(t, 1, n)
	})

	t.Run("rebroadcasts raw payload on the type channel", func(t *testing.T) {
		tr := &recordingTransport{}
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(tr))

		payload := encoded(t, "B100")
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: payload}))

		res, err := m.Replay(ctx, batchCreated, 1)
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReplayResult{Retried: 1}, res)

		n, _ := m.Len(ctx, batchCreated)
		assert.Zero(t, n)

		msgs := tr.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "events:productionbatchcreatedevent", msgs[0].Channel)
		assert.Equal(t, payload, msgs[0].Payload)
	})

	t.Run("removes min(count, size) and counts failures", func(t *testing.T) {
		tr := &recordingTransport{}
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(tr))

		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, "B1")}))
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: []byte("not json")}))
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, "B3")}))

		res, err := m.Replay(ctx, batchCreated, 10)
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReplayResult{Retried: 2, Failed: 1}, res)
		assert.Len(t, tr.messages(), 2)

		n, _ := m.Len(ctx, batchCreated)
		assert.Zero(t, n, "failed entries are not re-enqueued")
	})

	t.Run("publish failure counts as failed", func(t *testing.T) {
		tr := &recordingTransport{fail: errors.New("broker down")}
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(tr))
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, "B1")}))
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, "B2")}))

		res, err := m.Replay(ctx, batchCreated, 1)
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReplayResult{Failed: 1}, res)

		n, _ := m.Len(ctx, batchCreated)
		assert.Equal(t, 1, n)
	})

	t.Run("empty queue yields zero", func(t *testing.T) {
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(&recordingTransport{}))
		res, err := m.Replay(ctx, "Nothing", 5)
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReplayResult{}, res)

		res, err = m.Replay(ctx, batchCreated, 0)
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReplayResult{}, res)
	})

	t.Run("concurrent replays never double process", func(t *testing.T) {
		tr := &recordingTransport{}
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(tr))

		const total = 40
		for i := 0; i < total; i++ {
			require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: encoded(t, fmt.Sprintf("B%d", i))}))
		}

		var retried atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					res, err := m.Replay(ctx, batchCreated, 4)
					if err != nil || res.Retried+res.Failed == 0 {
						return
					}
					retried.Add(int64(res.Retried))
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(total), retried.Load())
		seen := map[string]bool{}
		for _, msg := range tr.messages() {
			assert.False(t, seen[string(msg.Payload)], "payload replayed twice")
			seen[string(msg.Payload)] = true
		}
		assert.Len(t, seen, total)
	})

	t.Run("replayed payload reaches memory transport subscribers", func(t *testing.T) {
		tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig)
		defer tr.Close()

		got := make(chan []byte, 1)
		_, err := tr.Subscribe(ctx, event.Channel(batchCreated), func(_ context.Context, msg transport.Message) error {
			got <- msg.Payload
			return nil
		})
		require.NoError(t, err)

		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithTransport(tr))
		payload := encoded(t, "B100")
		require.NoError(t, m.Enqueue(ctx, batchCreated, deadletter.Entry{Payload: payload}))

		res, err := m.Replay(ctx, batchCreated, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried)

		select {
		case p := <-got:
			assert.Equal(t, payload, p)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive replayed payload")
		}
	})
}

func TestManager_Purge(t *testing.T) {
	ctx := context.Background()
	m := deadletter.NewManager(deadletter.NewMemoryBackend())

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Enqueue(ctx, "A", deadletter.Entry{Payload: []byte("{}")}))
	}
	require.NoError(t, m.Enqueue(ctx, "B", deadletter.Entry{Payload: []byte("{}")}))

	n, err := m.Purge(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := m.List(ctx, "A", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err = m.Purge(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, n)

	left, _ := m.Len(ctx, "B")
	assert.Equal(t, 1, left)
}

func TestManager_Expire(t *testing.T) {
	ctx := context.Background()
	clk := &fixedClock{now: base}
	m := deadletter.NewManager(deadletter.NewMemoryBackend(),
		deadletter.WithClock(clk.Now),
		deadletter.WithRetention(24*time.Hour))

	require.NoError(t, m.Enqueue(ctx, "A", deadletter.Entry{Payload: []byte("{}")}))
	clk.advance(12 * time.Hour)
	require.NoError(t, m.Enqueue(ctx, "A", deadletter.Entry{Payload: []byte("{}")}))

	n, err := m.Expire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.advance(13 * time.Hour)
	n, err = m.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, _ := m.Len(ctx, "A")
	assert.Equal(t, 1, left)

	t.Run("zero retention disables expiry", func(t *testing.T) {
		m := deadletter.NewManager(deadletter.NewMemoryBackend(), deadletter.WithRetention(0))
		n, err := m.Expire(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestManager_RunJanitor(t *testing.T) {
	clk := &fixedClock{now: base}
	m := deadletter.NewManager(deadletter.NewMemoryBackend(),
		deadletter.WithClock(clk.Now),
		deadletter.WithRetention(time.Hour))

	require.NoError(t, m.Enqueue(context.Background(), "A", deadletter.Entry{Payload: []byte("{}")}))
	clk.advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunJanitor(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		n, _ := m.Len(context.Background(), "A")
		return n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestManager_PingClose(t *testing.T) {
	m := deadletter.NewManager(deadletter.NewMemoryBackend())
	require.NoError(t, m.Ping(context.Background()))
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(context.Background()), deadletter.ErrClosed)
}
