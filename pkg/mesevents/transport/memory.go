package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryConfig configures the in-memory broker.
type MemoryConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Publish non-blocking (drops messages if a buffer is full).
	// Default: false (blocking)
	NonBlocking bool

	// OnDrop is called when a message is dropped (non-blocking mode).
	OnDrop func(channel, subscriberID string)

	// OnError is called when a handler returns an error.
	OnError func(channel, subscriberID string, err error)
}

// DefaultMemoryConfig provides reasonable defaults.
var DefaultMemoryConfig = MemoryConfig{
	BufferSize: 256,
}

// MemoryTransport is an in-process broker. Each subscription gets its own
// goroutine and buffered queue, so a slow subscriber only delays itself
// (or, in blocking mode, the publisher).
type MemoryTransport struct {
	config MemoryConfig

	mu        sync.RWMutex
	byChannel map[string]map[string]*memorySubscription // channel -> subscription ID -> subscription

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewMemoryTransport creates a new in-memory broker.
func NewMemoryTransport(config MemoryConfig) *MemoryTransport {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMemoryConfig.BufferSize
	}
	return &MemoryTransport{
		config:    config,
		byChannel: make(map[string]map[string]*memorySubscription),
		closeCh:   make(chan struct{}),
	}
}

type memorySubscription struct {
	id       string
	channel  string
	handler  MessageHandler
	messages chan Message
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	t        *MemoryTransport
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	subs := make([]*memorySubscription, 0, len(t.byChannel[channel]))
	for _, sub := range t.byChannel[channel] {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	for _, sub := range subs {
		if t.config.NonBlocking {
			select {
			case sub.messages <- msg:
			case <-sub.done:
			default:
				if t.config.OnDrop != nil {
					t.config.OnDrop(channel, sub.id)
				}
			}
			continue
		}

		select {
		case sub.messages <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closeCh:
			return ErrClosed
		}
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, channel string, h MessageHandler) (Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	t.mu.Lock()
	if t.config.MaxSubscribers > 0 && t.countLocked() >= t.config.MaxSubscribers {
		t.mu.Unlock()
		return nil, fmt.Errorf("subscriber limit %d reached", t.config.MaxSubscribers)
	}

	sub := &memorySubscription{
		id:       fmt.Sprintf("sub-%d", t.nextID.Add(1)),
		channel:  channel,
		handler:  h,
		messages: make(chan Message, t.config.BufferSize),
		done:     make(chan struct{}),
		ctx:      context.WithoutCancel(ctx),
		t:        t,
	}
	if t.byChannel[channel] == nil {
		t.byChannel[channel] = make(map[string]*memorySubscription)
	}
	t.byChannel[channel][sub.id] = sub
	t.mu.Unlock()

	go sub.process()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
			case <-sub.done:
			}
		}()
	}

	return sub, nil
}

func (t *MemoryTransport) countLocked() int {
	n := 0
	for _, subs := range t.byChannel {
		n += len(subs)
	}
	return n
}

// Subscribers returns the number of subscriptions on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byChannel[channel])
}

// Ping implements Transport.
func (t *MemoryTransport) Ping(_ context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close shuts down the broker.
func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	close(t.closeCh)

	t.mu.Lock()
	var subs []*memorySubscription
	for _, byID := range t.byChannel {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	t.byChannel = make(map[string]map[string]*memorySubscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// process handles messages for a subscription.
func (s *memorySubscription) process() {
	for {
		select {
		case msg := <-s.messages:
			if err := s.handler(s.ctx, msg); err != nil && s.t.config.OnError != nil {
				s.t.config.OnError(s.channel, s.id, err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Channel implements Subscription.
func (s *memorySubscription) Channel() string {
	return s.channel
}

// Unsubscribe implements Subscription.
func (s *memorySubscription) Unsubscribe() {
	s.t.mu.Lock()
	if byID, ok := s.t.byChannel[s.channel]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(s.t.byChannel, s.channel)
		}
	}
	s.t.mu.Unlock()

	s.stop()
}

// Done implements Subscription.
func (s *memorySubscription) Done() <-chan struct{} {
	return s.done
}
