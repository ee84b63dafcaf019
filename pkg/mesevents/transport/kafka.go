package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// GroupID prefixes the consumer group of each subscription. Every
	// subscription joins a group of its own, so each one sees every broadcast.
	GroupID string

	// StartOffset controls where a NEW consumer group starts reading when it has no committed offsets.
	// Supported values: "first" | "last". Default: "last".
	StartOffset string

	WriteTimeout time.Duration
	MinBytes     int
	MaxBytes     int

	Logger *slog.Logger
}

// KafkaTransport maps each channel to a Kafka topic. One writer serves all
// topics; every subscription owns a reader in its own consumer group.
type KafkaTransport struct {
	cfg    KafkaConfig
	logger *slog.Logger

	mu        sync.Mutex
	w         *kafka.Writer
	lastReset time.Time
	closed    bool
	subs      map[*kafkaSubscription]struct{}
	wg        sync.WaitGroup
}

// Topic converts a channel name to a Kafka topic name; ':' is not a valid topic character.
func Topic(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// NewKafkaTransport creates a Kafka transport. No connection is made until
// the first Publish, Subscribe or Ping.
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "mesbus"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaTransport{
		cfg:    cfg,
		logger: logger,
		w:      newWriter(cfg),
		subs:   make(map[*kafkaSubscription]struct{}),
	}, nil
}

func newWriter(cfg KafkaConfig) *kafka.Writer {
	// kafka-go caches broker metadata; keep the TTL low so a moved broker is
	// picked up without a restart.
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport:              tr,
	}
}

// subscriptionGroup returns a consumer group no other subscription uses.
func subscriptionGroup(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func newReader(cfg KafkaConfig, topic, group string) *kafka.Reader {
	minB := cfg.MinBytes
	maxB := cfg.MaxBytes
	if minB == 0 {
		minB = 1
	}
	if maxB == 0 {
		maxB = 10e6
	}

	start := kafka.LastOffset
	if strings.EqualFold(cfg.StartOffset, "first") {
		start = kafka.FirstOffset
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		StartOffset:    start,
		MinBytes:       minB,
		MaxBytes:       maxB,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 1 * time.Second,
	})
}

// Publish implements Transport. The event payload is written to the channel's
// topic; a stale-metadata failure recreates the writer and retries once.
func (k *KafkaTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := kafka.Message{Topic: Topic(channel), Value: payload}

	write := func() error {
		k.mu.Lock()
		w, closed := k.w, k.closed
		k.mu.Unlock()
		if closed || w == nil {
			return ErrClosed
		}
		cctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
		defer cancel()
		return w.WriteMessages(cctx, msg)
	}

	if err := write(); err != nil {
		if shouldReset(err) {
			k.resetOnce()
			return write()
		}
		return err
	}
	return nil
}

func shouldReset(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	suspects := []string{
		"dial tcp",
		"connection refused",
		"i/o timeout",
		"eof",
		"broken pipe",
		"transport is closing",
		"not leader",
		"unknown broker",
		"failed to dial",
	}
	for _, sub := range suspects {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (k *KafkaTransport) resetOnce() {
	k.mu.Lock()
	defer k.mu.Unlock()
	// Rate-limit resets to avoid tight loops.
	if k.closed || time.Since(k.lastReset) < 2*time.Second {
		return
	}
	if k.w != nil {
		_ = k.w.Close()
	}
	k.w = newWriter(k.cfg)
	k.lastReset = time.Now()
}

type kafkaSubscription struct {
	channel string
	group   string
	cancel  context.CancelFunc
	done    chan struct{}

	mu sync.Mutex
	r  *kafka.Reader
}

// Subscribe implements Transport.
func (k *KafkaTransport) Subscribe(ctx context.Context, channel string, h MessageHandler) (Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	group := subscriptionGroup(k.cfg.GroupID)
	sub := &kafkaSubscription{
		channel: channel,
		group:   group,
		cancel:  cancel,
		done:    make(chan struct{}),
		r:       newReader(k.cfg, Topic(channel), group),
	}
	k.subs[sub] = struct{}{}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer func() {
			k.mu.Lock()
			delete(k.subs, sub)
			k.mu.Unlock()
		}()
		k.consume(subCtx, sub, h)
	}()
	return sub, nil
}

func (k *KafkaTransport) consume(ctx context.Context, sub *kafkaSubscription, h MessageHandler) {
	defer close(sub.done)
	defer sub.closeReader()

	backoff := 100 * time.Millisecond
	for {
		r := sub.reader()
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("kafka fetch failed",
				slog.String("channel", sub.channel),
				slog.String("error", err.Error()))
			if shouldReset(err) {
				sub.reopen(k.cfg)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		if err := h(ctx, Message{Channel: sub.channel, Payload: m.Value}); err != nil {
			k.logger.Warn("broadcast subscriber failed",
				slog.String("channel", sub.channel),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()))
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.logger.Warn("kafka commit failed",
				slog.String("channel", sub.channel),
				slog.String("error", err.Error()))
		}
	}
}

func (s *kafkaSubscription) reader() *kafka.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

// reopen closes the reader and recreates it; useful when broker metadata goes stale.
func (s *kafkaSubscription) reopen(cfg KafkaConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r != nil {
		_ = s.r.Close()
	}
	s.r = newReader(cfg, Topic(s.channel), s.group)
}

func (s *kafkaSubscription) closeReader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r != nil {
		_ = s.r.Close()
		s.r = nil
	}
}

// Channel implements Subscription.
func (s *kafkaSubscription) Channel() string { return s.channel }

// Unsubscribe implements Subscription.
func (s *kafkaSubscription) Unsubscribe() { s.cancel() }

// Done implements Subscription.
func (s *kafkaSubscription) Done() <-chan struct{} { return s.done }

// Ping implements Transport by dialing the first reachable broker.
func (k *KafkaTransport) Ping(ctx context.Context) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var errs []error
	for _, broker := range k.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	return errors.Join(errs...)
}

// Close implements Transport. It stops every subscription and waits for
// their readers to close.
func (k *KafkaTransport) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	for sub := range k.subs {
		sub.cancel()
	}
	w := k.w
	k.w = nil
	k.mu.Unlock()

	k.wg.Wait()
	if w != nil {
		return w.Close()
	}
	return nil
}
