// Package transport broadcasts serialized events to subscribers outside the
// publishing process.
//
// Broadcasting is best effort: a failed Publish is reported to the caller but
// never retried here. Two implementations are provided:
//   - MemoryTransport: in-process broker for tests and single-node deployments
//   - KafkaTransport: one Kafka topic per channel
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Message is one broadcast payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// MessageHandler consumes broadcast messages. Errors are reported, not retried.
type MessageHandler func(ctx context.Context, msg Message) error

// Transport is a pub/sub channel between processes.
type Transport interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers messages on channel to h until the subscription is
	// cancelled, ctx is done, or the transport is closed.
	Subscribe(ctx context.Context, channel string, h MessageHandler) (Subscription, error)

	// Ping checks that the transport is reachable.
	Ping(ctx context.Context) error

	// Close shuts down the transport and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Channel returns the subscribed channel name.
	Channel() string

	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()

	// Done is closed once delivery has stopped.
	Done() <-chan struct{}
}
