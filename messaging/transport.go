package messaging

import (
	"context"

	"github.com/glimte/mmq-go/contracts"
)

// ChannelMode selects how a channel acknowledges publishes
type ChannelMode int

const (
	// ChannelPlain publishes without broker confirmation
	ChannelPlain ChannelMode = iota
	// ChannelConfirm waits for a positive or negative broker confirmation per publish
	ChannelConfirm
)

func (m ChannelMode) String() string {
	if m == ChannelConfirm {
		return "confirm"
	}
	return "plain"
}

// Transport is the broker connection the hub runs on
type Transport interface {
	// Connect establishes the broker connection
	Connect(ctx context.Context) error

	// Channel opens a new channel on the connection
	Channel(ctx context.Context, mode ChannelMode) (Channel, error)

	// Close tears down the connection and every channel opened on it
	Close() error
}

// Channel is a lightweight session on a transport
type Channel interface {
	// Prefetch limits unacknowledged deliveries; 0 means unlimited
	Prefetch(count int) error

	// AssertQueue declares a queue, creating it when missing
	AssertQueue(ctx context.Context, name string, opts QueueOptions) error

	// BindQueue routes messages matching pattern on exchange into queue
	BindQueue(ctx context.Context, queue, exchange, pattern string) error

	// Publish sends env to env.Exchange with env.RoutingKey. On a confirm
	// channel it blocks until the broker confirms and returns an error
	// wrapping ErrPublishNacked on a negative confirmation.
	Publish(ctx context.Context, env *contracts.Envelope) error

	// SendToQueue delivers env straight to a queue or reply address
	SendToQueue(ctx context.Context, address string, env *contracts.Envelope) error

	// Consume starts delivering messages from queue to handler. The handler
	// receives nil when the broker cancels the consumer. With autoAck the
	// deliveries' Ack and Nack are no-ops.
	Consume(ctx context.Context, queue string, autoAck bool, handler DeliveryHandler) error

	// Close closes the channel and stops its consumers
	Close() error
}

// QueueOptions configures queue declaration
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]any
}

// Delivery is one inbound message awaiting settlement
type Delivery interface {
	Envelope() *contracts.Envelope
	Ack() error
	Nack() error
}

// DeliveryHandler receives deliveries from a consumer; nil signals cancellation
type DeliveryHandler func(d Delivery)
