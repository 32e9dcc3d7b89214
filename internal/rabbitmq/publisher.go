package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on a single channel, optionally in confirm mode
type Publisher struct {
	ch             *amqp.Channel
	confirm        bool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmMode puts the channel into confirm mode
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a publisher on ch
func NewPublisher(ch *amqp.Channel, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
		}
	}

	return p, nil
}

// Publish sends msg and, in confirm mode, waits until the broker acks or
// nacks it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	fail := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if !p.confirm {
		if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
			return fail(err)
		}
		return nil
	}

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fail(err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-confirmation.Done():
		if !confirmation.Acked() {
			return fail(ErrPublishNotConfirmed)
		}
		return nil

	case <-timer.C:
		return fail(fmt.Errorf("%w after %v", ErrPublishTimeout, p.confirmTimeout))

	case <-ctx.Done():
		return fail(ctx.Err())
	}
}
