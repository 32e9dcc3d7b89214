package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/mmq-go/contracts"
)

// AckPolicy settles an inbound message after its handlers ran
type AckPolicy interface {
	// Ack is called when every handler succeeded, with their results in bind order
	Ack(ctx context.Context, d Delivery, results []any) error

	// Nack is called when any handler failed
	Nack(ctx context.Context, d Delivery, cause error) error
}

// EventAckPolicy acknowledges successful events and negatively
// acknowledges failed ones. Handler results are discarded; redelivery is
// up to the broker.
type EventAckPolicy struct{}

// Ack implements AckPolicy
func (EventAckPolicy) Ack(_ context.Context, d Delivery, _ []any) error {
	return d.Ack()
}

// Nack implements AckPolicy
func (EventAckPolicy) Nack(_ context.Context, d Delivery, _ error) error {
	return d.Nack()
}

// Replier sends envelopes straight to a reply address
type Replier interface {
	SendToQueue(ctx context.Context, address string, env *contracts.Envelope) error
}

// QueryAckPolicy answers a query with one reply per handler result. A
// failed query gets no reply; the caller observes a timeout.
type QueryAckPolicy struct {
	replier Replier
	factory *EnvelopeFactory
	logger  *slog.Logger
}

// NewQueryAckPolicy creates a policy replying through replier
func NewQueryAckPolicy(replier Replier, factory *EnvelopeFactory, logger *slog.Logger) *QueryAckPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryAckPolicy{replier: replier, factory: factory, logger: logger}
}

// Ack implements AckPolicy. Reply failures are logged and never fail the
// inbound message.
func (p *QueryAckPolicy) Ack(ctx context.Context, d Delivery, results []any) error {
	request := d.Envelope()
	if request.ReplyTo == "" {
		if len(results) > 0 {
			p.logger.Warn("query has no reply address",
				"routingKey", request.RoutingKey,
				"correlationId", request.CorrelationID)
		}
		return d.Ack()
	}

	for _, result := range results {
		reply, err := p.factory.Reply(request, result)
		if err != nil {
			p.logger.Error("reply failed",
				"routingKey", request.RoutingKey,
				"correlationId", request.CorrelationID,
				"error", err)
			continue
		}
		if err := p.replier.SendToQueue(ctx, request.ReplyTo, reply); err != nil {
			p.logger.Error("reply failed",
				"routingKey", request.RoutingKey,
				"correlationId", request.CorrelationID,
				"replyTo", request.ReplyTo,
				"error", err)
		}
	}

	return d.Ack()
}

// Nack implements AckPolicy
func (p *QueryAckPolicy) Nack(_ context.Context, d Delivery, _ error) error {
	return d.Nack()
}
