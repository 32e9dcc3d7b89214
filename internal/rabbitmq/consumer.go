package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives each delivery; nil reports that the broker
// cancelled the consumer
type DeliveryHandler func(d *amqp.Delivery)

// Consumer starts consumers on a channel
type Consumer struct {
	ch     *amqp.Channel
	logger *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer on ch
func NewConsumer(ch *amqp.Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:     ch,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue until ctx is done
func (c *Consumer) Subscribe(ctx context.Context, queue string, autoAck bool, handler DeliveryHandler) (string, error) {
	tag := "mmq-" + uuid.New().String()

	deliveries, err := c.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"autoAck", autoAck)

	go func() {
		processMessages(ctx, queue, deliveries, handler, c.logger)
		if ctx.Err() != nil {
			if err := c.ch.Cancel(tag, false); err != nil {
				c.logger.Debug("cancel consumer", "consumerTag", tag, "error", err)
			}
		}
	}()

	return tag, nil
}

// processMessages feeds deliveries to handler until ctx is done or the
// delivery channel closes. A close not caused by ctx reaches the handler
// as nil.
func processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					logger.Warn("delivery channel closed", "queue", queue)
					handler(nil)
				}
				return
			}
			handler(&d)
		}
	}
}
