package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/internal/rabbitmq"
	"github.com/glimte/mmq-go/messaging"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
	cfg     *TransportConfig

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport for url. Nothing is dialled
// until Connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("invalid broker url %s: %w", rabbitmq.SanitizeURL(url), err)
	}

	return &Transport{
		manager:  rabbitmq.NewConnectionManager(url, cfg.ConnectionOptions...),
		logger:   cfg.Logger,
		cfg:      cfg,
		channels: make(map[*Channel]struct{}),
	}, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Channel implements messaging.Transport
func (t *Transport) Channel(ctx context.Context, mode messaging.ChannelMode) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	amqpCh, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}

	opts := append([]rabbitmq.PublisherOption{}, t.cfg.PublisherOptions...)
	opts = append(opts, rabbitmq.WithConfirmMode(mode == messaging.ChannelConfirm))
	publisher, err := rabbitmq.NewPublisher(amqpCh, opts...)
	if err != nil {
		amqpCh.Close()
		return nil, err
	}

	ch := &Channel{
		transport: t,
		ch:        amqpCh,
		publisher: publisher,
		consumer:  rabbitmq.NewConsumer(amqpCh, rabbitmq.WithConsumerLogger(t.logger)),
		logger:    t.logger.With("channelMode", mode.String()),
	}

	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	return ch, nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	channels := make([]*Channel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[*Channel]struct{})
	t.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := t.manager.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Transport) forget(ch *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

// Channel implements messaging.Channel on one AMQP channel
type Channel struct {
	transport *Transport
	ch        *amqp.Channel
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
}

// Prefetch implements messaging.Channel
func (c *Channel) Prefetch(count int) error {
	if err := c.ch.Qos(count, 0, false); err != nil {
		return &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// AssertQueue implements messaging.Channel
func (c *Channel) AssertQueue(ctx context.Context, name string, opts messaging.QueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var args amqp.Table
	if len(opts.Args) > 0 {
		args = make(amqp.Table, len(opts.Args))
		for k, v := range opts.Args {
			args[k] = v
		}
	}

	_, err := rabbitmq.DeclareQueue(c.ch, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Exclusive:  opts.Exclusive,
		Arguments:  args,
	})
	return err
}

// BindQueue implements messaging.Channel. Exchanges other than the broker's
// predeclared ones are declared as durable topic exchanges first.
func (c *Channel) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !rabbitmq.IsPredeclared(exchange) {
		err := rabbitmq.DeclareExchange(c.ch, rabbitmq.ExchangeDeclaration{
			Name:    exchange,
			Type:    amqp.ExchangeTopic,
			Durable: true,
		})
		if err != nil {
			return err
		}
	}

	return rabbitmq.BindQueue(c.ch, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: pattern,
	})
}

// Publish implements messaging.Channel
func (c *Channel) Publish(ctx context.Context, env *contracts.Envelope) error {
	return c.send(ctx, env.Exchange, env.RoutingKey, env)
}

// SendToQueue implements messaging.Channel through the default exchange
func (c *Channel) SendToQueue(ctx context.Context, address string, env *contracts.Envelope) error {
	return c.send(ctx, "", address, env)
}

func (c *Channel) send(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	err := c.publisher.Publish(ctx, exchange, routingKey, ToPublishing(env))
	if err == nil {
		return nil
	}

	if errors.Is(err, rabbitmq.ErrPublishNotConfirmed) {
		return &messaging.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w: %w", messaging.ErrPublishNacked, err),
			Timestamp:  time.Now(),
		}
	}
	return err
}

// Consume implements messaging.Channel
func (c *Channel) Consume(ctx context.Context, queue string, autoAck bool, handler messaging.DeliveryHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rabbitmq.ErrChannelClosed
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	_, err := c.consumer.Subscribe(consumeCtx, queue, autoAck, func(d *amqp.Delivery) {
		if d == nil {
			handler(nil)
			return
		}
		handler(&Delivery{delivery: *d, env: FromDelivery(d), autoAck: autoAck})
	})
	if err != nil {
		cancel()
		return err
	}

	c.logger.Debug("consuming", "queue", queue, "autoAck", autoAck)
	return nil
}

// Close implements messaging.Channel
func (c *Channel) Close() error {
	c.transport.forget(c)
	return c.close()
}

func (c *Channel) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &rabbitmq.ChannelError{Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Delivery adapts amqp.Delivery to messaging.Delivery. Nacked messages are
// requeued.
type Delivery struct {
	delivery amqp.Delivery
	env      *contracts.Envelope
	autoAck  bool
}

// Envelope implements messaging.Delivery
func (d *Delivery) Envelope() *contracts.Envelope {
	return d.env
}

// Ack implements messaging.Delivery
func (d *Delivery) Ack() error {
	if d.autoAck {
		return nil
	}
	return d.delivery.Ack(false)
}

// Nack implements messaging.Delivery
func (d *Delivery) Nack() error {
	if d.autoAck {
		return nil
	}
	return d.delivery.Nack(false, true)
}

// ToPublishing maps an envelope onto AMQP message properties
func ToPublishing(env *contracts.Envelope) amqp.Publishing {
	headers := make(amqp.Table, len(env.Headers.Extra)+3)
	for k, v := range env.Headers.Extra {
		headers[k] = v
	}

	trace := make([]interface{}, len(env.Headers.Trace))
	for i, hop := range env.Headers.Trace {
		trace[i] = hop
	}
	headers[contracts.HeaderTrace] = trace
	if env.Headers.Timestamp != "" {
		headers[contracts.HeaderTimestamp] = env.Headers.Timestamp
	}
	if env.Headers.Publisher != "" {
		headers[contracts.HeaderPublisher] = env.Headers.Publisher
	}

	mode := amqp.Transient
	if env.Persistent {
		mode = amqp.Persistent
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   env.ContentType,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		DeliveryMode:  mode,
		Body:          env.Body,
	}
	if ts, err := contracts.ParseTimestamp(env.Headers.Timestamp); err == nil {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = time.Now()
	}
	return msg
}

// FromDelivery rebuilds the envelope carried by d
func FromDelivery(d *amqp.Delivery) *contracts.Envelope {
	env := &contracts.Envelope{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Persistent:    d.DeliveryMode == amqp.Persistent,
		Redelivered:   d.Redelivered,
		Body:          d.Body,
	}

	for k, v := range d.Headers {
		switch k {
		case contracts.HeaderTrace:
			env.Headers.Trace = parseTrace(v)
		case contracts.HeaderTimestamp:
			env.Headers.Timestamp, _ = v.(string)
		case contracts.HeaderPublisher:
			env.Headers.Publisher, _ = v.(string)
		default:
			if env.Headers.Extra == nil {
				env.Headers.Extra = make(map[string]any)
			}
			env.Headers.Extra[k] = v
		}
	}

	return env
}

func parseTrace(v interface{}) []string {
	switch trace := v.(type) {
	case []interface{}:
		hops := make([]string, 0, len(trace))
		for _, hop := range trace {
			if s, ok := hop.(string); ok {
				hops = append(hops, s)
			}
		}
		return hops
	case []string:
		return append([]string(nil), trace...)
	case string:
		return []string{trace}
	}
	return nil
}
