package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// QueueKind distinguishes event queues from query queues
type QueueKind int

const (
	// KindEvent queues are durable, shared and explicitly acknowledged
	KindEvent QueueKind = iota
	// KindQuery queues are exclusive, ephemeral, auto-acked and reply to each message
	KindQuery
)

func (k QueueKind) String() string {
	if k == KindQuery {
		return "query"
	}
	return "event"
}

// QueueConfig describes a logical queue
type QueueConfig struct {
	Name       string
	Exchange   string
	Kind       QueueKind
	Prefetch   int
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	AutoAck    bool
	Args       map[string]any
}

// EventQueueConfig returns the defaults for an event queue
func EventQueueConfig(name, exchange string) QueueConfig {
	return QueueConfig{
		Name:     name,
		Exchange: exchange,
		Kind:     KindEvent,
		Prefetch: 1,
		Durable:  true,
	}
}

// QueryQueueConfig returns the defaults for a query queue
func QueryQueueConfig(name, exchange string) QueueConfig {
	return QueueConfig{
		Name:       name,
		Exchange:   exchange,
		Kind:       KindQuery,
		Prefetch:   0,
		Exclusive:  true,
		AutoDelete: true,
		AutoAck:    true,
	}
}

// QueueOption adjusts a QueueConfig
type QueueOption func(*QueueConfig)

// WithPrefetch sets the number of unacknowledged deliveries; 0 is unlimited
func WithPrefetch(count int) QueueOption {
	return func(c *QueueConfig) {
		c.Prefetch = count
	}
}

// WithDurable sets whether the queue survives broker restarts
func WithDurable(durable bool) QueueOption {
	return func(c *QueueConfig) {
		c.Durable = durable
	}
}

// WithExclusive sets whether the queue belongs to this connection only
func WithExclusive(exclusive bool) QueueOption {
	return func(c *QueueConfig) {
		c.Exclusive = exclusive
	}
}

// WithAutoDelete sets whether the queue is removed with its last consumer
func WithAutoDelete(autoDelete bool) QueueOption {
	return func(c *QueueConfig) {
		c.AutoDelete = autoDelete
	}
}

// WithAutoAck sets whether the broker considers deliveries settled on send
func WithAutoAck(autoAck bool) QueueOption {
	return func(c *QueueConfig) {
		c.AutoAck = autoAck
	}
}

// WithQueueArgs sets broker specific declaration arguments
func WithQueueArgs(args map[string]any) QueueOption {
	return func(c *QueueConfig) {
		c.Args = args
	}
}

// PolicyFactory builds a queue's ack policy once its channel is open
type PolicyFactory func(ch Channel) AckPolicy

// EventPolicy settles with EventAckPolicy
func EventPolicy() PolicyFactory {
	return func(Channel) AckPolicy { return EventAckPolicy{} }
}

// QueryPolicy replies on the queue's own channel
func QueryPolicy(factory *EnvelopeFactory, logger *slog.Logger) PolicyFactory {
	return func(ch Channel) AckPolicy { return NewQueryAckPolicy(ch, factory, logger) }
}

// Queue is a handle for registering bindings before activation
type Queue struct {
	config      QueueConfig
	registry    *BindingRegistry
	logger      *slog.Logger
	dispatchOps []DispatcherOption

	mu         sync.Mutex
	active     bool
	channel    Channel
	dispatcher *Dispatcher
	cancel     context.CancelFunc
}

// NewQueue creates an inactive queue
func NewQueue(config QueueConfig, logger *slog.Logger, options ...DispatcherOption) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config:      config,
		registry:    NewBindingRegistry(),
		logger:      logger,
		dispatchOps: append([]DispatcherOption{WithDispatcherLogger(logger)}, options...),
	}
}

// Name returns the broker queue name
func (q *Queue) Name() string {
	return q.config.Name
}

// Config returns the queue configuration
func (q *Queue) Config() QueueConfig {
	return q.config
}

// Patterns lists the bound patterns
func (q *Queue) Patterns() []string {
	return q.registry.Patterns()
}

// Active reports whether the queue is consuming
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Bind registers handler for pattern. Bindings take effect on activation
// and cannot be added afterwards.
func (q *Queue) Bind(pattern string, handler Handler) (*Queue, error) {
	if err := q.registry.Add(pattern, handler); err != nil {
		return q, fmt.Errorf("bind %s on %s: %w", pattern, q.config.Name, err)
	}
	return q, nil
}

// MustBind is like Bind but panics on error
func (q *Queue) MustBind(pattern string, handler Handler) *Queue {
	if _, err := q.Bind(pattern, handler); err != nil {
		panic(err)
	}
	return q
}

// Activate asserts the queue, binds every registered pattern to the
// configured exchange and starts consuming.
func (q *Queue) Activate(ctx context.Context, transport Transport, newPolicy PolicyFactory) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active {
		return ErrQueueActive
	}
	q.registry.Freeze()

	ch, err := transport.Channel(ctx, ChannelPlain)
	if err != nil {
		return NewTransportError("open channel", q.config.Name, err)
	}

	if err := q.setup(ctx, ch); err != nil {
		ch.Close()
		return err
	}

	dispatcher := NewDispatcher(q.config.Name, q.registry, newPolicy(ch), q.dispatchOps...)
	consumeCtx, cancel := context.WithCancel(context.Background())
	handlerCtx := context.WithoutCancel(ctx)

	err = ch.Consume(consumeCtx, q.config.Name, q.config.AutoAck, func(d Delivery) {
		dispatcher.HandleDelivery(handlerCtx, d)
	})
	if err != nil {
		cancel()
		ch.Close()
		return NewTransportError("consume", q.config.Name, err)
	}

	q.channel = ch
	q.dispatcher = dispatcher
	q.cancel = cancel
	q.active = true

	q.logger.Info("queue active",
		"queue", q.config.Name,
		"kind", q.config.Kind.String(),
		"bindings", q.registry.Len())

	return nil
}

func (q *Queue) setup(ctx context.Context, ch Channel) error {
	if err := ch.Prefetch(q.config.Prefetch); err != nil {
		return NewTransportError("prefetch", q.config.Name, err)
	}

	err := ch.AssertQueue(ctx, q.config.Name, QueueOptions{
		Durable:    q.config.Durable,
		AutoDelete: q.config.AutoDelete,
		Exclusive:  q.config.Exclusive,
		Args:       q.config.Args,
	})
	if err != nil {
		return NewTransportError("assert queue", q.config.Name, err)
	}

	for _, pattern := range q.registry.Patterns() {
		q.logger.Info("binding",
			"queue", q.config.Name,
			"exchange", q.config.Exchange,
			"pattern", pattern)

		if err := ch.BindQueue(ctx, q.config.Name, q.config.Exchange, pattern); err != nil {
			return NewTransportError("bind queue", q.config.Name, err)
		}
	}

	return nil
}

// Close stops consuming, waits for in-flight messages to settle and
// closes the channel.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.active {
		return nil
	}
	q.active = false

	q.cancel()
	q.dispatcher.Drain()
	return q.channel.Close()
}
