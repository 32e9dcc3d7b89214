package inmem

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/messaging"
)

var (
	ErrQueueNotFound     = errors.New("inmem: queue not found")
	ErrQueueLocked       = errors.New("inmem: queue is exclusive to another connection")
	ErrQueueInequivalent = errors.New("inmem: queue exists with different arguments")
	ErrNoReplyConsumer   = errors.New("inmem: direct reply consumer does not exist")
	ErrChannelClosed     = errors.New("inmem: channel is closed")
	ErrNotConnected      = errors.New("inmem: transport not connected")
	ErrDeliverySettled   = errors.New("inmem: delivery already settled")
	ErrAlreadyConsuming  = errors.New("inmem: channel already consumes direct replies")
)

const replyAddressPrefix = contracts.DirectReplyQueue + "."

// Broker is an in-process topic broker shared by any number of transports.
// Exchanges exist implicitly; prefetch limits are not enforced; nacked
// messages are counted and dropped.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	bindings []binding
	replies  map[string]*consumer
	failNext int
	logger   *slog.Logger
}

type binding struct {
	exchange string
	pattern  string
	matcher  *messaging.Matcher
	queue    string
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:  make(map[string]*queue),
		replies: make(map[string]*consumer),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// FailNextPublishes makes the next n confirmed publishes receive a negative confirmation
func (b *Broker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Queues lists the declared queue names
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings lists the patterns bound to queue
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var patterns []string
	for _, bd := range b.bindings {
		if bd.queue == queueName {
			patterns = append(patterns, bd.pattern)
		}
	}
	return patterns
}

// Acked returns how many deliveries from queue were acknowledged
func (b *Broker) Acked(queueName string) int {
	return b.stat(queueName, func(q *queue) int { return q.acked })
}

// Nacked returns how many deliveries from queue were negatively acknowledged
func (b *Broker) Nacked(queueName string) int {
	return b.stat(queueName, func(q *queue) int { return q.nacked })
}

// Ready returns how many messages wait in queue for a consumer
func (b *Broker) Ready(queueName string) int {
	return b.stat(queueName, func(q *queue) int { return len(q.ready) })
}

func (b *Broker) stat(queueName string, fn func(q *queue) int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return fn(q)
}

// DeleteQueue removes a queue; its consumers observe a cancellation
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if ok {
		b.removeQueueLocked(q)
	}
	b.mu.Unlock()

	if ok {
		for _, c := range q.consumers {
			c.cancel(true)
		}
	}
}

func (b *Broker) assertQueue(owner *Transport, name string, opts messaging.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		if q.exclusiveTo != nil && q.exclusiveTo != owner {
			return fmt.Errorf("%w: %s", ErrQueueLocked, name)
		}
		if q.opts.Durable != opts.Durable || q.opts.Exclusive != opts.Exclusive || q.opts.AutoDelete != opts.AutoDelete {
			return fmt.Errorf("%w: %s", ErrQueueInequivalent, name)
		}
		return nil
	}

	q := &queue{name: name, opts: opts}
	if opts.Exclusive {
		q.exclusiveTo = owner
	}
	b.queues[name] = q
	return nil
}

func (b *Broker) bindQueue(queueName, exchange, pattern string) error {
	matcher, err := messaging.CompilePattern(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchange && bd.pattern == pattern {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, pattern: pattern, matcher: matcher, queue: queueName})
	return nil
}

// publish routes env through exchange. It reports whether the publish is
// confirmed; unroutable messages are dropped and still confirmed.
func (b *Broker) publish(env *contracts.Envelope, confirm bool) bool {
	b.mu.Lock()
	if confirm && b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return false
	}

	var targets []*queue
	if env.Exchange == "" {
		if q, ok := b.queues[env.RoutingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		seen := make(map[string]bool)
		for _, bd := range b.bindings {
			if bd.exchange != env.Exchange || seen[bd.queue] || !bd.matcher.Match(env.RoutingKey) {
				continue
			}
			seen[bd.queue] = true
			targets = append(targets, b.queues[bd.queue])
		}
	}

	if len(targets) == 0 {
		b.logger.Debug("unroutable message dropped",
			"exchange", env.Exchange,
			"routingKey", env.RoutingKey)
	}

	var deliveries []pendingDelivery
	for _, q := range targets {
		deliveries = append(deliveries, q.enqueueLocked(env.Clone())...)
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d.consumer.push(d.delivery)
	}
	return true
}

// sendToQueue delivers env straight to a queue or a direct reply address
func (b *Broker) sendToQueue(address string, env *contracts.Envelope) error {
	b.mu.Lock()
	if strings.HasPrefix(address, replyAddressPrefix) {
		c, ok := b.replies[address]
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("reply address gone, message dropped", "address", address)
			return nil
		}
		c.push(&Delivery{env: env.Clone(), autoAck: true})
		return nil
	}

	q, ok := b.queues[address]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("unroutable message dropped", "queue", address)
		return nil
	}
	deliveries := q.enqueueLocked(env.Clone())
	b.mu.Unlock()

	for _, d := range deliveries {
		d.consumer.push(d.delivery)
	}
	return nil
}

func (b *Broker) consume(owner *Transport, queueName string, c *consumer) error {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if q.exclusiveTo != nil && q.exclusiveTo != owner {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueLocked, queueName)
	}
	c.queue = q
	q.consumers = append(q.consumers, c)
	deliveries := q.drainLocked()
	b.mu.Unlock()

	for _, d := range deliveries {
		d.consumer.push(d.delivery)
	}
	return nil
}

func (b *Broker) consumeReplies(c *consumer) string {
	address := replyAddressPrefix + uuid.New().String()
	b.mu.Lock()
	b.replies[address] = c
	b.mu.Unlock()
	return address
}

// detach removes a consumer; auto-delete queues go with their last consumer
func (b *Broker) detach(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.replyAddress != "" {
		delete(b.replies, c.replyAddress)
		return
	}
	q := c.queue
	if q == nil {
		return
	}
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.opts.AutoDelete && len(q.consumers) == 0 {
		b.removeQueueLocked(q)
	}
}

// dropExclusive removes every queue exclusive to owner
func (b *Broker) dropExclusive(owner *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if q.exclusiveTo == owner {
			b.removeQueueLocked(q)
		}
	}
}

func (b *Broker) removeQueueLocked(q *queue) {
	delete(b.queues, q.name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != q.name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

func (b *Broker) settle(q *queue, ack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ack {
		q.acked++
	} else {
		q.nacked++
	}
}

type queue struct {
	name        string
	opts        messaging.QueueOptions
	exclusiveTo *Transport
	ready       []*contracts.Envelope
	consumers   []*consumer
	next        int
	acked       int
	nacked      int
}

type pendingDelivery struct {
	consumer *consumer
	delivery *Delivery
}

func (q *queue) enqueueLocked(env *contracts.Envelope) []pendingDelivery {
	q.ready = append(q.ready, env)
	return q.drainLocked()
}

// drainLocked assigns ready messages to consumers round-robin
func (q *queue) drainLocked() []pendingDelivery {
	if len(q.consumers) == 0 {
		return nil
	}
	out := make([]pendingDelivery, 0, len(q.ready))
	for _, env := range q.ready {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		out = append(out, pendingDelivery{
			consumer: c,
			delivery: &Delivery{env: env, queue: q, broker: c.broker, autoAck: c.autoAck},
		})
	}
	q.ready = nil
	return out
}
