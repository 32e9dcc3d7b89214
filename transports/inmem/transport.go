package inmem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/messaging"
)

// Transport is one connection to a Broker. Queues declared exclusive on it
// disappear when it closes.
type Transport struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	channels  map[*Channel]struct{}
}

// NewTransport creates a transport on broker
func NewTransport(broker *Broker) *Transport {
	return &Transport{
		broker:   broker,
		channels: make(map[*Channel]struct{}),
	}
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Channel implements messaging.Transport
func (t *Transport) Channel(ctx context.Context, mode messaging.ChannelMode) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, ErrNotConnected
	}
	ch := &Channel{transport: t, broker: t.broker, mode: mode}
	t.channels[ch] = struct{}{}
	return ch, nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	channels := make([]*Channel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[*Channel]struct{})
	t.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	t.broker.dropExclusive(t)
	return nil
}

func (t *Transport) forget(ch *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

// Channel implements messaging.Channel on the in-memory broker
type Channel struct {
	transport *Transport
	broker    *Broker
	mode      messaging.ChannelMode

	mu           sync.Mutex
	closed       bool
	prefetch     int
	consumers    []*consumer
	replyAddress string
}

// Prefetch records the limit; the in-memory broker does not enforce it
func (ch *Channel) Prefetch(count int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}
	ch.prefetch = count
	return nil
}

// AssertQueue implements messaging.Channel
func (ch *Channel) AssertQueue(ctx context.Context, name string, opts messaging.QueueOptions) error {
	if err := ch.check(ctx); err != nil {
		return err
	}
	return ch.broker.assertQueue(ch.transport, name, opts)
}

// BindQueue implements messaging.Channel
func (ch *Channel) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	if err := ch.check(ctx); err != nil {
		return err
	}
	return ch.broker.bindQueue(queue, exchange, pattern)
}

// Publish implements messaging.Channel
func (ch *Channel) Publish(ctx context.Context, env *contracts.Envelope) error {
	if err := ch.check(ctx); err != nil {
		return err
	}
	out, err := ch.addressReplies(env)
	if err != nil {
		return err
	}

	if !ch.broker.publish(out, ch.mode == messaging.ChannelConfirm) {
		return &messaging.PublishError{
			Exchange:   env.Exchange,
			RoutingKey: env.RoutingKey,
			Err:        messaging.ErrPublishNacked,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// SendToQueue implements messaging.Channel
func (ch *Channel) SendToQueue(ctx context.Context, address string, env *contracts.Envelope) error {
	if err := ch.check(ctx); err != nil {
		return err
	}
	out, err := ch.addressReplies(env)
	if err != nil {
		return err
	}
	return ch.broker.sendToQueue(address, out)
}

// Consume implements messaging.Channel. Consuming contracts.DirectReplyQueue
// gives the channel a private reply address that publishes on it use in
// place of the pseudo queue name.
func (ch *Channel) Consume(ctx context.Context, queue string, autoAck bool, handler messaging.DeliveryHandler) error {
	if err := ch.check(ctx); err != nil {
		return err
	}

	c := newConsumer(ch.broker, autoAck, handler)

	if queue == contracts.DirectReplyQueue {
		ch.mu.Lock()
		if ch.replyAddress != "" {
			ch.mu.Unlock()
			return ErrAlreadyConsuming
		}
		c.autoAck = true
		c.replyAddress = ch.broker.consumeReplies(c)
		ch.replyAddress = c.replyAddress
		ch.mu.Unlock()
	} else if err := ch.broker.consume(ch.transport, queue, c); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()

	go c.run()
	go func() {
		select {
		case <-ctx.Done():
			c.cancel(false)
			ch.broker.detach(c)
		case <-c.done:
		}
	}()

	return nil
}

// Close implements messaging.Channel
func (ch *Channel) Close() error {
	ch.close()
	ch.transport.forget(ch)
	return nil
}

func (ch *Channel) close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	for _, c := range consumers {
		c.cancel(false)
		ch.broker.detach(c)
	}
}

func (ch *Channel) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}
	return nil
}

// addressReplies swaps the direct reply pseudo queue for this channel's address
func (ch *Channel) addressReplies(env *contracts.Envelope) (*contracts.Envelope, error) {
	if env.ReplyTo != contracts.DirectReplyQueue {
		return env, nil
	}
	ch.mu.Lock()
	address := ch.replyAddress
	ch.mu.Unlock()

	if address == "" {
		return nil, fmt.Errorf("%w on this channel", ErrNoReplyConsumer)
	}
	out := env.Clone()
	out.ReplyTo = address
	return out, nil
}

type consumer struct {
	broker       *Broker
	queue        *queue
	replyAddress string
	autoAck      bool
	handler      messaging.DeliveryHandler

	mu       sync.Mutex
	items    []*Delivery
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	notify   bool
}

func newConsumer(broker *Broker, autoAck bool, handler messaging.DeliveryHandler) *consumer {
	return &consumer{
		broker:  broker,
		autoAck: autoAck,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *consumer) push(d *Delivery) {
	c.mu.Lock()
	c.items = append(c.items, d)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) run() {
	for {
		select {
		case <-c.done:
			if c.notify {
				c.handler(nil)
			}
			return
		case <-c.signal:
			c.mu.Lock()
			items := c.items
			c.items = nil
			c.mu.Unlock()

			for _, d := range items {
				c.handler(d)
			}
		}
	}
}

// cancel stops the consumer; broker-initiated cancellation is reported to
// the handler as a nil delivery
func (c *consumer) cancel(byBroker bool) {
	c.stopOnce.Do(func() {
		c.notify = byBroker
		close(c.done)
	})
}

// Delivery implements messaging.Delivery
type Delivery struct {
	env     *contracts.Envelope
	queue   *queue
	broker  *Broker
	autoAck bool
	settled atomic.Bool
}

// Envelope implements messaging.Delivery
func (d *Delivery) Envelope() *contracts.Envelope {
	return d.env
}

// Ack implements messaging.Delivery
func (d *Delivery) Ack() error {
	return d.settle(true)
}

// Nack implements messaging.Delivery
func (d *Delivery) Nack() error {
	return d.settle(false)
}

func (d *Delivery) settle(ack bool) error {
	if d.autoAck {
		return nil
	}
	if !d.settled.CompareAndSwap(false, true) {
		return ErrDeliverySettled
	}
	d.broker.settle(d.queue, ack)
	return nil
}
