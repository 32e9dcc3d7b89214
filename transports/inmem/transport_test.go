package inmem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/messaging"
)

func newConnected(t *testing.T, b *Broker) *Transport {
	t.Helper()
	tr := NewTransport(b)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func openChannel(t *testing.T, tr *Transport, mode messaging.ChannelMode) messaging.Channel {
	t.Helper()
	ch, err := tr.Channel(context.Background(), mode)
	require.NoError(t, err)
	return ch
}

func collect(buffer int) (messaging.DeliveryHandler, chan messaging.Delivery) {
	out := make(chan messaging.Delivery, buffer)
	return func(d messaging.Delivery) { out <- d }, out
}

func receive(t *testing.T, ch chan messaging.Delivery) messaging.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestBrokerRouting(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(WithBrokerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	tr := newConnected(t, b)
	ch := openChannel(t, tr, messaging.ChannelConfirm)

	require.NoError(t, ch.AssertQueue(ctx, "a:events", messaging.QueueOptions{Durable: true}))
	require.NoError(t, ch.AssertQueue(ctx, "b:events", messaging.QueueOptions{Durable: true}))
	require.NoError(t, ch.BindQueue(ctx, "a:events", "amq.topic", "command.#"))
	require.NoError(t, ch.BindQueue(ctx, "a:events", "amq.topic", "command.sayHi"))
	require.NoError(t, ch.BindQueue(ctx, "b:events", "amq.topic", "event.#"))

	handlerA, gotA := collect(4)
	handlerB, gotB := collect(4)
	require.NoError(t, ch.Consume(ctx, "a:events", false, handlerA))
	require.NoError(t, ch.Consume(ctx, "b:events", false, handlerB))

	t.Run("routes by pattern and delivers once per queue", func(t *testing.T) {
		env := &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "command.sayHi", Body: []byte("x")}
		require.NoError(t, ch.Publish(ctx, env))

		d := receive(t, gotA)
		assert.Equal(t, "command.sayHi", d.Envelope().RoutingKey)
		require.NoError(t, d.Ack())
		assert.ErrorIs(t, d.Ack(), ErrDeliverySettled)

		select {
		case <-gotA:
			t.Fatal("duplicate delivery")
		case <-gotB:
			t.Fatal("unexpected delivery to b")
		case <-time.After(20 * time.Millisecond):
		}
		assert.Equal(t, 1, b.Acked("a:events"))
	})

	t.Run("nacks are counted", func(t *testing.T) {
		require.NoError(t, ch.Publish(ctx, &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "event.x"}))
		d := receive(t, gotB)
		require.NoError(t, d.Nack())
		assert.Equal(t, 1, b.Nacked("b:events"))
	})

	t.Run("negative confirmation rejects the publish", func(t *testing.T) {
		b.FailNextPublishes(1)
		err := ch.Publish(ctx, &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "event.x"})
		assert.True(t, messaging.IsRejected(err))

		require.NoError(t, ch.Publish(ctx, &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "event.y"}))
		receive(t, gotB).Ack()
	})

	t.Run("messages wait for a consumer", func(t *testing.T) {
		require.NoError(t, ch.AssertQueue(ctx, "late", messaging.QueueOptions{}))
		require.NoError(t, ch.BindQueue(ctx, "late", "amq.topic", "late.#"))
		require.NoError(t, ch.Publish(ctx, &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "late.one"}))
		assert.Equal(t, 1, b.Ready("late"))

		handler, got := collect(1)
		require.NoError(t, ch.Consume(ctx, "late", true, handler))
		d := receive(t, got)
		assert.Equal(t, "late.one", d.Envelope().RoutingKey)
		assert.NoError(t, d.Ack())
		assert.Equal(t, 0, b.Acked("late"))
	})
}

func TestBrokerQueues(t *testing.T) {
	ctx := context.Background()

	t.Run("exclusive queues belong to their transport", func(t *testing.T) {
		b := NewBroker()
		owner := newConnected(t, b)
		other := newConnected(t, b)

		require.NoError(t, openChannel(t, owner, messaging.ChannelPlain).AssertQueue(ctx, "m:queries", messaging.QueueOptions{Exclusive: true}))
		err := openChannel(t, other, messaging.ChannelPlain).AssertQueue(ctx, "m:queries", messaging.QueueOptions{Exclusive: true})
		assert.ErrorIs(t, err, ErrQueueLocked)

		require.NoError(t, owner.Close())
		assert.NotContains(t, b.Queues(), "m:queries")
	})

	t.Run("redeclaring with other arguments fails", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, newConnected(t, b), messaging.ChannelPlain)
		require.NoError(t, ch.AssertQueue(ctx, "q", messaging.QueueOptions{Durable: true}))
		require.NoError(t, ch.AssertQueue(ctx, "q", messaging.QueueOptions{Durable: true}))
		assert.ErrorIs(t, ch.AssertQueue(ctx, "q", messaging.QueueOptions{}), ErrQueueInequivalent)
	})

	t.Run("auto delete queues vanish with their last consumer", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, newConnected(t, b), messaging.ChannelPlain)
		require.NoError(t, ch.AssertQueue(ctx, "tmp", messaging.QueueOptions{AutoDelete: true}))

		consumeCtx, cancel := context.WithCancel(ctx)
		handler, _ := collect(1)
		require.NoError(t, ch.Consume(consumeCtx, "tmp", true, handler))
		cancel()

		assert.Eventually(t, func() bool {
			for _, q := range b.Queues() {
				if q == "tmp" {
					return false
				}
			}
			return true
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("deleting a queue cancels its consumers with a nil delivery", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, newConnected(t, b), messaging.ChannelPlain)
		require.NoError(t, ch.AssertQueue(ctx, "doomed", messaging.QueueOptions{}))

		handler, got := collect(1)
		require.NoError(t, ch.Consume(ctx, "doomed", false, handler))
		b.DeleteQueue("doomed")

		assert.Nil(t, receive(t, got))
	})

	t.Run("consuming a missing queue fails", func(t *testing.T) {
		ch := openChannel(t, newConnected(t, NewBroker()), messaging.ChannelPlain)
		handler, _ := collect(1)
		assert.ErrorIs(t, ch.Consume(ctx, "nope", false, handler), ErrQueueNotFound)
	})

	t.Run("closed channels and transports refuse work", func(t *testing.T) {
		tr := NewTransport(NewBroker())
		_, err := tr.Channel(ctx, messaging.ChannelPlain)
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, tr.Connect(ctx))
		ch := openChannel(t, tr, messaging.ChannelPlain)
		require.NoError(t, ch.Close())
		assert.ErrorIs(t, ch.Prefetch(1), ErrChannelClosed)
		assert.ErrorIs(t, ch.Publish(ctx, &contracts.Envelope{}), ErrChannelClosed)
	})
}

func TestDirectReply(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	requester := newConnected(t, b)
	responder := newConnected(t, b)

	reqCh := openChannel(t, requester, messaging.ChannelPlain)
	respCh := openChannel(t, responder, messaging.ChannelPlain)

	require.NoError(t, respCh.AssertQueue(ctx, "calc:queries", messaging.QueueOptions{Exclusive: true, AutoDelete: true}))
	require.NoError(t, respCh.BindQueue(ctx, "calc:queries", "amq.topic", "query.#"))
	requests, gotRequest := collect(1)
	require.NoError(t, respCh.Consume(ctx, "calc:queries", true, requests))

	t.Run("publishing with direct reply requires a reply consumer", func(t *testing.T) {
		err := reqCh.Publish(ctx, &contracts.Envelope{Exchange: "amq.topic", RoutingKey: "query.x", ReplyTo: contracts.DirectReplyQueue})
		assert.True(t, errors.Is(err, ErrNoReplyConsumer))
	})

	t.Run("replies reach the requesting channel", func(t *testing.T) {
		replies, gotReply := collect(1)
		require.NoError(t, reqCh.Consume(ctx, contracts.DirectReplyQueue, true, replies))
		assert.ErrorIs(t, reqCh.Consume(ctx, contracts.DirectReplyQueue, true, replies), ErrAlreadyConsuming)

		require.NoError(t, reqCh.Publish(ctx, &contracts.Envelope{
			Exchange:      "amq.topic",
			RoutingKey:    "query.plusOne",
			CorrelationID: "c1",
			ReplyTo:       contracts.DirectReplyQueue,
		}))

		request := receive(t, gotRequest).Envelope()
		assert.True(t, strings.HasPrefix(request.ReplyTo, contracts.DirectReplyQueue+"."))

		require.NoError(t, respCh.SendToQueue(ctx, request.ReplyTo, &contracts.Envelope{CorrelationID: "c1", Body: []byte("13")}))

		reply := receive(t, gotReply)
		assert.Equal(t, "c1", reply.Envelope().CorrelationID)
		assert.Equal(t, "13", string(reply.Envelope().Body))
	})

	t.Run("replies to a vanished address are dropped", func(t *testing.T) {
		assert.NoError(t, respCh.SendToQueue(ctx, contracts.DirectReplyQueue+".gone", &contracts.Envelope{}))
	})
}
