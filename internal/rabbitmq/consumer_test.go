package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestProcessMessages(t *testing.T) {
	t.Run("deliveries reach the handler in order", func(t *testing.T) {
		deliveries := make(chan amqp.Delivery, 2)
		deliveries <- amqp.Delivery{RoutingKey: "command.a"}
		deliveries <- amqp.Delivery{RoutingKey: "command.b"}

		var keys []string
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			processMessages(ctx, "q", deliveries, func(d *amqp.Delivery) {
				keys = append(keys, d.RoutingKey)
				if len(keys) == 2 {
					cancel()
				}
			}, discardLogger)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.Equal(t, []string{"command.a", "command.b"}, keys)
	})

	t.Run("broker cancellation is reported as nil", func(t *testing.T) {
		deliveries := make(chan amqp.Delivery)
		close(deliveries)

		var got []*amqp.Delivery
		processMessages(context.Background(), "q", deliveries, func(d *amqp.Delivery) {
			got = append(got, d)
		}, discardLogger)

		require.Len(t, got, 1)
		assert.Nil(t, got[0])
	})

	t.Run("closing after our own cancel is silent", func(t *testing.T) {
		deliveries := make(chan amqp.Delivery)
		close(deliveries)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		processMessages(ctx, "q", deliveries, func(*amqp.Delivery) { called = true }, discardLogger)
		assert.False(t, called)
	})
}
