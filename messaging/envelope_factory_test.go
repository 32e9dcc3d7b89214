package messaging

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/serialization"
)

func TestEnvelopeFactory(t *testing.T) {
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.UTC)
	newFactory := func(opts ...FactoryOption) *EnvelopeFactory {
		opts = append([]FactoryOption{
			WithIDGenerator(func() string { return "t1" }),
			WithFactoryClock(func() time.Time { return fixed }),
		}, opts...)
		return NewEnvelopeFactory("greeter", serialization.NewRegistry(), opts...)
	}

	t.Run("event envelope appends a hop and persists", func(t *testing.T) {
		f := newFactory()
		trace := []string{"t0"}

		env, err := f.Outbound("command.sayHi", map[string]any{"name": "Jerry"}, trace, OutboundOptions{Exchange: "amq.topic"})
		require.NoError(t, err)

		assert.Equal(t, "amq.topic", env.Exchange)
		assert.Equal(t, "command.sayHi", env.RoutingKey)
		assert.Equal(t, "application/json", env.ContentType)
		assert.JSONEq(t, `{"name":"Jerry"}`, string(env.Body))
		assert.Equal(t, []string{"t0", "t1"}, env.Headers.Trace)
		assert.Equal(t, "2024-05-06T07:08:09.010Z", env.Headers.Timestamp)
		assert.Equal(t, "greeter", env.Headers.Publisher)
		assert.True(t, env.Persistent)
		assert.Empty(t, env.CorrelationID)
		assert.Empty(t, env.ReplyTo)

		// caller's trace is untouched
		assert.Equal(t, []string{"t0"}, trace)
	})

	t.Run("query envelope correlates by hop id and replies to the direct queue", func(t *testing.T) {
		f := newFactory()

		env, err := f.Outbound("query.plusOne", map[string]any{"number": 12}, nil, OutboundOptions{})
		require.NoError(t, err)

		assert.Equal(t, []string{"t1"}, env.Headers.Trace)
		assert.Equal(t, "t1", env.CorrelationID)
		assert.Equal(t, contracts.DirectReplyQueue, env.ReplyTo)
		assert.False(t, env.Persistent)
	})

	t.Run("options override persistence headers and reply address", func(t *testing.T) {
		f := newFactory()
		persistent := true

		env, err := f.Outbound("query.x", 1, nil, OutboundOptions{
			Persistent: &persistent,
			Headers:    map[string]any{"tenant": "acme"},
			ReplyTo:    "custom-reply",
		})
		require.NoError(t, err)

		assert.True(t, env.Persistent)
		assert.Equal(t, "acme", env.Headers.Extra["tenant"])
		assert.Equal(t, "custom-reply", env.ReplyTo)
	})

	t.Run("content type override comes from the payload", func(t *testing.T) {
		f := newFactory()

		env, err := f.Outbound("event.note", serialization.WithContentType("text/plain", "hello"), nil, OutboundOptions{})
		require.NoError(t, err)

		assert.Equal(t, "text/plain", env.ContentType)
		assert.Equal(t, "hello", string(env.Body))
	})

	t.Run("default content type applies to untagged bodies", func(t *testing.T) {
		f := newFactory(WithDefaultContentType("text/plain"))

		env, err := f.Outbound("event.note", "hello", nil, OutboundOptions{})
		require.NoError(t, err)
		assert.Equal(t, "text/plain", env.ContentType)

		env, err = f.Outbound("event.note", []byte{0x01}, nil, OutboundOptions{ContentType: "application/octet-stream"})
		require.NoError(t, err)
		assert.Equal(t, "application/octet-stream", env.ContentType)
		assert.Equal(t, []byte{0x01}, env.Body)
	})

	t.Run("encoding failures are returned", func(t *testing.T) {
		f := newFactory()
		_, err := f.Outbound("event.bad", make(chan int), nil, OutboundOptions{})
		assert.Error(t, err)
	})

	t.Run("reply keeps the correlation id and extends the trace", func(t *testing.T) {
		f := newFactory()
		request := &contracts.Envelope{
			RoutingKey:    "query.plusOne",
			CorrelationID: "t0",
			ReplyTo:       contracts.DirectReplyQueue,
			Headers:       contracts.Headers{Trace: []string{"t0"}},
		}

		reply, err := f.Reply(request, map[string]any{"number": 13})
		require.NoError(t, err)

		assert.Equal(t, "t0", reply.CorrelationID)
		assert.Equal(t, []string{"t0", "t1"}, reply.Headers.Trace)
		assert.False(t, reply.Persistent)
		assert.Equal(t, "application/json", reply.ContentType)
		assert.JSONEq(t, `{"number":13}`, string(reply.Body))
		assert.Empty(t, reply.ReplyTo)
	})

	t.Run("default id generator produces uuids", func(t *testing.T) {
		f := NewEnvelopeFactory("greeter", nil)
		env, err := f.Outbound("event.x", 1, nil, OutboundOptions{})
		require.NoError(t, err)

		_, err = uuid.Parse(env.LastHop())
		assert.NoError(t, err)
		assert.Equal(t, "greeter", f.Publisher())
	})
}
