package messaging

import (
	"context"

	"github.com/glimte/mmq-go/contracts"
)

// Message gives handlers access to the raw inbound message
type Message struct {
	Queue    string
	Envelope *contracts.Envelope
}

// Handler processes one decoded message. body is the decoded payload and
// trace the hop chain it arrived with. For query queues every returned
// value is sent back as a reply; event queues discard it. A returned error
// or a panic nacks the message.
type Handler func(ctx context.Context, body any, trace []string, msg *Message) (any, error)

// EventHandler adapts a handler that produces no result
func EventHandler(fn func(ctx context.Context, body any, trace []string) error) Handler {
	return func(ctx context.Context, body any, trace []string, _ *Message) (any, error) {
		return nil, fn(ctx, body, trace)
	}
}

// QueryHandler adapts a handler that only needs the body
func QueryHandler(fn func(ctx context.Context, body any) (any, error)) Handler {
	return func(ctx context.Context, body any, _ []string, _ *Message) (any, error) {
		return fn(ctx, body)
	}
}
