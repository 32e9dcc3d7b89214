// Package messaging provides the dispatch and correlation engine of the hub.
//
// This package implements:
//   - Matcher: routing patterns with an optional trailing "#" wildcard
//   - BindingRegistry: the ordered (pattern, handler) pairs of a queue
//   - Dispatcher: per-message decode, concurrent handler fan-out and ack/nack
//   - CorrelationTracker: pending queries keyed by correlation id with expiry
//   - EnvelopeFactory: outbound and reply envelopes with hop tracing
//   - Queue: deferred binding registration and activation on a Transport
//
// Every matching binding runs for a message, concurrently, and the message
// is settled only after all of them returned. Event queues ack on success
// and nack on failure. Query queues additionally send one reply per handler
// result to the request's reply address and stay silent on failure.
//
// Example usage:
//
//	q := messaging.NewQueue(messaging.EventQueueConfig("billing:events", "amq.topic"), logger)
//	q.MustBind("command.#", func(ctx context.Context, body any, trace []string, msg *messaging.Message) (any, error) {
//		return nil, charge(ctx, body)
//	})
//	err := q.Activate(ctx, transport, messaging.EventPolicy())
package messaging
