package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmq-go/serialization"
)

// Outcome is how a single inbound message was settled
type Outcome int

const (
	// OutcomeAcked means every handler succeeded and the ack policy ran
	OutcomeAcked Outcome = iota
	// OutcomeNacked means decoding or a handler failed and the nack policy ran
	OutcomeNacked
	// OutcomeDropped means the consumer was cancelled; nothing was settled
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeNacked:
		return "nacked"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Middleware wraps every handler invocation of a dispatcher
type Middleware func(next Handler) Handler

// Dispatcher drives inbound messages of one queue through decoding,
// binding resolution, concurrent handler invocation and settlement.
type Dispatcher struct {
	queue      string
	registry   *BindingRegistry
	policy     AckPolicy
	codecs     *serialization.Registry
	logger     *slog.Logger
	metrics    MetricsCollector
	middleware []Middleware

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherCodecs sets the codec registry used to decode bodies
func WithDispatcherCodecs(codecs *serialization.Registry) DispatcherOption {
	return func(d *Dispatcher) {
		d.codecs = codecs
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithMiddleware adds middleware around every handler
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a dispatcher for queue
func NewDispatcher(queue string, registry *BindingRegistry, policy AckPolicy, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		registry: registry,
		policy:   policy,
		codecs:   serialization.NewRegistry(),
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// HandleDelivery processes a delivery on its own goroutine. Deliveries
// arriving after Drain are left unsettled for the broker to redeliver.
func (d *Dispatcher) HandleDelivery(ctx context.Context, delivery Delivery) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.logger.Debug("dispatcher draining, delivery left unsettled", "queue", d.queue)
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		d.Dispatch(ctx, delivery)
	}()
}

// Drain stops accepting deliveries and waits until every delivery started
// by HandleDelivery is settled
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.inflight.Wait()
}

// Dispatch processes one delivery and settles it
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) Outcome {
	if delivery == nil {
		d.logger.Warn("consumer cancelled", "queue", d.queue)
		d.metrics.RecordMessage(d.queue, "", OutcomeDropped, 0)
		return OutcomeDropped
	}

	start := time.Now()
	env := delivery.Envelope()

	d.logger.Debug("incoming",
		"queue", d.queue,
		"routingKey", env.RoutingKey,
		"correlationId", env.CorrelationID,
		"trace", env.Headers.Trace,
	)

	outcome := d.process(ctx, delivery)
	d.metrics.RecordMessage(d.queue, env.RoutingKey, outcome, time.Since(start))
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, delivery Delivery) Outcome {
	env := delivery.Envelope()

	body, err := d.codecs.Decode(env.ContentType, env.Body)
	if err != nil {
		return d.nack(ctx, delivery, err)
	}

	trace := env.Headers.Trace
	if trace == nil {
		trace = []string{}
	}

	bindings := d.registry.Resolve(env.RoutingKey)
	if len(bindings) == 0 {
		d.logger.Warn("no listener",
			"queue", d.queue,
			"routingKey", env.RoutingKey)
	}

	msg := &Message{Queue: d.queue, Envelope: env}
	results, err := d.invoke(ctx, bindings, body, trace, msg)
	if err != nil {
		return d.nack(ctx, delivery, err)
	}

	if err := d.policy.Ack(ctx, delivery, results); err != nil {
		d.logger.Error("ack failed",
			"queue", d.queue,
			"routingKey", env.RoutingKey,
			"error", err)
	}
	return OutcomeAcked
}

// invoke runs every matching handler concurrently and waits for all of them
func (d *Dispatcher) invoke(ctx context.Context, bindings []Binding, body any, trace []string, msg *Message) ([]any, error) {
	results := make([]any, len(bindings))
	var g errgroup.Group

	for i, b := range bindings {
		i, b := i, b
		handler := d.wrap(b.Handler)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				if err != nil {
					err = &HandlerError{Queue: d.queue, Pattern: b.Pattern, RoutingKey: msg.Envelope.RoutingKey, Err: err}
					d.logger.Error("handler failed",
						"queue", d.queue,
						"pattern", b.Pattern,
						"routingKey", msg.Envelope.RoutingKey,
						"error", err)
				}
			}()

			result, err := handler(ctx, body, append(make([]string, 0, len(trace)), trace...), msg)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Dispatcher) nack(ctx context.Context, delivery Delivery, cause error) Outcome {
	env := delivery.Envelope()
	d.logger.Error("message failed",
		"queue", d.queue,
		"routingKey", env.RoutingKey,
		"correlationId", env.CorrelationID,
		"error", cause)

	if err := d.policy.Nack(ctx, delivery, cause); err != nil {
		d.logger.Error("nack failed",
			"queue", d.queue,
			"routingKey", env.RoutingKey,
			"error", err)
	}
	return OutcomeNacked
}

func (d *Dispatcher) wrap(handler Handler) Handler {
	for i := len(d.middleware) - 1; i >= 0; i-- {
		handler = d.middleware[i](handler)
	}
	return handler
}
