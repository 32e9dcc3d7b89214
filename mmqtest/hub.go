// Package mmqtest provides an in-process stand-in for mmq.Hub. Bound
// handlers are driven directly with Incoming, and published queries are
// answered from responses recorded with WhenPublished.
package mmqtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	mmq "github.com/glimte/mmq-go"
	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/messaging"
)

// DefaultIncomingTrace is the trace handed to handlers when Incoming gets none
var DefaultIncomingTrace = []string{"incoming-trace"}

var (
	ErrNoTrace           = errors.New("published with no trace")
	ErrNoResponse        = errors.New("no response")
	ErrNoMatch           = errors.New("no matching response")
	ErrAmbiguousResponse = errors.New("more than one matching response")
)

// ResponseError explains why a published query could not be answered
type ResponseError struct {
	RoutingKey string
	Body       any
	Err        error
}

func (e *ResponseError) Error() string {
	switch e.Err {
	case ErrNoMatch:
		body, err := json.Marshal(e.Body)
		if err != nil {
			body = []byte(fmt.Sprint(e.Body))
		}
		return fmt.Sprintf("responses for %s but none matches the %s", e.RoutingKey, body)
	case ErrAmbiguousResponse:
		return fmt.Sprintf("more than one matching response for %s", e.RoutingKey)
	default:
		return fmt.Sprintf("no response for %s", e.RoutingKey)
	}
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Published records one call to Publish
type Published struct {
	RoutingKey string
	Body       any
	Trace      []string
}

// Hub mimics mmq.Hub without a broker
type Hub struct {
	module string

	mu        sync.Mutex
	queues    []*Queue
	stubs     []*Stub
	published []Published
}

// NewHub creates a fake hub for module
func NewHub(module string) *Hub {
	return &Hub{module: module}
}

// Module returns the module name
func (h *Hub) Module() string {
	return h.module
}

// Connect does nothing
func (h *Hub) Connect(context.Context) error { return nil }

// Ready does nothing
func (h *Hub) Ready(context.Context) error { return nil }

// Close does nothing
func (h *Hub) Close() error { return nil }

// Reset forgets every queue, recorded response and published message
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queues = nil
	h.stubs = nil
	h.published = nil
}

// EventQueue declares "<module>:<name>"; an empty name means "events"
func (h *Hub) EventQueue(name string) *Queue {
	if name == "" {
		name = mmq.DefaultEventQueue
	}
	return h.addQueue(name)
}

// QueryQueue declares "<module>:<name>"; an empty name means "queries"
func (h *Hub) QueryQueue(name string) *Queue {
	if name == "" {
		name = mmq.DefaultQueryQueue
	}
	return h.addQueue(name)
}

func (h *Hub) addQueue(name string) *Queue {
	q := &Queue{name: h.module + ":" + name, registry: messaging.NewBindingRegistry()}
	h.mu.Lock()
	h.queues = append(h.queues, q)
	h.mu.Unlock()
	return q
}

// Incoming delivers body under routingKey to every matching handler of
// every queue and waits for them. For query keys it returns the first
// result, taken in queue declaration order. A nil trace becomes
// DefaultIncomingTrace.
func (h *Hub) Incoming(ctx context.Context, routingKey string, body any, trace []string) (any, error) {
	if trace == nil {
		trace = DefaultIncomingTrace
	}

	h.mu.Lock()
	queues := append([]*Queue(nil), h.queues...)
	h.mu.Unlock()

	results := make([][]any, len(queues))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queues {
		i, q := i, q
		g.Go(func() error {
			out, err := q.incoming(gctx, routingKey, body, trace)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !contracts.IsQuery(routingKey) {
		return nil, nil
	}
	for _, out := range results {
		if len(out) > 0 {
			return out[0], nil
		}
	}
	return nil, nil
}

// WhenPublished starts recording a reaction to publishes of routingKey.
// match is nil for any body, a func(any) bool predicate or a value
// compared by equality.
func (h *Hub) WhenPublished(routingKey string, match any) *Stub {
	return &Stub{hub: h, routingKey: routingKey, match: match}
}

// Publish records the message. Queries are answered from the recorded
// responses; events run any recorded callbacks.
func (h *Hub) Publish(ctx context.Context, routingKey string, body any, trace []string, _ ...mmq.PublishOption) (*mmq.Receipt, error) {
	if trace == nil {
		return nil, fmt.Errorf("%s %w", routingKey, ErrNoTrace)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hop := uuid.New().String()
	newTrace := append(append(make([]string, 0, len(trace)+1), trace...), hop)

	h.mu.Lock()
	h.published = append(h.published, Published{RoutingKey: routingKey, Body: body, Trace: newTrace})
	h.mu.Unlock()

	receipt := &mmq.Receipt{HopID: hop, Trace: newTrace}

	stubs, err := h.matching(routingKey, body)
	if !contracts.IsQuery(routingKey) {
		for _, s := range stubs {
			if s.execute != nil {
				s.execute(routingKey, body)
			}
		}
		return receipt, nil
	}
	if err != nil {
		return nil, err
	}

	receipt.Reply = &messaging.Reply{
		Body:          stubs[0].respond(body),
		CorrelationID: hop,
		ContentType:   contracts.DefaultContentType,
		Trace:         newTrace,
	}
	return receipt, nil
}

// Query publishes a query and returns its recorded reply
func (h *Hub) Query(ctx context.Context, routingKey string, body any, trace []string, options ...mmq.PublishOption) (*messaging.Reply, error) {
	if !contracts.IsQuery(routingKey) {
		return nil, fmt.Errorf("%w: %s", mmq.ErrNotQuery, routingKey)
	}
	receipt, err := h.Publish(ctx, routingKey, body, trace, options...)
	if err != nil {
		return nil, err
	}
	return receipt.Reply, nil
}

// Published returns every message published so far
func (h *Hub) Published() []Published {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Published(nil), h.published...)
}

func (h *Hub) matching(routingKey string, body any) ([]*Stub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var byKey, matched []*Stub
	query := contracts.IsQuery(routingKey)
	for _, s := range h.stubs {
		if s.routingKey != routingKey || (query && !s.responds) {
			continue
		}
		byKey = append(byKey, s)
		if s.matches(body) {
			matched = append(matched, s)
		}
	}

	switch {
	case len(byKey) == 0:
		return nil, &ResponseError{RoutingKey: routingKey, Body: body, Err: ErrNoResponse}
	case len(matched) == 0:
		return nil, &ResponseError{RoutingKey: routingKey, Body: body, Err: ErrNoMatch}
	case len(matched) > 1 && query:
		return nil, &ResponseError{RoutingKey: routingKey, Body: body, Err: ErrAmbiguousResponse}
	}
	return matched, nil
}

func (h *Hub) record(s *Stub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stubs = append(h.stubs, s)
}

// Stub is a recorded reaction to a publish
type Stub struct {
	hub        *Hub
	routingKey string
	match      any
	response   any
	responds   bool
	execute    func(routingKey string, body any)
}

// WillReturn answers matching queries with response, or with its result
// when response is a func(any) any. It panics for event routing keys.
func (s *Stub) WillReturn(response any) {
	if !contracts.IsQuery(s.routingKey) {
		panic(fmt.Sprintf("routing key must start with %q, it was: %s", contracts.QueryPrefix, s.routingKey))
	}
	s.response = response
	s.responds = true
	s.hub.record(s)
}

// ThenExecute runs fn for every matching event publish. Queries are only
// answered by WillReturn stubs.
func (s *Stub) ThenExecute(fn func(routingKey string, body any)) {
	s.execute = fn
	s.hub.record(s)
}

func (s *Stub) matches(body any) bool {
	switch m := s.match.(type) {
	case nil:
		return true
	case func(any) bool:
		return m(body)
	default:
		return assert.ObjectsAreEqualValues(m, body)
	}
}

func (s *Stub) respond(body any) any {
	if fn, ok := s.response.(func(any) any); ok {
		return fn(body)
	}
	return s.response
}

// Queue collects bindings driven by Hub.Incoming
type Queue struct {
	name     string
	registry *messaging.BindingRegistry
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Bind registers handler for pattern
func (q *Queue) Bind(pattern string, handler messaging.Handler) (*Queue, error) {
	if err := q.registry.Add(pattern, handler); err != nil {
		return q, fmt.Errorf("bind %s on %s: %w", pattern, q.name, err)
	}
	return q, nil
}

// MustBind is like Bind but panics on error
func (q *Queue) MustBind(pattern string, handler messaging.Handler) *Queue {
	if _, err := q.Bind(pattern, handler); err != nil {
		panic(err)
	}
	return q
}

func (q *Queue) incoming(ctx context.Context, routingKey string, body any, trace []string) ([]any, error) {
	bindings := q.registry.Resolve(routingKey)
	if len(bindings) == 0 {
		return nil, nil
	}

	msg := &messaging.Message{
		Queue: q.name,
		Envelope: &contracts.Envelope{
			RoutingKey: routingKey,
			Headers:    contracts.Headers{Trace: trace},
		},
	}

	results := make([]any, len(bindings))
	var g errgroup.Group
	for i, b := range bindings {
		i, b := i, b
		g.Go(func() error {
			out, err := b.Handler(ctx, body, append([]string(nil), trace...), msg)
			if err != nil {
				return &messaging.HandlerError{Queue: q.name, Pattern: b.Pattern, RoutingKey: routingKey, Err: err}
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
