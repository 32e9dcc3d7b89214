// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/internal/rabbitmq"
	"github.com/glimte/mmq-go/messaging"
	"github.com/glimte/mmq-go/serialization"
	rabbitmqTransport "github.com/glimte/mmq-go/transports/rabbitmq"
)

// Hub is one module's connection to the message bus. It publishes events
// and queries, owns the module's queues and answers pings.
type Hub struct {
	config    Config
	transport messaging.Transport
	codecs    *serialization.Registry
	factory   *messaging.EnvelopeFactory
	tracker   *messaging.CorrelationTracker
	logger    *slog.Logger
	metrics   messaging.MetricsCollector

	mu        sync.Mutex
	connected bool
	closed    bool
	eventCh   messaging.Channel
	queryCh   messaging.Channel
	queues    []hubQueue
	pinging   bool
	cancel    context.CancelFunc
}

type hubQueue struct {
	queue  *messaging.Queue
	policy messaging.PolicyFactory
}

// Receipt describes a published message
type Receipt struct {
	HopID string
	Trace []string
	Reply *messaging.Reply // set for queries
}

// New creates a hub on transport. Nothing touches the broker until Connect.
func New(transport messaging.Transport, options ...Option) (*Hub, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = messaging.NoOpMetricsCollector{}
	}
	if cfg.Codecs == nil {
		cfg.Codecs = serialization.NewRegistry()
	}

	logger := cfg.Logger.With("module", cfg.ModuleName)

	return &Hub{
		config:    cfg,
		transport: transport,
		codecs:    cfg.Codecs,
		factory: messaging.NewEnvelopeFactory(cfg.ModuleName, cfg.Codecs,
			messaging.WithDefaultContentType(cfg.DefaultContentType)),
		tracker: messaging.NewCorrelationTracker(messaging.WithTrackerLogger(logger)),
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Dial creates a hub on a RabbitMQ transport for url
func Dial(url string, options ...Option) (*Hub, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	transport, err := rabbitmqTransport.NewTransport(url,
		rabbitmqTransport.WithTransportLogger(cfg.Logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(cfg.Logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return New(transport, options...)
}

// Module returns the module name
func (h *Hub) Module() string {
	return h.config.ModuleName
}

// PendingQueries returns the number of queries awaiting a reply
func (h *Hub) PendingQueries() int {
	return h.tracker.Pending()
}

// Connect opens the connection, a confirm channel for events and a plain
// channel for queries, and starts consuming direct replies.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if h.connected {
		return nil
	}

	if err := h.transport.Connect(ctx); err != nil {
		return messaging.NewTransportError("connect", "", err)
	}

	eventCh, err := h.transport.Channel(ctx, messaging.ChannelConfirm)
	if err != nil {
		return messaging.NewTransportError("open channel", "events", err)
	}
	queryCh, err := h.transport.Channel(ctx, messaging.ChannelPlain)
	if err != nil {
		eventCh.Close()
		return messaging.NewTransportError("open channel", "queries", err)
	}

	fail := func(err error) error {
		queryCh.Close()
		eventCh.Close()
		return err
	}

	if h.config.PingResponder {
		if err := queryCh.AssertQueue(ctx, h.config.ModuleName, messaging.QueueOptions{Exclusive: true}); err != nil {
			return fail(messaging.NewTransportError("assert queue", h.config.ModuleName, err))
		}
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := queryCh.Consume(consumeCtx, contracts.DirectReplyQueue, true, h.handleReply); err != nil {
		cancel()
		return fail(messaging.NewTransportError("consume", contracts.DirectReplyQueue, err))
	}

	h.eventCh = eventCh
	h.queryCh = queryCh
	h.cancel = cancel
	h.connected = true

	h.logger.Info("connected",
		"eventExchange", h.config.EventExchange,
		"queryExchange", h.config.QueryExchange)

	return nil
}

// EventQueue declares the event queue "<module>:<name>"; an empty name
// means "events". Bind handlers on it before Ready.
func (h *Hub) EventQueue(name string, options ...messaging.QueueOption) *messaging.Queue {
	if name == "" {
		name = DefaultEventQueue
	}
	config := messaging.EventQueueConfig(h.queueName(name), h.config.EventExchange)
	return h.addQueue(config, options, messaging.EventPolicy())
}

// QueryQueue declares the query queue "<module>:<name>"; an empty name
// means "queries". Handler results are sent back as replies.
func (h *Hub) QueryQueue(name string, options ...messaging.QueueOption) *messaging.Queue {
	if name == "" {
		name = DefaultQueryQueue
	}
	config := messaging.QueryQueueConfig(h.queueName(name), h.config.QueryExchange)
	return h.addQueue(config, options, messaging.QueryPolicy(h.factory, h.logger))
}

func (h *Hub) queueName(name string) string {
	return h.config.ModuleName + ":" + name
}

func (h *Hub) addQueue(config messaging.QueueConfig, options []messaging.QueueOption, policy messaging.PolicyFactory) *messaging.Queue {
	for _, opt := range options {
		opt(&config)
	}

	q := messaging.NewQueue(config, h.logger,
		messaging.WithDispatcherCodecs(h.codecs),
		messaging.WithDispatcherMetrics(h.metrics),
		messaging.WithMiddleware(h.config.Middleware...),
	)

	h.mu.Lock()
	h.queues = append(h.queues, hubQueue{queue: q, policy: policy})
	h.mu.Unlock()

	return q
}

// Ready activates every declared queue and then starts answering pings.
// Queues declared after a successful Ready are activated by the next call.
func (h *Hub) Ready(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if !h.connected {
		h.mu.Unlock()
		return ErrNotConnected
	}
	pending := make([]hubQueue, 0, len(h.queues))
	for _, q := range h.queues {
		if !q.queue.Active() {
			pending = append(pending, q)
		}
	}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range pending {
		q := q
		g.Go(func() error {
			return q.queue.Activate(gctx, h.transport, q.policy)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to activate queues: %w", err)
	}

	if err := h.startPingResponder(); err != nil {
		return err
	}

	h.logger.Info("ready", "activated", len(pending))
	return nil
}

func (h *Hub) startPingResponder() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.config.PingResponder || h.pinging {
		return nil
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := h.queryCh.Consume(consumeCtx, h.config.ModuleName, true, h.handlePing); err != nil {
		cancel()
		return messaging.NewTransportError("consume", h.config.ModuleName, err)
	}

	stopReplies := h.cancel
	h.cancel = func() {
		cancel()
		stopReplies()
	}
	h.pinging = true
	return nil
}

// Publish sends body under routingKey, continuing trace. Events go through
// the confirm channel and return once the broker confirmed them. Query keys
// wait for the reply, which the receipt carries.
func (h *Hub) Publish(ctx context.Context, routingKey string, body any, trace []string, options ...PublishOption) (*Receipt, error) {
	cfg := publishConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	if contracts.IsQuery(routingKey) {
		reply, env, err := h.query(ctx, routingKey, body, trace, cfg)
		if err != nil {
			return nil, err
		}
		return &Receipt{HopID: env.LastHop(), Trace: env.Headers.Trace, Reply: reply}, nil
	}

	eventCh, _, err := h.channels()
	if err != nil {
		return nil, err
	}

	env, err := h.factory.Outbound(routingKey, body, trace, messaging.OutboundOptions{
		Exchange:    h.config.EventExchange,
		Persistent:  cfg.persistent,
		Headers:     cfg.headers,
		ContentType: cfg.contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build message for %s: %w", routingKey, err)
	}

	h.logger.Debug("publishing",
		"routingKey", routingKey,
		"trace", env.Headers.Trace,
		"persistent", env.Persistent)

	start := time.Now()
	err = eventCh.Publish(ctx, env)
	h.metrics.RecordPublish(routingKey, false, time.Since(start), err)
	if err != nil {
		return nil, publishFailure(env, err)
	}

	return &Receipt{HopID: env.LastHop(), Trace: env.Headers.Trace}, nil
}

// Query publishes a query and waits for its reply. The wait ends with a
// *messaging.QueryTimeoutError after the query timeout, or with ctx.Err()
// when ctx is done first.
func (h *Hub) Query(ctx context.Context, routingKey string, body any, trace []string, options ...PublishOption) (*messaging.Reply, error) {
	if !contracts.IsQuery(routingKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotQuery, routingKey)
	}
	cfg := publishConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	reply, _, err := h.query(ctx, routingKey, body, trace, cfg)
	return reply, err
}

func (h *Hub) query(ctx context.Context, routingKey string, body any, trace []string, cfg publishConfig) (*messaging.Reply, *contracts.Envelope, error) {
	_, queryCh, err := h.channels()
	if err != nil {
		return nil, nil, err
	}

	env, err := h.factory.Outbound(routingKey, body, trace, messaging.OutboundOptions{
		Exchange:    h.config.QueryExchange,
		Persistent:  cfg.persistent,
		Headers:     cfg.headers,
		ContentType: cfg.contentType,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build message for %s: %w", routingKey, err)
	}

	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = h.config.QueryTimeout
	}

	start := time.Now()
	pending, err := h.tracker.Register(env.CorrelationID, routingKey, timeout)
	if err != nil {
		return nil, nil, err
	}

	h.logger.Debug("publishing",
		"routingKey", routingKey,
		"trace", env.Headers.Trace,
		"correlationId", env.CorrelationID)

	if err := queryCh.Publish(ctx, env); err != nil {
		h.tracker.Reject(env.CorrelationID, err)
		h.metrics.RecordPublish(routingKey, true, time.Since(start), err)
		return nil, nil, publishFailure(env, err)
	}
	h.metrics.RecordPublish(routingKey, true, time.Since(start), nil)

	reply, err := pending.Wait(ctx)
	h.metrics.RecordQuery(routingKey, time.Since(start), err)
	if err != nil {
		return nil, nil, err
	}
	return reply, env, nil
}

// Ping asks module for its name through the module's ping queue
func (h *Hub) Ping(ctx context.Context, module string) (string, error) {
	_, queryCh, err := h.channels()
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	env := &contracts.Envelope{
		RoutingKey:  module,
		ContentType: serialization.ContentTypeText,
		Headers: contracts.Headers{
			Trace:     []string{id},
			Timestamp: contracts.FormatTimestamp(time.Now()),
			Publisher: h.config.ModuleName,
		},
		CorrelationID: id,
		ReplyTo:       contracts.DirectReplyQueue,
	}

	pending, err := h.tracker.Register(id, module, h.config.QueryTimeout)
	if err != nil {
		return "", err
	}
	if err := queryCh.SendToQueue(ctx, module, env); err != nil {
		h.tracker.Reject(id, err)
		return "", messaging.NewTransportError("send", module, err)
	}

	reply, err := pending.Wait(ctx)
	if err != nil {
		return "", err
	}

	switch b := reply.Body.(type) {
	case string:
		return b, nil
	case []byte:
		return string(b), nil
	default:
		return fmt.Sprint(b), nil
	}
}

// Close stops every queue, fails pending queries with ErrHubClosed and
// closes the connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	queues := h.queues
	connected := h.connected
	h.connected = false
	h.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", q.queue.Name(), err))
		}
	}

	h.tracker.Close(ErrHubClosed)

	if connected {
		h.cancel()
		if err := h.queryCh.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := h.eventCh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	h.logger.Info("closed")
	return errors.Join(errs...)
}

func (h *Hub) channels() (events, queries messaging.Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil, ErrHubClosed
	}
	if !h.connected {
		return nil, nil, ErrNotConnected
	}
	return h.eventCh, h.queryCh, nil
}

func (h *Hub) handleReply(d messaging.Delivery) {
	if d == nil {
		h.logger.Warn("consumer cancelled", "queue", contracts.DirectReplyQueue)
		h.tracker.Close(messaging.ErrConsumerCancelled)
		return
	}

	env := d.Envelope()
	body, err := h.codecs.Decode(env.ContentType, env.Body)
	if err != nil {
		if !h.tracker.Reject(env.CorrelationID, err) {
			h.logger.Warn("late reply", "correlationId", env.CorrelationID, "error", err)
		}
		return
	}

	reply := &messaging.Reply{
		Body:          body,
		CorrelationID: env.CorrelationID,
		ContentType:   env.ContentType,
		Trace:         env.Headers.Trace,
		Envelope:      env,
	}
	if !h.tracker.Resolve(env.CorrelationID, reply) {
		h.logger.Warn("late reply",
			"correlationId", env.CorrelationID,
			"routingKey", env.RoutingKey)
	}
}

func (h *Hub) handlePing(d messaging.Delivery) {
	if d == nil {
		h.logger.Warn("consumer cancelled", "queue", h.config.ModuleName)
		return
	}

	request := d.Envelope()
	if request.ReplyTo == "" {
		return
	}

	reply, err := h.factory.Reply(request, serialization.WithContentType(serialization.ContentTypeText, h.config.ModuleName))
	if err == nil {
		err = h.queryCh.SendToQueue(context.Background(), request.ReplyTo, reply)
	}
	if err != nil {
		h.logger.Error("reply failed",
			"queue", h.config.ModuleName,
			"correlationId", request.CorrelationID,
			"error", err)
	}
}

func publishFailure(env *contracts.Envelope, err error) error {
	var pe *messaging.PublishError
	if errors.As(err, &pe) {
		return err
	}
	return messaging.NewTransportError("publish", env.RoutingKey, err)
}
