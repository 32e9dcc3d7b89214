package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmq-go/contracts"
)

type mockDelivery struct {
	mock.Mock
	env *contracts.Envelope
}

func newMockDelivery(env *contracts.Envelope) *mockDelivery {
	return &mockDelivery{env: env}
}

func (m *mockDelivery) Envelope() *contracts.Envelope {
	return m.env
}

func (m *mockDelivery) Ack() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockDelivery) Nack() error {
	args := m.Called()
	return args.Error(0)
}

type mockChannel struct {
	mock.Mock

	mu      sync.Mutex
	handler DeliveryHandler
}

func (m *mockChannel) Prefetch(count int) error {
	args := m.Called(count)
	return args.Error(0)
}

func (m *mockChannel) AssertQueue(ctx context.Context, name string, opts QueueOptions) error {
	args := m.Called(ctx, name, opts)
	return args.Error(0)
}

func (m *mockChannel) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	args := m.Called(ctx, queue, exchange, pattern)
	return args.Error(0)
}

func (m *mockChannel) Publish(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockChannel) SendToQueue(ctx context.Context, address string, env *contracts.Envelope) error {
	args := m.Called(ctx, address, env)
	return args.Error(0)
}

func (m *mockChannel) Consume(ctx context.Context, queue string, autoAck bool, handler DeliveryHandler) error {
	args := m.Called(ctx, queue, autoAck, handler)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.handler = handler
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockChannel) deliver(d Delivery) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(d)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockTransport) Channel(ctx context.Context, mode ChannelMode) (Channel, error) {
	args := m.Called(ctx, mode)
	if ch := args.Get(0); ch != nil {
		return ch.(Channel), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingMetrics) RecordPublish(string, bool, time.Duration, error) {}

func (r *recordingMetrics) RecordMessage(_, _ string, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) RecordQuery(string, time.Duration, error) {}

func (r *recordingMetrics) recorded() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}
