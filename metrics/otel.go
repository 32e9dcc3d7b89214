// Package metrics records hub activity as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/mmq-go/messaging"
)

const instrumentationName = "github.com/glimte/mmq-go"

// Instrument names
const (
	PublishedTotal  = "mmq.messages.published"
	PublishDuration = "mmq.publish.duration"
	HandledTotal    = "mmq.messages.handled"
	HandleDuration  = "mmq.handle.duration"
	QueriesTotal    = "mmq.queries"
	QueryDuration   = "mmq.query.duration"
)

// Collector implements messaging.MetricsCollector with OpenTelemetry
type Collector struct {
	published       metric.Int64Counter
	publishDuration metric.Float64Histogram
	handled         metric.Int64Counter
	handleDuration  metric.Float64Histogram
	queries         metric.Int64Counter
	queryDuration   metric.Float64Histogram
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// Option is a function that configures a Collector
type Option func(*options)

type options struct {
	provider metric.MeterProvider
}

// WithMeterProvider sets the provider; the global one is used otherwise
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// NewCollector creates the instruments on the configured meter
func NewCollector(opts ...Option) (*Collector, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	meter := o.provider.Meter(instrumentationName)

	c := &Collector{}
	var err error

	if c.published, err = meter.Int64Counter(PublishedTotal,
		metric.WithDescription("Messages published"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if c.publishDuration, err = meter.Float64Histogram(PublishDuration,
		metric.WithDescription("Time to publish including broker confirmation"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if c.handled, err = meter.Int64Counter(HandledTotal,
		metric.WithDescription("Inbound messages settled"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if c.handleDuration, err = meter.Float64Histogram(HandleDuration,
		metric.WithDescription("Time spent dispatching an inbound message"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if c.queries, err = meter.Int64Counter(QueriesTotal,
		metric.WithDescription("Queries completed"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if c.queryDuration, err = meter.Float64Histogram(QueryDuration,
		metric.WithDescription("Query round trip time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return c, nil
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(routingKey string, query bool, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("routingKey", routingKey),
		attribute.Bool("query", query),
		attribute.String("status", status(err)),
	)
	ctx := context.Background()
	c.published.Add(ctx, 1, attrs)
	c.publishDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMessage implements messaging.MetricsCollector
func (c *Collector) RecordMessage(queue, routingKey string, outcome messaging.Outcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("routingKey", routingKey),
		attribute.String("outcome", outcome.String()),
	)
	ctx := context.Background()
	c.handled.Add(ctx, 1, attrs)
	if outcome != messaging.OutcomeDropped {
		c.handleDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordQuery implements messaging.MetricsCollector
func (c *Collector) RecordQuery(routingKey string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("routingKey", routingKey),
		attribute.String("status", queryStatus(err)),
	)
	ctx := context.Background()
	c.queries.Add(ctx, 1, attrs)
	c.queryDuration.Record(ctx, duration.Seconds(), attrs)
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case messaging.IsRejected(err):
		return "rejected"
	default:
		return "error"
	}
}

func queryStatus(err error) string {
	if messaging.IsTimeout(err) {
		return "timeout"
	}
	return status(err)
}
