package messaging

import "time"

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records an outbound message
	RecordPublish(routingKey string, query bool, duration time.Duration, err error)

	// RecordMessage records the settlement of an inbound message
	RecordMessage(queue, routingKey string, outcome Outcome, duration time.Duration)

	// RecordQuery records a query round trip
	RecordQuery(routingKey string, duration time.Duration, err error)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(routingKey string, query bool, duration time.Duration, err error) {
}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(queue, routingKey string, outcome Outcome, duration time.Duration) {
}

// RecordQuery does nothing
func (NoOpMetricsCollector) RecordQuery(routingKey string, duration time.Duration, err error) {}
