// Package rabbitmq wraps amqp091-go for the mmq RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: dials with a timeout and retry policy and reports connection loss
//   - Publisher: publishes on one channel, waiting for broker confirms in confirm mode
//   - Consumer: feeds deliveries to a handler and reports broker-side cancellation
//   - DeclareExchange, DeclareQueue, BindQueue: topology helpers
package rabbitmq
