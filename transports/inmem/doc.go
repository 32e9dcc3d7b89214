// Package inmem implements the messaging transport on an in-process topic
// broker.
//
// Several transports can share one Broker, each standing in for a separate
// module's connection. Exclusive queues belong to the declaring transport,
// auto-delete queues vanish with their last consumer, and consuming the
// direct reply pseudo queue gives a channel a private reply address. The
// broker can be told to reject upcoming confirmed publishes so failure
// paths can be exercised without a real server.
package inmem
