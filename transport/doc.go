// Package transport provides the raw publish/subscribe/request primitives conduit
// is built on.
//
// Subjects are dot-delimited token lists. Subscription patterns may use two
// wildcards, matched token by token:
//   - "*" matches exactly one token
//   - ">" matches one or more remaining tokens and must be the last token
//
// Three implementations share the Transport contract:
//   - MemoryTransport: an in-process bus for tests and single-process deployments
//   - NATSTransport: delegates to a NATS server's native semantics
//   - RabbitMQTransport: maps subjects onto routing keys of an AMQP topic exchange
//
// Handlers run on transport-owned goroutines. A handler error is logged for that
// message only and never ends the subscription.
package transport
