// Package rabbitmq provides the AMQP plumbing used by relaymq.
//
// This package includes:
//   - SelectEndpoints: random primary broker selection with ordered alternates
//   - ConnectionManager: one connection with failover across alternates and automatic reconnection
//   - ChannelPool: bounded channel pooling with blocking and non-blocking acquisition
//   - Publisher: single publish attempts with lazy exchange declaration and publisher confirms
//   - Consumer: broker consumers on dedicated channels with QoS
//   - TopologyManager: idempotent exchange, queue and binding declarations
//
// Retrying and acknowledgment policy live in the messaging layer; every
// operation here makes exactly one attempt and reports typed errors.
package rabbitmq
