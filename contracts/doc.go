// Package contracts provides the shared data model of the relaymq reliability layer.
//
// This package defines the types that flow between producers, consumers and transports:
//   - Envelope: a message together with its routing and transport properties
//   - Exchange, QueueSpec, Binding: broker topology descriptions
//   - SendMode, HandlerType, DeliveryMode: behavioural switches for producers and consumers
//
// It also holds the error taxonomy shared by every other package (configuration,
// transmission, handler, acknowledgment-state and termination errors).
package contracts
