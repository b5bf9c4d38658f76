package messaging

import (
	"context"

	"github.com/glimte/relaymq/contracts"
)

// PublishTransport makes single publish attempts against a broker
type PublishTransport interface {
	// Publish sends an encoded envelope to exchange. Exactly one attempt is made.
	// When nonBlocking is set and no channel is free the call fails immediately.
	Publish(ctx context.Context, exchange contracts.Exchange, envelope *contracts.Envelope, nonBlocking bool) error

	// Close releases the transport's resources
	Close() error
}

// ConsumeTransport opens broker consumers and manages queue topology
type ConsumeTransport interface {
	// Consume starts a broker consumer on queue
	Consume(ctx context.Context, queue string, options ConsumeOptions) (DeliveryStream, error)

	// DeclareQueue declares a queue; identical repeats do not reach the broker
	DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error)

	// BindQueue binds queue to an exchange
	BindQueue(ctx context.Context, queue string, binding contracts.Binding) error

	// UnbindQueue removes a binding
	UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error

	// Close releases the transport's resources
	Close() error
}

// ConsumeOptions configures one broker consumer
type ConsumeOptions struct {
	// PrefetchCount bounds unacknowledged deliveries; zero means unbounded
	PrefetchCount int
	// NoAck makes the broker treat deliveries as acknowledged on send
	NoAck bool
}

// DeliveryStream is an active broker consumer
type DeliveryStream interface {
	// Deliveries is closed when the consumer or its channel goes away
	Deliveries() <-chan TransportDelivery
	// Cancel stops the consumer
	Cancel() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Body returns the message body
	Body() []byte

	// ContentType returns the MIME type of the body
	ContentType() string

	// ContentEncoding returns the body's encoding
	ContentEncoding() string

	// Headers returns message headers
	Headers() map[string]any

	// MessageID returns the publisher-assigned message id
	MessageID() string

	// Metadata returns routing information
	Metadata() contracts.MessageMetadata

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}
