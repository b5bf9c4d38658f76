package contracts

import (
	"strconv"
	"time"
)

// Envelope wraps a payload with its routing and transport properties
type Envelope struct {
	ID              string
	Payload         any
	Body            []byte
	RoutingKey      string
	Headers         map[string]any
	ContentType     string
	ContentEncoding string
	Expiration      time.Duration
	DeliveryMode    DeliveryMode
	Timestamp       time.Time
}

// ExpirationString renders the expiration the way AMQP expects it: milliseconds as a decimal string.
// A zero or negative expiration yields an empty string (no TTL).
func (e *Envelope) ExpirationString() string {
	if e.Expiration <= 0 {
		return ""
	}
	return strconv.FormatInt(e.Expiration.Milliseconds(), 10)
}

// Header returns a header value or nil
func (e *Envelope) Header(key string) any {
	if e.Headers == nil {
		return nil
	}
	return e.Headers[key]
}

// MessageMetadata contains routing information of a delivered message
type MessageMetadata struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
}
