package contracts

import "fmt"

// ExchangeKind is the routing algorithm of an exchange
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// Valid reports whether the kind is one the broker understands
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		return true
	}
	return false
}

// Exchange describes the exchange a producer publishes to
type Exchange struct {
	Name         string
	Kind         ExchangeKind
	Durable      bool
	AutoDelete   bool
	DeliveryMode DeliveryMode
	Arguments    map[string]any
}

// NewExchange returns a durable exchange with persistent delivery, the producer defaults
func NewExchange(name string, kind ExchangeKind) Exchange {
	return Exchange{
		Name:         name,
		Kind:         kind,
		Durable:      true,
		DeliveryMode: Persistent,
	}
}

// Validate checks the exchange definition
func (e Exchange) Validate() error {
	if !e.Kind.Valid() {
		return NewConfigurationError("validate exchange", fmt.Errorf("exchange %q: unknown type %q", e.Name, e.Kind))
	}
	return nil
}

// QueueSpec describes a queue to declare
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  map[string]any
}

// NewQueueSpec returns a durable, shared, non auto-deleting queue spec
func NewQueueSpec(name string) QueueSpec {
	return QueueSpec{Name: name, Durable: true}
}

// Queue is the handle returned by a queue declaration
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Binding links a queue to an exchange
type Binding struct {
	Exchange   string
	RoutingKey string
	Arguments  map[string]any
	NoWait     bool
}

// QueueBinding is a Binding attached to a named queue
type QueueBinding struct {
	Queue string
	Binding
}

// Topology groups the exchanges, queues and bindings an application needs
type Topology struct {
	Exchanges []Exchange
	Queues    []QueueSpec
	Bindings  []QueueBinding
}
