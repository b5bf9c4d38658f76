package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/relaymq/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the part of *amqp.Channel used for declarations
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueInspect(name string) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
}

type topologyExecutor interface {
	executeTopology(ctx context.Context, fn func(TopologyChannel) error) error
}

func (cp *ChannelPool) executeTopology(ctx context.Context, fn func(TopologyChannel) error) error {
	return cp.Execute(ctx, func(ch *amqp.Channel) error {
		return fn(ch)
	})
}

// TopologyManager declares exchanges, queues and bindings. Declarations are
// idempotent: a repeat with identical parameters is served from a cache
// without a broker round trip. The cache is dropped whenever the connection is lost.
type TopologyManager struct {
	exec     topologyExecutor
	mu       sync.Mutex
	declared map[string]string
	queues   map[string]contracts.Queue
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	tm := newTopologyManager(pool)
	pool.manager.AddStateListener(tm)
	return tm
}

func newTopologyManager(exec topologyExecutor) *TopologyManager {
	return &TopologyManager{
		exec:     exec,
		declared: make(map[string]string),
		queues:   make(map[string]contracts.Queue),
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology contracts.Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(ctx, queue); err != nil {
			return err
		}
	}

	for _, b := range topology.Bindings {
		if err := tm.BindQueue(ctx, b.Queue, b.Binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange contracts.Exchange) error {
	if err := exchange.Validate(); err != nil {
		return err
	}

	key := "exchange:" + exchange.Name
	fp := fingerprint(exchange.Kind, exchange.Durable, exchange.AutoDelete, exchange.Arguments)
	if tm.cached(key, fp) {
		return nil
	}

	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			string(exchange.Kind),
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			amqp.Table(exchange.Arguments),
		)
	})
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.remember(key, fp)
	return nil
}

// DeclareQueue declares a single queue. Server-named queues (empty name) are never cached.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	key := "queue:" + spec.Name
	fp := fingerprint(spec.Durable, spec.AutoDelete, spec.Exclusive, spec.Arguments)

	if spec.Name != "" {
		tm.mu.Lock()
		if tm.declared[key] == fp {
			q := tm.queues[spec.Name]
			tm.mu.Unlock()
			return q, nil
		}
		tm.mu.Unlock()
	}

	var q amqp.Queue
	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		var err error
		q, err = ch.QueueDeclare(
			spec.Name,
			spec.Durable,
			spec.AutoDelete,
			spec.Exclusive,
			false, // no-wait
			amqp.Table(spec.Arguments),
		)
		return err
	})
	if err != nil {
		return contracts.Queue{}, &TopologyError{
			Component: "queue",
			Name:      spec.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	queue := contracts.Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
	if spec.Name != "" {
		tm.mu.Lock()
		tm.declared[key] = fp
		tm.queues[spec.Name] = queue
		tm.mu.Unlock()
	}

	return queue, nil
}

// BindQueue binds a queue to an exchange
func (tm *TopologyManager) BindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	key := bindingKey(queue, binding)
	if tm.cached(key, "") {
		return nil
	}

	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		return ch.QueueBind(
			queue,
			binding.RoutingKey,
			binding.Exchange,
			binding.NoWait,
			amqp.Table(binding.Arguments),
		)
	})
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, queue),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.remember(key, "")
	return nil
}

// UnbindQueue removes a binding. amqp091 always waits for unbind-ok, so NoWait is ignored here.
func (tm *TopologyManager) UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		return ch.QueueUnbind(
			queue,
			binding.RoutingKey,
			binding.Exchange,
			amqp.Table(binding.Arguments),
		)
	})
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, queue),
			Op:        "unbind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.forget(bindingKey(queue, binding))
	return nil
}

// DeleteQueue deletes a queue and returns the number of purged messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var purged int
	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		var err error
		purged, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
	if err != nil {
		return 0, &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	delete(tm.declared, "queue:"+name)
	delete(tm.queues, name)
	tm.mu.Unlock()

	return purged, nil
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		return ch.ExchangeDelete(name, ifUnused, false)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}

	tm.forget("exchange:" + name)
	return nil
}

// InspectQueue retrieves queue information passively
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (contracts.Queue, error) {
	var q amqp.Queue
	err := tm.exec.executeTopology(ctx, func(ch TopologyChannel) error {
		var err error
		q, err = ch.QueueInspect(name)
		return err
	})
	if err != nil {
		return contracts.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return contracts.Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Reset forgets every cached declaration
func (tm *TopologyManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.declared = make(map[string]string)
	tm.queues = make(map[string]contracts.Queue)
}

// OnConnected implements ConnectionStateListener
func (tm *TopologyManager) OnConnected() {
	tm.Reset()
}

// OnDisconnected implements ConnectionStateListener
func (tm *TopologyManager) OnDisconnected(err error) {
	tm.Reset()
}

// OnReconnecting implements ConnectionStateListener
func (tm *TopologyManager) OnReconnecting(attempt int) {}

func (tm *TopologyManager) cached(key, fp string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	got, ok := tm.declared[key]
	return ok && got == fp
}

func (tm *TopologyManager) remember(key, fp string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.declared[key] = fp
}

func (tm *TopologyManager) forget(key string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.declared, key)
}

func bindingKey(queue string, b contracts.Binding) string {
	return fmt.Sprintf("binding:%s|%s|%s|%v", queue, b.Exchange, b.RoutingKey, b.Arguments)
}

// fingerprint renders declaration parameters; fmt prints maps with sorted keys
func fingerprint(parts ...any) string {
	return fmt.Sprint(parts...)
}
