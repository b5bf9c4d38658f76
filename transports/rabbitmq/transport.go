package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/internal/rabbitmq"
	"github.com/glimte/relaymq/messaging"
)

// Transport implements messaging.PublishTransport and messaging.ConsumeTransport
// for RabbitMQ. Every transport owns one broker connection.
type Transport struct {
	manager     *rabbitmq.ConnectionManager
	pool        *rabbitmq.ChannelPool
	consumePool *rabbitmq.ChannelPool
	topology    *rabbitmq.TopologyManager
	publisher   *rabbitmq.Publisher
	cfg         *TransportConfig

	mu        sync.Mutex
	consumers map[int]*rabbitmq.Consumer
	closed    bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger            *slog.Logger
	Rand              *rand.Rand
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	ChannelPoolSize   int
	ConsumeChannels   int
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger of the transport and everything it creates
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithRand sets the random source used to pick the primary endpoint
func WithRand(rng *rand.Rand) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Rand = rng
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithChannelPoolSize bounds the channels used for publishing and declarations
func WithChannelPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolSize = size
	}
}

// WithConsumeChannels bounds the number of concurrently open consumers
func WithConsumeChannels(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumeChannels = size
	}
}

// NewTransport picks a primary from urls, connects with failover to the
// remaining urls and the alternates, and prepares the channel pools
func NewTransport(ctx context.Context, urls, alternates []string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger:          slog.Default(),
		ChannelPoolSize: 10,
		ConsumeChannels: 64,
	}
	for _, opt := range options {
		opt(cfg)
	}

	primary, alts, err := rabbitmq.SelectEndpoints(urls, alternates, cfg.Rand)
	if err != nil {
		return nil, err
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithAlternates(alts...),
	}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(primary, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t, err := newTransport(manager, cfg)
	if err != nil {
		manager.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(manager *rabbitmq.ConnectionManager, cfg *TransportConfig) (*Transport, error) {
	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.ChannelPoolSize),
		rabbitmq.WithChannelLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumePool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.ConsumeChannels),
		rabbitmq.WithChannelLogger(cfg.Logger))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create consumer channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)

	return &Transport{
		manager:     manager,
		pool:        pool,
		consumePool: consumePool,
		topology:    topology,
		publisher:   rabbitmq.NewPublisher(pool, topology, pubOpts...),
		cfg:         cfg,
		consumers:   make(map[int]*rabbitmq.Consumer),
	}, nil
}

// Manager returns the connection manager
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// ChannelPool returns the pool used for publishing and declarations
func (t *Transport) ChannelPool() *rabbitmq.ChannelPool {
	return t.pool
}

// Topology returns the topology manager
func (t *Transport) Topology() *rabbitmq.TopologyManager {
	return t.topology
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Publish implements messaging.PublishTransport
func (t *Transport) Publish(ctx context.Context, exchange contracts.Exchange, env *contracts.Envelope, nonBlocking bool) error {
	return t.publisher.Publish(ctx, rabbitmq.PublishRequest{
		Exchange:    exchange,
		RoutingKey:  env.RoutingKey,
		Message:     publishing(env),
		NonBlocking: nonBlocking,
	})
}

// publishing converts an encoded envelope to its AMQP form
func publishing(env *contracts.Envelope) amqp.Publishing {
	var headers amqp.Table
	if len(env.Headers) > 0 {
		headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		DeliveryMode:    uint8(env.DeliveryMode),
		MessageId:       env.ID,
		Timestamp:       env.Timestamp,
		Expiration:      env.ExpirationString(),
		Body:            env.Body,
	}
}

// Consume implements messaging.ConsumeTransport. Each consumer gets its own channel.
func (t *Transport) Consume(ctx context.Context, queue string, options messaging.ConsumeOptions) (messaging.DeliveryStream, error) {
	consumer, err := t.consumerFor(options.PrefetchCount)
	if err != nil {
		return nil, err
	}

	sub, err := consumer.Subscribe(ctx, queue, options.NoAck)
	if err != nil {
		return nil, err
	}

	s := &stream{
		sub:  sub,
		out:  make(chan messaging.TransportDelivery),
		done: make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

// consumerFor returns the internal consumer for a prefetch count; QoS is set per channel
func (t *Transport) consumerFor(prefetch int) (*rabbitmq.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}
	if c, ok := t.consumers[prefetch]; ok {
		return c, nil
	}

	opts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(t.cfg.Logger),
		rabbitmq.WithPrefetchCount(prefetch),
	}, t.cfg.ConsumerOptions...)
	c := rabbitmq.NewConsumer(t.consumePool, opts...)
	t.consumers[prefetch] = c
	return c, nil
}

// DeclareExchange declares an exchange
func (t *Transport) DeclareExchange(ctx context.Context, exchange contracts.Exchange) error {
	return t.topology.DeclareExchange(ctx, exchange)
}

// DeclareQueue implements messaging.ConsumeTransport
func (t *Transport) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	return t.topology.DeclareQueue(ctx, spec)
}

// BindQueue implements messaging.ConsumeTransport
func (t *Transport) BindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return t.topology.BindQueue(ctx, queue, binding)
}

// UnbindQueue implements messaging.ConsumeTransport
func (t *Transport) UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return t.topology.UnbindQueue(ctx, queue, binding)
}

// DeclareTopology declares exchanges, then queues, then bindings
func (t *Transport) DeclareTopology(ctx context.Context, topology contracts.Topology) error {
	return t.topology.DeclareTopology(ctx, topology)
}

// Close cancels consumers and closes the pools and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*rabbitmq.Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	var errs error
	for _, c := range consumers {
		errs = multierr.Append(errs, c.CancelAll())
	}
	errs = multierr.Append(errs, t.consumePool.Close())
	errs = multierr.Append(errs, t.pool.Close())
	errs = multierr.Append(errs, t.manager.Close())
	return errs
}

// stream adapts a subscription to messaging.DeliveryStream
type stream struct {
	sub  *rabbitmq.Subscription
	out  chan messaging.TransportDelivery
	done chan struct{}
	once sync.Once
}

func (s *stream) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.sub.Deliveries:
			if !ok {
				return
			}
			select {
			case s.out <- &delivery{d: d, queue: s.sub.Queue}:
			case <-s.done:
				return
			}
		}
	}
}

// Deliveries implements messaging.DeliveryStream
func (s *stream) Deliveries() <-chan messaging.TransportDelivery {
	return s.out
}

// Cancel implements messaging.DeliveryStream
func (s *stream) Cancel() error {
	s.once.Do(func() { close(s.done) })
	return s.sub.Cancel()
}

// delivery adapts amqp.Delivery to messaging.TransportDelivery
type delivery struct {
	d     amqp.Delivery
	queue string
}

func (d *delivery) Body() []byte            { return d.d.Body }
func (d *delivery) ContentType() string     { return d.d.ContentType }
func (d *delivery) ContentEncoding() string { return d.d.ContentEncoding }
func (d *delivery) MessageID() string       { return d.d.MessageId }

// Headers implements messaging.TransportDelivery
func (d *delivery) Headers() map[string]any {
	if len(d.d.Headers) == 0 {
		return nil
	}
	headers := make(map[string]any, len(d.d.Headers))
	for k, v := range d.d.Headers {
		headers[k] = v
	}
	return headers
}

// Metadata implements messaging.TransportDelivery
func (d *delivery) Metadata() contracts.MessageMetadata {
	return contracts.MessageMetadata{
		Queue:       d.queue,
		Exchange:    d.d.Exchange,
		RoutingKey:  d.d.RoutingKey,
		ConsumerTag: d.d.ConsumerTag,
		DeliveryTag: d.d.DeliveryTag,
		Redelivered: d.d.Redelivered,
	}
}

// Acknowledge implements messaging.TransportDelivery
func (d *delivery) Acknowledge() error {
	return d.d.Ack(false)
}

// Reject implements messaging.TransportDelivery
func (d *delivery) Reject(requeue bool) error {
	return d.d.Nack(false, requeue)
}

var (
	_ messaging.PublishTransport = (*Transport)(nil)
	_ messaging.ConsumeTransport = (*Transport)(nil)
)
