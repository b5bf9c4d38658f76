// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relaymq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/glimte/relaymq/config"
	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/health"
	"github.com/glimte/relaymq/internal/rabbitmq"
	"github.com/glimte/relaymq/messaging"
	"github.com/glimte/relaymq/metrics"
	"github.com/glimte/relaymq/serialization"
	rabbitmqTransport "github.com/glimte/relaymq/transports/rabbitmq"
)

// ErrClientClosed is returned by a closed client
var ErrClientClosed = errors.New("client is closed")

// Broker is the transport a client shares between its producers and consumers
type Broker interface {
	messaging.PublishTransport
	messaging.ConsumeTransport
	DeclareTopology(ctx context.Context, topology contracts.Topology) error
}

// Client provides the main entry point for relaymq. It owns one broker
// connection shared by every producer and consumer it creates.
type Client struct {
	settings config.Settings
	logger   *slog.Logger
	broker   Broker
	hooks    *messaging.HookRegistry
	codecs   *serialization.Registry
	metrics  *metrics.Collector
	health   *health.Registry

	mu        sync.Mutex
	producers []*messaging.Producer
	consumers []*messaging.Consumer
	closed    bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	broker        Broker
	hooks         *messaging.HookRegistry
	codecs        *serialization.Registry
	metrics       *metrics.Collector
	transportOpts []rabbitmqTransport.TransportOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithBroker uses broker instead of connecting to RabbitMQ
func WithBroker(broker Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

// WithHooks shares a hook registry between all producers and consumers
func WithHooks(hooks *messaging.HookRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks = hooks
	}
}

// WithCodecs sets the serialization registry
func WithCodecs(codecs *serialization.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codecs = codecs
	}
}

// WithMetrics sets the metrics collector, overriding the metrics settings
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithTransportOptions appends options for the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOpts = append(cfg.transportOpts, opts...)
	}
}

// New validates settings, connects to the first reachable broker and, when a
// topology file is configured, declares it.
func New(ctx context.Context, settings config.Settings, options ...ClientOption) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cfg := &clientConfig{
		logger: slog.Default(),
		hooks:  messaging.NewHookRegistry(),
		codecs: serialization.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.metrics == nil && settings.Metrics.Enabled {
		cfg.metrics = metrics.NewCollector(settings.Metrics.Namespace)
	}

	c := &Client{
		settings: settings,
		logger:   cfg.logger,
		broker:   cfg.broker,
		hooks:    cfg.hooks,
		codecs:   cfg.codecs,
		metrics:  cfg.metrics,
		health:   health.NewRegistry(),
	}

	if c.broker == nil {
		transport, err := rabbitmqTransport.NewTransport(ctx, settings.Broker.URLs, settings.Broker.Alternates,
			append(transportOptions(settings, cfg.logger), cfg.transportOpts...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.broker = transport
		c.registerTransportChecks(transport)
	}

	if settings.TopologyFile != "" {
		topology, err := config.LoadTopology(settings.TopologyFile)
		if err == nil {
			err = c.broker.DeclareTopology(ctx, topology)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to declare topology: %w", err), c.broker.Close())
		}
		c.logger.Info("topology declared",
			"exchanges", len(topology.Exchanges),
			"queues", len(topology.Queues),
			"bindings", len(topology.Bindings))
	}

	return c, nil
}

func transportOptions(settings config.Settings, logger *slog.Logger) []rabbitmqTransport.TransportOption {
	broker := settings.Broker
	return []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithChannelPoolSize(broker.ChannelPoolSize),
		rabbitmqTransport.WithConsumeChannels(broker.ConsumeChannels),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectTimeout(broker.ConnectTimeout),
			rabbitmq.WithReconnectDelay(broker.ReconnectDelay),
			rabbitmq.WithMaxRetries(broker.MaxReconnects),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithConfirmMode(broker.ConfirmMode),
			rabbitmq.WithConfirmTimeout(broker.ConfirmTimeout),
			rabbitmq.WithPublisherLogger(logger),
		),
		rabbitmqTransport.WithConsumerOptions(
			rabbitmq.WithConsumerLogger(logger),
		),
	}
}

func (c *Client) registerTransportChecks(transport *rabbitmqTransport.Transport) {
	c.health.Register(health.NewConnectionChecker("rabbitmq_connection", transport.Manager()))
	c.health.Register(health.NewChannelPoolChecker("rabbitmq_channel_pool", transport.ChannelPool()))
	for _, queue := range c.settings.Queues {
		c.health.Register(health.NewQueueChecker(queue, transport.Topology(), 0))
	}
}

// NewProducer creates a producer for the named exchange using the producer settings
func (c *Client) NewProducer(exchange string, kind contracts.ExchangeKind, options ...messaging.ProducerOption) (*messaging.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	ps := c.settings.Producer
	mode, err := c.settings.SendMode()
	if err != nil {
		return nil, err
	}

	retry := messaging.PublishRetry{
		MaxRetries:    ps.MaxRetries,
		IntervalStart: ps.IntervalStart,
		IntervalStep:  ps.IntervalStep,
		IntervalMax:   ps.IntervalMax,
	}

	opts := []messaging.ProducerOption{
		messaging.WithProducerLogger(c.logger),
		messaging.WithCodecs(c.codecs),
		messaging.WithSerializer(ps.Serializer),
		messaging.WithDefaultSendMode(mode),
		messaging.WithDefaultExpiration(ps.Expiration),
		messaging.WithPublishRetry(retry),
		messaging.WithRetry(ps.Retry),
		messaging.WithNonBlockingAcquire(ps.NonBlocking),
		messaging.WithCloseTimeout(ps.CloseTimeout),
		messaging.WithProducerHooks(c.hooks),
	}
	if c.metrics != nil {
		opts = append(opts, messaging.WithProducerMetrics(c.metrics))
	}

	p, err := messaging.NewProducer(contracts.NewExchange(exchange, kind), borrowed{c.broker}, append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	c.producers = append(c.producers, p)
	return p, nil
}

// NewConsumer creates a consumer using the consumer settings. A health check
// for its run loop is registered under consumer_<n>.
func (c *Client) NewConsumer(options ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	cs := c.settings.Consumer
	handlerType, err := c.settings.HandlerType()
	if err != nil {
		return nil, err
	}

	opts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerCodecs(c.codecs),
		messaging.WithNoAck(cs.NoAck),
		messaging.WithAutoAck(cs.AutoAck),
		messaging.WithAlwaysAck(cs.AlwaysAck),
		messaging.WithRetryTimes(cs.RetryTimes),
		messaging.WithRetryInterval(cs.RetryInterval),
		messaging.WithHandlerType(handlerType),
		messaging.WithPrefetchCount(cs.PrefetchCount),
		messaging.WithPoolSize(cs.PoolSize),
		messaging.WithHandlerTimeout(cs.HandlerTimeout),
		messaging.WithSignals(cs.Signals),
		messaging.WithConsumerHooks(c.hooks),
	}
	if c.metrics != nil {
		opts = append(opts, messaging.WithConsumerMetrics(c.metrics))
	}

	consumer, err := messaging.NewConsumer(borrowed{c.broker}, append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	c.consumers = append(c.consumers, consumer)
	c.health.Register(health.NewConsumerChecker(fmt.Sprintf("consumer_%d", len(c.consumers)), consumer))
	return consumer, nil
}

// DeclareTopology declares exchanges, queues and bindings on the shared broker
func (c *Client) DeclareTopology(ctx context.Context, topology contracts.Topology) error {
	return c.broker.DeclareTopology(ctx, topology)
}

// Hooks returns the hook registry shared by all producers and consumers
func (c *Client) Hooks() *messaging.HookRegistry {
	return c.hooks
}

// Metrics returns the metrics collector, nil when metrics are disabled
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Settings returns the settings the client was built from
func (c *Client) Settings() config.Settings {
	return c.settings
}

// HealthRegistry returns the registry of the client's health checks
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Health runs every registered health check
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Close stops consumers, drains producers and closes the broker connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers, producers := c.consumers, c.producers
	c.mu.Unlock()

	var err error
	for _, consumer := range consumers {
		err = multierr.Append(err, consumer.Close())
	}
	for _, p := range producers {
		err = multierr.Append(err, p.Close())
	}
	return multierr.Append(err, c.broker.Close())
}

// borrowed hands the shared broker to a producer or consumer without letting
// it close the connection
type borrowed struct {
	Broker
}

func (borrowed) Close() error { return nil }
