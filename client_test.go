package relaymq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaymq/config"
	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/health"
	"github.com/glimte/relaymq/internal/rabbitmq"
	"github.com/glimte/relaymq/messaging"
	"github.com/glimte/relaymq/metrics"
	rabbitmqTransport "github.com/glimte/relaymq/transports/rabbitmq"
)

type memoryStream struct {
	ch chan messaging.TransportDelivery
}

func (s *memoryStream) Deliveries() <-chan messaging.TransportDelivery { return s.ch }
func (s *memoryStream) Cancel() error                                  { return nil }

type memoryBroker struct {
	mu         sync.Mutex
	published  []*contracts.Envelope
	topologies []contracts.Topology
	closes     int
}

func (b *memoryBroker) Publish(ctx context.Context, exchange contracts.Exchange, env *contracts.Envelope, nonBlocking bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *memoryBroker) Consume(ctx context.Context, queue string, options messaging.ConsumeOptions) (messaging.DeliveryStream, error) {
	return &memoryStream{ch: make(chan messaging.TransportDelivery)}, nil
}

func (b *memoryBroker) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	return contracts.Queue{Name: spec.Name}, nil
}

func (b *memoryBroker) BindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return nil
}

func (b *memoryBroker) UnbindQueue(ctx context.Context, queue string, binding contracts.Binding) error {
	return nil
}

func (b *memoryBroker) DeclareTopology(ctx context.Context, topology contracts.Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topologies = append(b.topologies, topology)
	return nil
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	settings, err := config.Load()
	require.NoError(t, err)
	settings.Consumer.Signals = false
	return *settings
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	settings := testSettings(t)
	settings.Broker.URLs = nil

	_, err := New(context.Background(), settings, WithBroker(&memoryBroker{}))

	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.ErrorIs(t, err, contracts.ErrEmptyEndpoints)
}

func TestNewFailsWhenNoEndpointIsReachable(t *testing.T) {
	settings := testSettings(t)
	settings.Broker.URLs = []string{"amqp://a:5672/", "amqp://b:5672/"}

	var dialed []string
	dialer := func(url string) (*amqp.Connection, error) {
		dialed = append(dialed, url)
		return nil, errors.New("connection refused")
	}

	_, err := New(context.Background(), settings, WithTransportOptions(
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithDialer(dialer), rabbitmq.WithMaxRetries(0)),
	))

	require.Error(t, err)
	assert.Len(t, dialed, 2)
}

func TestClientProducer(t *testing.T) {
	broker := &memoryBroker{}
	collector := metrics.NewCollector("test")
	client, err := New(context.Background(), testSettings(t), WithBroker(broker), WithMetrics(collector))
	require.NoError(t, err)

	producer, err := client.NewProducer("orders", contracts.ExchangeTopic)
	require.NoError(t, err)

	sent, err := producer.Send(context.Background(), map[string]any{"id": 1}, messaging.WithRoutingKey("order.created"))
	require.NoError(t, err)
	assert.True(t, sent)

	require.Len(t, broker.published, 1)
	assert.Equal(t, "order.created", broker.published[0].RoutingKey)
	assert.Equal(t, "application/json", broker.published[0].ContentType)
	count, err := testutil.GatherAndCount(collector.Registry(), "test_sends_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, producer.Close())
	assert.Zero(t, broker.closes, "a producer must not close the shared broker")
}

func TestClientConsumerHealth(t *testing.T) {
	client, err := New(context.Background(), testSettings(t), WithBroker(&memoryBroker{}))
	require.NoError(t, err)
	defer client.Close()

	consumer, err := client.NewConsumer()
	require.NoError(t, err)
	assert.Equal(t, messaging.DefaultPoolSize, consumer.PoolSize())
	assert.Equal(t, []string{"consumer_1"}, client.HealthRegistry().Names())

	result := client.Health(context.Background())
	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Equal(t, "consumer is not running", result.Checks["consumer_1"].Message)
}

func TestClientAppliesSettings(t *testing.T) {
	settings := testSettings(t)
	settings.Producer.SendMode = "later"

	_, err := New(context.Background(), settings, WithBroker(&memoryBroker{}))
	assert.ErrorIs(t, err, contracts.ErrConfiguration)

	settings = testSettings(t)
	settings.Metrics.Enabled = false
	client, err := New(context.Background(), settings, WithBroker(&memoryBroker{}))
	require.NoError(t, err)
	assert.Nil(t, client.Metrics())
	assert.NotNil(t, client.Hooks())
}

func TestClientDeclaresTopologyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	doc := "exchanges:\n  - name: orders\n    type: topic\nqueues:\n  - name: orders.created\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	settings := testSettings(t)
	settings.TopologyFile = path
	broker := &memoryBroker{}

	client, err := New(context.Background(), settings, WithBroker(broker))
	require.NoError(t, err)
	defer client.Close()

	require.Len(t, broker.topologies, 1)
	assert.Equal(t, "orders", broker.topologies[0].Exchanges[0].Name)
	assert.Equal(t, "orders.created", broker.topologies[0].Queues[0].Name)
}

func TestClientBadTopologyFileClosesBroker(t *testing.T) {
	settings := testSettings(t)
	settings.TopologyFile = filepath.Join(t.TempDir(), "missing.yaml")
	broker := &memoryBroker{}

	_, err := New(context.Background(), settings, WithBroker(broker))

	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.Equal(t, 1, broker.closes)
}

func TestClientClose(t *testing.T) {
	broker := &memoryBroker{}
	client, err := New(context.Background(), testSettings(t), WithBroker(broker))
	require.NoError(t, err)

	_, err = client.NewProducer("orders", contracts.ExchangeDirect)
	require.NoError(t, err)
	_, err = client.NewConsumer()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, broker.closes)

	_, err = client.NewProducer("orders", contracts.ExchangeDirect)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = client.NewConsumer()
	assert.ErrorIs(t, err, ErrClientClosed)
}
