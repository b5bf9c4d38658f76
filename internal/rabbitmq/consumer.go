package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer opens broker consumers on dedicated channels taken from a pool
type Consumer struct {
	pool            *ChannelPool
	prefetchCount   int
	exclusive       bool
	tagPrefix       string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count. Zero means unbounded.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:      pool,
		tagPrefix: "relaymq",
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one active broker consumer
type Subscription struct {
	Queue       string
	ConsumerTag string
	Deliveries  <-chan amqp.Delivery

	consumer *Consumer
	channel  *PooledChannel
	once     sync.Once
}

// Subscribe starts consuming from queue. When noAck is set the broker considers
// every delivery acknowledged as soon as it is sent.
func (c *Consumer) Subscribe(ctx context.Context, queue string, noAck bool) (*Subscription, error) {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.NewString())

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Invalidate(ch)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		noAck,
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Invalidate(ch)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		Deliveries:  deliveries,
		consumer:    c,
		channel:     ch,
	}
	c.activeConsumers.Store(tag, sub)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"noAck", noAck,
	)

	return sub, nil
}

// Cancel stops the broker consumer and discards its channel. Safe to call more than once.
func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		if !s.channel.IsClosed() {
			err = s.channel.Cancel(s.ConsumerTag, false)
		}
		s.consumer.pool.Invalidate(s.channel)
		s.consumer.activeConsumers.Delete(s.ConsumerTag)
		s.consumer.logger.Info("consumer stopped", "queue", s.Queue, "consumerTag", s.ConsumerTag)
	})
	return err
}

// CancelAll stops all active consumers
func (c *Consumer) CancelAll() error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := sub.Cancel(); err != nil {
				c.logger.Error("failed to cancel consumer", "queue", sub.Queue, "error", err)
			}
		}(value.(*Subscription))
		return true
	})

	wg.Wait()
	return nil
}

// GetActiveConsumers returns the queues with an active consumer
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, value.(*Subscription).Queue)
		return true
	})
	return queues
}
