package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/relaymq/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errPublishNacked = errors.New("rabbitmq: publish was nacked by the broker")

// Publisher performs single publish attempts on pooled channels.
// Retrying is left to the caller.
type Publisher struct {
	pool           *ChannelPool
	topology       *TopologyManager
	confirm        bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher. Exchanges are declared through topology on first use.
func NewPublisher(pool *ChannelPool, topology *TopologyManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		topology:       topology,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishRequest is one message to publish
type PublishRequest struct {
	Exchange   contracts.Exchange
	RoutingKey string
	Message    amqp.Publishing
	// NonBlocking fails with ErrChannelPoolExhausted instead of waiting for a channel
	NonBlocking bool
}

// Publish makes exactly one attempt. The channel is returned to the pool on
// success and discarded on any failure.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) error {
	exchange := req.Exchange.Name

	if exchange != "" && p.topology != nil {
		if err := p.topology.DeclareExchange(ctx, req.Exchange); err != nil {
			return &PublishError{Exchange: exchange, RoutingKey: req.RoutingKey, Err: err, Timestamp: time.Now()}
		}
	}

	var ch *PooledChannel
	var err error
	if req.NonBlocking {
		ch, err = p.pool.TryGet()
	} else {
		ch, err = p.pool.Get(ctx)
	}
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: req.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	if err := p.publishOn(ctx, ch, exchange, req.RoutingKey, req.Message); err != nil {
		p.pool.Invalidate(ch)
		p.logger.Debug("publish attempt failed",
			"exchange", exchange,
			"routingKey", req.RoutingKey,
			"channel", ch.id,
			"error", err)
		return &PublishError{Exchange: exchange, RoutingKey: req.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	p.pool.Put(ch)
	return nil
}

func (p *Publisher) publishOn(ctx context.Context, ch *PooledChannel, exchange, routingKey string, msg amqp.Publishing) error {
	if p.confirm && !ch.confirming {
		if err := ch.handle.Confirm(false); err != nil {
			return err
		}
		ch.confirming = true
	}

	dc, err := ch.handle.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		return err
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}
