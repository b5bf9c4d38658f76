package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/internal/reliability"
	"github.com/glimte/relaymq/serialization"
)

// PublishRetry is the producer's retry policy for transmissions
type PublishRetry struct {
	MaxRetries    int
	IntervalStart time.Duration
	IntervalStep  time.Duration
	IntervalMax   time.Duration
	// OnRetry is called with the failure and the wait before every re-attempt
	OnRetry func(err error, interval time.Duration)
}

// DefaultPublishRetry returns two re-attempts waiting 1s then 6s, never more than 10s
func DefaultPublishRetry() PublishRetry {
	return PublishRetry{
		MaxRetries:    2,
		IntervalStart: time.Second,
		IntervalStep:  5 * time.Second,
		IntervalMax:   10 * time.Second,
	}
}

// PrepareFunc customises a payload before it is encoded
type PrepareFunc func(payload any, routingKey string) (any, error)

// Producer publishes messages to one exchange
type Producer struct {
	exchange     contracts.Exchange
	transport    PublishTransport
	codecs       *serialization.Registry
	serializer   string
	sendMode     contracts.SendMode
	expiration   time.Duration
	retry        PublishRetry
	retryEnabled bool
	nonBlocking  bool
	breaker      *gobreaker.CircuitBreaker
	prepare      PrepareFunc
	hooks        *HookRegistry
	metrics      MetricsCollector
	logger       *slog.Logger
	closeTimeout time.Duration

	mu          sync.RWMutex
	closed      bool
	inflight    sync.WaitGroup
	asyncCtx    context.Context
	cancelAsync context.CancelFunc
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithSerializer selects the codec used to encode payloads
func WithSerializer(name string) ProducerOption {
	return func(p *Producer) {
		p.serializer = name
	}
}

// WithCodecs sets the codec registry
func WithCodecs(codecs *serialization.Registry) ProducerOption {
	return func(p *Producer) {
		p.codecs = codecs
	}
}

// WithDefaultSendMode sets the mode used when Send is not given one
func WithDefaultSendMode(mode contracts.SendMode) ProducerOption {
	return func(p *Producer) {
		p.sendMode = mode
	}
}

// WithDefaultExpiration sets the TTL of messages sent without WithExpiration
func WithDefaultExpiration(ttl time.Duration) ProducerOption {
	return func(p *Producer) {
		p.expiration = ttl
	}
}

// WithPublishRetry sets the retry policy
func WithPublishRetry(policy PublishRetry) ProducerOption {
	return func(p *Producer) {
		p.retry = policy
	}
}

// WithRetry enables or disables retrying. Disabled means exactly one attempt per send.
func WithRetry(enabled bool) ProducerOption {
	return func(p *Producer) {
		p.retryEnabled = enabled
	}
}

// WithNonBlockingAcquire makes an attempt fail immediately when no channel is free
func WithNonBlockingAcquire(enabled bool) ProducerOption {
	return func(p *Producer) {
		p.nonBlocking = enabled
	}
}

// WithCircuitBreaker guards transmissions with a circuit breaker
func WithCircuitBreaker(settings gobreaker.Settings) ProducerOption {
	return func(p *Producer) {
		if settings.Name == "" {
			settings.Name = "producer"
		}
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithPrepare installs a payload hook run before encoding
func WithPrepare(fn PrepareFunc) ProducerOption {
	return func(p *Producer) {
		p.prepare = fn
	}
}

// WithProducerHooks sets the hook registry
func WithProducerHooks(hooks *HookRegistry) ProducerOption {
	return func(p *Producer) {
		p.hooks = hooks
	}
}

// WithProducerMetrics sets the metrics collector
func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *Producer) {
		p.metrics = metrics
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight async sends
func WithCloseTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.closeTimeout = timeout
	}
}

// NewProducer creates a producer for exchange
func NewProducer(exchange contracts.Exchange, transport PublishTransport, options ...ProducerOption) (*Producer, error) {
	if transport == nil {
		return nil, contracts.NewConfigurationError("new producer", errors.New("transport is required"))
	}
	if err := exchange.Validate(); err != nil {
		return nil, err
	}
	if exchange.DeliveryMode == 0 {
		exchange.DeliveryMode = contracts.Persistent
	}

	p := &Producer{
		exchange:     exchange,
		transport:    transport,
		codecs:       serialization.Default(),
		serializer:   serialization.DefaultCodec,
		sendMode:     contracts.SendSync,
		retry:        DefaultPublishRetry(),
		retryEnabled: true,
		metrics:      NoOpMetricsCollector{},
		logger:       slog.Default(),
		closeTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if !p.sendMode.Valid() {
		return nil, contracts.NewConfigurationError("new producer", fmt.Errorf("%w: %s", contracts.ErrUnknownSendMode, p.sendMode))
	}
	if _, err := p.codecs.Get(p.serializer); err != nil {
		return nil, contracts.NewConfigurationError("new producer", err)
	}
	if p.metrics == nil {
		p.metrics = NoOpMetricsCollector{}
	}

	p.asyncCtx, p.cancelAsync = context.WithCancel(context.Background())
	return p, nil
}

// Exchange returns the producer's exchange
func (p *Producer) Exchange() contracts.Exchange {
	return p.exchange
}

type sendOptions struct {
	routingKey string
	headers    map[string]any
	mode       contracts.SendMode
	delay      time.Duration
	expiration time.Duration
}

// SendOption configures a single Send
type SendOption func(*sendOptions)

// WithRoutingKey sets the routing key
func WithRoutingKey(key string) SendOption {
	return func(o *sendOptions) {
		o.routingKey = key
	}
}

// WithHeaders adds message headers
func WithHeaders(headers map[string]any) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]any, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithSendMode overrides the producer's send mode
func WithSendMode(mode contracts.SendMode) SendOption {
	return func(o *sendOptions) {
		o.mode = mode
	}
}

// WithDelay waits before transmitting. Async sends wait in the background.
func WithDelay(delay time.Duration) SendOption {
	return func(o *sendOptions) {
		o.delay = delay
	}
}

// WithExpiration sets the message TTL
func WithExpiration(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.expiration = ttl
	}
}

// Send publishes payload. It reports whether the message was transmitted; async
// sends always report true. The error is non-nil only for an invalid send mode.
func (p *Producer) Send(ctx context.Context, payload any, options ...SendOption) (bool, error) {
	opts := sendOptions{mode: p.sendMode, expiration: p.expiration}
	for _, opt := range options {
		opt(&opts)
	}

	if !opts.mode.Valid() {
		return false, contracts.NewConfigurationError("send", fmt.Errorf("%w: %s", contracts.ErrUnknownSendMode, opts.mode))
	}

	env, err := p.envelope(payload, opts)
	if err != nil {
		p.logger.Error("prepare message error",
			"exchange", p.exchange.Name,
			"routingKey", opts.routingKey,
			"error", err)
		p.metrics.RecordSend(p.exchange.Name, false)
		return false, nil
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.logger.Error("send on closed producer", "exchange", p.exchange.Name, "messageId", env.ID)
		p.metrics.RecordSend(p.exchange.Name, false)
		return false, nil
	}

	if opts.mode == contracts.SendAsync {
		p.inflight.Add(1)
		p.mu.RUnlock()

		go func() {
			defer p.inflight.Done()
			actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			defer cancel()
			stop := context.AfterFunc(p.asyncCtx, cancel)
			defer stop()

			p.transmit(actx, env, opts.delay)
		}()
		runtime.Gosched()
		return true, nil
	}
	p.mu.RUnlock()

	return p.transmit(ctx, env, opts.delay), nil
}

// envelope prepares and encodes the payload; nothing is transmitted on failure
func (p *Producer) envelope(payload any, opts sendOptions) (env *contracts.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic preparing message: %v", r)
		}
	}()

	if p.prepare != nil {
		payload, err = p.prepare(payload, opts.routingKey)
		if err != nil {
			return nil, err
		}
	}

	encoded, err := p.codecs.Encode(p.serializer, payload)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]any, len(opts.headers))
	for k, v := range opts.headers {
		headers[k] = v
	}

	return &contracts.Envelope{
		ID:              uuid.New().String(),
		Payload:         payload,
		Body:            encoded.Body,
		RoutingKey:      opts.routingKey,
		Headers:         headers,
		ContentType:     encoded.ContentType,
		ContentEncoding: encoded.ContentEncoding,
		Expiration:      opts.expiration,
		DeliveryMode:    p.exchange.DeliveryMode,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// transmit waits for delay and publishes env through the retry engine
func (p *Producer) transmit(ctx context.Context, env *contracts.Envelope, delay time.Duration) bool {
	if err := wait(ctx, delay); err != nil {
		p.logger.Error("error sending message",
			"exchange", p.exchange.Name,
			"routingKey", env.RoutingKey,
			"messageId", env.ID,
			"error", err)
		p.metrics.RecordSend(p.exchange.Name, false)
		return false
	}

	p.fire(ctx, EventBeforeSend, HookEvent{Exchange: p.exchange.Name, RoutingKey: env.RoutingKey, MessageID: env.ID, Payload: env.Payload})

	attempts := 0
	_, err := reliability.Do(ctx, p.policy(), func(ctx context.Context, attempt int) reliability.Result[struct{}] {
		attempts = attempt
		return p.attempt(ctx, env)
	})

	if err != nil {
		terr := &contracts.TransmissionError{
			Exchange:   p.exchange.Name,
			RoutingKey: env.RoutingKey,
			Attempts:   attempts,
			Err:        err,
			Timestamp:  time.Now(),
		}
		p.logger.Error("error sending message",
			"exchange", p.exchange.Name,
			"routingKey", env.RoutingKey,
			"messageId", env.ID,
			"attempts", attempts,
			"error", terr)
		p.fire(ctx, EventSendFailed, HookEvent{Exchange: p.exchange.Name, RoutingKey: env.RoutingKey, MessageID: env.ID, Payload: env.Payload, Attempts: attempts, Err: terr})
		p.metrics.RecordSend(p.exchange.Name, false)
		return false
	}

	p.logger.Debug("message sent",
		"exchange", p.exchange.Name,
		"routingKey", env.RoutingKey,
		"messageId", env.ID,
		"attempts", attempts)
	p.fire(ctx, EventAfterSend, HookEvent{Exchange: p.exchange.Name, RoutingKey: env.RoutingKey, MessageID: env.ID, Payload: env.Payload, Attempts: attempts})
	p.metrics.RecordSend(p.exchange.Name, true)
	return true
}

func (p *Producer) attempt(ctx context.Context, env *contracts.Envelope) reliability.Result[struct{}] {
	publish := func() error {
		return p.transport.Publish(ctx, p.exchange, env, p.nonBlocking)
	}

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (interface{}, error) {
			return nil, publish()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return reliability.Fatal[struct{}](err)
		}
	} else {
		err = publish()
	}

	if err != nil && ctx.Err() != nil {
		return reliability.Fatal[struct{}](err)
	}
	return reliability.From(struct{}{}, err)
}

func (p *Producer) policy() reliability.Policy {
	policy := reliability.Policy{
		Op:     "publish " + p.exchange.Name,
		Logger: p.logger,
	}
	if !p.retryEnabled {
		return policy
	}

	policy.MaxRetries = p.retry.MaxRetries
	policy.Backoff = reliability.NewIncrementalBackoff(p.retry.IntervalStart, p.retry.IntervalStep, p.retry.IntervalMax)
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		p.metrics.RecordSendRetry(p.exchange.Name)
		if p.retry.OnRetry != nil {
			p.retry.OnRetry(err, delay)
		}
	}
	return policy
}

func (p *Producer) fire(ctx context.Context, event string, data HookEvent) {
	if p.hooks == nil {
		return
	}
	if err := p.hooks.Fire(ctx, event, data); err != nil && !errors.Is(err, ErrUnknownEvent) {
		p.logger.Warn("hook failed", "event", event, "error", err)
	}
}

// Close waits for in-flight async sends, cancelling them after the close
// timeout, then closes the transport
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.closeTimeout):
		p.logger.Warn("cancelling in-flight async sends", "exchange", p.exchange.Name)
		p.cancelAsync()
		<-done
	}
	p.cancelAsync()

	return p.transport.Close()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
