package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/internal/reliability"
	"github.com/glimte/relaymq/serialization"
)

var (
	// ErrConsumerRunning is returned when listeners change while the run loop is active
	ErrConsumerRunning = errors.New("messaging: consumer is running")
	// ErrDeliveryStreamClosed is returned by Run when the broker closed a consumer
	ErrDeliveryStreamClosed = errors.New("messaging: delivery stream closed")
)

// DefaultPoolSize bounds concurrently running pooled handlers
const DefaultPoolSize = 50

// Handler processes one decoded message. The delivery gives access to the raw
// message and, when auto-ack is off, to manual acknowledgment.
type Handler func(ctx context.Context, payload any, delivery *AckHandle) error

// ErrorHandler is called once a handler failed on every allowed attempt
type ErrorHandler func(ctx context.Context, payload any, delivery *AckHandle, err error)

// ListenerRetry is the per-message retry policy of a listener
type ListenerRetry struct {
	MaxRetries int
	Interval   time.Duration
}

// Registration binds a handler to a queue. It is fixed once the run loop starts.
type Registration struct {
	Queue       string
	Handler     Handler
	NoAck       bool
	AutoAck     bool
	AlwaysAck   bool
	Retry       ListenerRetry
	HandlerType contracts.HandlerType
	OnError     ErrorHandler
	Accept      []string
	// Bound handlers can reach their consumer with ConsumerFromContext
	Bound bool
}

// Consumer dispatches deliveries from one or more queues to handlers
type Consumer struct {
	transport      ConsumeTransport
	codecs         *serialization.Registry
	defaults       Registration
	prefetchCount  int
	poolSize       int
	handlerTimeout time.Duration
	drainTimeout   time.Duration
	signals        bool
	hooks          *HookRegistry
	metrics        MetricsCollector
	logger         *slog.Logger

	mu            sync.Mutex
	registrations []*Registration
	running       bool
	cancelRun     context.CancelFunc
	done          chan struct{}
	shouldStop    atomic.Bool
	inFlight      atomic.Int64
	sigCh         chan os.Signal
}

// DefaultDrainTimeout bounds how long Close waits for the run loop to drain
const DefaultDrainTimeout = 30 * time.Second

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithNoAck sets the default no-ack mode of listeners
func WithNoAck(noAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.NoAck = noAck
	}
}

// WithAutoAck sets whether listeners ack after a successful handler by default
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.AutoAck = autoAck
	}
}

// WithAlwaysAck sets whether listeners ack regardless of the handler outcome by default
func WithAlwaysAck(alwaysAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.AlwaysAck = alwaysAck
	}
}

// WithOnError sets the default error handler
func WithOnError(fn ErrorHandler) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.OnError = fn
	}
}

// WithRetryTimes sets the default number of handler re-attempts
func WithRetryTimes(times int) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.Retry.MaxRetries = times
	}
}

// WithRetryInterval sets the default wait between handler attempts
func WithRetryInterval(interval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.Retry.Interval = interval
	}
}

// WithHandlerType sets the default dispatch mode
func WithHandlerType(t contracts.HandlerType) ConsumerOption {
	return func(c *Consumer) {
		c.defaults.HandlerType = t
	}
}

// WithPrefetchCount sets the broker prefetch count. Zero means unbounded.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithPoolSize bounds concurrently running pooled handlers
func WithPoolSize(size int) ConsumerOption {
	return func(c *Consumer) {
		c.poolSize = size
	}
}

// WithHandlerTimeout sets a deadline on every handler invocation. Zero disables it.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight handlers
func WithDrainTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.drainTimeout = timeout
	}
}

// WithSignals controls whether Run installs SIGINT/SIGTERM/SIGQUIT handling
func WithSignals(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.signals = enabled
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerCodecs sets the codec registry used to decode bodies
func WithConsumerCodecs(codecs *serialization.Registry) ConsumerOption {
	return func(c *Consumer) {
		c.codecs = codecs
	}
}

// WithConsumerHooks sets the hook registry
func WithConsumerHooks(hooks *HookRegistry) ConsumerOption {
	return func(c *Consumer) {
		c.hooks = hooks
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// NewConsumer creates a consumer
func NewConsumer(transport ConsumeTransport, options ...ConsumerOption) (*Consumer, error) {
	if transport == nil {
		return nil, contracts.NewConfigurationError("new consumer", errors.New("transport is required"))
	}

	c := &Consumer{
		transport: transport,
		codecs:    serialization.Default(),
		defaults: Registration{
			AutoAck:     true,
			HandlerType: contracts.HandlerSync,
			Retry:       ListenerRetry{Interval: time.Second},
		},
		poolSize:     DefaultPoolSize,
		drainTimeout: DefaultDrainTimeout,
		signals:      true,
		metrics:      NoOpMetricsCollector{},
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.poolSize <= 0 {
		return nil, contracts.NewConfigurationError("new consumer", fmt.Errorf("pool size must be positive, got %d", c.poolSize))
	}
	if c.prefetchCount < 0 {
		return nil, contracts.NewConfigurationError("new consumer", fmt.Errorf("prefetch count must not be negative, got %d", c.prefetchCount))
	}
	if c.metrics == nil {
		c.metrics = NoOpMetricsCollector{}
	}

	return c, nil
}

// ListenerOption overrides a consumer default for one listener
type ListenerOption func(*Registration)

// ListenNoAck overrides the no-ack mode
func ListenNoAck(noAck bool) ListenerOption {
	return func(r *Registration) { r.NoAck = noAck }
}

// ListenAutoAck overrides auto-ack
func ListenAutoAck(autoAck bool) ListenerOption {
	return func(r *Registration) { r.AutoAck = autoAck }
}

// ListenAlwaysAck overrides always-ack
func ListenAlwaysAck(alwaysAck bool) ListenerOption {
	return func(r *Registration) { r.AlwaysAck = alwaysAck }
}

// ListenOnError overrides the error handler
func ListenOnError(fn ErrorHandler) ListenerOption {
	return func(r *Registration) { r.OnError = fn }
}

// ListenHandlerType overrides the dispatch mode
func ListenHandlerType(t contracts.HandlerType) ListenerOption {
	return func(r *Registration) { r.HandlerType = t }
}

// ListenRetry overrides the retry policy
func ListenRetry(maxRetries int, interval time.Duration) ListenerOption {
	return func(r *Registration) { r.Retry = ListenerRetry{MaxRetries: maxRetries, Interval: interval} }
}

// ListenAccept sets the accepted codecs; json is always accepted
func ListenAccept(accept ...string) ListenerOption {
	return func(r *Registration) { r.Accept = append([]string(nil), accept...) }
}

// ListenBound makes the consumer available to the handler through ConsumerFromContext
func ListenBound() ListenerOption {
	return func(r *Registration) { r.Bound = true }
}

// AddListener registers handler for queue
func (c *Consumer) AddListener(queue string, handler Handler, options ...ListenerOption) error {
	if queue == "" {
		return contracts.NewConfigurationError("add listener", errors.New("queue name is required"))
	}
	if handler == nil {
		return contracts.NewConfigurationError("add listener", fmt.Errorf("queue %s: handler is required", queue))
	}

	reg := c.defaults
	reg.Queue = queue
	reg.Handler = handler
	reg.Accept = append([]string(nil), c.defaults.Accept...)
	for _, opt := range options {
		opt(&reg)
	}

	if !reg.HandlerType.Valid() {
		c.logger.Warn("invalid handler type, using sync", "queue", queue, "handlerType", int(reg.HandlerType))
		reg.HandlerType = contracts.HandlerSync
	}
	if reg.Retry.MaxRetries < 0 {
		reg.Retry.MaxRetries = 0
	}
	if !containsCodec(reg.Accept, serialization.DefaultCodec) {
		reg.Accept = append(reg.Accept, serialization.DefaultCodec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrConsumerRunning
	}
	c.registrations = append(c.registrations, &reg)
	return nil
}

// Listeners returns a copy of the registrations
func (c *Consumer) Listeners() []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Registration, len(c.registrations))
	for i, r := range c.registrations {
		out[i] = *r
	}
	return out
}

// Running reports whether the run loop is active
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InFlight returns the number of handlers currently executing
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// PoolSize returns the pooled dispatch capacity
func (c *Consumer) PoolSize() int {
	return c.poolSize
}

// DeclareQueue declares a queue
func (c *Consumer) DeclareQueue(ctx context.Context, spec contracts.QueueSpec) (contracts.Queue, error) {
	return c.transport.DeclareQueue(ctx, spec)
}

// BindQueue binds queue to every binding in order
func (c *Consumer) BindQueue(ctx context.Context, queue string, bindings []contracts.Binding) error {
	for _, b := range bindings {
		if err := c.transport.BindQueue(ctx, queue, b); err != nil {
			return err
		}
	}
	return nil
}

// UnbindQueue removes every binding in order
func (c *Consumer) UnbindQueue(ctx context.Context, queue string, bindings []contracts.Binding) error {
	for _, b := range bindings {
		if err := c.transport.UnbindQueue(ctx, queue, b); err != nil {
			return err
		}
	}
	return nil
}

// Stop asks the run loop to exit after the current delivery
func (c *Consumer) Stop() {
	c.shouldStop.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// Close stops the run loop and waits, up to the drain timeout, for in-flight
// handlers to acknowledge before it uninstalls signal handling and closes the
// transport. Run may be called again afterwards when the transport outlives Close.
func (c *Consumer) Close() error {
	c.Stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	drained := true
	if done != nil {
		timer := time.NewTimer(c.drainTimeout)
		select {
		case <-done:
		case <-timer.C:
			drained = false
			c.logger.Warn("consumer did not drain before close", "timeout", c.drainTimeout, "inFlight", c.InFlight())
		}
		timer.Stop()
	}
	if drained {
		c.shouldStop.Store(false)
	}

	c.mu.Lock()
	if c.sigCh != nil {
		signal.Stop(c.sigCh)
		close(c.sigCh)
		c.sigCh = nil
	}
	c.mu.Unlock()

	return c.transport.Close()
}

type inbound struct {
	reg      *Registration
	delivery TransportDelivery
}

// Run consumes until ctx is cancelled, Stop is called, a stop signal arrives,
// a handler requests termination or a delivery stream closes. In-flight pooled
// handlers are awaited before Run returns. A handler's termination error and
// ErrDeliveryStreamClosed are returned; every other stop returns nil.
func (c *Consumer) Run(ctx context.Context) (runErr error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrConsumerRunning
	}
	if len(c.registrations) == 0 {
		c.mu.Unlock()
		return contracts.NewConfigurationError("run consumer", errors.New("no listeners registered"))
	}
	regs := append([]*Registration(nil), c.registrations...)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.cancelRun = cancel
	c.done = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancelRun = nil
		c.done = nil
		c.mu.Unlock()
		c.shouldStop.Store(false)
		close(done)
	}()
	defer cancel()

	if c.shouldStop.Load() {
		return nil
	}

	if c.signals {
		c.installSignals()
	}

	streams := make([]DeliveryStream, 0, len(regs))
	cancelStreams := func() error {
		var errs error
		for _, s := range streams {
			errs = multierr.Append(errs, s.Cancel())
		}
		return errs
	}

	for _, reg := range regs {
		stream, err := c.transport.Consume(runCtx, reg.Queue, ConsumeOptions{PrefetchCount: c.prefetchCount, NoAck: reg.NoAck})
		if err != nil {
			if cerr := cancelStreams(); cerr != nil {
				c.logger.Warn("failed to cancel consumers", "error", cerr)
			}
			return fmt.Errorf("consume %s: %w", reg.Queue, err)
		}
		streams = append(streams, stream)
		c.logger.Info("listening", "queue", reg.Queue, "handlerType", reg.HandlerType.String(), "noAck", reg.NoAck)
	}

	in := make(chan inbound)
	closed := make(chan string, len(streams))
	var forwarders sync.WaitGroup
	for i, stream := range streams {
		forwarders.Add(1)
		go func(reg *Registration, deliveries <-chan TransportDelivery) {
			defer forwarders.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						select {
						case closed <- reg.Queue:
						default:
						}
						return
					}
					select {
					case in <- inbound{reg: reg, delivery: d}:
					case <-runCtx.Done():
						c.requeue(reg, d)
						return
					}
				}
			}
		}(regs[i], stream.Deliveries())
	}

	sem := semaphore.NewWeighted(int64(c.poolSize))
	terminate := make(chan error, 1)
	var handlers sync.WaitGroup

	// handlers outlive Stop so that in-flight work completes
	handlerCtx := ctx

loop:
	for !c.shouldStop.Load() {
		select {
		case <-runCtx.Done():
			break loop
		case err := <-terminate:
			runErr = err
			break loop
		case queue := <-closed:
			if runCtx.Err() == nil {
				runErr = &ConsumerError{Queue: queue, Err: ErrDeliveryStreamClosed}
			}
			break loop
		case msg := <-in:
			if err := c.dispatch(runCtx, handlerCtx, msg, sem, &handlers, terminate); err != nil {
				runErr = err
				break loop
			}
		}
	}

	cancel()
	forwarders.Wait()
	// streams stay open until pooled handlers have acknowledged
	handlers.Wait()

	if runErr == nil {
		select {
		case err := <-terminate:
			runErr = err
		default:
		}
	}

	if err := cancelStreams(); err != nil {
		c.logger.Warn("failed to cancel consumers", "error", err)
	}

	c.logger.Info("consumer stopped", "error", runErr)
	return runErr
}

// dispatch runs inline registrations on the drain loop and pooled ones on a
// goroutine once a pool slot is free
func (c *Consumer) dispatch(runCtx, handlerCtx context.Context, msg inbound, sem *semaphore.Weighted, handlers *sync.WaitGroup, terminate chan<- error) error {
	handle := NewAckHandle(msg.delivery)
	if msg.reg.NoAck {
		handle.markResolved()
	}

	if msg.reg.HandlerType != contracts.HandlerAsync {
		return c.process(handlerCtx, msg.reg, handle)
	}

	if err := sem.Acquire(runCtx, 1); err != nil {
		c.requeue(msg.reg, msg.delivery)
		return nil
	}

	handlers.Add(1)
	go func() {
		defer handlers.Done()
		defer sem.Release(1)

		if err := c.process(handlerCtx, msg.reg, handle); err != nil {
			select {
			case terminate <- err:
			default:
			}
		}
	}()
	return nil
}

// requeue hands a delivery that was never dispatched back to the broker
func (c *Consumer) requeue(reg *Registration, d TransportDelivery) {
	if reg.NoAck {
		return
	}
	if err := d.Reject(true); err != nil {
		c.logger.Warn("failed to requeue undispatched message", "queue", reg.Queue, "messageId", d.MessageID(), "error", err)
	}
}

// process decodes, invokes with retry and acknowledges one delivery.
// It returns an error only when the handler requested termination.
func (c *Consumer) process(ctx context.Context, reg *Registration, handle *AckHandle) error {
	queue := reg.Queue
	start := time.Now()

	c.inFlight.Add(1)
	c.metrics.HandlerStarted(queue)
	defer func() {
		c.inFlight.Add(-1)
		c.metrics.HandlerFinished(queue)
	}()

	payload, err := c.codecs.Decode(handle.Body(), handle.ContentType(), reg.Accept)
	if err != nil {
		c.logger.Error("cannot decode message, discarding",
			"queue", queue,
			"messageId", handle.MessageID(),
			"contentType", handle.ContentType(),
			"error", err)
		if !reg.NoAck {
			c.tryAck(queue, handle)
		}
		c.metrics.RecordHandled(queue, ResultDiscarded, time.Since(start))
		return nil
	}

	if reg.Bound {
		ctx = context.WithValue(ctx, consumerKey{}, c)
	}

	event := HookEvent{Queue: queue, MessageID: handle.MessageID(), Payload: payload, RoutingKey: handle.Metadata().RoutingKey}
	c.fire(ctx, EventBeforeHandle, event)

	attempts := 0
	_, err = reliability.Do(ctx, c.retryPolicy(reg), func(ctx context.Context, attempt int) reliability.Result[struct{}] {
		attempts = attempt
		return reliability.From(struct{}{}, c.invoke(ctx, reg, payload, handle))
	})
	event.Attempts = attempts

	switch {
	case err == nil:
		if !reg.NoAck && (reg.AutoAck || reg.AlwaysAck) {
			c.tryAck(queue, handle)
		}
		c.metrics.RecordHandled(queue, ResultSuccess, time.Since(start))
		c.fire(ctx, EventAfterHandle, event)
		return nil

	case contracts.IsTermination(err):
		c.logger.Warn("handler requested termination",
			"queue", queue,
			"messageId", handle.MessageID(),
			"error", err)
		c.metrics.RecordHandled(queue, ResultTerminate, time.Since(start))
		return err

	default:
		herr := &contracts.HandlerError{
			Queue:     queue,
			MessageID: handle.MessageID(),
			Attempts:  attempts,
			Err:       err,
		}
		if reg.OnError != nil {
			c.callOnError(ctx, reg, payload, handle, herr)
		} else {
			c.logger.Error("error when processing message",
				"queue", queue,
				"messageId", handle.MessageID(),
				"attempts", attempts,
				"error", err)
		}
		if !reg.NoAck && reg.AlwaysAck {
			c.tryAck(queue, handle)
		}
		c.metrics.RecordHandled(queue, ResultFailure, time.Since(start))
		event.Err = herr
		c.fire(ctx, EventHandlerFailed, event)
		return nil
	}
}

// invoke calls the handler once, converting panics into errors
func (c *Consumer) invoke(ctx context.Context, reg *Registration, payload any, handle *AckHandle) (err error) {
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return reg.Handler(ctx, payload, handle)
}

func (c *Consumer) callOnError(ctx context.Context, reg *Registration, payload any, handle *AckHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error handler panic", "queue", reg.Queue, "panic", r)
		}
	}()
	reg.OnError(ctx, payload, handle, err)
}

func (c *Consumer) retryPolicy(reg *Registration) reliability.Policy {
	policy := reliability.FixedPolicy("handle "+reg.Queue, reg.Retry.MaxRetries, reg.Retry.Interval)
	policy.Logger = c.logger
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		c.metrics.RecordHandlerRetry(reg.Queue)
	}
	return policy
}

// tryAck acknowledges handle, logging instead of failing when it was already resolved
func (c *Consumer) tryAck(queue string, handle *AckHandle) bool {
	if err := handle.Ack(); err != nil {
		if errors.Is(err, contracts.ErrAckState) {
			c.logger.Error("message is already acknowledged", "queue", queue, "messageId", handle.MessageID())
		} else {
			c.logger.Error("failed to ack message", "queue", queue, "messageId", handle.MessageID(), "error", err)
		}
		c.metrics.RecordAck(queue, false)
		return false
	}
	c.metrics.RecordAck(queue, true)
	return true
}

func (c *Consumer) fire(ctx context.Context, event string, data HookEvent) {
	if c.hooks == nil {
		return
	}
	if err := c.hooks.Fire(ctx, event, data); err != nil && !errors.Is(err, ErrUnknownEvent) {
		c.logger.Warn("hook failed", "event", event, "error", err)
	}
}

// installSignals resets inherited handlers and turns stop signals into Stop.
// Handling stays installed until Close.
func (c *Consumer) installSignals() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigCh != nil {
		return
	}

	signal.Reset(resetSignals...)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, stopSignals...)
	c.sigCh = ch

	go func() {
		for sig := range ch {
			c.logger.Info("got signal, stop consumer", "signal", sig.String())
			c.Stop()
		}
	}()
}

type consumerKey struct{}

// ConsumerFromContext returns the consumer running a bound handler
func ConsumerFromContext(ctx context.Context) (*Consumer, bool) {
	c, ok := ctx.Value(consumerKey{}).(*Consumer)
	return c, ok
}

// ConsumerError reports a consumer-level failure of the run loop
type ConsumerError struct {
	Queue string
	Err   error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer error on queue %s: %v", e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

func containsCodec(accept []string, name string) bool {
	for _, a := range accept {
		if a == name {
			return true
		}
	}
	return false
}
