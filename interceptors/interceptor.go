package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/relaymq/messaging"
)

// Interceptor runs around a consumer handler
type Interceptor interface {
	// Intercept processes a delivery and calls next to continue the chain
	Intercept(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error {
	return i.fn(ctx, payload, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Then wraps handler so that the first interceptor added runs outermost.
// The chain is captured at call time.
func (c *InterceptorChain) Then(handler messaging.Handler) messaging.Handler {
	interceptors := append([]Interceptor(nil), c.interceptors...)

	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, payload any, delivery *messaging.AckHandle) error {
			return interceptor.Intercept(ctx, payload, delivery, next)
		}
	}

	return handler
}

// LoggingInterceptor logs every handler invocation
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error {
	start := time.Now()
	meta := delivery.Metadata()

	i.logger.Debug("processing message",
		"messageId", delivery.MessageID(),
		"queue", meta.Queue,
		"routingKey", meta.RoutingKey,
		"redelivered", meta.Redelivered,
	)

	err := next(ctx, payload, delivery)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("message processing failed",
			"messageId", delivery.MessageID(),
			"queue", meta.Queue,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"messageId", delivery.MessageID(),
			"queue", meta.Queue,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
