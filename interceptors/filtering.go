package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/relaymq/messaging"
)

// ErrFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrFiltered = errors.New("message filtered")

// MessageFilter decides whether a delivery reaches the handler
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error) {
	return f(ctx, payload, delivery)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered, so the consumer treats the delivery as failed
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, payload, delivery)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: id=%s routing_key=%s", ErrFiltered, delivery.MessageID(), delivery.Metadata().RoutingKey)
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"messageId", delivery.MessageID(),
				"routingKey", delivery.Metadata().RoutingKey)
		}
		return nil
	}

	return next(ctx, payload, delivery)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, payload, delivery)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, payload, delivery)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter accepts deliveries whose routing key matches one of a set
// of topic patterns. "*" matches one word and "#" zero or more.
type RoutingKeyFilter struct {
	patterns [][]string
}

// NewRoutingKeyFilter creates a routing key filter
func NewRoutingKeyFilter(patterns ...string) *RoutingKeyFilter {
	f := &RoutingKeyFilter{}
	for _, p := range patterns {
		f.patterns = append(f.patterns, strings.Split(p, "."))
	}
	return f
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error) {
	words := strings.Split(delivery.Metadata().RoutingKey, ".")
	for _, p := range f.patterns {
		if matchTopic(p, words) {
			return true, nil
		}
	}
	return false, nil
}

func matchTopic(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchTopic(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchTopic(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && matchTopic(pattern[1:], words[1:])
	}
}

// HeaderFilter accepts deliveries carrying a header with the expected value
type HeaderFilter struct {
	key      string
	expected any
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key string, expected any) *HeaderFilter {
	return &HeaderFilter{key: key, expected: expected}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, payload any, delivery *messaging.AckHandle) (bool, error) {
	v, ok := delivery.Headers()[f.key]
	return ok && v == f.expected, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, payload any, delivery *messaging.AckHandle, next messaging.Handler) error {
	ok, err := i.condition.ShouldProcess(ctx, payload, delivery)
	if err != nil {
		return err
	}

	if ok {
		return i.interceptor.Intercept(ctx, payload, delivery, next)
	}

	return next(ctx, payload, delivery)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
