package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/relaymq/contracts"
)

// Backoff computes the wait before a re-attempt
type Backoff interface {
	// NextDelay returns the delay before retry number retry (0 for the first re-attempt)
	NextDelay(retry int) time.Duration
}

// BackoffFunc adapts a function to Backoff
type BackoffFunc func(retry int) time.Duration

// NextDelay implements Backoff
func (f BackoffFunc) NextDelay(retry int) time.Duration {
	return f(retry)
}

// FixedDelay waits the same interval before every re-attempt
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a fixed delay backoff
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(retry int) time.Duration {
	return f.Delay
}

// IncrementalBackoff starts at Start and grows by Step per retry, capped at Max
type IncrementalBackoff struct {
	Start time.Duration
	Step  time.Duration
	Max   time.Duration
}

// NewIncrementalBackoff creates an incremental backoff
func NewIncrementalBackoff(start, step, max time.Duration) *IncrementalBackoff {
	return &IncrementalBackoff{Start: start, Step: step, Max: max}
}

// NextDelay implements Backoff
func (b *IncrementalBackoff) NextDelay(retry int) time.Duration {
	delay := b.Start + time.Duration(retry)*b.Step
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// ExponentialBackoff implements exponential backoff with optional jitter
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff with jitter enabled
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(retry int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(retry))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Policy bounds the number of re-attempts of an operation
type Policy struct {
	// Op names the operation in logs and errors
	Op string
	// MaxRetries is the number of re-attempts after the first try. Zero means exactly one attempt.
	MaxRetries int
	// Backoff computes the wait between attempts. Nil means no wait.
	Backoff Backoff
	// OnRetry is called before every re-attempt with the causing error and the chosen delay
	OnRetry func(retry int, err error, delay time.Duration)
	// Logger receives a warning before every re-attempt. Nil uses slog.Default().
	Logger *slog.Logger
}

// NoRetry is a policy performing exactly one attempt
func NoRetry(op string) Policy {
	return Policy{Op: op}
}

// FixedPolicy retries maxRetries times waiting interval in between
func FixedPolicy(op string, maxRetries int, interval time.Duration) Policy {
	return Policy{
		Op:         op,
		MaxRetries: maxRetries,
		Backoff:    NewFixedDelay(interval),
	}
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Result is the outcome of one attempt
type Result[T any] struct {
	value T
	err   error
	fatal bool
}

// Success reports a successful attempt
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Retryable reports a failure that may be retried
func Retryable[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Fatal reports a failure that must not be retried
func Fatal[T any](err error) Result[T] {
	return Result[T]{err: err, fatal: true}
}

// From classifies a conventional (value, error) pair. Termination requests and errors
// marked non-retryable are fatal, every other error is retryable.
func From[T any](v T, err error) Result[T] {
	switch {
	case err == nil:
		return Success(v)
	case !IsRetryableError(err):
		return Fatal[T](err)
	default:
		return Retryable[T](err)
	}
}

// Value returns the attempt's value
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the attempt's error
func (r Result[T]) Err() error {
	return r.err
}

// IsFatal reports whether the attempt failed fatally
func (r Result[T]) IsFatal() bool {
	return r.err != nil && r.fatal
}

// Do runs fn until it succeeds, fails fatally or the policy is exhausted.
// attempt starts at 1. A fatal failure is returned unchanged; exhaustion is
// reported as a *RetryError wrapping the last failure.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) Result[T]) (T, error) {
	var zero T
	start := time.Now()
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		res := fn(ctx, attempt)
		if res.err == nil {
			return res.value, nil
		}
		if res.fatal {
			return zero, res.err
		}

		retry := attempt - 1
		if retry >= maxRetries {
			return zero, &RetryError{
				Op:          policy.Op,
				Attempts:    attempt,
				MaxAttempts: maxRetries + 1,
				LastError:   res.err,
				Duration:    time.Since(start),
			}
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff.NextDelay(retry)
		}

		policy.logger().Warn("retrying operation",
			"op", policy.Op,
			"attempt", attempt+1,
			"maxAttempts", maxRetries+1,
			"delay", delay,
			"error", res.err,
		)
		if policy.OnRetry != nil {
			policy.OnRetry(retry+1, res.err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Run is Do for operations without a result value
func Run(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context, _ int) Result[struct{}] {
		return From(struct{}{}, fn(ctx))
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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

// IsRetryableError determines if an error may be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if contracts.IsTermination(err) {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to state whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
