// Package reliability provides the retry/backoff engine shared by producers and consumers.
//
// An operation reports the outcome of every attempt as a Result: Success, Retryable or
// Fatal. Do keeps re-running Retryable failures until the Policy is exhausted, waiting
// between attempts according to a Backoff (FixedDelay, IncrementalBackoff or
// ExponentialBackoff). Fatal failures, including explicit termination requests, are
// returned immediately.
//
// Example usage:
//
//	policy := reliability.Policy{
//	    Op:         "publish",
//	    MaxRetries: 2,
//	    Backoff:    reliability.NewIncrementalBackoff(time.Second, 5*time.Second, 10*time.Second),
//	}
//
//	err := reliability.Run(ctx, policy, func(ctx context.Context) error {
//	    return publishOnce(ctx)
//	})
package reliability
