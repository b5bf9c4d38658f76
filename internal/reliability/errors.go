package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonRetryable marks an error that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryError reports an operation that failed on every allowed attempt
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// AttemptsOf returns the number of attempts recorded in err, or 1 when err carries none
func AttemptsOf(err error) int {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 1
}
