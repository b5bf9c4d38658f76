package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration marks errors that are fatal at construction or call time
	ErrConfiguration = errors.New("relaymq: configuration error")
	// ErrEmptyEndpoints is returned when no broker endpoint was supplied
	ErrEmptyEndpoints = errors.New("relaymq: endpoint set is empty")
	// ErrUnknownSendMode is returned for a send mode other than sync or async
	ErrUnknownSendMode = errors.New("relaymq: unknown send mode")

	// ErrTransmission marks publish-time failures
	ErrTransmission = errors.New("relaymq: transmission failed")
	// ErrSerialization marks payloads the serializer could not encode or decode
	ErrSerialization = errors.New("relaymq: serialization failed")

	// ErrHandler marks failures raised by a consumer handler
	ErrHandler = errors.New("relaymq: handler failed")

	// ErrAckState is returned when a delivery is acknowledged or rejected twice
	ErrAckState = errors.New("relaymq: delivery already resolved")

	// ErrTermination is an explicit, caller-requested stop. It is never retried.
	ErrTermination = errors.New("relaymq: termination requested")
)

// ConfigurationError describes an invalid configuration
type ConfigurationError struct {
	Op  string
	Err error
}

// NewConfigurationError wraps err as a configuration error
func NewConfigurationError(op string, err error) *ConfigurationError {
	return &ConfigurationError{Op: op, Err: err}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("relaymq configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigurationError match ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// TransmissionError represents a failed publish
type TransmissionError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Err        error
	Timestamp  time.Time
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("relaymq transmission error: publish to %s/%s failed after %d attempts: %v",
		e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}

// Is makes every TransmissionError match ErrTransmission
func (e *TransmissionError) Is(target error) bool {
	return target == ErrTransmission
}

// HandlerError represents a handler failure after its retry budget was spent
type HandlerError struct {
	Queue     string
	MessageID string
	Attempts  int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("relaymq handler error: queue %s message %s failed after %d attempts: %v",
		e.Queue, e.MessageID, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is makes every HandlerError match ErrHandler
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

// Terminate wraps reason so that it is treated as an explicit termination request
func Terminate(reason error) error {
	if reason == nil {
		return ErrTermination
	}
	return fmt.Errorf("%w: %w", ErrTermination, reason)
}

// IsTermination reports whether err requests termination
func IsTermination(err error) bool {
	return errors.Is(err, ErrTermination)
}
