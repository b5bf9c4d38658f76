package messaging

import "time"

// Handler result labels used for metrics
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDiscarded = "discarded"
	ResultTerminate = "terminated"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordSend records the outcome of a Send
	RecordSend(exchange string, success bool)

	// RecordSendRetry records a publish re-attempt
	RecordSendRetry(exchange string)

	// RecordHandled records a finished handler invocation
	RecordHandled(queue, result string, duration time.Duration)

	// RecordHandlerRetry records a handler re-attempt
	RecordHandlerRetry(queue string)

	// RecordAck records an acknowledgment attempt
	RecordAck(queue string, success bool)

	// HandlerStarted and HandlerFinished track handlers in flight
	HandlerStarted(queue string)
	HandlerFinished(queue string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (NoOpMetricsCollector) RecordSend(exchange string, success bool) {}

// RecordSendRetry does nothing
func (NoOpMetricsCollector) RecordSendRetry(exchange string) {}

// RecordHandled does nothing
func (NoOpMetricsCollector) RecordHandled(queue, result string, duration time.Duration) {}

// RecordHandlerRetry does nothing
func (NoOpMetricsCollector) RecordHandlerRetry(queue string) {}

// RecordAck does nothing
func (NoOpMetricsCollector) RecordAck(queue string, success bool) {}

// HandlerStarted does nothing
func (NoOpMetricsCollector) HandlerStarted(queue string) {}

// HandlerFinished does nothing
func (NoOpMetricsCollector) HandlerFinished(queue string) {}
