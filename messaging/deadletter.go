package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/relaymq/contracts"
)

// Headers set on dead-lettered messages
const (
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderLastError          = "x-last-error"
	HeaderRetryCount         = "x-retry-count"
	HeaderFirstDeathTime     = "x-first-death-time"
)

type deadLetter struct {
	producer   *Producer
	routingKey string
	logger     *slog.Logger
	now        func() time.Time
}

// DeadLetterOption configures a dead-letter error handler
type DeadLetterOption func(*deadLetter)

// WithDeadLetterRoutingKey publishes every dead letter with key instead of
// the delivery's routing key
func WithDeadLetterRoutingKey(key string) DeadLetterOption {
	return func(d *deadLetter) {
		d.routingKey = key
	}
}

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(d *deadLetter) {
		d.logger = logger
	}
}

// DeadLetter returns an ErrorHandler that republishes failed deliveries through
// producer, annotated with the failure. Pair it with the always-ack policy so
// the original is removed once the copy is out. When the copy cannot be sent
// the delivery is rejected with requeue and stays on its queue.
func DeadLetter(producer *Producer, options ...DeadLetterOption) ErrorHandler {
	d := &deadLetter{
		producer: producer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(d)
	}
	return d.handle
}

func (d *deadLetter) handle(ctx context.Context, payload any, delivery *AckHandle, err error) {
	meta := delivery.Metadata()

	headers := make(map[string]any, len(delivery.Headers())+5)
	for k, v := range delivery.Headers() {
		headers[k] = v
	}
	headers[HeaderOriginalQueue] = meta.Queue
	headers[HeaderOriginalRoutingKey] = meta.RoutingKey
	headers[HeaderLastError] = err.Error()
	if _, ok := headers[HeaderFirstDeathTime]; !ok {
		headers[HeaderFirstDeathTime] = d.now().Unix()
	}

	retries := headerInt(headers[HeaderRetryCount])
	var herr *contracts.HandlerError
	if errors.As(err, &herr) {
		retries += herr.Attempts
	} else {
		retries++
	}
	headers[HeaderRetryCount] = retries

	routingKey := d.routingKey
	if routingKey == "" {
		routingKey = meta.RoutingKey
	}

	sent, sendErr := d.producer.Send(ctx, payload,
		WithRoutingKey(routingKey),
		WithHeaders(headers),
		WithSendMode(contracts.SendSync),
	)
	if sendErr == nil && sent {
		d.logger.Info("message dead-lettered",
			"messageId", delivery.MessageID(),
			"queue", meta.Queue,
			"exchange", d.producer.Exchange().Name,
			"retryCount", retries)
		return
	}

	d.logger.Error("failed to dead-letter message, requeueing",
		"messageId", delivery.MessageID(),
		"queue", meta.Queue,
		"error", sendErr)
	if rejectErr := delivery.Reject(true); rejectErr != nil && !errors.Is(rejectErr, contracts.ErrAckState) {
		d.logger.Error("failed to requeue message", "messageId", delivery.MessageID(), "error", rejectErr)
	}
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}
