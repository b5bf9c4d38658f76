package messaging

import (
	"sync/atomic"

	"github.com/glimte/relaymq/contracts"
)

// AckHandle owns the acknowledgment of one delivery. The first Ack or Reject
// reaches the broker; any later one fails with contracts.ErrAckState.
type AckHandle struct {
	delivery TransportDelivery
	resolved atomic.Bool
}

// NewAckHandle wraps a transport delivery
func NewAckHandle(d TransportDelivery) *AckHandle {
	return &AckHandle{delivery: d}
}

// Ack acknowledges the delivery
func (h *AckHandle) Ack() error {
	if !h.resolved.CompareAndSwap(false, true) {
		return contracts.ErrAckState
	}
	return h.delivery.Acknowledge()
}

// Reject rejects the delivery, optionally asking the broker to requeue it
func (h *AckHandle) Reject(requeue bool) error {
	if !h.resolved.CompareAndSwap(false, true) {
		return contracts.ErrAckState
	}
	return h.delivery.Reject(requeue)
}

// Resolved reports whether the delivery was already acknowledged or rejected
func (h *AckHandle) Resolved() bool {
	return h.resolved.Load()
}

// markResolved is used for deliveries the broker already considers acknowledged
func (h *AckHandle) markResolved() {
	h.resolved.Store(true)
}

func (h *AckHandle) Body() []byte                        { return h.delivery.Body() }
func (h *AckHandle) ContentType() string                 { return h.delivery.ContentType() }
func (h *AckHandle) Headers() map[string]any             { return h.delivery.Headers() }
func (h *AckHandle) MessageID() string                   { return h.delivery.MessageID() }
func (h *AckHandle) Metadata() contracts.MessageMetadata { return h.delivery.Metadata() }
