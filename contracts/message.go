package contracts

import (
	"fmt"
	"strings"
)

// SendMode selects how a producer transmits a message
type SendMode int

const (
	// SendSync transmits on the caller's goroutine and reports the outcome
	SendSync SendMode = 1
	// SendAsync schedules the transmission and returns immediately
	SendAsync SendMode = 2
)

func (m SendMode) String() string {
	switch m {
	case SendSync:
		return "sync"
	case SendAsync:
		return "async"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether the mode is a known send mode
func (m SendMode) Valid() bool {
	return m == SendSync || m == SendAsync
}

// HandlerType selects how a consumer dispatches deliveries to a handler
type HandlerType int

const (
	// HandlerSync runs the handler inline on the drain loop
	HandlerSync HandlerType = 1
	// HandlerAsync runs the handler on the consumer's bounded pool
	HandlerAsync HandlerType = 2
)

func (t HandlerType) String() string {
	switch t {
	case HandlerSync:
		return "sync"
	case HandlerAsync:
		return "async"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether the type is a known handler type
func (t HandlerType) Valid() bool {
	return t == HandlerSync || t == HandlerAsync
}

// ParseHandlerType accepts "sync", "async", "1" or "2"
func ParseHandlerType(s string) (HandlerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "1", "":
		return HandlerSync, nil
	case "async", "2":
		return HandlerAsync, nil
	default:
		return 0, NewConfigurationError("parse handler type", fmt.Errorf("unknown handler type %q", s))
	}
}

// ParseSendMode accepts "sync", "async", "1" or "2"
func ParseSendMode(s string) (SendMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "1", "":
		return SendSync, nil
	case "async", "2":
		return SendAsync, nil
	default:
		return 0, NewConfigurationError("parse send mode", fmt.Errorf("%w: %q", ErrUnknownSendMode, s))
	}
}

// DeliveryMode is the persistence hint carried by a message
type DeliveryMode uint8

const (
	// Transient messages may be lost on broker restart
	Transient DeliveryMode = 1
	// Persistent messages survive a broker restart
	Persistent DeliveryMode = 2
)

func (d DeliveryMode) String() string {
	switch d {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "unset"
	}
}
