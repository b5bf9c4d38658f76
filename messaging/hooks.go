package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Events fired by producers and consumers
const (
	EventBeforeSend    = "before_send"
	EventAfterSend     = "after_send"
	EventSendFailed    = "send_failed"
	EventBeforeHandle  = "before_handle"
	EventAfterHandle   = "after_handle"
	EventHandlerFailed = "handler_failed"
)

// ErrUnknownEvent is returned by Fire when no hook is registered for the event
var ErrUnknownEvent = errors.New("hooks: no hook registered for event")

// HookEvent carries the details of a fired event
type HookEvent struct {
	Name       string
	Exchange   string
	Queue      string
	RoutingKey string
	MessageID  string
	Payload    any
	Attempts   int
	Err        error
}

// HookFunc is a registered callback
type HookFunc func(ctx context.Context, event HookEvent) error

// StopHook stops the remaining callbacks of an event
type StopHook struct {
	Value any
}

func (s *StopHook) Error() string {
	return fmt.Sprintf("hook chain stopped: %v", s.Value)
}

// HookRegistry maps event names to ordered callbacks
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string][]HookFunc
}

// NewHookRegistry creates an empty registry
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string][]HookFunc)}
}

// Register appends fn to the callbacks of event
func (r *HookRegistry) Register(event string, fn HookFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[event] = append(r.hooks[event], fn)
}

// Fire calls the callbacks of event in registration order. Callback errors are
// aggregated; a *StopHook error ends the chain and is returned as is.
func (r *HookRegistry) Fire(ctx context.Context, event string, data HookEvent) error {
	r.mu.RLock()
	hooks := r.hooks[event]
	r.mu.RUnlock()

	if len(hooks) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	data.Name = event

	var errs error
	for _, fn := range hooks {
		err := fn(ctx, data)
		var stop *StopHook
		if errors.As(err, &stop) {
			return err
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Events returns the names with at least one callback
func (r *HookRegistry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	return names
}

// Clear removes every callback
func (r *HookRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[string][]HookFunc)
}
