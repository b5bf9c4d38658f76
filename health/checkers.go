package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/internal/rabbitmq"
)

// ConnectionChecker checks the broker connection of a connection manager
type ConnectionChecker struct {
	name    string
	manager *rabbitmq.ConnectionManager
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(name string, manager *rabbitmq.ConnectionManager) *ConnectionChecker {
	return &ConnectionChecker{name: name, manager: manager}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"endpoints": len(c.manager.Endpoints())},
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "connected but cannot open a channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Details["url"] = c.manager.ActiveURL()
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker reports channel pool usage. It never waits for a channel.
type ChannelPoolChecker struct {
	name string
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(name string, pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{name: name, pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return c.name
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"open":     c.pool.Size(),
			"in_use":   c.pool.InUse(),
			"max_size": c.pool.MaxSize(),
		},
	}

	ch, err := c.pool.TryGet()
	switch {
	case errors.Is(err, rabbitmq.ErrChannelPoolExhausted):
		result.Status = StatusDegraded
		result.Message = "channel pool exhausted"
		result.Error = err.Error()
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "failed to get channel from pool"
		result.Error = err.Error()
	default:
		c.pool.Put(ch)
		result.Status = StatusHealthy
		result.Message = "channel pool is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueInspector reads the state of a queue
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (contracts.Queue, error)
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queue       string
	inspector   QueueInspector
	maxMessages int
}

// NewQueueChecker creates a queue checker. A backlog above maxMessages is
// degraded; zero disables the backlog check.
func NewQueueChecker(queue string, inspector QueueInspector, maxMessages int) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector, maxMessages: maxMessages}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	q, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)

	if c.maxMessages > 0 && q.Messages > c.maxMessages {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queue)
	}
	if q.Consumers == 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has no consumers", c.queue)
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerState is the view of a consumer used by ConsumerChecker
type ConsumerState interface {
	Running() bool
	InFlight() int
	PoolSize() int
}

// ConsumerChecker reports whether a consumer's run loop is active and how busy its pool is
type ConsumerChecker struct {
	name     string
	consumer ConsumerState
}

// NewConsumerChecker creates a consumer checker
func NewConsumerChecker(name string, consumer ConsumerState) *ConsumerChecker {
	return &ConsumerChecker{name: name, consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return c.name
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	inFlight, poolSize := c.consumer.InFlight(), c.consumer.PoolSize()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"in_flight": inFlight,
			"pool_size": poolSize,
		},
	}

	switch {
	case !c.consumer.Running():
		result.Status = StatusUnhealthy
		result.Message = "consumer is not running"
	case inFlight >= poolSize:
		result.Status = StatusDegraded
		result.Message = "dispatch pool is saturated"
	default:
		result.Status = StatusHealthy
		result.Message = "consumer is running"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
