package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a bounded pool of AMQP channels.
// At most maxSize channels are handed out at once; a slot is returned by Put
// (channel re-pooled) or Invalidate (channel discarded).
type ChannelPool struct {
	manager     *ConnectionManager
	idle        chan *PooledChannel
	slots       chan struct{}
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	open        int
	done        chan struct{}
}

// PublishChannel is the part of *amqp.Channel the pool and publisher rely on
type PublishChannel interface {
	IsClosed() bool
	Close() error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	handle     PublishChannel
	pool       *ChannelPool
	lastUsed   time.Time
	id         string
	confirming bool
}

// ID returns the channel identifier used in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front and kept while idle
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     0,
		idleTimeout: 5 * time.Minute,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.idle = make(chan *PooledChannel, pool.maxSize)
	pool.slots = make(chan struct{}, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.handle.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.idle <- ch
	}

	manager.AddStateListener(pool)
	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, waiting for a free slot
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case cp.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	case <-cp.done:
		return nil, ErrChannelPoolClosed
	}

	return cp.take()
}

// TryGet retrieves a channel without waiting. It fails with
// ErrChannelPoolExhausted when every slot is in use.
func (cp *ChannelPool) TryGet() (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case cp.slots <- struct{}{}:
	default:
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}

	return cp.take()
}

// take must be called holding a slot
func (cp *ChannelPool) take() (*PooledChannel, error) {
	for {
		select {
		case ch := <-cp.idle:
			if ch.handle.IsClosed() {
				cp.discard(ch)
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}
		break
	}

	ch, err := cp.createChannel()
	if err != nil {
		<-cp.slots
		return nil, err
	}
	return ch, nil
}

// Put returns a healthy channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer cp.release()

	if cp.isClosed() || ch.handle.IsClosed() {
		cp.discard(ch)
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.idle <- ch:
	default:
		cp.discard(ch)
	}
}

// Invalidate closes a channel that failed and frees its slot. The channel is never re-pooled.
func (cp *ChannelPool) Invalidate(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer cp.release()

	cp.logger.Debug("discarding channel", "channel", ch.id)
	cp.discard(ch)
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.slots:
	default:
	}
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	if !ch.handle.IsClosed() {
		ch.handle.Close()
	}
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
}

// Close closes all idle channels. Channels still handed out are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	cp.manager.RemoveStateListener(cp)
	cp.drainIdle()

	return nil
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) drainIdle() {
	for {
		select {
		case ch := <-cp.idle:
			cp.discard(ch)
		default:
			return
		}
	}
}

// OnConnected implements ConnectionStateListener
func (cp *ChannelPool) OnConnected() {}

// OnDisconnected drops idle channels belonging to the lost connection
func (cp *ChannelPool) OnDisconnected(err error) {
	cp.drainIdle()
}

// OnReconnecting implements ConnectionStateListener
func (cp *ChannelPool) OnReconnecting(attempt int) {}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.open++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		handle:   ch,
		pool:     cp,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}, nil
}

// cleanupIdle closes channels idle for longer than idleTimeout, keeping minSize
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drain:
		for {
			select {
			case ch := <-cp.idle:
				if ch.lastUsed.Before(cutoff) && cp.Size() > cp.minSize {
					cp.discard(ch)
				} else {
					keep = append(keep, ch)
				}
			default:
				break drain
			}
		}

		for _, ch := range keep {
			select {
			case cp.idle <- ch:
			default:
				cp.discard(ch)
			}
		}
	}
}

// Size returns the number of open channels, idle or handed out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// InUse returns the number of channels currently handed out
func (cp *ChannelPool) InUse() int {
	return len(cp.slots)
}

// MaxSize returns the pool capacity
func (cp *ChannelPool) MaxSize() int {
	return cp.maxSize
}

// Execute runs fn on a pooled channel. The channel is returned on success and
// invalidated when fn fails or panics.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	if execErr != nil {
		cp.Invalidate(ch)
		return execErr
	}
	cp.Put(ch)
	return nil
}
