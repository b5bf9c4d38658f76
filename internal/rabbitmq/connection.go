package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection to a broker URL
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns one broker connection. It connects to the primary
// endpoint first and falls back to the alternates in order, both initially and
// on every reconnect.
type ConnectionManager struct {
	endpoints      []string
	active         string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dial           Dialer
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithAlternates appends failover endpoints tried after the primary
func WithAlternates(urls ...string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.endpoints = append(cm.endpoints, urls...)
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection rounds. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager for primary and its alternates
func NewConnectionManager(primary string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		endpoints:      []string{primary},
		dial:           amqp.Dial,
		connectTimeout: 30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Endpoints returns the primary followed by the alternates
func (cm *ConnectionManager) Endpoints() []string {
	out := make([]string, len(cm.endpoints))
	copy(out, cm.endpoints)
	return out
}

// ActiveURL returns the sanitized URL of the current connection, or "" when disconnected
func (cm *ConnectionManager) ActiveURL() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.isConnected {
		return ""
	}
	return SanitizeURL(cm.active)
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, url, err := cm.dialAny(ctx)
	if err != nil {
		return err
	}

	cm.attach(conn, url)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
	cm.notifyConnected()

	go cm.handleReconnect()

	return nil
}

// dialAny tries every endpoint in order and returns the first connection
func (cm *ConnectionManager) dialAny(ctx context.Context) (*amqp.Connection, string, error) {
	var lastErr error
	var lastURL string

	for i, url := range cm.endpoints {
		conn, err := cm.dialOne(ctx, url)
		if err == nil {
			return conn, url, nil
		}
		if ctx.Err() != nil {
			return nil, "", &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(url),
				Err:       ctx.Err(),
				Timestamp: time.Now(),
				Attempts:  i + 1,
			}
		}
		cm.logger.Warn("broker endpoint unavailable",
			"url", SanitizeURL(url),
			"error", err)
		lastErr = err
		lastURL = url
	}

	return nil, "", &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(lastURL),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  len(cm.endpoints),
	}
}

func (cm *ConnectionManager) dialOne(ctx context.Context, url string) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	result := make(chan dialResult, 1)

	go func() {
		conn, err := cm.dial(url)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		return r.conn, r.err
	case <-connCtx.Done():
		go func() {
			// a late connection must not leak
			if r := <-result; r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, connCtx.Err()
	}
}

// attach must be called with cm.mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection, url string) {
	cm.conn = conn
	cm.active = url
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// graceful close by us
				select {
				case <-cm.done:
					return
				default:
				}
			}
			if err != nil {
				cm.logger.Error("connection closed", "url", cm.ActiveURL(), "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if err != nil {
				cause = err
			} else {
				cause = ErrConnectionClosed
			}
			cm.notifyDisconnected(cause)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect cycles through the endpoints until one accepts a connection.
// It returns false when the manager was closed or gave up.
func (cm *ConnectionManager) reconnect() bool {
	rounds := 0
	startTime := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if cm.maxRetries >= 0 && rounds >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", rounds,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.endpoints[0]),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  rounds,
			})
			return false
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", rounds+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(rounds + 1)

		if rounds > 0 {
			select {
			case <-time.After(cm.calculateBackoff(rounds - 1)):
			case <-cm.done:
				return false
			}
		}

		conn, url, err := cm.dialAny(ctx)
		if err == nil {
			cm.mu.Lock()
			select {
			case <-cm.done:
				cm.mu.Unlock()
				conn.Close()
				return false
			default:
			}
			cm.attach(conn, url)
			cm.mu.Unlock()

			cm.logger.Info("successfully reconnected to RabbitMQ",
				"url", SanitizeURL(url),
				"attempts", rounds+1,
				"duration", time.Since(startTime))
			cm.notifyConnected()
			return true
		}

		select {
		case <-cm.done:
			return false
		default:
		}

		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", rounds+1)
		rounds++
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute

	if attempt > 16 {
		attempt = 16
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	// ±25%
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
