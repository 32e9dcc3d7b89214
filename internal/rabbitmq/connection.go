package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmq-go/internal/reliability"
)

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one RabbitMQ connection. The initial dial is
// retried according to its retry policy; a connection lost afterwards is
// reported to the state listeners and not re-established.
type ConnectionManager struct {
	url         string
	conn        *amqp.Connection
	mu          sync.RWMutex
	dialTimeout time.Duration
	retry       reliability.RetryPolicy
	dial        Dialer
	logger      *slog.Logger
	isConnected bool
	done        chan struct{}

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

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithRetryPolicy sets how failed dials are retried
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retry = policy
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		retry:       reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, 3),
		dial:        amqp.Dial,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	var conn *amqp.Connection
	attempts, err := reliability.Retry(ctx, cm.retry, func() error {
		c, err := cm.dialOnce(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn("connect failed",
			"url", SanitizeURL(cm.url),
			"attempt", attempt,
			"retryIn", delay,
			"error", err)
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.conn = conn
	cm.isConnected = true
	cm.done = make(chan struct{})
	go cm.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), cm.done)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

func (cm *ConnectionManager) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		out <- result{conn: conn, err: err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close a connection that completes after we gave up
		go func() {
			if r := <-out; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, reliability.Permanent(ctx.Err())
		}
		return nil, ErrConnectionTimeout
	}
}

// watch reports a connection closed by the broker or the network
func (cm *ConnectionManager) watch(conn *amqp.Connection, closed <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		if cm.conn == conn {
			cm.isConnected = false
			cm.conn = nil
		}
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
	case <-done:
	}
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

// Channel opens a new AMQP channel
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
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
