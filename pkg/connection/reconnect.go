package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrGaveUp           = errors.New("reconnect attempts exhausted")
)

// State represents the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc establishes a connection. It returns nil on success.
type ConnectFunc func(ctx context.Context) error

// Config configures a Manager.
type Config struct {
	Backoff BackoffConfig

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// MaxAttempts limits consecutive failed reconnect attempts (0 = unlimited).
	MaxAttempts int

	// AutoReconnect restarts the connection after a loss.
	AutoReconnect bool

	Logger *slog.Logger
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:        DefaultBackoffConfig(),
		ConnectTimeout: 15 * time.Second,
		AutoReconnect:  true,
	}
}

// Manager tracks connection state and reconnects after a loss.
//
// Callbacks run outside the manager lock. OnConnected for a reconnect runs
// on the reconnect goroutine.
type Manager struct {
	mu sync.RWMutex

	state         State
	backoff       *Backoff
	connectFn     ConnectFunc
	autoReconnect bool
	maxAttempts   int
	timeout       time.Duration
	logger        *slog.Logger
	lastErr       error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
	onGiveUp       func(err error)
}

// NewManager creates a connection manager.
func NewManager(connectFn ConnectFunc, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		state:         StateDisconnected,
		backoff:       NewBackoffWithConfig(cfg.Backoff),
		connectFn:     connectFn,
		autoReconnect: cfg.AutoReconnect,
		maxAttempts:   cfg.MaxAttempts,
		timeout:       cfg.ConnectTimeout,
		logger:        cfg.Logger,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// LastError returns the error of the most recent failed connect attempt.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// Connect performs the initial connection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	oldState := m.state
	m.state = StateConnecting
	m.mu.Unlock()
	m.emitStateChange(oldState, StateConnecting)

	err := m.connectFn(ctx)

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	if err != nil {
		m.state = StateDisconnected
		m.lastErr = err
		m.mu.Unlock()
		m.emitStateChange(StateConnecting, StateDisconnected)
		return err
	}
	m.state = StateConnected
	m.lastErr = nil
	m.backoff.Reset()
	onConnected := m.onConnected
	m.mu.Unlock()

	m.emitStateChange(StateConnecting, StateConnected)
	if onConnected != nil {
		onConnected()
	}
	return nil
}

// Disconnect marks the connection as intentionally dropped. With
// auto-reconnect enabled a reconnect is scheduled.
func (m *Manager) Disconnect() {
	m.connectionLost()
}

// NotifyConnectionLost reports a detected loss (read error, pong timeout).
func (m *Manager) NotifyConnectionLost() {
	m.connectionLost()
}

func (m *Manager) connectionLost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	autoReconnect := m.autoReconnect
	if autoReconnect {
		m.state = StateReconnecting
	} else {
		m.state = StateDisconnected
	}
	newState := m.state
	onDisconnected := m.onDisconnected
	m.mu.Unlock()

	m.emitStateChange(oldState, newState)
	if onDisconnected != nil {
		onDisconnected()
	}
	if autoReconnect {
		m.triggerReconnect()
	}
}

// Reconnect schedules a reconnect from the DISCONNECTED state, e.g. after
// an initial Connect failed.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	oldState := m.state
	m.state = StateReconnecting
	m.backoff.Reset()
	m.mu.Unlock()

	m.emitStateChange(oldState, StateReconnecting)
	m.triggerReconnect()
	return nil
}

// StartReconnectLoop starts the background reconnect goroutine.
func (m *Manager) StartReconnectLoop() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Close shuts the manager down and waits for the reconnect loop.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.emitStateChange(oldState, StateClosed)
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

func (m *Manager) attemptReconnect() {
	for {
		m.mu.RLock()
		state := m.state
		m.mu.RUnlock()
		if state != StateReconnecting {
			return
		}

		if m.maxAttempts > 0 && m.backoff.Attempts() >= m.maxAttempts {
			m.giveUp()
			return
		}

		delay := m.backoff.Next()
		attempt := m.backoff.Attempts()

		m.mu.RLock()
		onReconnecting := m.onReconnecting
		m.mu.RUnlock()
		if onReconnecting != nil {
			onReconnecting(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.State() != StateReconnecting {
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		err := m.connectFn(ctx)
		cancel()

		m.mu.Lock()
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		m.state = StateConnected
		m.lastErr = nil
		m.backoff.Reset()
		onConnected := m.onConnected
		m.mu.Unlock()

		m.logger.Info("reconnected", "attempts", attempt)
		m.emitStateChange(StateReconnecting, StateConnected)
		if onConnected != nil {
			onConnected()
		}
		return
	}
}

func (m *Manager) giveUp() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	err := fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, m.backoff.Attempts(), m.lastErr)
	m.lastErr = err
	onGiveUp := m.onGiveUp
	m.mu.Unlock()

	m.logger.Error("giving up reconnecting", "error", err)
	m.emitStateChange(StateReconnecting, StateDisconnected)
	if onGiveUp != nil {
		onGiveUp(err)
	}
}

func (m *Manager) emitStateChange(oldState, newState State) {
	m.mu.RLock()
	fn := m.onStateChange
	m.mu.RUnlock()
	if fn != nil {
		fn(oldState, newState)
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful (re)connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for connection loss.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback invoked before each reconnect wait.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// OnGiveUp sets a callback invoked when MaxAttempts is exhausted.
func (m *Manager) OnGiveUp(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGiveUp = fn
}

// BackoffAttempts returns the current number of reconnect attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
