package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subplex/subplex-go/pkg/connection"
)

// ErrSessionClosed is returned after Close.
var ErrSessionClosed = errors.New("session closed")

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	Conn      ConnConfig
	Reconnect connection.Config

	Logger *slog.Logger
}

// SessionStats is a point-in-time view of the session.
type SessionStats struct {
	State            connection.State
	Generation       uint64
	ConnectionID     string
	Reconnects       uint64
	ReconnectAttempt int
	KeepAlive        KeepAliveStats
}

// Session keeps one live Conn to the endpoint, replacing it after a loss.
type Session struct {
	config  SessionConfig
	handler Handler
	logger  *slog.Logger
	mgr     *connection.Manager

	mu      sync.RWMutex
	conn    *Conn
	gen     uint64
	closed  bool
	nextGen atomic.Uint64

	// lifeMu serializes OnConnected/OnDisconnected delivery.
	lifeMu     sync.Mutex
	everUp     bool
	reconnects atomic.Uint64

	hookMu        sync.RWMutex
	onStateChange func(oldState, newState connection.State)

	wg sync.WaitGroup
}

// NewSession creates a session. Nothing is dialed until Start.
func NewSession(config SessionConfig, handler Handler) (*Session, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("session: URL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("session: handler is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Reconnect.Logger == nil {
		config.Reconnect.Logger = config.Logger
	}

	s := &Session{
		config:  config,
		handler: handler,
		logger:  config.Logger,
	}
	s.mgr = connection.NewManager(s.connect, config.Reconnect)
	s.mgr.OnConnected(s.announce)
	s.mgr.OnStateChange(func(oldState, newState connection.State) {
		s.logger.Debug("session state", "old", oldState, "new", newState)
		s.hookMu.RLock()
		fn := s.onStateChange
		s.hookMu.RUnlock()
		if fn != nil {
			fn(oldState, newState)
		}
	})
	s.mgr.OnReconnecting(func(attempt int, delay time.Duration) {
		s.logger.Info("reconnecting", "url", config.URL, "attempt", attempt, "delay", delay)
	})
	return s, nil
}

// OnStateChange registers a callback for connection state transitions.
func (s *Session) OnStateChange(fn func(oldState, newState connection.State)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onStateChange = fn
}

// Start dials the endpoint. It returns the error of the first attempt; with
// auto-reconnect enabled the session keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mgr.StartReconnectLoop()
	err := s.mgr.Connect(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, connection.ErrConnectionClosed) {
		return ErrSessionClosed
	}
	if s.config.Reconnect.AutoReconnect {
		s.logger.Warn("initial connect failed, retrying in background", "url", s.config.URL, "error", err)
		_ = s.mgr.Reconnect()
	}
	return err
}

// Generation returns the current generation and whether it is live.
func (s *Session) Generation() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil || s.conn.IsClosed() {
		return s.gen, false
	}
	return s.gen, true
}

// Send writes data on generation gen.
func (s *Session) Send(gen uint64, data []byte) error {
	s.mu.RLock()
	conn, cur, closed := s.conn, s.gen, s.closed
	s.mu.RUnlock()

	switch {
	case closed:
		return ErrSessionClosed
	case conn == nil:
		return ErrNotConnected
	case gen != cur:
		return fmt.Errorf("%w: send on %d, current %d", ErrStaleGeneration, gen, cur)
	}
	return conn.Send(data)
}

// Drop aborts the current connection as if it had been lost. The session
// reconnects if auto-reconnect is enabled.
func (s *Session) Drop(reason error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.Abort(reason)
	}
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	conn, gen := s.conn, s.gen
	s.mu.RUnlock()

	st := SessionStats{
		State:            s.mgr.State(),
		Generation:       gen,
		Reconnects:       s.reconnects.Load(),
		ReconnectAttempt: s.mgr.BackoffAttempts(),
	}
	if conn != nil {
		st.ConnectionID = conn.ID()
		st.KeepAlive = conn.KeepAliveStats()
	}
	return st
}

// Close stops reconnecting and closes the current connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.mgr.Close()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	return nil
}

// connect is the connection.ConnectFunc: dial, install, start reading.
func (s *Session) connect(ctx context.Context) error {
	gen := s.nextGen.Add(1)
	conn, err := Dial(ctx, s.config.URL, gen, s.config.Conn, func(data []byte) {
		s.handler.OnFrame(gen, data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Abort(ErrSessionClosed)
		return ErrSessionClosed
	}
	s.conn = conn
	s.gen = gen
	s.mu.Unlock()

	s.logger.Info("connected", "url", s.config.URL, "gen", gen, "conn_id", conn.ID())
	conn.Start()

	s.wg.Add(1)
	go s.watch(conn)
	return nil
}

// announce runs after the manager reaches CONNECTED.
func (s *Session) announce() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	s.lifeMu.Lock()
	if conn.IsClosed() {
		s.lifeMu.Unlock()
		s.mgr.NotifyConnectionLost()
		return
	}
	gen := conn.Generation()
	if s.everUp {
		s.reconnects.Add(1)
	}
	s.everUp = true
	s.handler.OnConnected(gen)
	s.lifeMu.Unlock()
}

func (s *Session) watch(conn *Conn) {
	defer s.wg.Done()
	<-conn.Done()

	err := conn.Err()
	gen := conn.Generation()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		err = ErrSessionClosed
	} else {
		s.logger.Warn("connection lost", "gen", gen, "error", err)
	}

	s.lifeMu.Lock()
	s.handler.OnDisconnected(gen, err)
	s.lifeMu.Unlock()

	if !closed {
		s.mgr.NotifyConnectionLost()
	}
}
