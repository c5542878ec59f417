package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/subplex/subplex-go/pkg/log"
)

// Connection errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrStaleGeneration  = errors.New("stale connection generation")
)

// Connection defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
	DefaultReadLimit        = 16 << 20
)

// ConnConfig configures a single WebSocket connection.
type ConnConfig struct {
	// Header is sent with the opening handshake (auth tokens, origin).
	Header http.Header

	TLS *tls.Config

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration

	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	KeepAlive KeepAliveConfig

	ProtocolLogger log.Logger
}

// DefaultConnConfig returns the default connection configuration.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		CloseTimeout:     DefaultCloseTimeout,
		ReadLimit:        DefaultReadLimit,
		KeepAlive:        DefaultKeepAliveConfig(),
	}
}

func (c *ConnConfig) applyDefaults() {
	def := DefaultConnConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// Conn is one connection generation.
type Conn struct {
	id     string
	gen    uint64
	url    string
	config ConnConfig
	ws     *websocket.Conn
	plog   log.Logger

	onFrame   func(data []byte)
	keepAlive *KeepAlive

	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	failOnce  sync.Once
	err       error
	done      chan struct{}
}

// Dial opens a WebSocket to url. The read loop does not run until Start.
func Dial(ctx context.Context, url string, gen uint64, config ConnConfig, onFrame func(data []byte)) (*Conn, error) {
	config.applyDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
		TLSClientConfig:  config.TLS,
	}
	ws, resp, err := dialer.DialContext(ctx, url, config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(config.ReadLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      uuid.New().String(),
		gen:     gen,
		url:     url,
		config:  config,
		ws:      ws,
		plog:    config.ProtocolLogger,
		onFrame: onFrame,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.logState("", "CONNECTED", "")
	return c, nil
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Generation returns the connection generation.
func (c *Conn) Generation() uint64 { return c.gen }

// Done is closed after the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended (nil while open).
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// IsClosed reports whether the connection has failed or been closed.
func (c *Conn) IsClosed() bool {
	return c.ctx.Err() != nil
}

// Start launches the read loop and keep-alive.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.ws.SetPongHandler(func(appData string) error {
			c.logControl(log.DirectionIn, log.ControlMsgPong, nil)
			if seq, ok := DecodePingPayload([]byte(appData)); ok && c.keepAlive != nil {
				c.keepAlive.PongReceived(seq)
			}
			return nil
		})
		c.ws.SetPingHandler(func(appData string) error {
			c.logControl(log.DirectionIn, log.ControlMsgPing, nil)
			err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.config.WriteTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return err
			}
			return nil
		})

		if !c.config.KeepAlive.Disabled {
			c.keepAlive = NewKeepAlive(c.config.KeepAlive, c.sendPing, func() {
				c.fail(ErrKeepAliveTimeout)
			})
			c.keepAlive.Start(c.ctx)
		}

		go c.readLoop()
	})
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("write: %w", err)
		c.fail(err)
		return err
	}
	c.plog.Log(c.event(log.DirectionOut, log.LayerTransport, log.CategoryMessage, func(e *log.Event) {
		e.Frame = log.NewFrameEvent(data)
	}))
	return nil
}

// Close sends a close frame, waits briefly for the peer, then tears down.
func (c *Conn) Close() error {
	if c.IsClosed() {
		c.releaseUnstarted()
		<-c.done
		return nil
	}
	code := websocket.CloseNormalClosure
	c.logControl(log.DirectionOut, log.ControlMsgClose, &code)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(c.config.WriteTimeout))

	timer := time.NewTimer(c.config.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
	}
	c.fail(ErrConnectionClosed)
	c.releaseUnstarted()
	<-c.done
	return nil
}

// Abort drops the connection without a close handshake.
func (c *Conn) Abort(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.fail(reason)
	c.releaseUnstarted()
}

// KeepAliveStats returns keep-alive statistics (zero if disabled).
func (c *Conn) KeepAliveStats() KeepAliveStats {
	if c.keepAlive == nil {
		return KeepAliveStats{}
	}
	return c.keepAlive.Stats()
}

func (c *Conn) sendPing(seq uint32) error {
	c.logControl(log.DirectionOut, log.ControlMsgPing, nil)
	return c.ws.WriteControl(websocket.PingMessage, EncodePingPayload(seq), time.Now().Add(c.config.WriteTimeout))
}

// fail records the first terminal error and unblocks the reader.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		c.cancel()
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code := closeErr.Code
				c.logControl(log.DirectionIn, log.ControlMsgClose, &code)
			}
			if !c.IsClosed() {
				c.logError(err, "read")
			}
			c.fail(fmt.Errorf("read: %w", err))
			c.logState("CONNECTED", "DISCONNECTED", c.err.Error())
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.plog.Log(c.event(log.DirectionIn, log.LayerTransport, log.CategoryMessage, func(e *log.Event) {
			e.Frame = log.NewFrameEvent(data)
		}))
		c.onFrame(data)
	}
}

func (c *Conn) event(dir log.Direction, layer log.Layer, cat log.Category, fill func(e *log.Event)) log.Event {
	e := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Generation:   c.gen,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		RemoteAddr:   c.url,
	}
	fill(&e)
	return e
}

func (c *Conn) logControl(dir log.Direction, typ log.ControlMsgType, code *int) {
	c.plog.Log(c.event(dir, log.LayerTransport, log.CategoryControl, func(e *log.Event) {
		e.ControlMsg = &log.ControlMsgEvent{Type: typ, CloseCode: code}
	}))
}

func (c *Conn) logState(oldState, newState, reason string) {
	c.plog.Log(c.event(log.DirectionIn, log.LayerTransport, log.CategoryState, func(e *log.Event) {
		e.StateChange = &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		}
	}))
}

func (c *Conn) logError(err error, op string) {
	c.plog.Log(c.event(log.DirectionIn, log.LayerTransport, log.CategoryError, func(e *log.Event) {
		e.Error = &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: op}
	}))
}

// releaseUnstarted closes done for a connection whose read loop never ran.
func (c *Conn) releaseUnstarted() {
	c.startOnce.Do(func() { close(c.done) })
}
