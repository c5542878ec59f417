package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/pkg/connection"
)

// echoServer echoes text frames and lets tests kill live connections.
type echoServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	// mute stops answering pings.
	mute bool
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	upgrader := websocket.Upgrader{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, ws)
		mute := es.mute
		es.mu.Unlock()
		if mute {
			ws.SetPingHandler(func(string) error { return nil })
		}
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.URL, "http")
}

func (es *echoServer) killAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
	es.conns = nil
}

type recordingHandler struct {
	mu           sync.Mutex
	frames       map[uint64][]string
	connected    chan uint64
	disconnected chan uint64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames:       make(map[uint64][]string),
		connected:    make(chan uint64, 8),
		disconnected: make(chan uint64, 8),
	}
}

func (h *recordingHandler) OnConnected(gen uint64) { h.connected <- gen }

func (h *recordingHandler) OnFrame(gen uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[gen] = append(h.frames[gen], string(data))
}

func (h *recordingHandler) OnDisconnected(gen uint64, err error) { h.disconnected <- gen }

func (h *recordingHandler) framesFor(gen uint64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames[gen]...)
}

func waitGen(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case gen := <-ch:
		return gen
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return 0
	}
}

func testSessionConfig(url string) SessionConfig {
	reconnect := connection.DefaultConfig()
	reconnect.Backoff = connection.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	conn := DefaultConnConfig()
	conn.KeepAlive.Disabled = true
	return SessionConfig{URL: url, Conn: conn, Reconnect: reconnect}
}

func TestSessionSendAndReceive(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()

	s, err := NewSession(testSessionConfig(es.url()), h)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	gen := waitGen(t, h.connected)

	cur, ok := s.Generation()
	require.True(t, ok)
	assert.Equal(t, gen, cur)

	require.NoError(t, s.Send(gen, []byte(`{"a":1}`)))
	assert.Eventually(t, func() bool { return len(h.framesFor(gen)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"a":1}`, h.framesFor(gen)[0])
}

func TestSessionReconnectNewGeneration(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()

	s, err := NewSession(testSessionConfig(es.url()), h)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	first := waitGen(t, h.connected)

	es.killAll()
	assert.Equal(t, first, waitGen(t, h.disconnected))
	second := waitGen(t, h.connected)
	assert.Greater(t, second, first)

	err = s.Send(first, []byte(`{}`))
	assert.True(t, errors.Is(err, ErrStaleGeneration), "err = %v", err)
	require.NoError(t, s.Send(second, []byte(`{}`)))
	assert.Equal(t, uint64(1), s.Stats().Reconnects)
}

func TestSessionDrop(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()

	s, err := NewSession(testSessionConfig(es.url()), h)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	first := waitGen(t, h.connected)

	s.Drop(errors.New("test drop"))
	assert.Equal(t, first, waitGen(t, h.disconnected))
	assert.Greater(t, waitGen(t, h.connected), first)
}

func TestSessionKeepAliveTimeout(t *testing.T) {
	es := newEchoServer(t)
	es.mu.Lock()
	es.mute = true
	es.mu.Unlock()
	h := newRecordingHandler()

	cfg := testSessionConfig(es.url())
	cfg.Conn.KeepAlive = KeepAliveConfig{
		PingInterval:   15 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 2,
	}
	cfg.Reconnect.AutoReconnect = false

	s, err := NewSession(cfg, h)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	gen := waitGen(t, h.connected)
	assert.Equal(t, gen, waitGen(t, h.disconnected))
	assert.Eventually(t, func() bool {
		return s.Stats().State == connection.StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStartFailureRetries(t *testing.T) {
	h := newRecordingHandler()
	cfg := testSessionConfig("ws://127.0.0.1:1/none")
	cfg.Reconnect.MaxAttempts = 2

	s, err := NewSession(cfg, h)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Start(context.Background()))
	_, ok := s.Generation()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Send(1, []byte(`{}`)), ErrNotConnected)
}

func TestSessionClose(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()

	s, err := NewSession(testSessionConfig(es.url()), h)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	gen := waitGen(t, h.connected)

	require.NoError(t, s.Close())
	assert.Equal(t, gen, waitGen(t, h.disconnected))
	assert.ErrorIs(t, s.Send(gen, []byte(`{}`)), ErrSessionClosed)
	require.NoError(t, s.Close())
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{}, newRecordingHandler())
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{URL: "ws://x"}, nil)
	assert.Error(t, err)
}

func TestNewClientTLSConfig(t *testing.T) {
	cfg, err := NewClientTLSConfig(TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = NewClientTLSConfig(TLSConfig{ServerName: "rpc.example", InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, "rpc.example", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = NewClientTLSConfig(TLSConfig{CertFile: "only-cert.pem"})
	assert.Error(t, err)

	_, err = NewClientTLSConfig(TLSConfig{CAFile: "/does/not/exist.pem"})
	assert.Error(t, err)
}
