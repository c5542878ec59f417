package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/internal/testharness/mock"
	"github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/subscription"
	"github.com/subplex/subplex-go/pkg/version"
)

func TestExampleParses(t *testing.T) {
	cfg, err := Parse(Example())
	require.NoError(t, err)

	assert.Equal(t, "wss://api.mainnet-beta.solana.com", cfg.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 60*time.Second, cfg.Backoff.Max)
	assert.Equal(t, 3, cfg.KeepAlive.MaxMissedPongs)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.RetryInitial)
	assert.Equal(t, 4, cfg.Router.Workers)
	assert.Equal(t, 64, cfg.Dispatch.MaxInFlight)

	require.Len(t, cfg.Subscriptions, 1)
	s := cfg.Subscriptions[0]
	assert.Equal(t, []string{"lamports", "sol"}, s.Variants)
	assert.True(t, s.Seed)
	assert.Equal(t, "jsonParsed", s.Options["encoding"])
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("endpoint: ws://localhost:8900\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.RequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, def.Backoff, cfg.Backoff)
	assert.Equal(t, def.Router.QueueSize, cfg.Router.QueueSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no endpoint", "log_level: debug\n"},
		{"http scheme", "endpoint: http://localhost\n"},
		{"unknown field", "endpoint: ws://x\nendpiont: ws://y\n"},
		{"bad duration", "endpoint: ws://x\nrequest_timeout: soon\n"},
		{"bad level", "endpoint: ws://x\nlog_level: loud\n"},
		{"no variants", "endpoint: ws://x\nsubscriptions:\n  - target: A\n"},
		{"bad target", "endpoint: ws://x\nsubscriptions:\n  - target: 'account:'\n    variants: [raw]\n"},
		{"duplicate key", "endpoint: ws://x\nsubscriptions:\n  - target: A\n    variants: [raw, raw]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidationErrorsWrapErrInvalid(t *testing.T) {
	_, err := Parse([]byte("endpoint: ftp://x\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: wss://node\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	level, err := ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, subscription.LogicalKey("Addr#sol"), Key(subscription.AccountTarget("Addr"), "sol"))
}

func TestEngineConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
endpoint: ws://localhost:8900
headers:
  Authorization: Bearer token
request_timeout: 3s
keepalive:
  disabled: true
router:
  workers: 2
`))
	require.NoError(t, err)

	eng, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8900", eng.URL)
	assert.Equal(t, 3*time.Second, eng.RequestTimeout)
	assert.True(t, eng.Conn.KeepAlive.Disabled)
	assert.Equal(t, 2, eng.Router.Workers)
	assert.Equal(t, "Bearer token", eng.Conn.Header.Get("Authorization"))
	assert.Equal(t, version.UserAgent(), eng.Conn.Header.Get("User-Agent"))
	assert.Nil(t, eng.Conn.TLS)
	assert.True(t, eng.Reconnect.AutoReconnect)
}

func TestEngineConfigConnects(t *testing.T) {
	node := mock.NewNode()
	defer node.Close()

	cfg, err := Parse([]byte("endpoint: " + node.URL() + "\nkeepalive:\n  disabled: true\n"))
	require.NoError(t, err)
	engCfg, err := cfg.Engine()
	require.NoError(t, err)

	e, err := engine.New(engCfg)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitReady(ctx))

	v, err := version.FromUserAgent(node.Header(1).Get("User-Agent"))
	require.NoError(t, err)
	assert.Equal(t, version.Current, v.String())
}
