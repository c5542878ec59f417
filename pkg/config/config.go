// Package config loads the YAML configuration of the command line tools.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subplex/subplex-go/pkg/connection"
	"github.com/subplex/subplex-go/pkg/dispatch"
	"github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/subscription"
	"github.com/subplex/subplex-go/pkg/transport"
	"github.com/subplex/subplex-go/pkg/version"
)

//go:embed example.yaml
var example []byte

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the file format.
type Config struct {
	Endpoint string              `yaml:"endpoint"`
	Headers  map[string]string   `yaml:"headers"`
	TLS      transport.TLSConfig `yaml:"tls"`

	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ResubscribeTimeout time.Duration `yaml:"resubscribe_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`

	Backoff   connection.BackoffConfig  `yaml:"backoff"`
	KeepAlive transport.KeepAliveConfig `yaml:"keepalive"`

	Registry subscription.Config       `yaml:"registry"`
	Router   subscription.RouterConfig `yaml:"router"`
	Dispatch dispatch.Config           `yaml:"dispatch"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// ProtocolLog is the path of a .plog capture file.
	ProtocolLog string `yaml:"protocol_log"`

	LogLevel string `yaml:"log_level"`

	Subscriptions []Subscription `yaml:"subscriptions"`
}

// Subscription is one configured target and the keys derived from it.
type Subscription struct {
	// Target is "subject:id" or a bare account address.
	Target string `yaml:"target"`

	// Variants name the decoders applied to the target; each yields the
	// key "<target id>#<variant>".
	Variants []string `yaml:"variants"`

	// Seed fetches the current value after subscribing.
	Seed bool `yaml:"seed"`

	Options map[string]any `yaml:"options"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	eng := engine.DefaultConfig("")
	return Config{
		RequestTimeout:     eng.RequestTimeout,
		ResubscribeTimeout: eng.ResubscribeTimeout,
		HandshakeTimeout:   eng.Conn.HandshakeTimeout,
		ConnectTimeout:     eng.Reconnect.ConnectTimeout,
		Backoff:            eng.Reconnect.Backoff,
		KeepAlive:          eng.Conn.KeepAlive,
		Registry:           eng.Registry,
		Router:             eng.Router,
		Dispatch:           eng.Dispatch,
		LogLevel:           "info",
	}
}

// Example returns the annotated example configuration.
func Example() []byte {
	return append([]byte(nil), example...)
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalid)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint scheme must be ws or wss, got %q", ErrInvalid, u.Scheme)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	keys := make(map[subscription.LogicalKey]bool)
	for i, s := range c.Subscriptions {
		target, err := subscription.ParseTarget(s.Target)
		if err != nil {
			return fmt.Errorf("%w: subscriptions[%d]: %v", ErrInvalid, i, err)
		}
		if len(s.Variants) == 0 {
			return fmt.Errorf("%w: subscriptions[%d]: no variants", ErrInvalid, i)
		}
		for _, v := range s.Variants {
			key := Key(target, v)
			if keys[key] {
				return fmt.Errorf("%w: duplicate key %s", ErrInvalid, key)
			}
			keys[key] = true
		}
	}
	return nil
}

// Key returns the logical key of variant on target.
func Key(target subscription.Target, variant string) subscription.LogicalKey {
	return subscription.LogicalKey(target.ID + "#" + variant)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
	}
	return level, nil
}

// Engine converts c to an engine configuration. Loggers, metrics and the
// update callback are left to the caller.
func (c Config) Engine() (engine.Config, error) {
	eng := engine.DefaultConfig(c.Endpoint)

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	for k, v := range c.Headers {
		header.Set(k, v)
	}
	eng.Conn.Header = header

	tlsConfig, err := transport.NewClientTLSConfig(c.TLS)
	if err != nil {
		return engine.Config{}, err
	}
	eng.Conn.TLS = tlsConfig
	eng.Conn.HandshakeTimeout = c.HandshakeTimeout
	eng.Conn.KeepAlive = c.KeepAlive

	eng.Reconnect.ConnectTimeout = c.ConnectTimeout
	eng.Reconnect.Backoff = c.Backoff

	eng.RequestTimeout = c.RequestTimeout
	eng.ResubscribeTimeout = c.ResubscribeTimeout
	eng.Registry = c.Registry
	eng.Router = c.Router
	eng.Dispatch = c.Dispatch
	return eng, nil
}
