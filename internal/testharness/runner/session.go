package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/subplex/subplex-go/internal/testharness/engine"
	"github.com/subplex/subplex-go/internal/testharness/loader"
	"github.com/subplex/subplex-go/internal/testharness/mock"
	"github.com/subplex/subplex-go/pkg/connection"
	subplex "github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/metrics"
	"github.com/subplex/subplex-go/pkg/subscription"
)

const sessionKey = "session"

// pollInterval is how often wait_* actions re-check their condition.
const pollInterval = 5 * time.Millisecond

var errNoSession = errors.New("no session in execution state")

// session is the per-scenario system under test.
type session struct {
	node     *mock.Node
	eng      *subplex.Engine
	registry *prometheus.Registry

	mu      sync.Mutex
	pending map[subscription.LogicalKey]chan error
}

// engineConfig returns fast timings suited to a local mock node.
func engineConfig(url string) subplex.Config {
	cfg := subplex.DefaultConfig(url)
	cfg.Conn.KeepAlive.Disabled = true
	cfg.Reconnect.Backoff = connection.BackoffConfig{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
	}
	cfg.Reconnect.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.ResubscribeTimeout = 5 * time.Second
	cfg.Registry.RetryInitial = 5 * time.Millisecond
	cfg.Registry.RetryMax = 20 * time.Millisecond
	return cfg
}

func (r *Runner) setup(ctx context.Context, sc *loader.Scenario, state *engine.ExecutionState) error {
	node := mock.NewNode()
	registry := prometheus.NewRegistry()

	cfg := engineConfig(node.URL())
	cfg.Metrics = metrics.New(registry)
	cfg.Logger = r.config.Logger.With("scenario", sc.ID)
	cfg.ProtocolLogger = r.config.ProtocolLogger

	eng, err := subplex.New(cfg)
	if err != nil {
		node.Close()
		return fmt.Errorf("create engine: %w", err)
	}

	state.Custom[sessionKey] = &session{
		node:     node,
		eng:      eng,
		registry: registry,
		pending:  make(map[subscription.LogicalKey]chan error),
	}
	return nil
}

func (r *Runner) teardown(state *engine.ExecutionState) {
	s, ok := state.Custom[sessionKey].(*session)
	if !ok {
		return
	}
	_ = s.eng.Close()
	s.node.Close()
	delete(state.Custom, sessionKey)
}

func sessionFrom(state *engine.ExecutionState) (*session, error) {
	s, ok := state.Custom[sessionKey].(*session)
	if !ok {
		return nil, errNoSession
	}
	return s, nil
}

// subscribeAsync starts a Subscribe whose result is collected later.
func (s *session) subscribeAsync(ctx context.Context, reg subscription.Registration) {
	done := make(chan error, 1)
	s.mu.Lock()
	s.pending[reg.Key] = done
	s.mu.Unlock()
	go func() { done <- s.eng.Subscribe(ctx, reg) }()
}

// await returns the result of an earlier subscribeAsync for key.
func (s *session) await(ctx context.Context, key subscription.LogicalKey) error {
	s.mu.Lock()
	done, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending subscribe for %s", key)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// target returns the engine's view of target.
func (s *session) target(t subscription.Target) (subscription.TargetInfo, bool) {
	for _, info := range s.eng.Targets() {
		if info.Target == t {
			return info, true
		}
	}
	return subscription.TargetInfo{}, false
}

// metric sums every sample of the counter or gauge family name.
func (s *session) metric(name string) (float64, bool, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return 0, false, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total, true, nil
	}
	return 0, false, nil
}

// poll calls cond until it holds or ctx ends.
func poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
