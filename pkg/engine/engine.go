package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subplex/subplex-go/pkg/connection"
	"github.com/subplex/subplex-go/pkg/dispatch"
	"github.com/subplex/subplex-go/pkg/log"
	"github.com/subplex/subplex-go/pkg/metrics"
	"github.com/subplex/subplex-go/pkg/rpc"
	"github.com/subplex/subplex-go/pkg/subscription"
	"github.com/subplex/subplex-go/pkg/transport"
	"github.com/subplex/subplex-go/pkg/wire"
)

// Default engine configuration values.
const (
	DefaultRequestTimeout     = 10 * time.Second
	DefaultResubscribeTimeout = 30 * time.Second
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")

	// ErrSeedUnsupported is returned by Seed for subjects without a
	// one-shot read method.
	ErrSeedUnsupported = errors.New("no seed method for subject")
)

// DefaultSeedMethods maps subjects to the call used to seed their keys.
var DefaultSeedMethods = map[string]string{
	subscription.SubjectAccount: "getAccountInfo",
}

// Config configures an Engine.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	Conn      transport.ConnConfig
	Reconnect connection.Config

	// RequestTimeout bounds every confirmation.
	RequestTimeout time.Duration

	// ResubscribeTimeout bounds the resubscribe pass after a connect.
	ResubscribeTimeout time.Duration

	// IDs generates request ids. Defaults to a counter starting at 1.
	IDs rpc.IDGenerator

	Registry subscription.Config
	Router   subscription.RouterConfig
	Dispatch dispatch.Config

	// SeedMethods overrides DefaultSeedMethods.
	SeedMethods map[string]string

	// Metrics receives observations (optional).
	Metrics *metrics.Metrics

	// OnUpdate receives every update of every key (optional).
	OnUpdate subscription.UpdateFunc

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		Conn:               transport.DefaultConnConfig(),
		Reconnect:          connection.DefaultConfig(),
		RequestTimeout:     DefaultRequestTimeout,
		ResubscribeTimeout: DefaultResubscribeTimeout,
		Registry:           subscription.DefaultConfig(),
		Router:             subscription.DefaultRouterConfig(),
		Dispatch:           dispatch.Config{MaxInFlight: dispatch.DefaultMaxInFlight},
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Health             Health
	Session            transport.SessionStats
	PendingRequests    int
	Targets            map[subscription.State]int
	Keys               int
	Router             subscription.RouterStats
	ProtocolViolations uint64
}

// Engine multiplexes logical subscriptions over one WebSocket session.
type Engine struct {
	config  Config
	logger  *slog.Logger
	plog    log.Logger
	metrics *metrics.Metrics
	seeds   map[string]string

	session *transport.Session
	corr    *rpc.Correlator
	reg     *subscription.Registry
	router  *subscription.Router
	disp    *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	health   Health
	changed  chan struct{}
	everUp   bool
	closed   bool
	handlers []HealthFunc
	queue    []Health
	notify   chan struct{}

	violations atomic.Uint64
}

var _ transport.Handler = (*Engine)(nil)

// New creates an engine. Nothing is dialed until Start.
func New(config Config) (*Engine, error) {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ResubscribeTimeout <= 0 {
		config.ResubscribeTimeout = DefaultResubscribeTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SeedMethods == nil {
		config.SeedMethods = DefaultSeedMethods
	}

	e := &Engine{
		config:  config,
		logger:  config.Logger,
		plog:    log.OrNoop(config.ProtocolLogger),
		metrics: config.Metrics,
		seeds:   config.SeedMethods,
		health:  Health{State: StateConnecting, Time: time.Now()},
		changed: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	connCfg := config.Conn
	if connCfg.ProtocolLogger == nil {
		connCfg.ProtocolLogger = config.ProtocolLogger
	}
	session, err := transport.NewSession(transport.SessionConfig{
		URL:       config.URL,
		Conn:      connCfg,
		Reconnect: config.Reconnect,
		Logger:    config.Logger,
	}, e)
	if err != nil {
		e.cancel()
		return nil, err
	}
	e.session = session

	rpcCfg := rpc.Config{
		Timeout:        config.RequestTimeout,
		IDs:            config.IDs,
		OnLate:         e.onLate,
		Logger:         config.Logger,
		ProtocolLogger: config.ProtocolLogger,
	}
	regCfg := config.Registry
	routerCfg := config.Router
	if e.metrics != nil {
		rpcCfg.Observer = e.metrics
		if regCfg.Observer == nil {
			regCfg.Observer = e.metrics
		}
		if routerCfg.Observer == nil {
			routerCfg.Observer = e.metrics
		}
	}
	if regCfg.Logger == nil {
		regCfg.Logger = config.Logger
	}
	if regCfg.ProtocolLogger == nil {
		regCfg.ProtocolLogger = config.ProtocolLogger
	}
	if routerCfg.Logger == nil {
		routerCfg.Logger = config.Logger
	}
	if routerCfg.ProtocolLogger == nil {
		routerCfg.ProtocolLogger = config.ProtocolLogger
	}
	if routerCfg.OnUpdate == nil {
		routerCfg.OnUpdate = config.OnUpdate
	}
	dispCfg := config.Dispatch
	if dispCfg.Logger == nil {
		dispCfg.Logger = config.Logger
	}

	e.corr = rpc.New(session, rpcCfg)
	e.reg = subscription.NewRegistry(e.corr, regCfg)
	e.router = subscription.NewRouter(e.reg, routerCfg)
	e.disp = dispatch.New(e.reg, dispCfg)

	go e.deliverHealth()
	return e, nil
}

// Start dials the endpoint. With auto-reconnect enabled a failed first
// attempt is retried in the background and its error still returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.logger.Info("engine starting", "url", e.config.URL)
	return e.session.Start(ctx)
}

// Close drops the connection without unsubscribing, stops every
// goroutine and reports StateClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.reg.Close()
	e.router.Close()
	err := e.session.Close()
	e.corr.Close()
	e.wg.Wait()

	e.setHealth(Health{State: StateClosed, Generation: e.Health().Generation}, nil)
	e.logger.Info("engine closed")
	return err
}

// Subscribe registers reg and blocks until its target is bound. While
// disconnected the registration is queued and bound after reconnect.
func (e *Engine) Subscribe(ctx context.Context, reg subscription.Registration) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.reg.Register(ctx, reg)
}

// SubscribeMany registers regs concurrently. Results arrive in completion
// order and the channel is closed after the last one.
func (e *Engine) SubscribeMany(ctx context.Context, regs []subscription.Registration) <-chan dispatch.Result {
	return e.disp.SubscribeMany(ctx, regs)
}

// Unsubscribe removes key. Unknown keys are ignored.
func (e *Engine) Unsubscribe(ctx context.Context, key subscription.LogicalKey) error {
	return e.reg.Unregister(ctx, key)
}

// Seed reads the current state of key's target with a one-shot call and
// applies it to key under the usual slot rule. A push newer than the read
// wins. Seed must not be called from an UpdateFunc.
func (e *Engine) Seed(ctx context.Context, key subscription.LogicalKey) (subscription.Update, error) {
	target, params, ok := e.reg.Params(key)
	if !ok {
		return subscription.Update{}, fmt.Errorf("%w: %s", subscription.ErrKeyNotFound, key)
	}
	method, ok := e.seeds[target.Subject]
	if !ok {
		return subscription.Update{}, fmt.Errorf("%w: %s", ErrSeedUnsupported, target.Subject)
	}

	var fetcher rpc.Fetcher = e.corr
	v, err := fetcher.FetchValue(ctx, method, params)
	if err != nil {
		return subscription.Update{}, fmt.Errorf("seed %s: %w", key, err)
	}
	return e.router.Seed(ctx, key, v.Slot, v.Value)
}

// Value returns the current value of key.
func (e *Engine) Value(key subscription.LogicalKey) (subscription.Value, bool) {
	return e.reg.Value(key)
}

// Keys returns every registered key.
func (e *Engine) Keys() []subscription.LogicalKey {
	return e.reg.Keys()
}

// Targets returns a snapshot of every target.
func (e *Engine) Targets() []subscription.TargetInfo {
	return e.reg.Targets()
}

// PendingRequests lists requests waiting for a confirmation.
func (e *Engine) PendingRequests() []rpc.PendingInfo {
	return e.corr.PendingRequests()
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	return Stats{
		Health:             e.Health(),
		Session:            e.session.Stats(),
		PendingRequests:    e.corr.Pending(),
		Targets:            e.reg.StateCounts(),
		Keys:               len(e.reg.Keys()),
		Router:             e.router.Stats(),
		ProtocolViolations: e.violations.Load(),
	}
}

// Health returns the current health.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// OnHealth registers fn for health changes. Handlers run on one goroutine
// in the order the changes happened.
func (e *Engine) OnHealth(fn HealthFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// WaitReady blocks until the engine is ready or ctx ends.
func (e *Engine) WaitReady(ctx context.Context) error {
	for {
		e.mu.Lock()
		state, changed := e.health.State, e.changed
		e.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drop aborts the current connection, as a keep-alive failure would.
func (e *Engine) Drop(reason error) {
	e.session.Drop(reason)
}

// OnConnected implements transport.Handler.
func (e *Engine) OnConnected(gen uint64) {
	e.reg.OnConnect(gen)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	reconnect := e.everUp
	e.everUp = true
	e.wg.Add(1)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveConnection(true, reconnect)
	}
	e.setHealth(Health{State: StateConnected, Generation: gen}, nil)
	go e.resubscribe(gen)
}

// OnDisconnected implements transport.Handler.
func (e *Engine) OnDisconnected(gen uint64, err error) {
	e.reg.OnDisconnect(gen)
	failed := e.corr.FailGeneration(gen)
	if e.metrics != nil {
		e.metrics.ObserveConnection(false, false)
	}
	e.logger.Debug("generation ended", "gen", gen, "failed_requests", failed, "error", err)

	e.setHealth(Health{State: StateReconnecting, Generation: gen, Err: err}, func(cur Health) bool {
		return cur.State != StateClosed
	})
}

// OnFrame implements transport.Handler.
func (e *Engine) OnFrame(gen uint64, data []byte) {
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		e.violation(gen, err)
		return
	}
	switch frame.Kind {
	case wire.FrameResponse:
		e.corr.Resolve(gen, frame.Response)
	case wire.FrameNotification:
		if err := e.router.Route(gen, frame.Notification); err != nil && !errors.Is(err, subscription.ErrUnknownSubscription) {
			e.logger.Debug("push not delivered", "gen", gen, "error", err)
		}
	default:
		e.violation(gen, fmt.Errorf("%w: unexpected %s frame from server", wire.ErrProtocolViolation, frame.Kind))
	}
}

// violation drops a malformed frame. The connection stays open.
func (e *Engine) violation(gen uint64, err error) {
	e.violations.Add(1)
	if e.metrics != nil {
		e.metrics.ObserveProtocolViolation()
	}
	e.logger.Warn("malformed frame dropped", "gen", gen, "error", err)
	e.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: gen,
		Direction:  log.DirectionIn,
		Layer:      log.LayerRPC,
		Category:   log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerRPC,
			Message: err.Error(),
			Context: "decode frame",
		},
	})
}

// onLate releases a subscription whose confirmation arrived after its
// request timed out; the registry already retried with a fresh id.
func (e *Engine) onLate(method string, gen uint64, resp *wire.Response) {
	subject, ok := wire.SubscribeSubject(method)
	if !ok {
		return
	}
	id, err := resp.SubscriptionID()
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		f, err := e.corr.SendOn(e.ctx, gen, subject, wire.UnsubscribeMethod(subject), []any{id})
		if err != nil {
			e.logger.Debug("late subscription not released", "sub_id", id.String(), "gen", gen, "error", err)
			return
		}
		if _, err := f.Wait(e.ctx); err != nil {
			e.logger.Debug("late subscription release failed", "sub_id", id.String(), "error", err)
			return
		}
		e.logger.Info("released late subscription", "sub_id", id.String(), "gen", gen)
	}()
}

// resubscribe binds every queued target on generation gen and reports
// StateReady if gen is still current.
func (e *Engine) resubscribe(gen uint64) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.ResubscribeTimeout)
	defer cancel()
	report := e.disp.ResubscribeAll(ctx)
	if e.metrics != nil {
		e.metrics.ObserveResubscribe(report.Elapsed, len(report.Failed))
	}
	for _, res := range report.Failed {
		e.logger.Warn("target not resubscribed", "target", res.Target.String(), "gen", gen, "error", res.Err)
	}

	e.setHealth(Health{
		State:        StateReady,
		Generation:   gen,
		Resubscribed: report.Succeeded,
		Failed:       report.Failed,
	}, func(cur Health) bool {
		return cur.State == StateConnected && cur.Generation == gen
	})
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// setHealth applies h if cond (when given) holds for the current health,
// and queues it for the handlers.
func (e *Engine) setHealth(h Health, cond func(cur Health) bool) bool {
	h.Time = time.Now()

	e.mu.Lock()
	if cond != nil && !cond(e.health) {
		e.mu.Unlock()
		return false
	}
	if e.closed && h.State != StateClosed {
		e.mu.Unlock()
		return false
	}
	old := e.health.State
	e.health = h
	close(e.changed)
	e.changed = make(chan struct{})
	e.queue = append(e.queue, h)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}

	reason := ""
	if h.Err != nil {
		reason = h.Err.Error()
	}
	e.plog.Log(log.Event{
		Timestamp:  h.Time,
		Generation: h.Generation,
		Layer:      log.LayerSubscription,
		Category:   log.CategoryState,
		RemoteAddr: e.config.URL,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityEngine,
			OldState: old.String(),
			NewState: h.State.String(),
			Reason:   reason,
		},
	})
	e.logger.Info("engine state", "old", old.String(), "new", h.State.String(), "gen", h.Generation)
	return true
}

// deliverHealth runs the health handlers until StateClosed was delivered.
func (e *Engine) deliverHealth() {
	for range e.notify {
		e.mu.Lock()
		queue := e.queue
		e.queue = nil
		handlers := append([]HealthFunc(nil), e.handlers...)
		e.mu.Unlock()

		for _, h := range queue {
			for _, fn := range handlers {
				fn(h)
			}
			if h.State == StateClosed {
				return
			}
		}
	}
}
