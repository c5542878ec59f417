package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/subplex/subplex-go/pkg/log"
	"github.com/subplex/subplex-go/pkg/rpc"
	"github.com/subplex/subplex-go/pkg/wire"
)

// Default registry configuration values.
const (
	DefaultMaxRetries   = 3
	DefaultRetryInitial = 250 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second
)

// Requester issues correlated requests.
type Requester interface {
	Send(ctx context.Context, target, method string, params any) (*rpc.Future, error)
	SendOn(ctx context.Context, gen uint64, target, method string, params any) (*rpc.Future, error)
}

var _ Requester = (*rpc.Correlator)(nil)

// Config configures a Registry.
type Config struct {
	// MaxRetries bounds how often a timed-out subscribe is resent with a
	// fresh request id. Negative disables retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryInitial and RetryMax shape the delay between retries.
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`

	Observer       Observer     `yaml:"-"`
	Logger         *slog.Logger `yaml:"-"`
	ProtocolLogger log.Logger   `yaml:"-"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		RetryInitial: DefaultRetryInitial,
		RetryMax:     DefaultRetryMax,
	}
}

type handle struct {
	gen uint64
	id  wire.SubscriptionID
}

// entry is the registry's record of one target.
type entry struct {
	target Target
	params []any
	state  State

	// Physical subscription, valid while Bound.
	id  wire.SubscriptionID
	gen uint64

	consumers map[LogicalKey]*binding
	fan       *fanout

	// inflight is set while a subscribe driver owns the entry.
	inflight bool
	kickedAt uint64

	everBound    bool
	removed      bool
	resubscribes int
	lastErr      error

	// changed is closed and replaced on every update.
	changed chan struct{}
}

func (e *entry) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Registry keeps at most one wire subscription per target and tracks the
// logical keys bound to it.
type Registry struct {
	req      Requester
	config   Config
	observer Observer
	logger   *slog.Logger
	plog     log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	entries   map[Target]*entry
	keys      map[LogicalKey]*entry
	handles   map[handle]*entry
	gen       uint64
	connected bool
	closed    bool
}

// NewRegistry creates a Registry that subscribes through req.
func NewRegistry(req Requester, config Config) *Registry {
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		req:      req,
		config:   config,
		observer: config.Observer,
		logger:   config.Logger,
		plog:     log.OrNoop(config.ProtocolLogger),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[Target]*entry),
		keys:     make(map[LogicalKey]*entry),
		handles:  make(map[handle]*entry),
	}
}

// Register attaches a logical key to its target and blocks until the
// target is bound. Only the first key of a target sends a subscribe;
// later keys share it. While disconnected the target is queued and bound
// after the next reconnect.
//
// If ctx ends first the key is unregistered again and ctx.Err() returned.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, dup := r.keys[reg.Key]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyExists, reg.Key)
	}

	e, exists := r.entries[reg.Target]
	if !exists {
		e = &entry{
			target:    reg.Target,
			params:    reg.SubscribeParams(),
			consumers: make(map[LogicalKey]*binding),
			fan:       emptyFanout,
			changed:   make(chan struct{}),
		}
		r.entries[reg.Target] = e
	}
	e.consumers[reg.Key] = newBinding(reg)
	e.fan = newFanout(e.consumers)
	r.keys[reg.Key] = e

	switch e.state {
	case StateUnbound:
		if r.connected {
			r.kick(e, StatePendingSubscribe)
		} else {
			r.setState(e, StatePendingResubscribe, "queued until connected")
		}
	case StatePendingResubscribe:
		if r.connected && !e.inflight {
			r.kick(e, StatePendingResubscribe)
		}
	}
	// Bound targets need nothing; a PendingUnsubscribe target is
	// resubscribed once its unsubscribe completes.
	shared := exists
	r.mu.Unlock()

	r.logger.Debug("key registered", "key", string(reg.Key), "target", reg.Target.String(), "shared", shared)
	return r.awaitBound(ctx, e, reg.Key)
}

// awaitBound waits until key's target is bound.
func (r *Registry) awaitBound(ctx context.Context, e *entry, key LogicalKey) error {
	for {
		r.mu.RLock()
		_, attached := e.consumers[key]
		state, removed, lastErr, changed := e.state, e.removed, e.lastErr, e.changed
		closed := r.closed
		r.mu.RUnlock()

		switch {
		case closed:
			return ErrClosed
		case removed || !attached:
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("%w: %s", ErrTargetRemoved, e.target)
		case state == StateBound:
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if err := r.Unregister(context.Background(), key); err != nil {
				r.logger.Warn("release after canceled registration failed", "key", string(key), "error", err)
			}
			return ctx.Err()
		}
	}
}

// Unregister detaches key from its target. When the last key of a bound
// target leaves, the wire subscription is released. If the subscribe is
// still in flight the unsubscribe follows its confirmation. Unregistering
// an unknown key is a no-op.
func (r *Registry) Unregister(ctx context.Context, key LogicalKey) error {
	r.mu.Lock()
	e, ok := r.keys[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	b := e.consumers[key]
	delete(r.keys, key)
	delete(e.consumers, key)
	b.detach()
	e.fan = newFanout(e.consumers)
	e.signal()

	if len(e.consumers) > 0 || e.inflight {
		r.mu.Unlock()
		r.logger.Debug("key unregistered", "key", string(key), "target", e.target.String())
		return nil
	}

	switch e.state {
	case StateBound:
		gen, id := e.gen, e.id
		delete(r.handles, handle{gen: gen, id: id})
		r.setState(e, StatePendingUnsubscribe, "last key removed")
		closed := r.closed
		r.mu.Unlock()
		if closed {
			r.finishUnsubscribe(e)
			return nil
		}
		return r.unsubscribe(ctx, e, gen, id)
	case StatePendingUnsubscribe:
		// The running unsubscribe finishes the release.
	default:
		r.release(e, "last key removed")
	}
	r.mu.Unlock()
	r.logger.Debug("key unregistered", "key", string(key), "target", e.target.String())
	return nil
}

// unsubscribe releases subscription id of generation gen and then settles
// the entry. A dropped connection counts as released.
func (r *Registry) unsubscribe(ctx context.Context, e *entry, gen uint64, id wire.SubscriptionID) error {
	err := r.sendUnsubscribe(ctx, e.target, gen, id)
	r.finishUnsubscribe(e)

	if err != nil && !rpc.IsDisconnect(err) {
		r.logger.Warn("unsubscribe failed", "target", e.target.String(), "sub_id", id.String(), "error", err)
		return fmt.Errorf("unsubscribe %s: %w", e.target, err)
	}
	return nil
}

func (r *Registry) sendUnsubscribe(ctx context.Context, t Target, gen uint64, id wire.SubscriptionID) error {
	fut, err := r.req.SendOn(ctx, gen, t.String(), t.UnsubscribeMethod(), []any{id})
	if err != nil {
		return err
	}
	resp, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	ok, err := resp.Bool()
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsubscribeRejected
	}
	return nil
}

// finishUnsubscribe completes PendingUnsubscribe. Keys registered in the
// meantime get a fresh subscribe.
func (r *Registry) finishUnsubscribe(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case len(e.consumers) == 0 || r.closed:
		r.release(e, "unsubscribed")
	case r.connected:
		r.kick(e, StatePendingSubscribe)
	default:
		r.setState(e, StatePendingResubscribe, "queued until connected")
	}
}

// release drops the entry. Caller holds r.mu.
func (r *Registry) release(e *entry, reason string) {
	if r.entries[e.target] == e {
		delete(r.entries, e.target)
	}
	if e.state == StateBound {
		delete(r.handles, handle{gen: e.gen, id: e.id})
	}
	e.id = ""
	e.removed = true
	r.setState(e, StateUnbound, reason)
}

// kick starts a subscribe driver. Caller holds r.mu.
func (r *Registry) kick(e *entry, state State) {
	e.inflight = true
	e.kickedAt = r.gen
	r.setState(e, state, "")
	r.wg.Add(1)
	go r.drive(e)
}

// drive subscribes e, resending with a fresh request id on confirmation
// timeouts.
func (r *Registry) drive(e *entry) {
	defer r.wg.Done()

	var retry backoff.BackOff
	for {
		gen, id, err := r.subscribeOnce(e)
		if err != nil && rpc.IsRetryable(err) && r.wantsRetry(e) {
			if retry == nil {
				retry = r.newRetry()
			}
			if d := retry.NextBackOff(); d != backoff.Stop {
				r.observer.ObserveRetry(e.target)
				r.logger.Warn("subscribe timed out, retrying", "target", e.target.String(), "delay", d)
				timer := time.NewTimer(d)
				select {
				case <-timer.C:
					continue
				case <-r.ctx.Done():
					timer.Stop()
					err = ErrClosed
				}
			}
		}
		r.settle(e, gen, id, err)
		return
	}
}

func (r *Registry) newRetry() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.RetryInitial
	eb.MaxInterval = r.config.RetryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	if r.config.MaxRetries < 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(eb, uint64(r.config.MaxRetries))
}

func (r *Registry) wantsRetry(e *entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && r.connected && len(e.consumers) > 0
}

func (r *Registry) subscribeOnce(e *entry) (uint64, wire.SubscriptionID, error) {
	fut, err := r.req.Send(r.ctx, e.target.String(), e.target.SubscribeMethod(), e.params)
	if err != nil {
		return 0, "", err
	}
	resp, err := fut.Wait(r.ctx)
	if err != nil {
		return fut.Generation, "", err
	}
	id, err := resp.SubscriptionID()
	return fut.Generation, id, err
}

// settle applies the outcome of a subscribe attempt.
func (r *Registry) settle(e *entry, gen uint64, id wire.SubscriptionID, err error) {
	r.mu.Lock()
	e.inflight = false

	if r.closed {
		e.lastErr = ErrClosed
		e.signal()
		r.mu.Unlock()
		return
	}

	if err == nil {
		switch {
		case len(e.consumers) == 0:
			r.setState(e, StatePendingUnsubscribe, "released while subscribing")
			r.mu.Unlock()
			_ = r.unsubscribe(r.ctx, e, gen, id)
			return
		case !r.connected || gen != r.gen:
			e.lastErr = rpc.ErrConnectionLost
			r.requeue(e, gen, "confirmed on a lost connection")
		default:
			if e.everBound {
				e.resubscribes++
			}
			e.everBound = true
			e.id, e.gen, e.lastErr = id, gen, nil
			r.handles[handle{gen: gen, id: id}] = e
			r.setState(e, StateBound, "")
			r.logger.Debug("target bound", "target", e.target.String(), "sub_id", id.String(), "gen", gen, "keys", len(e.consumers))
		}
		r.mu.Unlock()
		return
	}

	e.lastErr = err
	switch {
	case len(e.consumers) == 0:
		r.release(e, "released while subscribing")
	case rpc.IsDisconnect(err):
		r.requeue(e, gen, err.Error())
	case !e.everBound:
		for key, b := range e.consumers {
			b.detach()
			delete(r.keys, key)
		}
		e.consumers = make(map[LogicalKey]*binding)
		e.fan = emptyFanout
		r.release(e, err.Error())
		r.logger.Warn("subscribe failed", "target", e.target.String(), "error", err)
	default:
		r.setState(e, StatePendingResubscribe, err.Error())
		r.logger.Warn("resubscribe failed", "target", e.target.String(), "error", err)
	}
	r.mu.Unlock()
}

// requeue parks e until the next connection, or resubscribes right away
// if a newer connection is already up. Caller holds r.mu.
func (r *Registry) requeue(e *entry, gen uint64, reason string) {
	if r.connected && r.gen != e.kickedAt {
		r.kick(e, StatePendingResubscribe)
		return
	}
	r.setState(e, StatePendingResubscribe, reason)
}

// OnConnect records generation gen as live. Queued targets are subscribed
// by Resubscribe.
func (r *Registry) OnConnect(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen = gen
	r.connected = true
}

// OnDisconnect drops every physical subscription of generation gen. Bound
// targets keep their keys and become PendingResubscribe.
func (r *Registry) OnDisconnect(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen < r.gen {
		return
	}
	r.connected = false
	for _, e := range r.entries {
		if e.state == StateBound {
			e.id = ""
			r.setState(e, StatePendingResubscribe, "connection lost")
		}
	}
	r.handles = make(map[handle]*entry)
}

// Pending returns the targets waiting to be (re)subscribed.
func (r *Registry) Pending() []Target {
	r.mu.RLock()
	var out []Target
	for t, e := range r.entries {
		if e.state == StatePendingResubscribe || e.state == StatePendingSubscribe {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sortTargets(out)
	return out
}

// Resubscribe subscribes a queued target and waits for the attempt to
// finish. It returns nil if the target is bound or gone.
func (r *Registry) Resubscribe(ctx context.Context, t Target) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e := r.entries[t]
	if e == nil {
		r.mu.Unlock()
		return nil
	}
	if e.state == StatePendingResubscribe && !e.inflight {
		if !r.connected {
			r.mu.Unlock()
			return rpc.ErrNotConnected
		}
		r.kick(e, StatePendingResubscribe)
	}
	r.mu.Unlock()
	return r.awaitAttempt(ctx, e)
}

func (r *Registry) awaitAttempt(ctx context.Context, e *entry) error {
	for {
		r.mu.RLock()
		inflight, state, removed, lastErr, changed := e.inflight, e.state, e.removed, e.lastErr, e.changed
		closed := r.closed
		r.mu.RUnlock()

		switch {
		case closed:
			return ErrClosed
		case removed:
			return nil
		case !inflight:
			if state == StatePendingResubscribe {
				if lastErr == nil {
					return rpc.ErrNotConnected
				}
				return lastErr
			}
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lookup resolves a push handle to the target's delivery plan.
func (r *Registry) lookup(gen uint64, id wire.SubscriptionID) (*fanout, Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handles[handle{gen: gen, id: id}]
	if !ok {
		return nil, Target{}, false
	}
	return e.fan, e.target, true
}

func (r *Registry) binding(key LogicalKey) (*binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[key]
	if !ok {
		return nil, false
	}
	b, ok := e.consumers[key]
	return b, ok
}

// Value returns the current binding of key.
func (r *Registry) Value(key LogicalKey) (Value, bool) {
	b, ok := r.binding(key)
	if !ok {
		return Value{}, false
	}
	return b.snapshot(), true
}

// TargetOf returns the target key is attached to.
func (r *Registry) TargetOf(key LogicalKey) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[key]
	if !ok {
		return Target{}, false
	}
	return e.target, true
}

// Params returns the target of key and the params its subscribe was sent
// with.
func (r *Registry) Params(key LogicalKey) (Target, []any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[key]
	if !ok {
		return Target{}, nil, false
	}
	return e.target, append([]any(nil), e.params...), true
}

// Keys returns all registered keys in order.
func (r *Registry) Keys() []LogicalKey {
	r.mu.RLock()
	keys := make([]LogicalKey, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Targets returns a snapshot of all targets.
func (r *Registry) Targets() []TargetInfo {
	r.mu.RLock()
	out := make([]TargetInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := TargetInfo{
			Target:       e.target,
			State:        e.state,
			Fanout:       e.fan.kind,
			Keys:         e.fan.keys(),
			Resubscribes: e.resubscribes,
			LastError:    e.lastErr,
		}
		if e.state == StateBound {
			info.SubscriptionID = e.id
			info.Generation = e.gen
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target.String() < out[j].Target.String() })
	return out
}

// StateCounts returns the number of targets per state.
func (r *Registry) StateCounts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int, len(stateNames))
	for _, e := range r.entries {
		counts[e.state]++
	}
	return counts
}

// Close stops all drivers. Registered keys stay readable.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.entries {
		e.signal()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// setState moves e to state to and wakes waiters. Caller holds r.mu.
func (r *Registry) setState(e *entry, to State, reason string) {
	from := e.state
	e.state = to
	e.signal()
	if from == to {
		return
	}
	r.observer.ObserveTransition(e.target, from, to)
	r.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: r.gen,
		Layer:      log.LayerSubscription,
		Category:   log.CategoryState,
		Target:     e.target.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTarget,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

func sortTargets(ts []Target) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].String() < ts[j].String() })
}
