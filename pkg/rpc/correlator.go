package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/subplex/subplex-go/pkg/log"
	"github.com/subplex/subplex-go/pkg/transport"
	"github.com/subplex/subplex-go/pkg/wire"
)

// DefaultTimeout bounds the wait for a confirmation.
const DefaultTimeout = 10 * time.Second

// LateFunc is called for a success response that arrives after its
// request timed out, e.g. to release a server-side subscription nobody
// is waiting for.
type LateFunc func(method string, gen uint64, resp *wire.Response)

// Config configures a Correlator.
type Config struct {
	Timeout time.Duration

	// IDs defaults to NewCounter(0).
	IDs IDGenerator

	// OnLate receives late success responses (optional).
	OnLate LateFunc

	Observer       Observer
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

type pending struct {
	id     uint64
	method string
	target string
	gen    uint64
	sentAt time.Time
	timer  *time.Timer
	future *Future
}

type expired struct {
	method string
	gen    uint64
	at     time.Time
}

// PendingInfo describes an in-flight request.
type PendingInfo struct {
	ID         uint64
	Method     string
	Target     string
	Generation uint64
	Age        time.Duration
}

// Correlator owns the pending-request table.
type Correlator struct {
	sender   transport.Sender
	timeout  time.Duration
	ids      IDGenerator
	onLate   LateFunc
	observer Observer
	logger   *slog.Logger
	plog     log.Logger

	mu      sync.Mutex
	pending map[uint64]*pending
	expired map[uint64]expired
	closed  bool
}

// New creates a Correlator writing through sender.
func New(sender transport.Sender, cfg Config) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = NewCounter(0)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Correlator{
		sender:   sender,
		timeout:  cfg.Timeout,
		ids:      cfg.IDs,
		onLate:   cfg.OnLate,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		plog:     log.OrNoop(cfg.ProtocolLogger),
		pending:  make(map[uint64]*pending),
		expired:  make(map[uint64]expired),
	}
}

// Timeout returns the confirmation timeout.
func (c *Correlator) Timeout() time.Duration { return c.timeout }

// Send writes a request on the current generation and returns a Future
// for its response. target is informational (logs, introspection).
func (c *Correlator) Send(ctx context.Context, target, method string, params any) (*Future, error) {
	return c.send(ctx, 0, target, method, params)
}

// SendOn is Send pinned to generation gen. It fails with ErrConnectionLost
// if gen is no longer current, e.g. for an unsubscribe whose subscription
// id belongs to a dropped connection.
func (c *Correlator) SendOn(ctx context.Context, gen uint64, target, method string, params any) (*Future, error) {
	if gen == 0 {
		return nil, fmt.Errorf("%w: no generation", ErrConnectionLost)
	}
	return c.send(ctx, gen, target, method, params)
}

func (c *Correlator) send(ctx context.Context, want uint64, target, method string, params any) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen, ok := c.sender.Generation()
	if !ok {
		return nil, ErrNotConnected
	}
	if want != 0 && gen != want {
		return nil, fmt.Errorf("%w: generation %d replaced by %d", ErrConnectionLost, want, gen)
	}

	id := c.ids.Next()
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	p := &pending{
		id:     id,
		method: method,
		target: target,
		gen:    gen,
		future: &Future{ID: id, Method: method, Generation: gen, owner: c, done: make(chan struct{})},
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("request id %d already pending", id)
	}
	p.sentAt = time.Now()
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.pending[id] = p
	n := len(c.pending)
	c.mu.Unlock()
	c.observer.ObservePending(n)

	if err := c.sender.Send(gen, data); err != nil {
		if errors.Is(err, transport.ErrStaleGeneration) || errors.Is(err, transport.ErrConnectionClosed) ||
			errors.Is(err, transport.ErrNotConnected) {
			err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		if c.take(id) != nil {
			c.observer.ObserveRequest(method, OutcomeSendFailed, 0)
			p.future.complete(nil, err)
		}
		return nil, err
	}

	c.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: gen,
		Direction:  log.DirectionOut,
		Layer:      log.LayerRPC,
		Category:   log.CategoryMessage,
		Target:     target,
		Message:    log.RequestMessage(req),
	})
	c.logger.Debug("request sent", "req_id", id, "method", method, "target", target, "gen", gen)
	return p.future, nil
}

// Call sends a request and waits for its response. A JSON-RPC error
// object is returned as *wire.RPCError together with the response.
func (c *Correlator) Call(ctx context.Context, method string, params any) (*wire.Response, error) {
	f, err := c.Send(ctx, "", method, params)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Resolve completes the request matching resp.ID on generation gen. It
// returns false if no such request is pending.
func (c *Correlator) Resolve(gen uint64, resp *wire.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if !ok || p.gen != gen {
		late, wasExpired := c.expired[resp.ID]
		if wasExpired && late.gen == gen {
			delete(c.expired, resp.ID)
		}
		c.mu.Unlock()

		c.observer.ObserveUnmatched()
		if wasExpired && late.gen == gen && resp.Error == nil && c.onLate != nil {
			c.logger.Warn("late confirmation", "req_id", resp.ID, "method", late.method, "gen", gen)
			c.onLate(late.method, gen, resp)
		} else {
			c.logger.Debug("unmatched response dropped", "req_id", resp.ID, "gen", gen)
		}
		return false
	}
	delete(c.pending, resp.ID)
	p.timer.Stop()
	n := len(c.pending)
	c.mu.Unlock()

	latency := time.Since(p.sentAt)
	c.observer.ObservePending(n)
	c.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: gen,
		Direction:  log.DirectionIn,
		Layer:      log.LayerRPC,
		Category:   log.CategoryMessage,
		Target:     p.target,
		Message:    log.ResponseMessage(resp, latency),
	})

	if resp.Error != nil {
		c.observer.ObserveRequest(p.method, OutcomeRPCError, latency)
		p.future.complete(resp, resp.Error)
	} else {
		c.observer.ObserveRequest(p.method, OutcomeOK, latency)
		p.future.complete(resp, nil)
	}
	return true
}

// FailGeneration fails every request sent on generation gen (and any
// older one) with ErrConnectionLost. It returns the number failed.
func (c *Correlator) FailGeneration(gen uint64) int {
	c.mu.Lock()
	var failed []*pending
	for id, p := range c.pending {
		if p.gen <= gen {
			p.timer.Stop()
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	for id, e := range c.expired {
		if e.gen <= gen {
			delete(c.expired, id)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if len(failed) == 0 {
		return 0
	}
	c.observer.ObservePending(n)
	err := fmt.Errorf("%w: generation %d", ErrConnectionLost, gen)
	for _, p := range failed {
		c.observer.ObserveRequest(p.method, OutcomeConnectionLost, time.Since(p.sentAt))
		p.future.complete(nil, err)
	}
	c.logger.Debug("failed pending requests", "gen", gen, "count", len(failed))
	return len(failed)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingRequests returns in-flight requests ordered by id.
func (c *Correlator) PendingRequests() []PendingInfo {
	now := time.Now()
	c.mu.Lock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingInfo{
			ID:         p.id,
			Method:     p.method,
			Target:     p.target,
			Generation: p.gen,
			Age:        now.Sub(p.sentAt),
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close fails all pending requests with ErrClosed and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	all := c.pending
	c.pending = make(map[uint64]*pending)
	c.expired = make(map[uint64]expired)
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.future.complete(nil, ErrClosed)
	}
}

func (c *Correlator) expire(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	now := time.Now()
	c.expired[id] = expired{method: p.method, gen: p.gen, at: now}
	for eid, e := range c.expired {
		if now.Sub(e.at) > 2*c.timeout {
			delete(c.expired, eid)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.observer.ObservePending(n)
	c.observer.ObserveRequest(p.method, OutcomeTimeout, c.timeout)
	c.logger.Warn("confirmation timeout", "req_id", id, "method", p.method, "target", p.target, "gen", p.gen)
	p.future.complete(nil, fmt.Errorf("%w: %s id=%d after %s", ErrConfirmationTimeout, p.method, id, c.timeout))
}

// take removes a pending entry without completing it.
func (c *Correlator) take(id uint64) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(c.pending, id)
	return p
}

func (c *Correlator) cancel(id uint64) {
	if p := c.take(id); p != nil {
		c.observer.ObserveRequest(p.method, OutcomeCanceled, time.Since(p.sentAt))
		p.future.complete(nil, context.Canceled)
	}
}
