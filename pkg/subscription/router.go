package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/subplex/subplex-go/pkg/log"
	"github.com/subplex/subplex-go/pkg/wire"
)

// Default router configuration values.
const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultCloseTimeout = 2 * time.Second
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// Workers is the number of decode shards.
	Workers int `yaml:"workers"`

	// QueueSize bounds the pushes waiting for one key. Push never blocks;
	// when a key's queue is full its oldest push is dropped and counted.
	QueueSize int `yaml:"queue_size"`

	// CloseTimeout bounds how long Close waits for a decoder or callback
	// that is still running.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// OnUpdate receives every update of every key, after the key's own
	// OnUpdate (optional).
	OnUpdate UpdateFunc `yaml:"-"`

	Observer       Observer     `yaml:"-"`
	Logger         *slog.Logger `yaml:"-"`
	ProtocolLogger log.Logger   `yaml:"-"`
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Workers:      DefaultWorkers,
		QueueSize:    DefaultQueueSize,
		CloseTimeout: DefaultCloseTimeout,
	}
}

// RouterStats holds delivery counters.
type RouterStats struct {
	Delivered      uint64
	Stale          uint64
	DecodeFailures uint64
	Unknown        uint64
	Dropped        uint64
	Queued         int
}

type job struct {
	b      *binding
	target Target
	slot   uint64
	raw    []byte
	seed   bool
	done   chan Update
}

// shard is the run queue of one worker. A binding with queued jobs is on
// the run queue of its shard at most once.
type shard struct {
	mu    sync.Mutex
	ready []*binding
	wake  chan struct{}
}

func (s *shard) schedule(b *binding) {
	s.mu.Lock()
	s.ready = append(s.ready, b)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) next() *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	b := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	return b
}

// Router fans pushes out to the keys bound to a subscription. Each key
// has its own bounded queue; jobs of one key run in order on the worker
// of the key's shard.
type Router struct {
	reg          *Registry
	onUpdate     UpdateFunc
	observer     Observer
	logger       *slog.Logger
	plog         log.Logger
	queueSize    int
	closeTimeout time.Duration

	shards    []*shard
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	delivered atomic.Uint64
	stale     atomic.Uint64
	failures  atomic.Uint64
	unknown   atomic.Uint64
	dropped   atomic.Uint64
	queued    atomic.Int64
}

// NewRouter creates a Router resolving pushes through reg and starts its
// workers.
func NewRouter(reg *Registry, config RouterConfig) *Router {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	rt := &Router{
		reg:          reg,
		onUpdate:     config.OnUpdate,
		observer:     config.Observer,
		logger:       config.Logger,
		plog:         log.OrNoop(config.ProtocolLogger),
		queueSize:    config.QueueSize,
		closeTimeout: config.CloseTimeout,
		shards:       make([]*shard, config.Workers),
		done:         make(chan struct{}),
	}
	for i := range rt.shards {
		rt.shards[i] = &shard{wake: make(chan struct{}, 1)}
		rt.wg.Add(1)
		go rt.worker(rt.shards[i])
	}
	return rt
}

// Route delivers a notification received on generation gen. A result of
// the form {"context":{"slot":N},"value":V} is delivered as V at slot N.
func (rt *Router) Route(gen uint64, n *wire.Notification) error {
	slot, value := wire.SplitResult(n.Result)
	return rt.Push(gen, n.Subscription, value, slot)
}

// Push hands raw to the decoder of every key bound to subscription id on
// generation gen. Pushes for unknown subscriptions are counted and
// dropped. Push never waits for a decoder.
func (rt *Router) Push(gen uint64, id wire.SubscriptionID, raw []byte, slot uint64) error {
	fan, target, ok := rt.reg.lookup(gen, id)
	if !ok {
		rt.unknown.Add(1)
		rt.observer.ObserveUnknown()
		rt.logger.Debug("push for unknown subscription dropped", "sub_id", id.String(), "gen", gen)
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	rt.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: gen,
		Direction:  log.DirectionIn,
		Layer:      log.LayerSubscription,
		Category:   log.CategoryMessage,
		Target:     target.String(),
		Message:    log.NotificationMessage(&wire.Notification{Subscription: id, Result: raw}, slot),
	})

	var err error
	fan.each(func(b *binding) {
		if !rt.enqueue(job{b: b, target: target, slot: slot, raw: raw}) {
			err = ErrClosed
		}
	})
	return err
}

// Seed applies an initially fetched value to key, subject to the same
// slot rule as pushes, and waits until it was applied. The value is
// applied by the worker that runs key's callbacks, so Seed must not be
// called from an UpdateFunc: it would wait for its own worker until ctx
// ends. Call it from another goroutine instead.
func (rt *Router) Seed(ctx context.Context, key LogicalKey, slot uint64, raw []byte) (Update, error) {
	b, ok := rt.reg.binding(key)
	if !ok {
		return Update{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	done := make(chan Update, 1)
	if !rt.enqueue(job{b: b, target: b.target, slot: slot, raw: raw, seed: true, done: done}) {
		return Update{}, ErrClosed
	}
	select {
	case u := <-done:
		return u, u.Err
	case <-rt.done:
		return Update{}, ErrClosed
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

func (rt *Router) shardOf(b *binding) *shard {
	return rt.shards[xxhash.Sum64String(string(b.key))%uint64(len(rt.shards))]
}

// enqueue appends j to the queue of its key. A full queue loses its
// oldest push; seeds are never dropped.
func (rt *Router) enqueue(j job) bool {
	select {
	case <-rt.done:
		return false
	default:
	}

	b := j.b
	var lost job
	dropped := false

	b.qmu.Lock()
	if len(b.queue) >= rt.queueSize {
		for i, q := range b.queue {
			if q.done == nil {
				lost, dropped = q, true
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				break
			}
		}
	}
	b.queue = append(b.queue, j)
	idle := !b.scheduled
	b.scheduled = true
	b.qmu.Unlock()

	if dropped {
		rt.dropped.Add(1)
		rt.observer.ObserveDropped(lost.target)
		rt.logger.Debug("queue full, oldest push dropped", "key", string(b.key), "slot", lost.slot)
	} else {
		rt.queued.Add(1)
	}
	if idle {
		rt.shardOf(b).schedule(b)
	}
	return true
}

func (rt *Router) worker(s *shard) {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.done:
			return
		default:
		}
		b := s.next()
		if b == nil {
			select {
			case <-s.wake:
			case <-rt.done:
				return
			}
			continue
		}
		rt.runNext(s, b)
	}
}

// runNext delivers the oldest job of b and puts b back on the run queue
// while jobs remain.
func (rt *Router) runNext(s *shard, b *binding) {
	b.qmu.Lock()
	if len(b.queue) == 0 {
		b.scheduled = false
		b.qmu.Unlock()
		return
	}
	j := b.queue[0]
	b.queue[0] = job{}
	b.queue = b.queue[1:]
	b.qmu.Unlock()
	rt.queued.Add(-1)

	rt.deliver(j)

	b.qmu.Lock()
	more := len(b.queue) > 0
	if !more {
		b.scheduled = false
	}
	b.qmu.Unlock()
	if more {
		s.schedule(b)
	}
}

func (rt *Router) deliver(j job) {
	u, res := j.b.apply(j.slot, j.raw, j.seed)
	switch res {
	case applied:
		rt.delivered.Add(1)
		rt.observer.ObserveDelivered(j.target)
		rt.notify(j.b, u)
	case failed:
		rt.failures.Add(1)
		rt.observer.ObserveDecodeFailure(j.target)
		rt.logger.Warn("decode failed", "key", string(j.b.key), "target", j.target.String(), "slot", j.slot, "error", u.Err)
		rt.notify(j.b, u)
	case stale:
		rt.stale.Add(1)
		rt.observer.ObserveStale(j.target)
		rt.logger.Debug("stale push dropped", "key", string(j.b.key), "slot", j.slot)
	}
	if j.done != nil {
		if res == stale {
			u = Update{Key: j.b.key, Target: j.target, Slot: j.slot, Seed: true}
		}
		j.done <- u
	}
}

func (rt *Router) notify(b *binding, u Update) {
	if b.onUpdate != nil {
		b.onUpdate(u)
	}
	if rt.onUpdate != nil {
		rt.onUpdate(u)
	}
}

// Stats returns delivery counters.
func (rt *Router) Stats() RouterStats {
	return RouterStats{
		Delivered:      rt.delivered.Load(),
		Stale:          rt.stale.Load(),
		DecodeFailures: rt.failures.Load(),
		Unknown:        rt.unknown.Load(),
		Dropped:        rt.dropped.Load(),
		Queued:         int(rt.queued.Load()),
	}
}

// Close stops the workers. Queued pushes are dropped. A decoder or
// callback still running after CloseTimeout is left to finish on its own.
func (rt *Router) Close() {
	rt.closeOnce.Do(func() {
		close(rt.done)
	})
	stopped := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(stopped)
	}()
	timer := time.NewTimer(rt.closeTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		rt.logger.Warn("router closed while a delivery is still running", "timeout", rt.closeTimeout)
	}
}
