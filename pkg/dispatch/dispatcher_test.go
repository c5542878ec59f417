package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/pkg/subscription"
)

// fakeRegistrar answers after a per-target delay and tracks concurrency.
type fakeRegistrar struct {
	delay   map[string]time.Duration
	fail    map[string]error
	pending []subscription.Target

	active  atomic.Int32
	maxSeen atomic.Int32

	mu    sync.Mutex
	calls []string
}

func (f *fakeRegistrar) enter(id string) func() {
	n := f.active.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	return func() { f.active.Add(-1) }
}

func (f *fakeRegistrar) run(ctx context.Context, id string) error {
	defer f.enter(id)()
	select {
	case <-time.After(f.delay[id]):
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.fail[id]
}

func (f *fakeRegistrar) Register(ctx context.Context, reg subscription.Registration) error {
	return f.run(ctx, reg.Target.ID)
}

func (f *fakeRegistrar) Pending() []subscription.Target { return f.pending }

func (f *fakeRegistrar) Resubscribe(ctx context.Context, t subscription.Target) error {
	return f.run(ctx, t.ID)
}

func registration(id string) subscription.Registration {
	return subscription.Registration{
		Key:    subscription.LogicalKey(id + "#v"),
		Target: subscription.AccountTarget(id),
		Decode: func(raw []byte) (any, error) { return raw, nil },
	}
}

func TestSubscribeManyCompletionOrder(t *testing.T) {
	f := &fakeRegistrar{delay: map[string]time.Duration{
		"slow":   150 * time.Millisecond,
		"medium": 75 * time.Millisecond,
		"fast":   0,
	}}
	d := New(f, Config{})

	start := time.Now()
	var order []string
	for res := range d.SubscribeMany(context.Background(), []subscription.Registration{
		registration("slow"), registration("medium"), registration("fast"),
	}) {
		require.NoError(t, res.Err)
		order = append(order, res.Target.ID)
	}

	assert.Equal(t, []string{"fast", "medium", "slow"}, order)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "operations ran serially")
}

func TestSubscribeManyFailureDoesNotCancelSiblings(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeRegistrar{
		delay: map[string]time.Duration{"ok1": 30 * time.Millisecond, "ok2": 30 * time.Millisecond},
		fail:  map[string]error{"bad": boom},
	}
	d := New(f, Config{})

	report := Collect(d.SubscribeMany(context.Background(), []subscription.Registration{
		registration("bad"), registration("ok1"), registration("ok2"),
	}))

	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "bad", report.Failed[0].Target.ID)
	assert.ErrorIs(t, report.Failed[0].Err, boom)
	assert.Equal(t, subscription.LogicalKey("bad#v"), report.Failed[0].Key)
	assert.False(t, report.OK())
}

func TestSubscribeManyRespectsMaxInFlight(t *testing.T) {
	f := &fakeRegistrar{delay: map[string]time.Duration{}}
	var regs []subscription.Registration
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%d", i)
		f.delay[id] = 10 * time.Millisecond
		regs = append(regs, registration(id))
	}
	d := New(f, Config{MaxInFlight: 3})

	report := Collect(d.SubscribeMany(context.Background(), regs))
	assert.Equal(t, 20, report.Succeeded)
	assert.LessOrEqual(t, f.maxSeen.Load(), int32(3))
	assert.Greater(t, f.maxSeen.Load(), int32(1))
}

func TestSubscribeManyEmpty(t *testing.T) {
	d := New(&fakeRegistrar{}, Config{})
	report := Collect(d.SubscribeMany(context.Background(), nil))
	assert.Equal(t, 0, report.Succeeded)
	assert.True(t, report.OK())
}

func TestResubscribeAll(t *testing.T) {
	lost := errors.New("connection lost")
	f := &fakeRegistrar{
		pending: []subscription.Target{
			subscription.AccountTarget("a"),
			subscription.AccountTarget("b"),
			subscription.AccountTarget("c"),
		},
		delay: map[string]time.Duration{"a": 20 * time.Millisecond},
		fail:  map[string]error{"c": lost},
	}
	d := New(f, Config{})

	report := d.ResubscribeAll(context.Background())
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "c", report.Failed[0].Target.ID)
	assert.Empty(t, report.Failed[0].Key)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.calls)
}

func TestResubscribeAllCanceled(t *testing.T) {
	f := &fakeRegistrar{
		pending: []subscription.Target{subscription.AccountTarget("a")},
		delay:   map[string]time.Duration{"a": time.Minute},
	}
	d := New(f, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report := d.ResubscribeAll(ctx)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, context.DeadlineExceeded)
}
