package subscription

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// binding is the per-key value store. Its lifetime follows registration,
// not the wire subscription.
type binding struct {
	key      LogicalKey
	target   Target
	decode   DecodeFunc
	onUpdate UpdateFunc

	mu        sync.Mutex
	value     any
	hasValue  bool
	slot      uint64
	updatedAt time.Time
	lastErr   error
	detached  bool

	// Router queue, guarded by qmu.
	qmu       sync.Mutex
	queue     []job
	scheduled bool
}

func newBinding(reg Registration) *binding {
	return &binding{
		key:      reg.Key,
		target:   reg.Target,
		decode:   reg.Decode,
		onUpdate: reg.OnUpdate,
		value:    reg.Initial,
		hasValue: reg.Initial != nil,
	}
}

type applyResult uint8

const (
	applied applyResult = iota
	stale
	failed
	detached
)

// apply decodes raw and stores the value unless slot is older than the
// last accepted slot. Calls for one binding must be serialized.
func (b *binding) apply(slot uint64, raw []byte, seed bool) (Update, applyResult) {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return Update{}, detached
	}
	if b.hasValue && slot < b.slot {
		b.mu.Unlock()
		return Update{}, stale
	}
	b.mu.Unlock()

	v, err := b.decode(raw)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return Update{}, detached
	}
	now := time.Now()
	u := Update{Key: b.key, Target: b.target, Slot: slot, Seed: seed, Time: now}
	if err != nil {
		b.lastErr = fmt.Errorf("%w: %s: %v", ErrDecodeFailure, b.key, err)
		u.Value = b.value
		u.Err = b.lastErr
		return u, failed
	}
	if b.hasValue && slot < b.slot {
		return Update{}, stale
	}
	b.value = v
	b.hasValue = true
	b.slot = slot
	b.updatedAt = now
	b.lastErr = nil
	u.Value = v
	return u, applied
}

func (b *binding) detach() {
	b.mu.Lock()
	b.detached = true
	b.mu.Unlock()
}

func (b *binding) snapshot() Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Value{
		Key:       b.key,
		Target:    b.target,
		Value:     b.value,
		Slot:      b.slot,
		HasValue:  b.hasValue,
		UpdatedAt: b.updatedAt,
		LastError: b.lastErr,
	}
}

// FanoutKind tells how a target's pushes are delivered.
type FanoutKind uint8

const (
	// FanoutNone means no consumer is attached.
	FanoutNone FanoutKind = iota
	// FanoutSingle delivers to exactly one key.
	FanoutSingle
	// FanoutShared delivers the same raw payload to several keys.
	FanoutShared
)

func (k FanoutKind) String() string {
	switch k {
	case FanoutSingle:
		return "single"
	case FanoutShared:
		return "shared"
	default:
		return "none"
	}
}

// fanout is an immutable delivery plan, rebuilt whenever the consumer set
// of a target changes.
type fanout struct {
	kind FanoutKind
	one  *binding
	many []*binding
}

var emptyFanout = &fanout{kind: FanoutNone}

func newFanout(consumers map[LogicalKey]*binding) *fanout {
	switch len(consumers) {
	case 0:
		return emptyFanout
	case 1:
		for _, b := range consumers {
			return &fanout{kind: FanoutSingle, one: b}
		}
	}
	many := make([]*binding, 0, len(consumers))
	for _, b := range consumers {
		many = append(many, b)
	}
	sort.Slice(many, func(i, j int) bool { return many[i].key < many[j].key })
	return &fanout{kind: FanoutShared, many: many}
}

func (f *fanout) each(fn func(*binding)) {
	switch f.kind {
	case FanoutSingle:
		fn(f.one)
	case FanoutShared:
		for _, b := range f.many {
			fn(b)
		}
	}
}

func (f *fanout) keys() []LogicalKey {
	var keys []LogicalKey
	f.each(func(b *binding) { keys = append(keys, b.key) })
	return keys
}
