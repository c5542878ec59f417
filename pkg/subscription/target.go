package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/subplex/subplex-go/pkg/wire"
)

// LogicalKey identifies one consumer's interpretation of a target, e.g.
// "<address>#balance".
type LogicalKey string

// SubjectAccount is the subject of account feeds.
const SubjectAccount = "account"

// Target is the subject of one wire subscription.
type Target struct {
	// Subject selects the method family: "account" maps to
	// accountSubscribe, accountUnsubscribe and accountNotification.
	Subject string

	// ID is the subject identity, e.g. an account address.
	ID string
}

// AccountTarget returns the account subscription target for address.
func AccountTarget(address string) Target {
	return Target{Subject: SubjectAccount, ID: address}
}

// ParseTarget parses "subject:id". A bare id is an account target.
func ParseTarget(s string) (Target, error) {
	subject, id, found := strings.Cut(s, ":")
	if !found {
		subject, id = SubjectAccount, s
	}
	t := Target{Subject: subject, ID: id}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

func (t Target) String() string {
	return t.Subject + ":" + t.ID
}

// Validate checks that both parts are set.
func (t Target) Validate() error {
	if t.Subject == "" || t.ID == "" {
		return fmt.Errorf("%w: target %q needs subject and id", ErrInvalidRegistration, t.String())
	}
	return nil
}

// SubscribeMethod returns the method that subscribes to the target.
func (t Target) SubscribeMethod() string { return wire.SubscribeMethod(t.Subject) }

// UnsubscribeMethod returns the method that releases the target.
func (t Target) UnsubscribeMethod() string { return wire.UnsubscribeMethod(t.Subject) }

// State is the lifecycle state of a target.
type State uint8

const (
	StateUnbound State = iota
	StatePendingSubscribe
	StateBound
	StatePendingResubscribe
	StatePendingUnsubscribe
)

var stateNames = map[State]string{
	StateUnbound:            "UNBOUND",
	StatePendingSubscribe:   "PENDING_SUBSCRIBE",
	StateBound:              "BOUND",
	StatePendingResubscribe: "PENDING_RESUBSCRIBE",
	StatePendingUnsubscribe: "PENDING_UNSUBSCRIBE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// DecodeFunc turns a raw push value into a consumer value. raw is shared
// with the other keys of the target and must not be modified.
type DecodeFunc func(raw []byte) (any, error)

// Update is delivered to a key's UpdateFunc after a push or seed was
// applied, or when its decoder failed.
type Update struct {
	Key    LogicalKey
	Target Target
	Slot   uint64
	Value  any

	// Err wraps ErrDecodeFailure when the decoder rejected the payload.
	// Value then holds the previous value.
	Err error

	// Seed is set for values from the initial fetch.
	Seed bool

	Time time.Time
}

// UpdateFunc receives updates for one key. Calls for a key are
// serialized and run on a router worker; a slow UpdateFunc delays the
// keys sharing that worker, never frame reception.
type UpdateFunc func(Update)

// Registration describes one logical key.
type Registration struct {
	Key    LogicalKey
	Target Target

	// Options is appended to the subscribe params after the target id,
	// e.g. {"encoding":"jsonParsed","commitment":"confirmed"}.
	Options map[string]any

	Decode DecodeFunc

	// Initial is the value reported before the first push (optional).
	Initial any

	// OnUpdate is called after every applied push (optional).
	OnUpdate UpdateFunc
}

// Validate checks the registration.
func (r Registration) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRegistration)
	}
	if r.Decode == nil {
		return fmt.Errorf("%w: key %q has no decoder", ErrInvalidRegistration, r.Key)
	}
	return r.Target.Validate()
}

// SubscribeParams returns the params array for the target's subscribe
// request.
func (r Registration) SubscribeParams() []any {
	if len(r.Options) == 0 {
		return []any{r.Target.ID}
	}
	return []any{r.Target.ID, r.Options}
}

// TargetInfo is a snapshot of one target.
type TargetInfo struct {
	Target         Target
	State          State
	SubscriptionID wire.SubscriptionID
	Generation     uint64
	Fanout         FanoutKind
	Keys           []LogicalKey
	Resubscribes   int
	LastError      error
}

// Value is a snapshot of one key's binding.
type Value struct {
	Key       LogicalKey
	Target    Target
	Value     any
	Slot      uint64
	HasValue  bool
	UpdatedAt time.Time
	LastError error
}
