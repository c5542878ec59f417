package engine

import (
	"time"

	"github.com/subplex/subplex-go/pkg/dispatch"
)

// State is the externally visible engine state.
type State uint8

const (
	// StateConnecting is set until the first connection is up.
	StateConnecting State = iota

	// StateConnected means a connection is up but queued targets are still
	// being resubscribed.
	StateConnected

	// StateReconnecting is set after a connection loss.
	StateReconnecting

	// StateReady means the connection is up and every queued target was
	// resubscribed or has failed.
	StateReady

	// StateClosed is final.
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
	StateReady:        "READY",
	StateClosed:       "CLOSED",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Health is the connection-level status of the engine.
type Health struct {
	State      State
	Generation uint64

	// Err is the cause of the last connection loss.
	Err error

	// Resubscribed and Failed describe the resubscribe pass that preceded
	// StateReady.
	Resubscribed int
	Failed       []dispatch.Result

	Time time.Time
}

// HealthFunc receives health changes. Calls are serialized.
type HealthFunc func(Health)
