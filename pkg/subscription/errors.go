package subscription

import "errors"

// Registry and router errors.
var (
	// ErrKeyExists is returned when a LogicalKey is registered twice.
	ErrKeyExists = errors.New("logical key already registered")

	// ErrKeyNotFound is returned for operations on an unknown key.
	ErrKeyNotFound = errors.New("logical key not found")

	// ErrInvalidRegistration is returned for incomplete registrations.
	ErrInvalidRegistration = errors.New("invalid registration")

	// ErrDecodeFailure wraps a decoder error reported on one key.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrUnknownSubscription marks a push for a subscription id with no
	// bound target. Such pushes are counted and discarded.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrUnsubscribeRejected is returned when the server answers an
	// unsubscribe with false.
	ErrUnsubscribeRejected = errors.New("unsubscribe rejected")

	// ErrTargetRemoved is returned to waiters whose target was released
	// before it was bound.
	ErrTargetRemoved = errors.New("target removed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry closed")
)
