package mock

import "errors"

// Mock package errors.
var (
	// ErrNotConnected is returned when no client connection is open.
	ErrNotConnected = errors.New("no client connected")

	// ErrConnectionGone is returned when the connection a request arrived
	// on has closed.
	ErrConnectionGone = errors.New("connection gone")

	// ErrSubscriptionNotFound is returned for unknown subscription ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrTimeout is returned by the Wait helpers.
	ErrTimeout = errors.New("timed out waiting")
)
