package rpc

import "errors"

// Correlator errors.
var (
	// ErrConnectionLost fails requests whose connection generation ended.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConfirmationTimeout fails requests not answered within the timeout.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrNotConnected is returned when no live connection is available.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("correlator closed")
)

// IsRetryable reports whether a failed request may be resent with a new id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConfirmationTimeout)
}

// IsDisconnect reports whether err means the request never got an answer
// because the connection is gone.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}
