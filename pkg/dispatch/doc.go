// Package dispatch issues subscribe operations concurrently.
//
// SubscribeMany starts every registration at once (bounded by
// MaxInFlight) and reports each outcome as soon as it is known. A failed
// target never cancels its siblings. ResubscribeAll does the same for the
// targets queued by a connection loss and is what gates the engine's
// Ready state after a reconnect.
package dispatch
