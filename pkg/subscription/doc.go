// Package subscription multiplexes logical subscriptions onto wire
// subscriptions.
//
// A LogicalKey is one consumer's decoded view of a Target. Any number of
// keys may share a target; the Registry keeps at most one wire
// subscription per target and binds the target's consumer set to the
// server-assigned subscription id.
//
// # Target Lifecycle
//
//	Unbound -> PendingSubscribe -> Bound(id)
//	Bound -> PendingResubscribe -> Bound(newID)      (connection loss)
//	Bound -> PendingUnsubscribe -> Unbound           (last key removed)
//
// Transitions happen only on confirmations, explicit unregistration and
// connection events. The subscribe params are kept for the target's
// lifetime and resent verbatim after a reconnect; the new subscription id
// is bound to the same consumers by target identity.
//
// # Delivery
//
// The Router resolves a push by (generation, subscription id) and hands
// the raw value to every bound key's decoder on a worker pool sharded by
// key, so each key sees its pushes in order while sibling keys decode in
// parallel. A key accepts a push only if its slot is not older than the
// last accepted one. A decode failure is reported on that key alone.
//
// # Subscription Parameters
//
// The first registration of a target decides its subscribe params. Later
// keys on the same target share that wire subscription as-is.
package subscription
