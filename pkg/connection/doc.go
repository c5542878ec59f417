// Package connection manages the lifecycle of the engine's single upstream
// connection: state tracking, loss detection hand-off and automatic
// reconnection with exponential backoff.
//
// # Reconnection Strategy
//
// After a connection loss the Manager waits, dials, and repeats until it
// succeeds, the attempt budget is exhausted, or it is closed:
//
//  1. Initial delay: 500ms
//  2. Exponential increase by 2 per failed attempt
//  3. Maximum delay: 30 seconds
//  4. Reset to the initial delay after a successful connect
//
// # Jitter
//
// Each delay is randomized symmetrically around the base value:
//
//	actual_delay = base_delay * (1 +/- jitter)
//
// so a fleet of clients dropped by the same endpoint restart does not
// reconnect in lockstep.
package connection
