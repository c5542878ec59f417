// Package log provides protocol capture for the subscription engine.
//
// It is separate from operational logging (slog). Protocol capture records
// every frame, decoded JSON-RPC message, state change and error as a
// machine-readable event stream that can be replayed with subplex-log.
//
// # Basic Usage
//
//	// Development: protocol events on the console
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Capture to file
//	fl, _ := log.NewFileLogger("/var/log/subplex/session.plog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Layers
//
//   - Transport: raw WebSocket frames and control messages
//   - RPC: decoded requests, confirmations and pushes
//   - Subscription: target state transitions and per-key decode failures
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer keys and
// use the .plog extension.
package log
