// Package transport owns the physical WebSocket to the JSON-RPC endpoint.
//
// A Conn is one connection generation: one dialed WebSocket with exactly
// one reader goroutine and serialized writes. A Session strings
// generations together: it dials, detects loss (read errors, keep-alive
// timeouts), reconnects with backoff through connection.Manager, and tags
// every inbound frame with the generation it arrived on so that stale
// frames can be discarded upstream.
//
// # Protocol Stack
//
//	+--------------------------------+
//	|   JSON-RPC 2.0 text frames     |
//	+--------------------------------+
//	|   WebSocket (RFC 6455)         |
//	+--------------------------------+
//	|   TLS (wss://) or plain TCP    |
//	+--------------------------------+
//
// # Keep-Alive
//
// Liveness is monitored with WebSocket ping/pong control frames carrying a
// sequence number:
//   - Ping interval: 20 seconds
//   - Pong timeout: 10 seconds
//   - Max missed pongs: 2
//   - Maximum detection delay: 50 seconds
package transport
