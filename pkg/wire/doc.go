// Package wire defines the JSON-RPC 2.0 frame types exchanged with a
// publish/subscribe endpoint over WebSocket.
//
// # Frame Kinds
//
// Three kinds of frames travel on the socket:
//   - Request: client to server, carries a numeric id
//   - Response: server to client, echoes the request id with a result or error
//   - Notification: server to client, carries no id and is routed by
//     params.subscription
//
// # Subscription Handles
//
// Servers are free to hand out subscription handles as JSON numbers or
// strings. SubscriptionID keeps the raw token so it can be echoed back
// verbatim in an unsubscribe request.
//
// # Slots
//
// Notification results of the form {"context":{"slot":N},"value":V} carry a
// slot; SplitResult separates the slot from the value handed to decoders.
package wire
