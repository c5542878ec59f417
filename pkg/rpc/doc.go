// Package rpc correlates JSON-RPC requests with their responses.
//
// Every outbound request gets an id from an injected IDGenerator and an
// entry in the pending table before it is written to the socket. A
// response is matched to its request by id alone; arrival order is
// irrelevant. Each entry also records the connection generation it was
// sent on: a response arriving on another generation is dropped, and
// FailGeneration fails every entry of a connection that went away.
//
// # Usage
//
//	c := rpc.New(session, rpc.Config{Timeout: 10 * time.Second})
//
//	// inbound responses from the read loop
//	c.Resolve(gen, frame.Response)
//
//	// connection loss
//	c.FailGeneration(gen)
//
//	resp, err := c.Call(ctx, "getSlot", nil)
package rpc
