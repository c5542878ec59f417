// Package mock provides a scriptable JSON-RPC pub/sub node for testing.
//
// The node speaks the account-feed dialect over WebSocket: <subject>Subscribe
// returns a numeric subscription id, <subject>Unsubscribe returns a boolean
// and getAccountInfo answers from a configurable account table. Tests can
// hold subscribe confirmations and release them in any order, push
// notifications, inject raw frames and drop connections.
package mock

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/subplex/subplex-go/pkg/wire"
)

// Call is a request received by the node.
type Call struct {
	// Conn is the 1-based index of the connection it arrived on.
	Conn int

	Request *wire.Request
}

// Target returns the first param as a string (the subscribed address).
func (c *Call) Target() string {
	var params []any
	if err := json.Unmarshal(c.Request.Params, &params); err != nil || len(params) == 0 {
		return ""
	}
	s, _ := params[0].(string)
	return s
}

// Subscription is an active subscription on the node.
type Subscription struct {
	ID      wire.SubscriptionID
	Subject string
	Target  string
	Conn    int
}

type account struct {
	slot  uint64
	value json.RawMessage
}

type nodeConn struct {
	index   int
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Node is a mock JSON-RPC WebSocket endpoint.
type Node struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	cond        *sync.Cond
	conns       map[int]*nodeConn
	connCount   int
	headers     map[int]http.Header
	autoConfirm bool
	reject      map[string]*wire.RPCError
	held        []*Call
	calls       []*Call
	nextSub     uint64
	subs        map[wire.SubscriptionID]*Subscription
	accounts    map[string]account
	closed      bool
}

// NewNode starts a node. Subscribes are confirmed automatically until
// SetAutoConfirm(false).
func NewNode() *Node {
	n := &Node{
		conns:       make(map[int]*nodeConn),
		headers:     make(map[int]http.Header),
		autoConfirm: true,
		reject:      make(map[string]*wire.RPCError),
		nextSub:     1000,
		subs:        make(map[wire.SubscriptionID]*Subscription),
		accounts:    make(map[string]account),
	}
	n.cond = sync.NewCond(&n.mu)
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	return n
}

// URL returns the ws:// endpoint.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Close drops all connections and stops the server.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.DropAll()
	n.server.Close()
}

// SetAutoConfirm controls whether subscribes are answered immediately.
// When disabled they are held until Confirm or Fail.
func (n *Node) SetAutoConfirm(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoConfirm = on
}

// RejectNext makes the next request for method fail with code/message.
func (n *Node) RejectNext(method string, code int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reject[method] = &wire.RPCError{Code: code, Message: message}
}

// SetAccount sets what getAccountInfo returns for address.
func (n *Node) SetAccount(address string, slot uint64, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[address] = account{slot: slot, value: json.RawMessage(value)}
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ws.Close()
		return
	}
	n.connCount++
	c := &nodeConn{index: n.connCount, ws: ws}
	n.conns[c.index] = c
	n.headers[c.index] = r.Header.Clone()
	n.cond.Broadcast()
	n.mu.Unlock()

	defer n.forget(c)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(data)
		if err != nil {
			n.respond(c, &wire.Response{Error: &wire.RPCError{Code: wire.CodeInvalidRequest, Message: err.Error()}})
			continue
		}
		n.handle(c, req)
	}
}

// forget drops a closed connection and every subscription it owned.
func (n *Node) forget(c *nodeConn) {
	c.ws.Close()
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c.index)
	for id, s := range n.subs {
		if s.Conn == c.index {
			delete(n.subs, id)
		}
	}
	n.cond.Broadcast()
}

func (n *Node) handle(c *nodeConn, req *wire.Request) {
	call := &Call{Conn: c.index, Request: req}

	n.mu.Lock()
	n.calls = append(n.calls, call)
	if rpcErr, ok := n.reject[req.Method]; ok {
		delete(n.reject, req.Method)
		n.cond.Broadcast()
		n.mu.Unlock()
		n.respond(c, &wire.Response{ID: req.ID, Error: rpcErr})
		return
	}
	subject, isSubscribe := wire.SubscribeSubject(req.Method)
	if isSubscribe && !n.autoConfirm {
		n.held = append(n.held, call)
		n.cond.Broadcast()
		n.mu.Unlock()
		return
	}
	n.cond.Broadcast()
	n.mu.Unlock()

	switch {
	case isSubscribe:
		_ = n.confirm(call, subject)
	case strings.HasSuffix(req.Method, "Unsubscribe"):
		n.unsubscribe(c, req)
	case req.Method == "getAccountInfo":
		n.accountInfo(c, req, call.Target())
	default:
		n.respond(c, &wire.Response{ID: req.ID, Error: &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "Method not found"}})
	}
}

func (n *Node) confirm(call *Call, subject string) error {
	n.mu.Lock()
	c, ok := n.conns[call.Conn]
	if !ok {
		n.mu.Unlock()
		return ErrConnectionGone
	}
	n.nextSub++
	id := wire.NumericSubscriptionID(n.nextSub)
	n.subs[id] = &Subscription{ID: id, Subject: subject, Target: call.Target(), Conn: call.Conn}
	n.cond.Broadcast()
	n.mu.Unlock()

	return n.respond(c, &wire.Response{ID: call.Request.ID, Result: json.RawMessage(id)})
}

func (n *Node) unsubscribe(c *nodeConn, req *wire.Request) {
	var params []wire.SubscriptionID
	found := false
	if err := json.Unmarshal(req.Params, &params); err == nil && len(params) == 1 {
		n.mu.Lock()
		if s, ok := n.subs[params[0]]; ok && s.Conn == c.index {
			delete(n.subs, params[0])
			found = true
		}
		n.cond.Broadcast()
		n.mu.Unlock()
	}
	result := json.RawMessage("false")
	if found {
		result = json.RawMessage("true")
	}
	n.respond(c, &wire.Response{ID: req.ID, Result: result})
}

func (n *Node) accountInfo(c *nodeConn, req *wire.Request, address string) {
	n.mu.Lock()
	acc, ok := n.accounts[address]
	n.mu.Unlock()
	value := json.RawMessage("null")
	if ok {
		value = acc.value
	}
	result := fmt.Sprintf(`{"context":{"slot":%d},"value":%s}`, acc.slot, value)
	n.respond(c, &wire.Response{ID: req.ID, Result: json.RawMessage(result)})
}

func (n *Node) respond(c *nodeConn, resp *wire.Response) error {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Held returns the subscribe calls waiting for a confirmation.
func (n *Node) Held() []*Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Call(nil), n.held...)
}

// WaitHeld blocks until at least count subscribes are held.
func (n *Node) WaitHeld(count int, timeout time.Duration) ([]*Call, error) {
	if !n.waitFor(timeout, func() bool { return len(n.held) >= count }) {
		return n.Held(), fmt.Errorf("%w: %d held subscribes", ErrTimeout, count)
	}
	return n.Held(), nil
}

// Confirm answers a held subscribe with a fresh subscription id.
func (n *Node) Confirm(call *Call) error {
	if !n.release(call) {
		return fmt.Errorf("call %d not held", call.Request.ID)
	}
	subject, _ := wire.SubscribeSubject(call.Request.Method)
	return n.confirm(call, subject)
}

// Fail answers a held subscribe with an error object.
func (n *Node) Fail(call *Call, code int, message string) error {
	if !n.release(call) {
		return fmt.Errorf("call %d not held", call.Request.ID)
	}
	n.mu.Lock()
	c, ok := n.conns[call.Conn]
	n.mu.Unlock()
	if !ok {
		return ErrConnectionGone
	}
	return n.respond(c, &wire.Response{ID: call.Request.ID, Error: &wire.RPCError{Code: code, Message: message}})
}

func (n *Node) release(call *Call) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, h := range n.held {
		if h == call {
			n.held = append(n.held[:i], n.held[i+1:]...)
			return true
		}
	}
	return false
}

// Push sends a notification for subscription id with a slot context.
func (n *Node) Push(id wire.SubscriptionID, slot uint64, value string) error {
	n.mu.Lock()
	s, ok := n.subs[id]
	var c *nodeConn
	if ok {
		c = n.conns[s.Conn]
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if c == nil {
		return ErrConnectionGone
	}

	data, err := wire.EncodeNotification(&wire.Notification{
		Method:       wire.NotificationMethod(s.Subject),
		Subscription: id,
		Result:       json.RawMessage(fmt.Sprintf(`{"context":{"slot":%d},"value":%s}`, slot, value)),
	})
	if err != nil {
		return err
	}
	return c.write(data)
}

// PushTarget pushes value to every active subscription of target and
// returns how many were sent.
func (n *Node) PushTarget(target string, slot uint64, value string) (int, error) {
	sent := 0
	for _, s := range n.Subscriptions() {
		if s.Target != target {
			continue
		}
		if err := n.Push(s.ID, slot, value); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// SendRaw writes data to the newest connection.
func (n *Node) SendRaw(data []byte) error {
	n.mu.Lock()
	c := n.conns[n.connCount]
	n.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.write(data)
}

// DropAll closes every connection without a close handshake.
func (n *Node) DropAll() {
	n.mu.Lock()
	conns := make([]*nodeConn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Subscriptions returns the active subscriptions ordered by id.
func (n *Node) Subscriptions() []Subscription {
	n.mu.Lock()
	out := make([]Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		out = append(out, *s)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many requests for method were received.
func (n *Node) Count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.calls {
		if c.Request.Method == method {
			count++
		}
	}
	return count
}

// Calls returns every request received, in arrival order.
func (n *Node) Calls() []*Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Call(nil), n.calls...)
}

// Connections returns how many connections were accepted so far.
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connCount
}

// Header returns the handshake headers of connection conn (1-based).
func (n *Node) Header(conn int) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headers[conn]
}

// Open returns the number of open connections.
func (n *Node) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// WaitConnections blocks until count connections were accepted.
func (n *Node) WaitConnections(count int, timeout time.Duration) error {
	if !n.waitFor(timeout, func() bool { return n.connCount >= count && n.conns[count] != nil }) {
		return fmt.Errorf("%w: connection %d", ErrTimeout, count)
	}
	return nil
}

// WaitSubscriptions blocks until count subscriptions are active.
func (n *Node) WaitSubscriptions(count int, timeout time.Duration) error {
	if !n.waitFor(timeout, func() bool { return len(n.subs) >= count }) {
		return fmt.Errorf("%w: %d subscriptions", ErrTimeout, count)
	}
	return nil
}

// WaitCount blocks until count requests for method were received.
func (n *Node) WaitCount(method string, count int, timeout time.Duration) error {
	ok := n.waitFor(timeout, func() bool {
		c := 0
		for _, call := range n.calls {
			if call.Request.Method == method {
				c++
			}
		}
		return c >= count
	})
	if !ok {
		return fmt.Errorf("%w: %d %s requests", ErrTimeout, count, method)
	}
	return nil
}

// waitFor evaluates cond under n.mu until it holds or timeout elapses.
func (n *Node) waitFor(timeout time.Duration, cond func() bool) bool {
	timer := time.AfterFunc(timeout, func() {
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	n.mu.Lock()
	defer n.mu.Unlock()
	for !cond() {
		if !time.Now().Before(deadline) {
			return false
		}
		n.cond.Wait()
	}
	return true
}
