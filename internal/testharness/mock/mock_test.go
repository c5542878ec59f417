package mock_test

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/internal/testharness/mock"
	"github.com/subplex/subplex-go/pkg/wire"
)

func dial(t *testing.T, node *mock.Node) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(node.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, id uint64, method string, params any) {
	t.Helper()
	req, err := wire.NewRequest(id, method, params)
	require.NoError(t, err)
	data, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

func TestNodeSubscribePushUnsubscribe(t *testing.T) {
	node := mock.NewNode()
	defer node.Close()
	ws := dial(t, node)

	send(t, ws, 1, "accountSubscribe", []any{"Addr1", map[string]string{"encoding": "jsonParsed"}})
	frame := read(t, ws)
	require.Equal(t, wire.FrameResponse, frame.Kind)
	assert.Equal(t, uint64(1), frame.Response.ID)
	id, err := frame.Response.SubscriptionID()
	require.NoError(t, err)

	subs := node.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "Addr1", subs[0].Target)
	assert.Equal(t, "account", subs[0].Subject)

	sent, err := node.PushTarget("Addr1", 77, `{"lamports":5}`)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	frame = read(t, ws)
	require.Equal(t, wire.FrameNotification, frame.Kind)
	assert.Equal(t, "accountNotification", frame.Notification.Method)
	assert.Equal(t, id, frame.Notification.Subscription)
	slot, value := wire.SplitResult(frame.Notification.Result)
	assert.Equal(t, uint64(77), slot)
	assert.JSONEq(t, `{"lamports":5}`, string(value))

	send(t, ws, 2, "accountUnsubscribe", []any{id})
	frame = read(t, ws)
	ok, err := frame.Response.Bool()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, node.Subscriptions())

	send(t, ws, 3, "accountUnsubscribe", []any{id})
	ok, err = read(t, ws).Response.Bool()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, node.Count("accountUnsubscribe"))
}

func TestNodeHeldConfirmationsInAnyOrder(t *testing.T) {
	node := mock.NewNode()
	defer node.Close()
	node.SetAutoConfirm(false)
	ws := dial(t, node)

	send(t, ws, 1, "accountSubscribe", []any{"A"})
	send(t, ws, 2, "accountSubscribe", []any{"B"})
	held, err := node.WaitHeld(2, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, held, 2)

	require.NoError(t, node.Confirm(held[1]))
	frame := read(t, ws)
	assert.Equal(t, uint64(2), frame.Response.ID)

	require.NoError(t, node.Fail(held[0], wire.CodeInvalidParams, "bad address"))
	frame = read(t, ws)
	assert.Equal(t, uint64(1), frame.Response.ID)
	require.NotNil(t, frame.Response.Error)
	assert.Equal(t, wire.CodeInvalidParams, frame.Response.Error.Code)

	assert.Empty(t, node.Held())
	assert.Error(t, node.Confirm(held[0]))
}

func TestNodeAccountInfoAndReject(t *testing.T) {
	node := mock.NewNode()
	defer node.Close()
	node.SetAccount("Addr1", 12, `{"lamports":1000}`)
	ws := dial(t, node)

	send(t, ws, 1, "getAccountInfo", []any{"Addr1"})
	slot, value := wire.SplitResult(read(t, ws).Response.Result)
	assert.Equal(t, uint64(12), slot)
	assert.JSONEq(t, `{"lamports":1000}`, string(value))

	node.RejectNext("accountSubscribe", -32602, "Invalid param")
	send(t, ws, 2, "accountSubscribe", []any{"Addr1"})
	resp := read(t, ws).Response
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)

	send(t, ws, 3, "slotSubscribe", nil)
	resp = read(t, ws).Response
	assert.Nil(t, resp.Error)

	send(t, ws, 4, "nope", nil)
	resp = read(t, ws).Response
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeMethodNotFound, resp.Error.Code)
}

func TestNodeDropForgetsSubscriptions(t *testing.T) {
	node := mock.NewNode()
	defer node.Close()
	ws := dial(t, node)

	send(t, ws, 1, "accountSubscribe", []any{"A"})
	read(t, ws)
	require.NoError(t, node.WaitSubscriptions(1, time.Second))

	node.DropAll()
	require.Eventually(t, func() bool { return node.Open() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, node.Subscriptions())
	assert.ErrorIs(t, node.SendRaw([]byte("x")), mock.ErrNotConnected)

	dial(t, node)
	require.NoError(t, node.WaitConnections(2, time.Second))
	assert.Equal(t, 2, node.Connections())
}
