package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("confirmation", func(t *testing.T) {
		frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":7,"result":23784}`))
		require.NoError(t, err)
		require.Equal(t, FrameResponse, frame.Kind)
		assert.Equal(t, uint64(7), frame.Response.ID)

		id, err := frame.Response.SubscriptionID()
		require.NoError(t, err)
		assert.Equal(t, SubscriptionID("23784"), id)
	})

	t.Run("string subscription handle", func(t *testing.T) {
		frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":3,"result":"ab-12"}`))
		require.NoError(t, err)

		id, err := frame.Response.SubscriptionID()
		require.NoError(t, err)
		assert.Equal(t, `"ab-12"`, string(id))
		assert.Equal(t, "ab-12", id.String())
	})

	t.Run("error response", func(t *testing.T) {
		frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32602,"message":"Invalid params"}}`))
		require.NoError(t, err)
		require.Equal(t, FrameResponse, frame.Kind)
		assert.False(t, frame.Response.IsSuccess())

		rpcErr, ok := IsRPCError(frame.Response.Err())
		require.True(t, ok)
		assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	})

	t.Run("notification", func(t *testing.T) {
		data := []byte(`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":23784,"result":{"context":{"slot":5199307},"value":{"lamports":33594}}}}`)
		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, FrameNotification, frame.Kind)
		assert.Equal(t, "accountNotification", frame.Notification.Method)
		assert.Equal(t, SubscriptionID("23784"), frame.Notification.Subscription)

		slot, value := SplitResult(frame.Notification.Result)
		assert.Equal(t, uint64(5199307), slot)
		assert.JSONEq(t, `{"lamports":33594}`, string(value))
	})

	t.Run("server request", func(t *testing.T) {
		frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":1,"method":"accountSubscribe","params":["addr"]}`))
		require.NoError(t, err)
		assert.Equal(t, FrameRequest, frame.Kind)
		assert.Equal(t, "accountSubscribe", frame.Request.Method)
	})

	violations := map[string]string{
		"not json":               `hello`,
		"batch":                  `[{"jsonrpc":"2.0","id":1,"result":1}]`,
		"wrong version":          `{"jsonrpc":"1.0","id":1,"result":1}`,
		"response without body":  `{"jsonrpc":"2.0","id":1}`,
		"string id":              `{"jsonrpc":"2.0","id":"x","result":1}`,
		"push without handle":    `{"jsonrpc":"2.0","method":"accountNotification","params":{"result":1}}`,
		"push with object id":    `{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":{},"result":1}}`,
		"null id error response": `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
		"empty object":           `{}`,
	}
	for name, data := range violations {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocolViolation), "err = %v", err)
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	req, err := NewRequest(12, SubscribeMethod("account"), []any{"addr", map[string]string{"encoding": "base64"}})
	require.NoError(t, err)

	data, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":12,"method":"accountSubscribe","params":["addr",{"encoding":"base64"}]}`, string(data))

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), decoded.ID)
	assert.JSONEq(t, string(req.Params), string(decoded.Params))

	_, err = EncodeRequest(&Request{Method: "x"})
	assert.Error(t, err)
}

func TestUnsubscribeEchoesHandle(t *testing.T) {
	for _, id := range []SubscriptionID{`42`, `"f00"`} {
		req, err := NewRequest(1, UnsubscribeMethod("account"), []SubscriptionID{id})
		require.NoError(t, err)
		assert.Equal(t, "["+string(id)+"]", string(req.Params))
	}
}

func TestEncodeNotification(t *testing.T) {
	data, err := EncodeNotification(&Notification{
		Method:       NotificationMethod("account"),
		Subscription: NumericSubscriptionID(9),
		Result:       []byte(`{"context":{"slot":1},"value":null}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":9,"result":{"context":{"slot":1},"value":null}}}`, string(data))
}

func TestSplitResult(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		slot  uint64
		value string
	}{
		{"with context", `{"context":{"slot":10},"value":{"a":1}}`, 10, `{"a":1}`},
		{"context without value", `{"context":{"slot":3}}`, 3, `null`},
		{"plain object", `{"a":1}`, 0, `{"a":1}`},
		{"scalar", `17`, 0, `17`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, value := SplitResult([]byte(tt.raw))
			assert.Equal(t, tt.slot, slot)
			assert.JSONEq(t, tt.value, string(value))
		})
	}
}

func TestNotificationSubject(t *testing.T) {
	subject, ok := NotificationSubject("accountNotification")
	assert.True(t, ok)
	assert.Equal(t, "account", subject)

	_, ok = NotificationSubject("Notification")
	assert.False(t, ok)
	_, ok = NotificationSubject("accountSubscribe")
	assert.False(t, ok)
}

func TestSubscribeSubject(t *testing.T) {
	subject, ok := SubscribeSubject("accountSubscribe")
	assert.True(t, ok)
	assert.Equal(t, "account", subject)

	_, ok = SubscribeSubject("accountUnsubscribe")
	assert.False(t, ok)
	_, ok = SubscribeSubject("getAccountInfo")
	assert.False(t, ok)
}

func TestResponseBool(t *testing.T) {
	ok, err := (&Response{ID: 1, Result: []byte(`true`)}).Bool()
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = (&Response{ID: 1, Result: []byte(`"yes"`)}).Bool()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
