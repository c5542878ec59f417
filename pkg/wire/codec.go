package wire

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameNotification
)

// String returns the frame kind name.
func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	case FrameNotification:
		return "NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Frame is a decoded inbound frame. Exactly one of the pointers is set.
type Frame struct {
	Kind         FrameKind
	Request      *Request
	Response     *Response
	Notification *Notification
}

// envelope is the superset of all frame fields. Presence of a key matters,
// so each field is kept raw and inspected after decoding.
type envelope map[string]json.RawMessage

// Marshal encodes a value to JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON into a value.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// EncodeRequest encodes a request frame.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	return Marshal(req)
}

// EncodeResponse encodes a response frame.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp.JSONRPC == "" {
		resp.JSONRPC = Version
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		resp.Result = json.RawMessage("null")
	}
	return Marshal(resp)
}

// EncodeNotification encodes a push frame.
func EncodeNotification(notif *Notification) ([]byte, error) {
	result := notif.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Marshal(struct {
		JSONRPC string             `json:"jsonrpc"`
		Method  string             `json:"method"`
		Params  NotificationParams `json:"params"`
	}{
		JSONRPC: Version,
		Method:  notif.Method,
		Params:  NotificationParams{Subscription: notif.Subscription, Result: result},
	})
}

// DecodeRequest decodes a request frame.
func DecodeRequest(data []byte) (*Request, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if frame.Kind != FrameRequest {
		return nil, fmt.Errorf("%w: expected request, got %s", ErrProtocolViolation, frame.Kind)
	}
	return frame.Request, nil
}

// DecodeFrame classifies and decodes one inbound frame.
//
// Classification:
//   - id and method: request
//   - id without method: response (must carry result or error)
//   - method without id: notification (must carry params.subscription)
//
// Anything else, including batches, is a protocol violation.
func DecodeFrame(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: frame is not a JSON object", ErrProtocolViolation)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if v, ok := env["jsonrpc"]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil || version != Version {
			return nil, fmt.Errorf("%w: unsupported jsonrpc version %s", ErrProtocolViolation, v)
		}
	}

	rawID, hasID := env["id"]
	if hasID && isNull(rawID) {
		hasID = false
	}
	rawMethod, hasMethod := env["method"]

	var method string
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, fmt.Errorf("%w: invalid method", ErrProtocolViolation)
		}
	}

	switch {
	case hasID && hasMethod:
		id, err := decodeID(rawID)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameRequest, Request: &Request{
			JSONRPC: Version, ID: id, Method: method, Params: env["params"],
		}}, nil

	case hasID:
		id, err := decodeID(rawID)
		if err != nil {
			return nil, err
		}
		resp := &Response{JSONRPC: Version, ID: id}
		rawErr, hasErr := env["error"]
		result, hasResult := env["result"]
		if hasErr && !isNull(rawErr) {
			var rpcErr RPCError
			if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
				return nil, fmt.Errorf("%w: invalid error object: %v", ErrProtocolViolation, err)
			}
			resp.Error = &rpcErr
		} else if hasResult {
			resp.Result = result
		} else {
			return nil, fmt.Errorf("%w: response %d has neither result nor error", ErrProtocolViolation, id)
		}
		return &Frame{Kind: FrameResponse, Response: resp}, nil

	case hasMethod:
		rawParams, ok := env["params"]
		if !ok {
			return nil, fmt.Errorf("%w: notification %s without params", ErrProtocolViolation, method)
		}
		var params struct {
			Subscription *SubscriptionID `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("%w: notification params: %v", ErrProtocolViolation, err)
		}
		if params.Subscription == nil || params.Subscription.IsZero() {
			return nil, fmt.Errorf("%w: notification %s without subscription", ErrProtocolViolation, method)
		}
		return &Frame{Kind: FrameNotification, Notification: &Notification{
			Method:       method,
			Subscription: *params.Subscription,
			Result:       params.Result,
		}}, nil

	default:
		if rawErr, ok := env["error"]; ok {
			return nil, fmt.Errorf("%w: uncorrelated error response %s", ErrProtocolViolation, rawErr)
		}
		return nil, fmt.Errorf("%w: frame has neither id nor method", ErrProtocolViolation)
	}
}

func decodeID(raw json.RawMessage) (uint64, error) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: non-numeric id %s", ErrProtocolViolation, raw)
	}
	return id, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
