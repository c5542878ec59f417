package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Version is the JSON-RPC protocol version carried on every frame.
const Version = "2.0"

// Method suffixes for a subscription subject.
const (
	suffixSubscribe    = "Subscribe"
	suffixUnsubscribe  = "Unsubscribe"
	suffixNotification = "Notification"
)

// SubscribeMethod returns the subscribe method for a subject ("account" -> "accountSubscribe").
func SubscribeMethod(subject string) string { return subject + suffixSubscribe }

// UnsubscribeMethod returns the unsubscribe method for a subject.
func UnsubscribeMethod(subject string) string { return subject + suffixUnsubscribe }

// NotificationMethod returns the push method for a subject.
func NotificationMethod(subject string) string { return subject + suffixNotification }

// NotificationSubject extracts the subject from a push method name.
func NotificationSubject(method string) (string, bool) {
	subject, ok := strings.CutSuffix(method, suffixNotification)
	if !ok || subject == "" {
		return "", false
	}
	return subject, true
}

// SubscribeSubject extracts the subject from a subscribe method name.
func SubscribeSubject(method string) (string, bool) {
	if strings.HasSuffix(method, suffixUnsubscribe) {
		return "", false
	}
	subject, ok := strings.CutSuffix(method, suffixSubscribe)
	if !ok || subject == "" {
		return "", false
	}
	return subject, true
}

// SubscriptionID is a server-assigned subscription handle.
//
// The value is the raw JSON token (a number such as 23784 or a quoted
// string), so it round-trips unchanged.
type SubscriptionID string

// MarshalJSON writes the raw token.
func (s SubscriptionID) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

// UnmarshalJSON accepts a JSON number or string.
func (s *SubscriptionID) UnmarshalJSON(data []byte) error {
	token := bytes.TrimSpace(data)
	if len(token) == 0 {
		return fmt.Errorf("%w: empty subscription id", ErrProtocolViolation)
	}
	switch c := token[0]; {
	case c == '"':
		var str string
		if err := json.Unmarshal(token, &str); err != nil {
			return fmt.Errorf("%w: subscription id: %v", ErrProtocolViolation, err)
		}
		if str == "" {
			return fmt.Errorf("%w: empty subscription id", ErrProtocolViolation)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		if _, err := strconv.ParseFloat(string(token), 64); err != nil {
			return fmt.Errorf("%w: subscription id %q", ErrProtocolViolation, token)
		}
	default:
		return fmt.Errorf("%w: subscription id must be a number or string, got %s", ErrProtocolViolation, token)
	}
	*s = SubscriptionID(token)
	return nil
}

// String returns a human readable form (string handles are unquoted).
func (s SubscriptionID) String() string {
	if len(s) >= 2 && s[0] == '"' {
		if v, err := strconv.Unquote(string(s)); err == nil {
			return v
		}
	}
	return string(s)
}

// IsZero reports whether no handle is set.
func (s SubscriptionID) IsZero() bool { return s == "" }

// NumericSubscriptionID builds a handle from an integer.
func NumericSubscriptionID(n uint64) SubscriptionID {
	return SubscriptionID(strconv.FormatUint(n, 10))
}

// Request is a client-to-server call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request, marshaling params unless they are already raw JSON.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		return req, nil
	}
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	req.Params = raw
	return req, nil
}

// Validate checks required request fields.
func (r *Request) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("request id 0 is reserved")
	}
	if r.Method == "" {
		return fmt.Errorf("request method is empty")
	}
	return nil
}

// Response answers a Request with the same ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsSuccess returns true when no error object is present.
func (r *Response) IsSuccess() bool {
	return r.Error == nil
}

// Err returns the error object as an error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// SubscriptionID decodes the result of a subscribe confirmation.
func (r *Response) SubscriptionID() (SubscriptionID, error) {
	if r.Error != nil {
		return "", r.Error
	}
	var id SubscriptionID
	if err := id.UnmarshalJSON(r.Result); err != nil {
		return "", err
	}
	return id, nil
}

// Bool decodes a boolean result, as returned by unsubscribe calls.
func (r *Response) Bool() (bool, error) {
	if r.Error != nil {
		return false, r.Error
	}
	var ok bool
	if err := json.Unmarshal(r.Result, &ok); err != nil {
		return false, fmt.Errorf("%w: expected boolean result: %v", ErrProtocolViolation, err)
	}
	return ok, nil
}

// Notification is a server push for an active subscription.
type Notification struct {
	Method       string
	Subscription SubscriptionID
	Result       json.RawMessage
}

// NotificationParams is the params object of a push.
type NotificationParams struct {
	Subscription SubscriptionID  `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// SplitResult separates a {"context":{"slot":N},"value":V} result into its
// slot and value. Results of any other shape are returned whole with slot 0.
func SplitResult(result json.RawMessage) (uint64, json.RawMessage) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, result
	}
	var envelope struct {
		Context *struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Context == nil {
		return 0, result
	}
	if len(envelope.Value) == 0 {
		return envelope.Context.Slot, json.RawMessage("null")
	}
	return envelope.Context.Slot, envelope.Value
}

// MarshalParams encodes request params. Raw JSON is passed through.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
