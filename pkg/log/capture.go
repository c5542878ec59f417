package log

import (
	"time"

	"github.com/subplex/subplex-go/pkg/wire"
)

// MaxFrameData is the number of frame bytes kept in a FrameEvent.
const MaxFrameData = 4096

// NewFrameEvent builds a FrameEvent, truncating large frames.
func NewFrameEvent(data []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(data)}
	if len(data) > MaxFrameData {
		fe.Data = append([]byte(nil), data[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}

// RequestMessage describes an outbound request.
func RequestMessage(req *wire.Request) *MessageEvent {
	return &MessageEvent{
		Type:      MessageTypeRequest,
		RequestID: req.ID,
		Method:    req.Method,
		Payload:   req.Params,
	}
}

// ResponseMessage describes a confirmation. A zero latency is omitted.
func ResponseMessage(resp *wire.Response, latency time.Duration) *MessageEvent {
	m := &MessageEvent{
		Type:      MessageTypeResponse,
		RequestID: resp.ID,
		Payload:   resp.Result,
	}
	if resp.Error != nil {
		code := resp.Error.Code
		m.ErrorCode = &code
	}
	if latency > 0 {
		m.Latency = &latency
	}
	return m
}

// NotificationMessage describes a push.
func NotificationMessage(n *wire.Notification, slot uint64) *MessageEvent {
	m := &MessageEvent{
		Type:           MessageTypeNotification,
		Method:         n.Method,
		SubscriptionID: n.Subscription.String(),
		Payload:        n.Result,
	}
	if slot > 0 {
		m.Slot = &slot
	}
	return m
}
