package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/subplex/subplex-go/pkg/log"
)

func TestFormatFrameEvent(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	event := log.Event{
		Timestamp:    ts,
		ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
		Generation:   3,
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size: 62,
			Data: []byte(`{"jsonrpc":"2.0","id":1,"method":"slotSubscribe"}`),
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z",
		"[conn:abc12345]",
		"g3",
		"OUT",
		"TRANSPORT",
		"Frame",
		"62 bytes",
		`"method":"slotSubscribe"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatBinaryFrameAsHex(t *testing.T) {
	event := log.Event{
		Layer:    log.LayerTransport,
		Category: log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      4,
			Data:      []byte{0x00, 0xff, 0x10, 0x20},
			Truncated: true,
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "Data: 00ff1020 (truncated)") {
		t.Errorf("expected hex data, got: %s", output)
	}
}

func TestFormatMessageEvents(t *testing.T) {
	latency := 1500 * time.Microsecond
	code := -32602

	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{
			name: "request",
			event: log.Event{
				Direction: log.DirectionOut,
				Layer:     log.LayerRPC,
				Target:    "account:S",
				Message: &log.MessageEvent{
					Type:      log.MessageTypeRequest,
					RequestID: 7,
					Method:    "accountSubscribe",
					Payload:   []byte(`["S",{"encoding":"jsonParsed"}]`),
				},
			},
			want: []string{"REQUEST", "Target: account:S", "RequestID: 7", "Method: accountSubscribe", `Payload: ["S",{"encoding":"jsonParsed"}]`},
		},
		{
			name: "confirmation",
			event: log.Event{
				Direction: log.DirectionIn,
				Layer:     log.LayerRPC,
				Message: &log.MessageEvent{
					Type:           log.MessageTypeResponse,
					RequestID:      7,
					SubscriptionID: "1001",
					Latency:        &latency,
				},
			},
			want: []string{"RESPONSE", "SubscriptionID: 1001", "Latency: 1.500ms"},
		},
		{
			name: "error response",
			event: log.Event{
				Direction: log.DirectionIn,
				Layer:     log.LayerRPC,
				Message: &log.MessageEvent{
					Type:      log.MessageTypeResponse,
					RequestID: 8,
					ErrorCode: &code,
				},
			},
			want: []string{"RequestID: 8", "ErrorCode: -32602"},
		},
		{
			name: "push",
			event: log.Event{
				Direction: log.DirectionIn,
				Layer:     log.LayerRPC,
				Key:       "S#lamports",
				Message: &log.MessageEvent{
					Type:           log.MessageTypeNotification,
					Method:         "accountNotification",
					SubscriptionID: "1001",
					Slot:           u64(77),
				},
			},
			want: []string{"NOTIFICATION", "Key: S#lamports", "Method: accountNotification", "Slot: 77"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			output := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("expected %q in output, got: %s", want, output)
				}
			}
		})
	}
}

func TestFormatStateChangeEvent(t *testing.T) {
	event := log.Event{
		Layer:    log.LayerSubscription,
		Category: log.CategoryState,
		Target:   "account:S",
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTarget,
			OldState: "BOUND",
			NewState: "PENDING_RESUBSCRIBE",
			Reason:   "connection lost",
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{"SUBSCRIPTION State", "Entity: TARGET", "BOUND -> PENDING_RESUBSCRIBE", "Reason: connection lost"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatControlAndErrorEvents(t *testing.T) {
	closeCode := 1006
	var buf bytes.Buffer
	formatEvent(&buf, log.Event{
		Layer:      log.LayerTransport,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgClose, CloseCode: &closeCode},
	})
	formatEvent(&buf, log.Event{
		Layer:    log.LayerRPC,
		Category: log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerRPC,
			Message: "invalid character",
			Context: "decode frame",
		},
	})
	output := buf.String()

	for _, want := range []string{"CTRL CLOSE", "CloseCode: 1006", "Error", "Message: invalid character", "Context: decode frame"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("RPC"); err != nil || l != log.LayerRPC {
		t.Errorf("ParseLayerFlag(RPC) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("wire"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("out"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(out) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("State"); err != nil || c != log.CategoryState {
		t.Errorf("ParseCategoryFlag(State) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("snapshot"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRunViewFiltersByLayer(t *testing.T) {
	rpc := log.LayerRPC
	path := createTestLogFile(t, []log.Event{
		{
			ConnectionID: "conn-1",
			Layer:        log.LayerTransport,
			Frame:        &log.FrameEvent{Size: 10},
		},
		{
			ConnectionID: "conn-1",
			Layer:        log.LayerRPC,
			Message:      &log.MessageEvent{Type: log.MessageTypeRequest, RequestID: 1, Method: "slotSubscribe"},
		},
	})

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &rpc}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()
	if strings.Contains(output, "TRANSPORT") {
		t.Errorf("transport event should be filtered out: %s", output)
	}
	if !strings.Contains(output, "Method: slotSubscribe") {
		t.Errorf("expected rpc event in output: %s", output)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "0.500us"},
		{2500 * time.Microsecond, "2.500ms"},
		{1500 * time.Millisecond, "1.500s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
