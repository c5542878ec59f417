package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newJSONSlogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSlogAdapterLogsFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(newJSONSlogger(&buf))

	adapter.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Generation:   2,
		Direction:    DirectionIn,
		Layer:        LayerTransport,
		Category:     CategoryMessage,
		Frame:        &FrameEvent{Size: 256, Data: []byte(`{}`)},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["conn_id"] != "conn-123" {
		t.Errorf("conn_id = %v, want %q", entry["conn_id"], "conn-123")
	}
	if entry["gen"] != float64(2) {
		t.Errorf("gen = %v, want 2", entry["gen"])
	}
	if entry["layer"] != "TRANSPORT" {
		t.Errorf("layer = %v, want TRANSPORT", entry["layer"])
	}
	if entry["frame_size"] != float64(256) {
		t.Errorf("frame_size = %v, want 256", entry["frame_size"])
	}
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(newJSONSlogger(&buf))

	slot := uint64(77)
	adapter.Log(Event{
		ConnectionID: "conn-456",
		Direction:    DirectionIn,
		Layer:        LayerRPC,
		Category:     CategoryMessage,
		Target:       "account:abc",
		Message: &MessageEvent{
			Type:           MessageTypeNotification,
			Method:         "accountNotification",
			SubscriptionID: "9",
			Slot:           &slot,
		},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	want := map[string]any{
		"msg_type": "NOTIFICATION",
		"method":   "accountNotification",
		"sub_id":   "9",
		"slot":     float64(77),
		"target":   "account:abc",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterLogsStateChange(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(newJSONSlogger(&buf))

	adapter.Log(Event{
		ConnectionID: "abc12345-def6-7890",
		Layer:        LayerSubscription,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityTarget,
			OldState: "PENDING_SUBSCRIBE",
			NewState: "BOUND",
		},
	})

	output := buf.String()
	if !strings.Contains(output, "abc12345-def6-7890") {
		t.Error("output does not contain connection ID")
	}
	if !strings.Contains(output, `"new_state":"BOUND"`) {
		t.Errorf("output missing new_state: %s", output)
	}
}
