package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/subplex/subplex-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.slog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func u64(v uint64) *uint64 { return &v }

func TestExportToJSONL(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	events := []log.Event{
		{
			Timestamp:    ts,
			ConnectionID: "abc12345",
			Generation:   1,
			Direction:    log.DirectionOut,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:      log.MessageTypeRequest,
				RequestID: 42,
				Method:    "accountSubscribe",
			},
		},
		{
			Timestamp:    ts.Add(time.Second),
			ConnectionID: "abc12345",
			Generation:   1,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:           log.MessageTypeResponse,
				RequestID:      42,
				SubscriptionID: "1001",
			},
		},
	}

	path := createTestLogFile(t, events)

	outPath := filepath.Join(t.TempDir(), "out.jsonl")
	if err := RunExport(path, "jsonl", outPath); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var event1 map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &event1); err != nil {
		t.Fatalf("failed to parse line 1: %v", err)
	}
	if event1["ConnectionID"] != "abc12345" {
		t.Errorf("expected ConnectionID abc12345, got %v", event1["ConnectionID"])
	}
	msg, ok := event1["Message"].(map[string]any)
	if !ok {
		t.Fatalf("expected Message object, got %v", event1["Message"])
	}
	if msg["Method"] != "accountSubscribe" {
		t.Errorf("expected Method accountSubscribe, got %v", msg["Method"])
	}
}

func TestExportToCSV(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 0, time.UTC)
	events := []log.Event{
		{
			Timestamp:    ts,
			ConnectionID: "abc12345",
			Generation:   2,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Target:       "account:S",
			Message: &log.MessageEvent{
				Type:           log.MessageTypeNotification,
				Method:         "accountNotification",
				SubscriptionID: "1001",
				Slot:           u64(77),
			},
		},
	}

	path := createTestLogFile(t, events)

	outPath := filepath.Join(t.TempDir(), "out.csv")
	if err := RunExport(path, "csv", outPath); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,connection_id,generation") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	want := "2026-01-28T10:15:32.000000Z,abc12345,2,IN,RPC,MESSAGE,account:S,,NOTIFICATION,,accountNotification,1001,77"
	if lines[1] != want {
		t.Errorf("row mismatch:\n got: %s\nwant: %s", lines[1], want)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, nil)
	err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out.xml"))
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected unknown format error, got %v", err)
	}
}
