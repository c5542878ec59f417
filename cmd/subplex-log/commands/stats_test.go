package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/subplex/subplex-go/pkg/log"
)

func TestRunStats(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	path := createTestLogFile(t, []log.Event{
		{
			Timestamp:    ts,
			ConnectionID: "gen1-conn",
			Generation:   1,
			RemoteAddr:   "wss://node.example",
			Direction:    log.DirectionOut,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Target:       "account:A",
			Message:      &log.MessageEvent{Type: log.MessageTypeRequest, RequestID: 1, Method: "accountSubscribe"},
		},
		{
			Timestamp:    ts.Add(time.Second),
			ConnectionID: "gen1-conn",
			Generation:   1,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Target:       "account:A",
			Message:      &log.MessageEvent{Type: log.MessageTypeNotification, Method: "accountNotification", SubscriptionID: "1001"},
		},
		{
			Timestamp:    ts.Add(2 * time.Second),
			ConnectionID: "gen2-conn",
			Generation:   2,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerRPC, Message: "bad frame"},
		},
	})

	stats, err := CollectStats(path)
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Methods["accountSubscribe"] != 1 || stats.Methods["accountNotification"] != 1 {
		t.Errorf("unexpected methods: %v", stats.Methods)
	}
	if c := stats.Connections["gen1-conn"]; c == nil || c.Notifications != 1 || c.Generation != 1 {
		t.Errorf("unexpected gen1 stats: %+v", c)
	}

	var buf bytes.Buffer
	printStats(&buf, stats)
	output := buf.String()
	for _, want := range []string{
		"Total Events: 3",
		"RPC:",
		"accountSubscribe:",
		"Connections: 2",
		"[gen1-con] generation 1, 2 events",
		"Remote: wss://node.example",
		"Targets: 1, notifications: 1",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got:\n%s", want, output)
		}
	}
	if strings.Index(output, "generation 1") > strings.Index(output, "generation 2") {
		t.Errorf("connections should be ordered by generation:\n%s", output)
	}
}

func TestRunStatsMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := RunStats("/nonexistent/file.slog", &buf); err == nil {
		t.Error("expected error for missing file")
	}
}
