package log

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/pkg/wire"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.plog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var events []Event
	for {
		event, err := r.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, event)
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	latency := 15 * time.Millisecond
	code := wire.CodeInvalidParams

	events := []Event{
		{
			Timestamp: ts, ConnectionID: "c1", Generation: 1, Direction: DirectionOut,
			Layer: LayerRPC, Category: CategoryMessage, Target: "account:abc",
			Message: &MessageEvent{Type: MessageTypeRequest, RequestID: 5, Method: "accountSubscribe", Payload: []byte(`["abc"]`)},
		},
		{
			Timestamp: ts.Add(time.Millisecond), ConnectionID: "c1", Generation: 1, Direction: DirectionIn,
			Layer: LayerRPC, Category: CategoryMessage,
			Message: &MessageEvent{Type: MessageTypeResponse, RequestID: 5, ErrorCode: &code, Latency: &latency},
		},
	}
	path := createTestLogFile(t, events)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got := readAll(t, r)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(ts), "timestamp lost precision: %v", got[0].Timestamp)
	assert.Equal(t, "accountSubscribe", got[0].Message.Method)
	assert.Equal(t, []byte(`["abc"]`), got[0].Message.Payload)
	require.NotNil(t, got[1].Message.ErrorCode)
	assert.Equal(t, wire.CodeInvalidParams, *got[1].Message.ErrorCode)
	assert.Equal(t, latency, *got[1].Message.Latency)
}

func TestFileLoggerAppendsAndIgnoresAfterClose(t *testing.T) {
	path := createTestLogFile(t, []Event{{ConnectionID: "first"}})

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Log(Event{ConnectionID: "second"})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	logger.Log(Event{ConnectionID: "ignored"})

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got := readAll(t, r)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[1].ConnectionID)
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.plog")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Log(Event{ConnectionID: "c", Frame: &FrameEvent{Size: j}})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, readAll(t, r), 400)
}

func TestFilteredReader(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, ConnectionID: "c1", Direction: DirectionOut, Layer: LayerRPC, Target: "account:a",
			Message: &MessageEvent{Type: MessageTypeRequest, Method: "accountSubscribe"}},
		{Timestamp: base.Add(time.Second), ConnectionID: "c1", Direction: DirectionIn, Layer: LayerRPC, Target: "account:a",
			Message: &MessageEvent{Type: MessageTypeNotification, Method: "accountNotification", SubscriptionID: "9"}},
		{Timestamp: base.Add(2 * time.Second), ConnectionID: "c2", Direction: DirectionIn, Layer: LayerSubscription,
			Category: CategoryError, Key: "a#balance", Error: &ErrorEventData{Message: "decode"}},
	}
	path := createTestLogFile(t, events)

	in := DirectionIn
	errCat := CategoryError
	end := base.Add(2 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"connection", Filter{ConnectionID: "c1"}, 2},
		{"direction", Filter{Direction: &in}, 2},
		{"category", Filter{Category: &errCat}, 1},
		{"target", Filter{Target: "account:a"}, 2},
		{"key", Filter{Key: "a#balance"}, 1},
		{"method", Filter{Method: "accountNotification"}, 1},
		{"subscription", Filter{SubscriptionID: "9"}, 1},
		{"time end exclusive", Filter{TimeEnd: &end}, 2},
		{"no match", Filter{ConnectionID: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			require.NoError(t, err)
			defer r.Close()
			assert.Len(t, readAll(t, r), tt.want)
		})
	}
}

func TestReaderEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.plog"))
	assert.Error(t, err)
}
