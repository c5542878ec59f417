package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	if config.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, DefaultPingInterval)
	}
	if config.MaxMissedPongs != DefaultMaxMissedPongs {
		t.Errorf("MaxMissedPongs = %d, want %d", config.MaxMissedPongs, DefaultMaxMissedPongs)
	}
	if got, want := config.DetectionDelay(), 50*time.Second; got != want {
		t.Errorf("DetectionDelay = %v, want %v", got, want)
	}
}

func TestPingPayload(t *testing.T) {
	seq, ok := DecodePingPayload(EncodePingPayload(0xdeadbeef))
	if !ok || seq != 0xdeadbeef {
		t.Errorf("DecodePingPayload = %x, %v; want deadbeef, true", seq, ok)
	}
	if _, ok := DecodePingPayload([]byte("hello")); ok {
		t.Error("foreign payload should not decode")
	}
}

func TestKeepAlivePongsKeepAlive(t *testing.T) {
	var timedOut atomic.Bool
	var ka *KeepAlive
	ka = NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(seq uint32) error {
		go ka.PongReceived(seq)
		return nil
	}, func() { timedOut.Store(true) })

	pongs := make(chan time.Duration, 16)
	ka.SetPongReceivedCallback(func(seq uint32, latency time.Duration) {
		select {
		case pongs <- latency:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	ka.Stop()

	if timedOut.Load() {
		t.Error("timeout fired although every ping was answered")
	}
	if len(pongs) < 2 {
		t.Errorf("got %d pong callbacks, want at least 2", len(pongs))
	}
	if ka.Stats().MissedPongs != 0 {
		t.Errorf("MissedPongs = %d, want 0", ka.Stats().MissedPongs)
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	timedOut := make(chan struct{})
	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   15 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(uint32) error { return nil }, func() { close(timedOut) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	defer ka.Stop()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}
}

func TestKeepAliveIgnoresWrongSequence(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{PingInterval: time.Hour}, func(uint32) error { return nil }, nil)
	ka.ping()
	ka.handlePong(99)

	if !ka.hasPending {
		t.Error("pong with wrong sequence must not clear the pending ping")
	}
	ka.handlePong(ka.sequence.Load())
	if ka.hasPending {
		t.Error("matching pong should clear the pending ping")
	}
}

func TestKeepAliveStartStop(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{PingInterval: time.Hour}, func(uint32) error { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ka.Start(ctx)
	ka.Start(ctx)
	if !ka.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	ka.Stop()
	ka.Stop()
	if ka.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
