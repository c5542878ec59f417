package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{
		Initial:    10 * time.Millisecond,
		Max:        40 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0,
	}
	return cfg
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", m.State(), want)
}

func TestBackoff(t *testing.T) {
	t.Run("DefaultBase", func(t *testing.T) {
		b := NewBackoff()
		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v, want %v", b.Current(), InitialBackoff)
		}
		for i := 0; i < 20; i++ {
			b.Next()
		}
		if b.Current() != MaxBackoff {
			t.Errorf("Current() after 20 attempts = %v, want %v", b.Current(), MaxBackoff)
		}
	})

	t.Run("JitterWithinBounds", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			b := NewBackoff()
			d := b.Next()
			low := time.Duration(float64(InitialBackoff) * (1 - JitterFactor))
			high := time.Duration(float64(InitialBackoff)*(1+JitterFactor)) + time.Millisecond
			if d < low || d > high {
				t.Fatalf("Next() = %v, want within [%v, %v]", d, low, high)
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()
		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() <= InitialBackoff {
			t.Error("backoff should have increased")
		}

		b.Reset()

		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("Attempts", func(t *testing.T) {
		b := NewBackoff()
		for i := 1; i <= 5; i++ {
			b.Next()
			if b.Attempts() != i {
				t.Errorf("after %d calls, Attempts() = %d", i, b.Attempts())
			}
		}
	})

	t.Run("DeterministicSequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond,
			500 * time.Millisecond,
		}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("attempt %d: got %v, want %v", i, got, exp)
			}
		}
	})

	t.Run("ConfigDefaults", func(t *testing.T) {
		cfg := NewBackoffWithConfig(BackoffConfig{Jitter: -1, Multiplier: 0.5}).Config()
		if cfg.Initial != InitialBackoff || cfg.Max != MaxBackoff {
			t.Errorf("Config() = %+v, want defaults", cfg)
		}
		if cfg.Multiplier != BackoffMultiplier {
			t.Errorf("Multiplier = %v, want %v", cfg.Multiplier, BackoffMultiplier)
		}
		if cfg.Jitter != 0 {
			t.Errorf("Jitter = %v, want 0", cfg.Jitter)
		}
	})
}

func TestManager(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil }, fastConfig())
		defer m.Close()

		if m.State() != StateDisconnected {
			t.Errorf("initial state = %v, want DISCONNECTED", m.State())
		}
		if m.IsConnected() {
			t.Error("IsConnected() = true, want false")
		}
	})

	t.Run("SuccessfulConnect", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil }, fastConfig())
		defer m.Close()

		var connected bool
		m.OnConnected(func() { connected = true })

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if !connected {
			t.Error("OnConnected callback was not called")
		}
		if m.State() != StateConnected {
			t.Errorf("State() = %v, want CONNECTED", m.State())
		}
	})

	t.Run("FailedConnect", func(t *testing.T) {
		wantErr := errors.New("dial failed")
		m := NewManager(func(ctx context.Context) error { return wantErr }, fastConfig())
		defer m.Close()

		if err := m.Connect(context.Background()); err != wantErr {
			t.Errorf("Connect() error = %v, want %v", err, wantErr)
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", m.State())
		}
		if m.LastError() != wantErr {
			t.Errorf("LastError() = %v, want %v", m.LastError(), wantErr)
		}
	})

	t.Run("AlreadyConnected", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil }, fastConfig())
		defer m.Close()

		_ = m.Connect(context.Background())
		if err := m.Connect(context.Background()); err != ErrAlreadyConnected {
			t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
		}
	})

	t.Run("ConnectAfterClose", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil }, fastConfig())
		m.Close()

		if err := m.Connect(context.Background()); err != ErrConnectionClosed {
			t.Errorf("Connect() error = %v, want ErrConnectionClosed", err)
		}
	})

	t.Run("StateChangeCallback", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil }, fastConfig())
		m.SetAutoReconnect(false)
		defer m.Close()

		var transitions [][2]State
		m.OnStateChange(func(old, new State) {
			transitions = append(transitions, [2]State{old, new})
		})

		_ = m.Connect(context.Background())
		m.Disconnect()

		expected := [][2]State{
			{StateDisconnected, StateConnecting},
			{StateConnecting, StateConnected},
			{StateConnected, StateDisconnected},
		}
		if len(transitions) != len(expected) {
			t.Fatalf("got %d transitions, want %d", len(transitions), len(expected))
		}
		for i, exp := range expected {
			if transitions[i] != exp {
				t.Errorf("transition %d: got %v->%v, want %v->%v",
					i, transitions[i][0], transitions[i][1], exp[0], exp[1])
			}
		}
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("AutoReconnectOnLoss", func(t *testing.T) {
		var connects atomic.Int32
		m := NewManager(func(ctx context.Context) error {
			connects.Add(1)
			return nil
		}, fastConfig())
		m.StartReconnectLoop()
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		reconnected := make(chan struct{}, 1)
		m.OnConnected(func() { reconnected <- struct{}{} })

		m.NotifyConnectionLost()

		select {
		case <-reconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("OnConnected not called after reconnect")
		}
		if m.State() != StateConnected {
			t.Errorf("State() = %v, want CONNECTED", m.State())
		}
		if connects.Load() != 2 {
			t.Errorf("connect called %d times, want 2", connects.Load())
		}
	})

	t.Run("BackoffOnFailure", func(t *testing.T) {
		var mu sync.Mutex
		var attempts []int
		var connects atomic.Int32

		m := NewManager(func(ctx context.Context) error {
			if connects.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		}, fastConfig())
		m.OnReconnecting(func(attempt int, delay time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		})
		m.StartReconnectLoop()
		defer m.Close()

		if err := m.Reconnect(); err != nil {
			t.Fatalf("Reconnect() error = %v", err)
		}
		waitForState(t, m, StateConnected)

		mu.Lock()
		defer mu.Unlock()
		if len(attempts) != 3 {
			t.Fatalf("OnReconnecting called %d times, want 3", len(attempts))
		}
		if attempts[2] != 3 {
			t.Errorf("last attempt = %d, want 3", attempts[2])
		}
		if m.BackoffAttempts() != 0 {
			t.Errorf("BackoffAttempts() = %d after success, want 0", m.BackoffAttempts())
		}
	})

	t.Run("GiveUp", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxAttempts = 2
		dialErr := errors.New("refused")
		m := NewManager(func(ctx context.Context) error { return dialErr }, cfg)

		gaveUp := make(chan error, 1)
		m.OnGiveUp(func(err error) { gaveUp <- err })
		m.StartReconnectLoop()
		defer m.Close()

		_ = m.Reconnect()

		select {
		case err := <-gaveUp:
			if !errors.Is(err, ErrGaveUp) {
				t.Errorf("give up error = %v, want ErrGaveUp", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnGiveUp not called")
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", m.State())
		}
	})

	t.Run("DisabledAutoReconnect", func(t *testing.T) {
		var connects atomic.Int32
		m := NewManager(func(ctx context.Context) error {
			connects.Add(1)
			return nil
		}, fastConfig())
		m.SetAutoReconnect(false)
		m.StartReconnectLoop()
		defer m.Close()

		_ = m.Connect(context.Background())
		m.Disconnect()
		time.Sleep(50 * time.Millisecond)

		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", m.State())
		}
		if connects.Load() != 1 {
			t.Errorf("connect called %d times, want 1", connects.Load())
		}
	})

	t.Run("CloseStopsLoop", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return errors.New("down") }, fastConfig())
		m.StartReconnectLoop()
		_ = m.Reconnect()
		time.Sleep(20 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			m.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not return")
		}
		if m.State() != StateClosed {
			t.Errorf("State() = %v, want CLOSED", m.State())
		}
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
