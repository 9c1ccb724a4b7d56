package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff()

		want := []time.Duration{
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
			40 * time.Second,
			80 * time.Second,
			160 * time.Second,
			300 * time.Second,
			300 * time.Second, // Should stay at max
			300 * time.Second,
		}
		for i, exp := range want {
			if got := b.Next(); got != exp {
				t.Errorf("failure %d: delay = %v, want %v", i+1, got, exp)
			}
		}
		if b.Attempts() != len(want) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
		}
	})

	t.Run("Peek", func(t *testing.T) {
		b := NewBackoff()
		if b.Peek() != 5*time.Second || b.Current() != 0 {
			t.Errorf("fresh Peek/Current = %v/%v", b.Peek(), b.Current())
		}
		b.Next()
		if b.Peek() != 10*time.Second || b.Current() != 5*time.Second {
			t.Errorf("after one failure Peek/Current = %v/%v", b.Peek(), b.Current())
		}
		if b.Attempts() != 1 {
			t.Error("Peek must not advance")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()
		for i := 0; i < 5; i++ {
			b.Next()
		}
		b.Reset()
		if b.Attempts() != 0 {
			t.Errorf("Attempts after reset = %d", b.Attempts())
		}
		if got := b.Next(); got != InitialBackoff {
			t.Errorf("first delay after reset = %v, want %v", got, InitialBackoff)
		}
	})

	t.Run("ExponentCap", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Max: time.Hour, MaxExponent: 2})
		var got []time.Duration
		for i := 0; i < 5; i++ {
			got = append(got, b.Next())
		}
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("failure %d: delay = %v, want %v", i+1, got[i], want[i])
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Jitter: 0.25})
		for i := 0; i < 10; i++ {
			b.Reset()
			d := b.Next()
			if d < time.Second || d > 1250*time.Millisecond {
				t.Errorf("jittered delay %v out of range [1s, 1.25s]", d)
			}
		}
	})
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff()
	for i, exp := range BackoffSequence() {
		if got := b.Next(); got != exp {
			t.Errorf("step %d: %v, want %v", i, got, exp)
		}
	}
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
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// fastConfig keeps reconnect tests quick.
func fastConfig() ManagerConfig {
	return ManagerConfig{Backoff: BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager(t *testing.T) {
	t.Run("ConnectSuccess", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		var connected atomic.Bool
		m.OnConnected(func() { connected.Store(true) })

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if !m.IsConnected() || !connected.Load() {
			t.Error("manager not connected")
		}
		if m.Stats().LastSuccess.IsZero() {
			t.Error("LastSuccess not recorded")
		}
		if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
		}
	})

	t.Run("InitialFailureStartsNoLoop", func(t *testing.T) {
		rejected := errors.New("authentication rejected")
		var calls atomic.Int32
		m := NewManagerWithConfig(func(ctx context.Context) error {
			calls.Add(1)
			return rejected
		}, fastConfig())

		if err := m.Connect(context.Background()); !errors.Is(err, rejected) {
			t.Fatalf("Connect = %v, want %v", err, rejected)
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", m.State())
		}

		// A loss report while disconnected must not start reconnecting.
		m.NotifyConnectionLost(errors.New("eof"))
		time.Sleep(50 * time.Millisecond)
		if calls.Load() != 1 {
			t.Errorf("connect called %d times, want 1", calls.Load())
		}

		done := make(chan struct{})
		go func() { m.Close(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Close blocked with no loop running")
		}
	})

	t.Run("CloseIsFinal", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		m.Close()
		m.Close()
		if err := m.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Connect after Close = %v", err)
		}
		if err := m.ForceReconnect(); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("ForceReconnect after Close = %v", err)
		}
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("DisconnectCallbackBeforeAttempt", func(t *testing.T) {
		var mu sync.Mutex
		var order []string
		record := func(s string) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}

		var calls atomic.Int32
		m := NewManagerWithConfig(func(ctx context.Context) error {
			if calls.Add(1) > 1 {
				record("attempt")
			}
			return nil
		}, fastConfig())
		defer m.Close()
		m.OnDisconnected(func(error) { record("disconnected") })

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, time.Second, m.IsConnected)

		mu.Lock()
		defer mu.Unlock()
		if len(order) != 2 || order[0] != "disconnected" || order[1] != "attempt" {
			t.Errorf("order = %v, want [disconnected attempt]", order)
		}
	})

	t.Run("SingleLoopUnderConcurrentLoss", func(t *testing.T) {
		var calls, disconnects, active, maxActive atomic.Int32
		m := NewManagerWithConfig(func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			if calls.Add(1) < 4 {
				time.Sleep(5 * time.Millisecond)
				return errors.New("refused")
			}
			return nil
		}, fastConfig())
		defer m.Close()
		m.OnDisconnected(func(error) { disconnects.Add(1) })

		calls.Store(0)
		m.Connect(context.Background()) // fails; not connected yet
		m.ForceReconnect()
		waitFor(t, 2*time.Second, m.IsConnected)

		calls.Store(1)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.NotifyConnectionLost(errors.New("lost"))
			}()
		}
		wg.Wait()
		waitFor(t, 2*time.Second, m.IsConnected)

		if disconnects.Load() != 1 {
			t.Errorf("OnDisconnected ran %d times, want 1", disconnects.Load())
		}
		if maxActive.Load() != 1 {
			t.Errorf("max concurrent attempts = %d, want 1", maxActive.Load())
		}
	})

	t.Run("BackoffProgressesAndResets", func(t *testing.T) {
		var calls atomic.Int32
		var mu sync.Mutex
		var delays []time.Duration
		m := NewManagerWithConfig(func(ctx context.Context) error {
			if calls.Add(1) <= 4 && calls.Load() > 1 {
				return errors.New("refused")
			}
			return nil
		}, fastConfig())
		defer m.Close()
		m.OnReconnecting(func(attempt int, delay time.Duration, err error) {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
		})

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 5 && m.IsConnected() })

		mu.Lock()
		defer mu.Unlock()
		want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
		if len(delays) != len(want) {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
			}
		}
		if m.BackoffAttempts() != 0 {
			t.Errorf("attempts after success = %d, want 0", m.BackoffAttempts())
		}
	})

	t.Run("ForceReconnectSkipsWait", func(t *testing.T) {
		var calls atomic.Int32
		var fail atomic.Bool
		m := NewManagerWithConfig(func(ctx context.Context) error {
			calls.Add(1)
			if fail.Load() {
				return errors.New("refused")
			}
			return nil
		}, ManagerConfig{Backoff: BackoffConfig{Initial: time.Hour, Max: time.Hour}})
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		fail.Store(true)
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, time.Second, func() bool { return m.BackoffAttempts() == 1 })

		// The loop now sleeps for an hour; a forced reconnect must not wait.
		fail.Store(false)
		if err := m.ForceReconnect(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, time.Second, m.IsConnected)
		if calls.Load() != 3 {
			t.Errorf("connect calls = %d, want 3", calls.Load())
		}
	})

	t.Run("ForceReconnectWhileConnected", func(t *testing.T) {
		var disconnected atomic.Int32
		var calls atomic.Int32
		m := NewManagerWithConfig(func(ctx context.Context) error {
			calls.Add(1)
			return nil
		}, fastConfig())
		defer m.Close()
		m.OnDisconnected(func(err error) {
			if errors.Is(err, ErrForcedReconnect) {
				disconnected.Add(1)
			}
		})

		m.Connect(context.Background())
		m.ForceReconnect()
		waitFor(t, time.Second, func() bool { return calls.Load() == 2 && m.IsConnected() })
		if disconnected.Load() != 1 {
			t.Errorf("forced disconnect callbacks = %d, want 1", disconnected.Load())
		}
	})

	t.Run("ForcedReconnectLeavesNoKick", func(t *testing.T) {
		var calls atomic.Int32
		var fail atomic.Bool
		m := NewManagerWithConfig(func(ctx context.Context) error {
			calls.Add(1)
			if fail.Load() {
				return errors.New("refused")
			}
			return nil
		}, ManagerConfig{Backoff: BackoffConfig{Initial: 300 * time.Millisecond, Max: time.Second}})
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := m.ForceReconnect(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, time.Second, func() bool { return calls.Load() == 2 && m.IsConnected() })

		fail.Store(true)
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, time.Second, func() bool { return calls.Load() >= 3 })
		time.Sleep(100 * time.Millisecond)
		if got := calls.Load(); got != 3 {
			t.Errorf("connect calls within backoff = %d, want 3", got)
		}
	})

	t.Run("CloseCancelsWait", func(t *testing.T) {
		var calls atomic.Int32
		m := NewManagerWithConfig(func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return nil
			}
			return errors.New("refused")
		}, ManagerConfig{Backoff: BackoffConfig{Initial: time.Hour}})

		m.Connect(context.Background())
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, time.Second, func() bool { return m.BackoffAttempts() == 1 })

		done := make(chan struct{})
		go func() { m.Close(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Close did not interrupt backoff wait")
		}
		if m.State() != StateClosed {
			t.Errorf("State() = %v, want CLOSED", m.State())
		}
	})

	t.Run("MaxRetries", func(t *testing.T) {
		var calls atomic.Int32
		cfg := fastConfig()
		cfg.MaxRetries = 3
		m := NewManagerWithConfig(func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return nil
			}
			return errors.New("refused")
		}, cfg)
		defer m.Close()

		m.Connect(context.Background())
		m.NotifyConnectionLost(errors.New("eof"))
		waitFor(t, time.Second, func() bool { return m.State() == StateDisconnected })

		if calls.Load() != 4 {
			t.Errorf("connect calls = %d, want 4", calls.Load())
		}
		if !errors.Is(m.Stats().LastError, ErrRetriesExhausted) {
			t.Errorf("LastError = %v", m.Stats().LastError)
		}
	})
}
