package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Connection errors.
var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrConnectInProgress = errors.New("connect in progress")
	ErrRetriesExhausted  = errors.New("reconnect retries exhausted")
	ErrForcedReconnect   = errors.New("forced reconnect")
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates the initial connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateClosed indicates the connection manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Backoff configures delays between failed attempts.
	Backoff BackoffConfig

	// AttemptTimeout bounds each reconnect attempt (0 = bounded only by
	// the connect function itself).
	AttemptTimeout time.Duration

	// MaxRetries stops the loop after this many consecutive failures
	// (0 = retry forever).
	MaxRetries int

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff: DefaultBackoffConfig(),
	}
}

// ReconnectState is a snapshot of reconnect bookkeeping.
type ReconnectState struct {
	State       State
	Attempts    int
	Backoff     time.Duration
	LastSuccess time.Time
	LastError   error
}

// Manager manages connection lifecycle with automatic reconnection.
//
// At most one reconnect loop exists per Manager. Loss notifications while
// not connected are ignored, so concurrent failure reports start one
// reconnect cycle.
type Manager struct {
	mu sync.RWMutex

	config ManagerConfig

	// Current state
	state State

	// Backoff calculator
	backoff *Backoff

	// Connection function
	connectFn ConnectFunc

	// Bookkeeping
	lastSuccess time.Time
	lastErr     error

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for the reconnect goroutine
	wg       sync.WaitGroup
	loopOnce sync.Once

	// reconnectCh signals reconnection should start; kickCh cuts a
	// backoff wait short.
	reconnectCh chan struct{}
	kickCh      chan struct{}

	// Callbacks
	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func(err error)
	onReconnecting func(attempt int, delay time.Duration, err error)
}

// NewManager creates a new connection manager with default settings.
func NewManager(connectFn ConnectFunc) *Manager {
	return NewManagerWithConfig(connectFn, DefaultManagerConfig())
}

// NewManagerWithConfig creates a connection manager with custom settings.
func NewManagerWithConfig(connectFn ConnectFunc, config ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:      config,
		state:       StateDisconnected,
		backoff:     NewBackoffWithConfig(config.Backoff),
		connectFn:   connectFn,
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
		kickCh:      make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// Stats returns a snapshot of the reconnect bookkeeping.
func (m *Manager) Stats() ReconnectState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ReconnectState{
		State:       m.state,
		Attempts:    m.backoff.Attempts(),
		Backoff:     m.backoff.Current(),
		LastSuccess: m.lastSuccess,
		LastError:   m.lastErr,
	}
}

// Connect performs the initial connection. A failure is returned to the
// caller and does not start reconnection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	oldState := m.state
	m.state = StateConnecting
	m.mu.Unlock()

	m.notifyStateChange(oldState, StateConnecting)

	err := m.connectFn(ctx)

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	if err != nil {
		m.state = StateDisconnected
		m.lastErr = err
		m.mu.Unlock()
		m.notifyStateChange(StateConnecting, StateDisconnected)
		return err
	}
	m.markConnectedLocked()
	m.mu.Unlock()

	m.startLoop()
	m.notifyStateChange(StateConnecting, StateConnected)
	m.notifyConnected()

	return nil
}

// NotifyConnectionLost reports that the live connection failed. The
// OnDisconnected callback runs synchronously before the reconnect loop is
// triggered. Calls while not connected are ignored.
func (m *Manager) NotifyConnectionLost(err error) {
	if !m.beginReconnect(err) {
		return
	}
	m.triggerReconnect()
}

// ForceReconnect resets the attempt counter and reconnects immediately,
// cutting any backoff wait short. A live connection is dropped first.
func (m *Manager) ForceReconnect() error {
	m.backoff.Reset()

	switch m.State() {
	case StateClosed:
		return ErrConnectionClosed
	case StateConnected:
		m.beginReconnect(ErrForcedReconnect)
	case StateDisconnected:
		m.mu.Lock()
		if m.state == StateDisconnected {
			m.state = StateReconnecting
			m.mu.Unlock()
			m.notifyStateChange(StateDisconnected, StateReconnecting)
		} else {
			m.mu.Unlock()
		}
		m.startLoop()
	}

	m.triggerReconnect()
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
	return nil
}

// Close shuts down the manager, cancelling any backoff wait or in-flight
// attempt, and waits for the reconnect loop to exit. Close must not be
// called from a Manager callback.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	oldState := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.notifyStateChange(oldState, StateClosed)

	m.cancel()
	m.wg.Wait()
}

// beginReconnect moves CONNECTED to RECONNECTING and runs the
// disconnect callback. It reports whether the transition happened.
func (m *Manager) beginReconnect(cause error) bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	m.state = StateReconnecting
	m.lastErr = cause
	m.mu.Unlock()

	if m.config.Logger != nil {
		m.config.Logger.Warn("connection lost", "error", cause)
	}

	m.notifyStateChange(StateConnected, StateReconnecting)
	m.mu.RLock()
	fn := m.onDisconnected
	m.mu.RUnlock()
	if fn != nil {
		fn(cause)
	}
	return true
}

func (m *Manager) startLoop() {
	m.loopOnce.Do(func() {
		m.wg.Add(1)
		go m.reconnectLoop()
	})
}

// triggerReconnect signals that reconnection should be attempted.
func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

// reconnectLoop runs in a goroutine and handles reconnection attempts.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect attempts immediately, then waits out the backoff after
// each failure until connected, closed or out of retries.
func (m *Manager) attemptReconnect() {
	for {
		if m.State() != StateReconnecting {
			return
		}

		// A kick left over from an earlier forced reconnect is served by
		// this attempt and must not cut the next backoff wait short.
		select {
		case <-m.kickCh:
		default:
		}

		ctx, cancel := m.ctx, context.CancelFunc(func() {})
		if m.config.AttemptTimeout > 0 {
			ctx, cancel = context.WithTimeout(m.ctx, m.config.AttemptTimeout)
		}
		err := m.connectFn(ctx)
		cancel()

		m.mu.Lock()
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.markConnectedLocked()
			m.mu.Unlock()

			if m.config.Logger != nil {
				m.config.Logger.Info("reconnected")
			}
			m.notifyStateChange(StateReconnecting, StateConnected)
			m.notifyConnected()
			return
		}
		m.lastErr = err
		m.mu.Unlock()

		delay := m.backoff.Next()
		attempt := m.backoff.Attempts()

		if m.config.MaxRetries > 0 && attempt >= m.config.MaxRetries {
			m.mu.Lock()
			if m.state == StateReconnecting {
				m.state = StateDisconnected
				m.lastErr = errors.Join(ErrRetriesExhausted, err)
			}
			m.mu.Unlock()
			if m.config.Logger != nil {
				m.config.Logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
			}
			m.notifyStateChange(StateReconnecting, StateDisconnected)
			return
		}

		if m.config.Logger != nil {
			m.config.Logger.Info("reconnect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
		}
		m.mu.RLock()
		fn := m.onReconnecting
		m.mu.RUnlock()
		if fn != nil {
			fn(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.kickCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) markConnectedLocked() {
	m.state = StateConnected
	m.backoff.Reset()
	m.lastSuccess = time.Now()
	m.lastErr = nil
}

func (m *Manager) notifyStateChange(oldState, newState State) {
	m.mu.RLock()
	fn := m.onStateChange
	m.mu.RUnlock()
	if fn != nil {
		fn(oldState, newState)
	}
}

func (m *Manager) notifyConnected() {
	m.mu.RLock()
	fn := m.onConnected
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful (re)connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for connection loss. It runs before any
// reconnect attempt.
func (m *Manager) OnDisconnected(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback invoked after each failed reconnect
// attempt with the attempt number and the delay before the next one.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// BackoffAttempts returns the current number of failed reconnect attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
