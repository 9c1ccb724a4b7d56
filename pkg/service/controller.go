package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmg-rio/rio-go/pkg/connection"
	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/transport"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// DialFunc opens an authenticated connection to the box.
type DialFunc func(ctx context.Context, config transport.SessionConfig) (transport.Conn, error)

func dialSession(ctx context.Context, config transport.SessionConfig) (transport.Conn, error) {
	s, err := transport.Dial(ctx, config)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Controller is the client facade. It owns at most one live session, runs
// the read loop and health monitor for it, and replaces it through the
// reconnect manager when it fails.
//
// Availability false is broadcast before the first reconnect attempt, and
// availability true after each successful (re)connect.
type Controller struct {
	config ControllerConfig
	dial   DialFunc

	hub      *Hub
	devices  *DeviceTable
	gateway  *Gateway
	recorder Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	manager    *connection.Manager
	conn       transport.Conn
	connCancel context.CancelFunc
	monitor    *transport.HealthMonitor

	wg sync.WaitGroup
}

var _ SenderSource = (*Controller)(nil)

// NewController creates a controller. No connection is made until Connect.
func NewController(config ControllerConfig) *Controller {
	config = config.withDefaults()

	c := &Controller{
		config:   config,
		dial:     dialSession,
		hub:      NewHub(config.Freshness),
		devices:  NewDeviceTable(config.Relays, config.DIOs),
		recorder: config.Recorder,
		logger:   config.Logger,
	}
	if c.recorder == nil {
		c.recorder = NoopRecorder{}
	}
	c.hub.SetLogger(config.Logger)
	c.hub.Register(WildcardFilter, c.devices)
	c.gateway = NewGateway(config.Gateway, c, c.devices)
	c.gateway.SetRecorder(c.recorder)
	return c
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.InitialStateDelay < 0 {
		c.InitialStateDelay = 0
	}
	if c.QuerySpacing < 0 {
		c.QuerySpacing = 0
	}
	if c.Session.Logger == nil {
		c.Session.Logger = c.Logger
	}
	if c.Session.ProtocolLogger == nil {
		c.Session.ProtocolLogger = c.ProtocolLogger
	}
	if c.Health.Logger == nil {
		c.Health.Logger = c.Logger
	}
	if c.Health.ProtocolLogger == nil {
		c.Health.ProtocolLogger = c.ProtocolLogger
	}
	if c.Reconnect.Logger == nil {
		c.Reconnect.Logger = c.Logger
	}
	if c.Gateway.Logger == nil {
		c.Gateway.Logger = c.Logger
	}
	return c
}

// SetDialFunc replaces the function used to open sessions.
func (c *Controller) SetDialFunc(fn DialFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = fn
}

// Hub returns the event hub.
func (c *Controller) Hub() *Hub {
	return c.hub
}

// Devices returns the device state table.
func (c *Controller) Devices() *DeviceTable {
	return c.devices
}

// Connect opens the first session. A failure is returned and leaves no
// background activity; reconnection only starts after a session was ready.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())

	manager := connection.NewManagerWithConfig(c.connect, c.config.Reconnect)
	manager.OnConnected(c.onConnected)
	manager.OnDisconnected(c.onDisconnected)
	manager.OnReconnecting(c.onReconnecting)
	manager.OnStateChange(c.onStateChange)
	c.manager = manager
	c.mu.Unlock()

	if err := manager.Connect(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel()
		c.manager = nil
		c.mu.Unlock()
		manager.Close()

		if c.logger != nil {
			c.logger.Error("connect failed", "address", c.config.Session.Address(), "error", err)
		}
		return err
	}
	return nil
}

// Disconnect closes the session, stops reconnecting and waits for all
// background goroutines to exit. It is safe to call more than once.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	manager := c.manager
	c.mu.Unlock()

	manager.Close()
	c.teardown(ErrControllerClosed)

	c.mu.Lock()
	c.cancel()
	c.manager = nil
	c.mu.Unlock()

	c.wg.Wait()

	if c.logger != nil {
		c.logger.Info("disconnected", "address", c.config.Session.Address())
	}
}

// IsConnected reports whether a ready session exists.
func (c *Controller) IsConnected() bool {
	return c.Current() != nil
}

// Current implements SenderSource.
func (c *Controller) Current() transport.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.State() != transport.StateReady {
		return nil
	}
	return c.conn
}

// Failed implements SenderSource.
func (c *Controller) Failed(s transport.Sender, err error) {
	conn, ok := s.(transport.Conn)
	if !ok {
		return
	}
	c.reportFailure(conn, err)
}

// Send writes cmd through the gateway.
func (c *Controller) Send(ctx context.Context, cmd wire.Command) error {
	return c.gateway.Send(ctx, cmd)
}

// SendCommand parses text and sends it, reporting success.
func (c *Controller) SendCommand(ctx context.Context, text string) bool {
	cmd, err := wire.ParseCommand(text)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("invalid command", "command", text, "error", err)
		}
		return false
	}
	return c.Send(ctx, cmd) == nil
}

// SwitchOn switches device on.
func (c *Controller) SwitchOn(ctx context.Context, device string) error {
	return c.Send(ctx, wire.On(device))
}

// SwitchOff switches device off.
func (c *Controller) SwitchOff(ctx context.Context, device string) error {
	return c.Send(ctx, wire.Off(device))
}

// Pulse switches device on for seconds. A non-positive duration uses
// wire.DefaultPulseDuration.
func (c *Controller) Pulse(ctx context.Context, device string, seconds float64) error {
	if seconds <= 0 {
		seconds = wire.DefaultPulseDuration
	}
	return c.Send(ctx, wire.Pulse(device, seconds))
}

// RegisterObserver registers fn for events addressed to filter.
func (c *Controller) RegisterObserver(filter string, fn func(ev wire.DeviceEvent)) Handle {
	return c.hub.RegisterFunc(filter, fn)
}

// RegisterAvailabilityObserver registers fn for availability changes.
func (c *Controller) RegisterAvailabilityObserver(fn func(available bool)) Handle {
	return c.hub.RegisterAvailability(fn)
}

// Unregister removes a registration.
func (c *Controller) Unregister(h Handle) bool {
	return c.hub.Unregister(h)
}

// RequestInitialStates queries relays 1..relays and DIOs 1..dios on the
// current session, spaced by the configured query spacing. Replies arrive
// through the read loop like any other event.
func (c *Controller) RequestInitialStates(ctx context.Context, relays, dios int) error {
	s := c.Current()
	if s == nil {
		return ErrNotConnected
	}

	devices := make([]string, 0, relays+dios)
	for i := 1; i <= relays; i++ {
		devices = append(devices, wire.Relay(i))
	}
	for i := 1; i <= dios; i++ {
		devices = append(devices, wire.DIO(i))
	}

	for i, device := range devices {
		if i > 0 && !sleepCtx(ctx, c.config.QuerySpacing) {
			return ctx.Err()
		}
		if err := s.Send(wire.Query(device)); err != nil {
			c.Failed(s, err)
			return fmt.Errorf("query %s: %w", device, err)
		}
	}
	return nil
}

// ForceReconnect drops the current session, if any, and reconnects
// immediately without waiting for the backoff.
func (c *Controller) ForceReconnect() error {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		return ErrNotConnected
	}
	return manager.ForceReconnect()
}

// Validate checks address and credentials with a throwaway session.
func (c *Controller) Validate(ctx context.Context) error {
	return transport.Probe(ctx, c.config.Session)
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	conn, monitor, manager := c.conn, c.monitor, c.manager
	c.mu.Unlock()

	st := Status{State: connection.StateDisconnected}
	if manager != nil {
		st.Reconnect = manager.Stats()
		st.State = st.Reconnect.State
	}
	if conn != nil {
		st.Connected = conn.State() == transport.StateReady
		st.SessionID = conn.ID()
		if addr := conn.RemoteAddr(); addr != nil {
			st.RemoteAddr = addr.String()
		}
		if s, ok := conn.(interface{ Stats() transport.SessionStats }); ok {
			st.Session = s.Stats()
		}
	}
	if monitor != nil {
		st.Health = monitor.Stats()
	}
	return st
}

// connect is the reconnect manager's connect function.
func (c *Controller) connect(ctx context.Context) error {
	c.mu.Lock()
	dial := c.dial
	c.mu.Unlock()

	conn, err := dial(ctx, c.config.Session)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		_ = conn.Close()
		return ErrControllerClosed
	}
	c.conn = conn
	return nil
}

// onConnected starts the read loop, health monitor and initial state
// queries for the session stored by connect.
func (c *Controller) onConnected() {
	c.mu.Lock()
	if !c.running || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	connCtx, cancel := context.WithCancel(c.ctx)
	c.connCancel = cancel
	monitor := transport.NewHealthMonitor(c.config.Health, conn, func(err error) {
		c.recorder.ObserveProbeFailure()
		c.reportFailure(conn, err)
	})
	c.monitor = monitor
	c.wg.Add(3)
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)

	monitor.Start(connCtx)
	go func() {
		defer c.wg.Done()
		<-connCtx.Done()
		monitor.Stop()
		<-monitor.Done()
	}()

	go func() {
		defer c.wg.Done()
		if !sleepCtx(connCtx, c.config.InitialStateDelay) {
			return
		}
		if err := c.RequestInitialStates(connCtx, c.config.Relays, c.config.DIOs); err != nil && c.logger != nil {
			c.logger.Warn("initial state request failed", "session", conn.ID(), "error", err)
		}
	}()

	c.recorder.SetConnected(true)
	c.broadcastAvailability(conn.ID(), true)

	if c.logger != nil {
		c.logger.Info("connected", "session", conn.ID(), "address", c.config.Session.Address())
	}
}

func (c *Controller) readLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()

	err := conn.ReadLoop(ctx, sessionEvents{c})
	if err != nil {
		c.reportFailure(conn, err)
	}
}

// onDisconnected runs before the first reconnect attempt.
func (c *Controller) onDisconnected(err error) {
	c.teardown(err)
}

// teardown closes the current session and broadcasts unavailability.
func (c *Controller) teardown(cause error) {
	c.mu.Lock()
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel, c.monitor = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	c.recorder.SetConnected(false)
	c.broadcastAvailability(conn.ID(), false)

	if c.logger != nil && !errors.Is(cause, ErrControllerClosed) {
		c.logger.Warn("session lost", "session", conn.ID(), "error", cause)
	}
}

// reportFailure hands a failure on conn to the reconnect manager. Reports
// for a session that was already replaced are ignored.
func (c *Controller) reportFailure(conn transport.Conn, err error) {
	c.mu.Lock()
	current, manager := c.conn, c.manager
	c.mu.Unlock()

	if current != conn || manager == nil {
		if c.logger != nil {
			c.logger.Debug("ignoring failure of stale session", "session", conn.ID(), "error", err)
		}
		return
	}
	manager.NotifyConnectionLost(err)
}

func (c *Controller) onReconnecting(attempt int, delay time.Duration, err error) {
	c.recorder.ObserveReconnect(attempt, delay)
}

func (c *Controller) onStateChange(oldState, newState connection.State) {
	if c.config.ProtocolLogger == nil {
		return
	}
	c.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerSession,
		Category:   log.CategoryState,
		RemoteAddr: c.config.Session.Address(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState.String(),
			NewState: newState.String(),
		},
	})
}

func (c *Controller) broadcastAvailability(connID string, available bool) {
	c.hub.BroadcastAvailability(available)

	if c.config.ProtocolLogger == nil {
		return
	}
	old, state := "AVAILABLE", "UNAVAILABLE"
	if available {
		old, state = state, old
	}
	c.config.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		RemoteAddr:   c.config.Session.Address(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityAvailability,
			OldState: old,
			NewState: state,
		},
	})
}

// sessionEvents routes read loop output into the hub.
type sessionEvents struct {
	c *Controller
}

func (h sessionEvents) OnEvent(ev wire.DeviceEvent) {
	h.c.recorder.ObserveEvent(ev.Kind.String())
	h.c.hub.Dispatch(ev)
}

func (h sessionEvents) OnMalformed(line string, err error) {
	h.c.recorder.ObserveMalformed()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
