package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmg-rio/rio-go/internal/testharness/mock"
	"github.com/rmg-rio/rio-go/pkg/connection"
	"github.com/rmg-rio/rio-go/pkg/transport"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

const eventually = 2 * time.Second

func startBox(t *testing.T, config mock.BoxConfig) *mock.Box {
	t.Helper()
	config.Username, config.Password = "admin", "secret"
	box, err := mock.NewBox(config)
	require.NoError(t, err)
	t.Cleanup(func() { box.Close() })
	return box
}

func testControllerConfig(box *mock.Box) ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.Session.Host = box.Host()
	cfg.Session.Port = box.Port()
	cfg.Session.Username = "admin"
	cfg.Session.Password = "secret"
	cfg.Session.HandshakeTimeout = 500 * time.Millisecond
	cfg.Reconnect.Backoff.Initial = 10 * time.Millisecond
	cfg.Reconnect.Backoff.Max = 50 * time.Millisecond
	cfg.Gateway.RetryDelay = 5 * time.Millisecond
	cfg.InitialStateDelay = 10 * time.Millisecond
	cfg.QuerySpacing = time.Millisecond
	return cfg
}

func startController(t *testing.T, cfg ControllerConfig) *Controller {
	t.Helper()
	c := NewController(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

// availabilityLog records availability changes together with the number of
// connections the box had accepted at that moment.
type availabilityLog struct {
	mu      sync.Mutex
	box     *mock.Box
	changes []bool
	accepts []int
}

func (l *availabilityLog) record(available bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, available)
	l.accepts = append(l.accepts, l.box.Accepted())
}

func (l *availabilityLog) snapshot() ([]bool, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.changes...), append([]int(nil), l.accepts...)
}

// fakeConn is a ready connection whose writes fail with sendErr.
type fakeConn struct {
	id      string
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
}

func newFakeConn(id string, sendErr error) *fakeConn {
	c := &fakeConn{id: id, sendErr: sendErr, closed: make(chan struct{})}
	c.state.Store(int32(transport.StateReady))
	return c
}

func (c *fakeConn) Send(wire.Command) error { return c.sendErr }
func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) RemoteAddr() net.Addr { return nil }
func (c *fakeConn) State() transport.SessionState { return transport.SessionState(c.state.Load()) }

func (c *fakeConn) ReadLoop(ctx context.Context, _ transport.EventHandler) error {
	select {
	case <-ctx.Done():
	case <-c.closed:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(transport.StateClosed))
		close(c.closed)
	})
	return nil
}

func TestController_ConnectRequestsInitialStates(t *testing.T) {
	box := startBox(t, mock.BoxConfig{Relays: 2, DIOs: 1})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 2, 1
	c := startController(t, cfg)

	assert.True(t, c.IsConnected())
	require.Eventually(t, func() bool {
		return box.Count("RELAY1?") == 1 && box.Count("RELAY2?") == 1 && box.Count("DIO1?") == 1
	}, eventually, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		d, _ := c.Devices().Get("DIO1")
		return d.Known
	}, eventually, 5*time.Millisecond)
	assert.True(t, c.Devices().Available())

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, connection.StateConnected, st.State)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, box.Addr(), st.RemoteAddr)
}

func TestController_CommandsUpdateObservers(t *testing.T) {
	box := startBox(t, mock.BoxConfig{Inputs: []int{1}})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := startController(t, cfg)

	events := make(chan wire.DeviceEvent, 8)
	c.RegisterObserver("RELAY2", func(ev wire.DeviceEvent) { events <- ev })

	require.NoError(t, c.SwitchOn(context.Background(), "RELAY2"))
	select {
	case ev := <-events:
		assert.Equal(t, wire.KindStateOn, ev.Kind)
	case <-time.After(eventually):
		t.Fatal("no event for RELAY2")
	}
	assert.True(t, box.State("RELAY2"))

	assert.True(t, c.SendCommand(context.Background(), "relay3 pulse 1.5"))
	require.Eventually(t, func() bool { return box.Count("RELAY3 PULSE 1.5") == 1 }, eventually, 5*time.Millisecond)

	assert.False(t, c.SendCommand(context.Background(), "relay3 pulse -1"))
	assert.False(t, c.SendCommand(context.Background(), "   "))
}

func TestController_DetectsDigitalInputs(t *testing.T) {
	box := startBox(t, mock.BoxConfig{Inputs: []int{1}})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := startController(t, cfg)

	require.NoError(t, c.SwitchOn(context.Background(), "DIO1"))
	require.Eventually(t, func() bool { return c.Devices().IsInput("DIO1") }, eventually, 5*time.Millisecond)

	err := c.SwitchOff(context.Background(), "DIO1")
	assert.ErrorIs(t, err, ErrReadOnlyInput)
	assert.Equal(t, 1, box.Count("DIO1 ON"))
	assert.Zero(t, box.Count("DIO1 OFF"))
}

func TestController_FailedAuthLeavesNoBackgroundWork(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	box.SetRejectAuth(true)

	c := NewController(testControllerConfig(box))
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrAuthenticationRejected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, box.Accepted(), "no reconnect after initial failure")
	assert.False(t, c.IsConnected())
	assert.Equal(t, connection.StateDisconnected, c.Status().State)
	assert.ErrorIs(t, c.ForceReconnect(), ErrNotConnected)

	c.Disconnect()

	box.SetRejectAuth(false)
	require.NoError(t, c.Connect(context.Background()), "controller can connect after a failed attempt")
	c.Disconnect()
}

func TestController_LossBroadcastsUnavailableBeforeReconnect(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := NewController(cfg)

	avail := &availabilityLog{box: box}
	c.RegisterAvailabilityObserver(avail.record)

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	box.DropClients()

	require.Eventually(t, func() bool {
		changes, _ := avail.snapshot()
		return len(changes) >= 3
	}, eventually, 5*time.Millisecond)

	changes, accepts := avail.snapshot()
	assert.Equal(t, []bool{true, false, true}, changes[:3])
	assert.Equal(t, 1, accepts[1], "unavailable must be broadcast before the reconnect dial")
	assert.Equal(t, 2, accepts[2])
	assert.True(t, c.IsConnected())
}

func TestController_ConcurrentFailuresStartOneReconnect(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := NewController(cfg)

	var dials atomic.Int32
	c.SetDialFunc(func(ctx context.Context, config transport.SessionConfig) (transport.Conn, error) {
		dials.Add(1)
		return dialSession(ctx, config)
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	stale := c.Current()
	require.NotNil(t, stale)

	box.DropClients()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Failed(stale, transport.ErrTransport)
		}()
	}
	wg.Wait()

	require.Eventually(t, c.IsConnected, eventually, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), dials.Load())

	c.Failed(stale, transport.ErrTransport)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), dials.Load(), "reports for a replaced session are ignored")
}

func TestController_GatewayFailureTriggersOneReconnect(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.Session.Host = "rio.invalid"
	cfg.Session.Username = "admin"
	cfg.Relays, cfg.DIOs = 0, 0
	cfg.Gateway.RetryDelay = 5 * time.Millisecond
	cfg.Reconnect.Backoff.Initial = time.Hour
	c := NewController(cfg)

	writeErr := fmt.Errorf("%w: broken pipe", transport.ErrTransport)
	var dials atomic.Int32
	c.SetDialFunc(func(ctx context.Context, _ transport.SessionConfig) (transport.Conn, error) {
		if dials.Add(1) == 1 {
			return newFakeConn("first", writeErr), nil
		}
		return nil, errors.New("box unreachable")
	})

	var unavailable atomic.Int32
	c.RegisterAvailabilityObserver(func(available bool) {
		if !available {
			unavailable.Add(1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	assert.False(t, c.SendCommand(context.Background(), "RELAY1 ON"))

	require.Eventually(t, func() bool { return dials.Load() == 2 }, eventually, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), dials.Load(), "one reconnect attempt")
	assert.Equal(t, int32(1), unavailable.Load())
	assert.Equal(t, connection.StateReconnecting, c.Status().State)
}

func TestController_ForceReconnect(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := startController(t, cfg)

	first := c.Status().SessionID
	require.NoError(t, c.ForceReconnect())

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Connected && st.SessionID != first
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, 2, box.Authenticated())
}

func TestController_DisconnectIsFinalAndRepeatable(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	cfg := testControllerConfig(box)
	cfg.Relays, cfg.DIOs = 0, 0
	c := NewController(cfg)

	var last atomic.Bool
	c.RegisterAvailabilityObserver(func(available bool) { last.Store(available) })

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyStarted)
	assert.True(t, last.Load())

	c.Disconnect()
	c.Disconnect()

	assert.False(t, last.Load())
	assert.False(t, c.IsConnected())
	assert.False(t, c.SendCommand(context.Background(), "RELAY1 ON"))

	require.Eventually(t, func() bool { return box.Clients() == 0 }, eventually, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, box.Accepted(), "no reconnect after Disconnect")
}

func TestController_Validate(t *testing.T) {
	box := startBox(t, mock.BoxConfig{})
	c := NewController(testControllerConfig(box))
	assert.NoError(t, c.Validate(context.Background()))

	box.SetRejectAuth(true)
	assert.ErrorIs(t, c.Validate(context.Background()), transport.ErrAuthenticationRejected)
}

func TestControllerConfig_Validate(t *testing.T) {
	valid := DefaultControllerConfig()
	valid.Session.Host = "192.168.1.50"
	valid.Session.Username = "admin"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*ControllerConfig)
	}{
		{"missing host", func(c *ControllerConfig) { c.Session.Host = "" }},
		{"bad port", func(c *ControllerConfig) { c.Session.Port = 70000 }},
		{"missing username", func(c *ControllerConfig) { c.Session.Username = "" }},
		{"too many relays", func(c *ControllerConfig) { c.Relays = MaxDeviceCount + 1 }},
		{"negative dios", func(c *ControllerConfig) { c.DIOs = -1 }},
		{"negative freshness", func(c *ControllerConfig) { c.Freshness = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
