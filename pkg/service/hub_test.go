package service

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmg-rio/rio-go/pkg/wire"
)

func relayOn(n int) wire.DeviceEvent {
	ev, _ := wire.Decode(wire.Relay(n) + "=ON")
	return ev
}

func TestHub_DispatchInRegistrationOrder(t *testing.T) {
	hub := NewHub(0)

	var order []string
	hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { order = append(order, "first") })
	hub.RegisterFunc(WildcardFilter, func(wire.DeviceEvent) { order = append(order, "wildcard") })
	hub.RegisterFunc("RELAY2", func(wire.DeviceEvent) { order = append(order, "other") })
	hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { order = append(order, "second") })

	n := hub.Dispatch(relayOn(1))
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "wildcard", "second"}, order)
}

func TestHub_IgnoresNonDeviceEvents(t *testing.T) {
	hub := NewHub(0)
	called := false
	hub.RegisterFunc(WildcardFilter, func(wire.DeviceEvent) { called = true })

	ev, err := wire.Decode(wire.NoticeServerShutdown)
	require.NoError(t, err)

	assert.Zero(t, hub.Dispatch(ev))
	assert.False(t, called)
}

func TestHub_PanickingObserverDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	hub := NewHub(0)
	hub.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	var got []string
	hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { got = append(got, "before") })
	hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { panic("boom") })
	hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { got = append(got, "after") })

	assert.NotPanics(t, func() { hub.Dispatch(relayOn(1)) })
	assert.Equal(t, []string{"before", "after"}, got)
	assert.Contains(t, buf.String(), "observer panicked")
	assert.Contains(t, buf.String(), "boom")
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub(0)
	calls := 0
	h := hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) { calls++ })

	hub.Dispatch(relayOn(1))
	assert.True(t, hub.Unregister(h))
	assert.False(t, hub.Unregister(h))
	hub.Dispatch(relayOn(1))

	assert.Equal(t, 1, calls)
	assert.Zero(t, hub.Len())
}

func TestHub_BroadcastAvailability(t *testing.T) {
	hub := NewHub(0)

	var got []bool
	hub.RegisterAvailability(func(available bool) { got = append(got, available) })
	h := hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) {})
	hub.Register("RELAY2", ObserverFuncs{})

	assert.False(t, hub.Available(h))

	hub.BroadcastAvailability(true)
	assert.True(t, hub.IsAvailable())
	assert.True(t, hub.Available(h))

	hub.BroadcastAvailability(false)
	assert.False(t, hub.Available(h))
	assert.Equal(t, []bool{true, false}, got)
}

func TestHub_FreshnessWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	hub := NewHub(time.Minute)
	hub.now = func() time.Time { return now }

	h := hub.RegisterFunc("RELAY1", func(wire.DeviceEvent) {})
	hub.BroadcastAvailability(true)
	assert.True(t, hub.Available(h))

	now = now.Add(2 * time.Minute)
	assert.False(t, hub.Available(h), "stale observer should be unavailable")

	hub.Dispatch(relayOn(1))
	assert.True(t, hub.Available(h))

	assert.False(t, hub.Available(Handle(999)))
}

func TestHub_ConcurrentRegisterAndDispatch(t *testing.T) {
	hub := NewHub(0)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := hub.RegisterFunc(WildcardFilter, func(wire.DeviceEvent) {})
			hub.Unregister(h)
		}()
		go func() {
			defer wg.Done()
			hub.Dispatch(relayOn(2))
			hub.BroadcastAvailability(true)
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Len())
}
