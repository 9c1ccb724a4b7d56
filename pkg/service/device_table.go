package service

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rmg-rio/rio-go/pkg/wire"
)

// DeviceState is the last known state of one relay or DIO.
type DeviceState struct {
	Device  string    `json:"device"`
	Known   bool      `json:"known"`
	On      bool      `json:"on"`
	Input   bool      `json:"input"`
	State   string    `json:"state,omitempty"`
	Updated time.Time `json:"updated,omitempty"`
}

// DeviceTable tracks the latest state reported for each device. It is an
// Observer and is normally registered with the wildcard filter.
//
// A DIO that answers with TYPE DI ERROR is configured as a digital input;
// it is remembered as read-only and keeps the last ON/OFF value it reported.
type DeviceTable struct {
	mu        sync.RWMutex
	devices   map[string]*DeviceState
	available bool
}

var _ Observer = (*DeviceTable)(nil)

// NewDeviceTable creates a table pre-populated with relays and dios devices.
func NewDeviceTable(relays, dios int) *DeviceTable {
	t := &DeviceTable{devices: make(map[string]*DeviceState)}
	for i := 1; i <= relays; i++ {
		t.ensure(wire.Relay(i))
	}
	for i := 1; i <= dios; i++ {
		t.ensure(wire.DIO(i))
	}
	return t
}

func (t *DeviceTable) ensure(device string) *DeviceState {
	d, ok := t.devices[device]
	if !ok {
		d = &DeviceState{Device: device}
		t.devices[device] = d
	}
	return d
}

// OnDeviceEvent implements Observer.
func (t *DeviceTable) OnDeviceEvent(ev wire.DeviceEvent) {
	if !ev.IsDeviceEvent() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.ensure(ev.Device)
	d.State = ev.State
	d.Updated = time.Now()
	switch ev.Kind {
	case wire.KindStateOn, wire.KindStateOff:
		d.Known = true
		d.On = ev.On()
	case wire.KindTypeError:
		if ev.State == wire.StateTypeDIError {
			d.Input = true
		}
	}
}

// OnAvailabilityChanged implements Observer.
func (t *DeviceTable) OnAvailabilityChanged(available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available = available
}

// Available reports the last availability seen by the table.
func (t *DeviceTable) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.available
}

// Get returns the state of device.
func (t *DeviceTable) Get(device string) (DeviceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.devices[device]
	if !ok {
		return DeviceState{}, false
	}
	return *d, true
}

// IsInput reports whether device was detected as a read-only digital input.
func (t *DeviceTable) IsInput(device string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.devices[device]
	return ok && d.Input
}

// Snapshot returns all devices, relays first, each group in numeric order.
func (t *DeviceTable) Snapshot() []DeviceState {
	t.mu.RLock()
	out := make([]DeviceState, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return deviceLess(out[i].Device, out[j].Device)
	})
	return out
}

func deviceLess(a, b string) bool {
	pa, na := splitDevice(a)
	pb, nb := splitDevice(b)
	if pa != pb {
		// RELAY sorts before DIO.
		return pa > pb
	}
	return na < nb
}

func splitDevice(device string) (string, int) {
	i := strings.IndexFunc(device, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return device, 0
	}
	n, _ := strconv.Atoi(device[i:])
	return device[:i], n
}
