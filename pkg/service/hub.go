package service

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmg-rio/rio-go/pkg/wire"
)

// WildcardFilter registers an observer for every device.
const WildcardFilter = "*"

// Observer receives device events and availability changes.
type Observer interface {
	// OnDeviceEvent is called for events addressed to the observer's device.
	OnDeviceEvent(ev wire.DeviceEvent)

	// OnAvailabilityChanged is called when the session becomes ready or is lost.
	OnAvailabilityChanged(available bool)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	DeviceEvent         func(ev wire.DeviceEvent)
	AvailabilityChanged func(available bool)
}

// OnDeviceEvent implements Observer.
func (f ObserverFuncs) OnDeviceEvent(ev wire.DeviceEvent) {
	if f.DeviceEvent != nil {
		f.DeviceEvent(ev)
	}
}

// OnAvailabilityChanged implements Observer.
func (f ObserverFuncs) OnAvailabilityChanged(available bool) {
	if f.AvailabilityChanged != nil {
		f.AvailabilityChanged(available)
	}
}

// Handle identifies a registration.
type Handle uint64

type registration struct {
	handle     Handle
	filter     string
	observer   Observer
	lastUpdate atomic.Int64 // unix nanos of the last delivered event
}

func (r *registration) matches(device string) bool {
	return r.filter == WildcardFilter || r.filter == device
}

// Hub fans decoded device events out to registered observers.
//
// Dispatch delivers synchronously in registration order. A panicking
// observer is logged and skipped; the remaining observers still run.
type Hub struct {
	mu            sync.RWMutex
	registrations []*registration
	nextHandle    Handle
	available     bool

	freshness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewHub creates an empty hub. A freshness window of 0 disables the
// staleness check in Available.
func NewHub(freshness time.Duration) *Hub {
	return &Hub{
		freshness: freshness,
		now:       time.Now,
	}
}

// SetLogger sets the logger used to report observer panics.
func (h *Hub) SetLogger(logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

// Register adds an observer for filter, which is a device identifier or
// WildcardFilter.
func (h *Hub) Register(filter string, obs Observer) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextHandle++
	reg := &registration{
		handle:   h.nextHandle,
		filter:   filter,
		observer: obs,
	}
	reg.lastUpdate.Store(h.now().UnixNano())
	h.registrations = append(h.registrations, reg)
	return reg.handle
}

// RegisterFunc registers fn for events addressed to filter.
func (h *Hub) RegisterFunc(filter string, fn func(ev wire.DeviceEvent)) Handle {
	return h.Register(filter, ObserverFuncs{DeviceEvent: fn})
}

// RegisterAvailability registers fn for availability changes only.
func (h *Hub) RegisterAvailability(fn func(available bool)) Handle {
	return h.Register(WildcardFilter, ObserverFuncs{AvailabilityChanged: fn})
}

// Unregister removes a registration. It returns false for unknown handles.
func (h *Hub) Unregister(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, reg := range h.registrations {
		if reg.handle == handle {
			h.registrations = append(h.registrations[:i:i], h.registrations[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registrations.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.registrations)
}

// Dispatch delivers ev to every observer registered for its device.
// Events that are not addressed to a device are ignored.
func (h *Hub) Dispatch(ev wire.DeviceEvent) int {
	if !ev.IsDeviceEvent() {
		return 0
	}

	h.mu.RLock()
	targets := make([]*registration, 0, len(h.registrations))
	for _, reg := range h.registrations {
		if reg.matches(ev.Device) {
			targets = append(targets, reg)
		}
	}
	logger := h.logger
	h.mu.RUnlock()

	now := h.now().UnixNano()
	for _, reg := range targets {
		reg.lastUpdate.Store(now)
		h.deliver(logger, reg, func() { reg.observer.OnDeviceEvent(ev) })
	}
	return len(targets)
}

// BroadcastAvailability notifies every observer of an availability change.
func (h *Hub) BroadcastAvailability(available bool) {
	h.mu.Lock()
	h.available = available
	targets := make([]*registration, len(h.registrations))
	copy(targets, h.registrations)
	logger := h.logger
	h.mu.Unlock()

	for _, reg := range targets {
		h.deliver(logger, reg, func() { reg.observer.OnAvailabilityChanged(available) })
	}
}

// IsAvailable reports the last broadcast availability.
func (h *Hub) IsAvailable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.available
}

// Available reports whether the session is ready and, when a freshness
// window is set, whether the observer has heard from its device recently.
func (h *Hub) Available(handle Handle) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.available {
		return false
	}
	for _, reg := range h.registrations {
		if reg.handle != handle {
			continue
		}
		if h.freshness <= 0 {
			return true
		}
		last := time.Unix(0, reg.lastUpdate.Load())
		return h.now().Sub(last) <= h.freshness
	}
	return false
}

func (h *Hub) deliver(logger *slog.Logger, reg *registration, fn func()) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("observer panicked",
				"handle", reg.handle,
				"filter", reg.filter,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}
