package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// MessageType identifies a websocket message.
type MessageType string

// Websocket message types.
const (
	MsgSnapshot     MessageType = "snapshot"
	MsgEvent        MessageType = "event"
	MsgAvailability MessageType = "availability"
)

// Message is one websocket frame.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// SnapshotPayload is sent to every client on connect.
type SnapshotPayload struct {
	Available bool                  `json:"available"`
	Devices   []service.DeviceState `json:"devices"`
}

// EventPayload carries one device event.
type EventPayload struct {
	Device string    `json:"device"`
	Kind   string    `json:"kind"`
	State  string    `json:"state"`
	On     bool      `json:"on"`
	Time   time.Time `json:"time"`
}

// AvailabilityPayload carries an availability change.
type AvailabilityPayload struct {
	Available bool `json:"available"`
}

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans device events out to websocket clients. It is registered
// with the controller's hub as a wildcard observer.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	devices *service.DeviceTable
	logger  *slog.Logger
}

var _ service.Observer = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster; snapshots are taken from devices.
func NewBroadcaster(devices *service.DeviceTable, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*client]bool),
		devices: devices,
		logger:  logger,
	}
}

// addClient starts writing to conn, beginning with the current snapshot.
func (b *Broadcaster) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	data, err := json.Marshal(Message{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Available: b.devices.Available(),
			Devices:   b.devices.Snapshot(),
		},
	})
	if err == nil {
		c.send <- data
	}

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

// removeClient stops writing to c.
func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// OnDeviceEvent implements service.Observer.
func (b *Broadcaster) OnDeviceEvent(ev wire.DeviceEvent) {
	b.broadcast(Message{
		Type: MsgEvent,
		Payload: EventPayload{
			Device: ev.Device,
			Kind:   ev.Kind.String(),
			State:  ev.State,
			On:     ev.On(),
			Time:   time.Now(),
		},
	})
}

// OnAvailabilityChanged implements service.Observer.
func (b *Broadcaster) OnAvailabilityChanged(available bool) {
	b.broadcast(Message{
		Type:    MsgAvailability,
		Payload: AvailabilityPayload{Available: available},
	})
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("broadcast marshal failed", "type", msg.Type, "error", err)
		}
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		if b.logger != nil {
			b.logger.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr())
		}
		b.removeClient(c)
	}
}
