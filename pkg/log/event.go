package log

import (
	"strings"
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the session (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (host:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// DeviceID is the relay or DIO identifier the event refers to, if any.
	DeviceID string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Line        *LineEvent        `cbor:"10,keyasint,omitempty"` // Transport layer
	Device      *DeviceEventData  `cbor:"11,keyasint,omitempty"` // Wire layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Session/connection state
	Probe       *ProbeEvent       `cbor:"13,keyasint,omitempty"` // Health probes
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming line.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing line.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw lines).
	LayerTransport Layer = 0
	// LayerWire is the codec layer (decoded device events).
	LayerWire Layer = 1
	// LayerSession is the session/reconnect layer.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol line or decoded event.
	CategoryMessage Category = 0
	// CategoryControl indicates handshake and health probe traffic.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LineEvent captures one framed line at the transport layer.
type LineEvent struct {
	// Text is the line without terminator. Credentials are redacted.
	Text string `cbor:"1,keyasint"`

	// Size is the number of bytes on the wire (including terminator for
	// outgoing lines).
	Size int `cbor:"2,keyasint"`
}

// DeviceEventData captures a decoded device event at the wire layer.
type DeviceEventData struct {
	// Kind is the decoded kind name (STATE_ON, TYPE_ERROR, ...).
	Kind string `cbor:"1,keyasint"`

	// State is the raw state value.
	State string `cbor:"2,keyasint,omitempty"`
}

// StateChangeEvent captures session and reconnect lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a session state change.
	StateEntitySession StateEntity = 0
	// StateEntityConnection indicates a reconnect manager state change.
	StateEntityConnection StateEntity = 1
	// StateEntityAvailability indicates an availability broadcast.
	StateEntityAvailability StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityAvailability:
		return "AVAILABILITY"
	default:
		return "UNKNOWN"
	}
}

// ProbeEvent captures a health probe write.
type ProbeEvent struct {
	// Command is the probe line sent.
	Command string `cbor:"1,keyasint"`

	// Success reports whether the write succeeded.
	Success bool `cbor:"2,keyasint"`

	// Sequence is the probe number within the session (1-based).
	Sequence uint64 `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// RedactCredentials masks the password part of a "<user>;<password>" line.
// Lines without a ';' are returned unchanged.
func RedactCredentials(line string) string {
	user, _, found := strings.Cut(line, ";")
	if !found {
		return line
	}
	return user + ";***"
}
