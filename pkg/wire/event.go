package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Device identifier prefixes.
const (
	RelayPrefix = "RELAY"
	DIOPrefix   = "DIO"
)

// Status notice lines sent by the box.
const (
	NoticeServerShutdown = "SERVER=SHUTDOWN"
	NoticeUpdateStarted  = "UPDATE=STARTED"
	NoticeRebootStarted  = "REBOOT=STARTED"
)

// State values.
const (
	StateOn  = "ON"
	StateOff = "OFF"

	// StateTypeDIError is reported when a DIO configured as digital input
	// is addressed like an output.
	StateTypeDIError = "TYPE DI ERROR"
)

// Decode errors.
var (
	// ErrMalformedLine indicates a RELAY/DIO line with an unexpected state value.
	ErrMalformedLine = errors.New("malformed line")

	// ErrEmptyLine indicates an empty line was passed to Decode.
	ErrEmptyLine = errors.New("empty line")
)

// Kind classifies a decoded line.
type Kind uint8

const (
	// KindUnrecognized is any line the codec does not understand.
	KindUnrecognized Kind = iota

	// KindStateOn reports a device switched on.
	KindStateOn

	// KindStateOff reports a device switched off.
	KindStateOff

	// KindTypeError reports a device refusing the request because of its type.
	KindTypeError

	// KindStatusNotice is a box-wide status notice.
	KindStatusNotice

	// KindServerError is an error reported by the box.
	KindServerError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnrecognized:
		return "UNRECOGNIZED"
	case KindStateOn:
		return "STATE_ON"
	case KindStateOff:
		return "STATE_OFF"
	case KindTypeError:
		return "TYPE_ERROR"
	case KindStatusNotice:
		return "STATUS_NOTICE"
	case KindServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// DeviceEvent is the decoded form of one inbound line.
type DeviceEvent struct {
	// Device is the device identifier (e.g. "RELAY3", "DIO2").
	// Empty for status notices, server errors and unrecognized lines.
	Device string

	// Kind classifies the event.
	Kind Kind

	// State is the raw state value after '=' (empty when not applicable).
	State string

	// Raw is the trimmed line the event was decoded from.
	Raw string
}

// IsDeviceEvent reports whether the event is addressed to a device and
// should be dispatched to observers.
func (e DeviceEvent) IsDeviceEvent() bool {
	switch e.Kind {
	case KindStateOn, KindStateOff, KindTypeError:
		return e.Device != ""
	default:
		return false
	}
}

// On reports whether the event reports the device as switched on.
func (e DeviceEvent) On() bool {
	return e.Kind == KindStateOn
}

// String returns a compact representation for logs.
func (e DeviceEvent) String() string {
	if e.Device != "" {
		return fmt.Sprintf("%s(%s=%s)", e.Kind, e.Device, e.State)
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Raw)
}

// Decode parses one line received from the box.
//
// A RELAY/DIO line with a state value other than ON, OFF or an error text
// returns ErrMalformedLine and must be dropped. Unrecognized lines decode
// without error as KindUnrecognized.
func Decode(line string) (DeviceEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return DeviceEvent{}, ErrEmptyLine
	}

	switch line {
	case NoticeServerShutdown, NoticeUpdateStarted, NoticeRebootStarted:
		return DeviceEvent{Kind: KindStatusNotice, Raw: line}, nil
	}

	if IsDeviceID(line) && strings.Contains(line, "=") {
		device, state, _ := strings.Cut(line, "=")
		device = strings.TrimSpace(device)
		state = strings.TrimSpace(state)

		ev := DeviceEvent{Device: device, State: state, Raw: line}
		switch {
		case state == StateOn:
			ev.Kind = KindStateOn
		case state == StateOff:
			ev.Kind = KindStateOff
		case strings.Contains(state, "ERROR"):
			ev.Kind = KindTypeError
		default:
			return DeviceEvent{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		return ev, nil
	}

	if strings.Contains(line, "ERROR=") {
		return DeviceEvent{Kind: KindServerError, Raw: line}, nil
	}

	return DeviceEvent{Kind: KindUnrecognized, Raw: line}, nil
}

// IsDeviceID reports whether s starts with a relay or DIO prefix.
func IsDeviceID(s string) bool {
	return strings.HasPrefix(s, RelayPrefix) || strings.HasPrefix(s, DIOPrefix)
}

// IsDIO reports whether the device identifier names a DIO.
func IsDIO(device string) bool {
	return strings.HasPrefix(device, DIOPrefix)
}

// Relay returns the identifier of relay n (1-based).
func Relay(n int) string {
	return fmt.Sprintf("%s%d", RelayPrefix, n)
}

// DIO returns the identifier of DIO n (1-based).
func DIO(n int) string {
	return fmt.Sprintf("%s%d", DIOPrefix, n)
}
