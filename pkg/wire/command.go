package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LineTerminator terminates every line sent to the box.
const LineTerminator = "\r"

// DefaultPulseDuration is the pulse length used when none is given, in seconds.
const DefaultPulseDuration = 0.5

// MaxPulseDuration is the longest pulse accepted, in seconds.
const MaxPulseDuration = 86400.0

// Command errors.
var (
	ErrEmptyCommand    = errors.New("empty command")
	ErrInvalidDuration = errors.New("invalid pulse duration")
)

// Action is the verb appended to a command target.
type Action uint8

const (
	// ActionNone sends the target text as-is (raw literal command).
	ActionNone Action = iota

	// ActionQuery asks the box for the device state ("RELAY1?").
	ActionQuery

	// ActionOn switches the device on.
	ActionOn

	// ActionOff switches the device off.
	ActionOff

	// ActionPulse switches the device on for Duration seconds.
	ActionPulse
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "RAW"
	case ActionQuery:
		return "QUERY"
	case ActionOn:
		return "ON"
	case ActionOff:
		return "OFF"
	case ActionPulse:
		return "PULSE"
	default:
		return "UNKNOWN"
	}
}

// Command is one outbound command. It serializes to exactly one line.
type Command struct {
	// Target is the device identifier, or the full literal text for ActionNone.
	Target string

	// Action selects the suffix appended to Target.
	Action Action

	// Duration is the pulse length in seconds (ActionPulse only).
	Duration float64
}

// On returns a command switching device on.
func On(device string) Command { return Command{Target: device, Action: ActionOn} }

// Off returns a command switching device off.
func Off(device string) Command { return Command{Target: device, Action: ActionOff} }

// Query returns a command asking for the state of device.
func Query(device string) Command { return Command{Target: device, Action: ActionQuery} }

// Pulse returns a pulse command for device lasting seconds.
func Pulse(device string, seconds float64) Command {
	return Command{Target: device, Action: ActionPulse, Duration: seconds}
}

// Raw returns a command sending text literally.
func Raw(text string) Command { return Command{Target: text, Action: ActionNone} }

// Text returns the command line without terminator.
func (c Command) Text() string {
	switch c.Action {
	case ActionQuery:
		return c.Target + "?"
	case ActionOn:
		return c.Target + " " + StateOn
	case ActionOff:
		return c.Target + " " + StateOff
	case ActionPulse:
		return c.Target + " PULSE " + FormatDuration(c.Duration)
	default:
		return c.Target
	}
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return c.Text()
}

// Encode serializes the command to wire bytes, CR terminated.
func (c Command) Encode() []byte {
	return []byte(c.Text() + LineTerminator)
}

// Validate checks the command can be sent.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return ErrEmptyCommand
	}
	if strings.ContainsAny(c.Target, "\r\n") {
		return fmt.Errorf("%w: target contains line terminator", ErrEmptyCommand)
	}
	if c.Action == ActionPulse && !validDuration(c.Duration) {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, c.Duration)
	}
	return nil
}

// validDuration rejects zero, negative, NaN and infinite durations as well as
// anything above MaxPulseDuration.
func validDuration(seconds float64) bool {
	return seconds > 0 && !math.IsInf(seconds, 0) && seconds <= MaxPulseDuration
}

// Writes reports whether the command changes device state.
func (c Command) Writes() bool {
	return c.Action == ActionOn || c.Action == ActionOff || c.Action == ActionPulse
}

// FormatDuration renders seconds in the literal decimal form the box
// expects. Integral values keep one fractional digit ("1.0").
func FormatDuration(seconds float64) string {
	s := strconv.FormatFloat(seconds, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParseCommand parses operator text such as "relay1 on", "RELAY1 PULSE 1.5"
// or "DIO2?". Text that does not address a device verb is returned as a raw
// literal command.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, ErrEmptyCommand
	}

	fields := strings.Fields(text)
	target := strings.ToUpper(fields[0])

	if len(fields) == 1 && strings.HasSuffix(target, "?") && IsDeviceID(target) {
		return Query(strings.TrimSuffix(target, "?")), nil
	}
	if !IsDeviceID(target) || len(fields) < 2 {
		return Raw(text), nil
	}

	switch strings.ToUpper(fields[1]) {
	case StateOn:
		if len(fields) == 2 {
			return On(target), nil
		}
	case StateOff:
		if len(fields) == 2 {
			return Off(target), nil
		}
	case "PULSE":
		d := DefaultPulseDuration
		if len(fields) > 3 {
			break
		}
		if len(fields) == 3 {
			v, err := strconv.ParseFloat(fields[2], 64)
			if err != nil || !validDuration(v) {
				return Command{}, fmt.Errorf("%w: %q", ErrInvalidDuration, fields[2])
			}
			d = v
		}
		return Pulse(target, d), nil
	}

	return Raw(text), nil
}
