// Package commands implements the rio-log CLI commands.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// FilterOptions holds the textual filter flags before parsing.
type FilterOptions struct {
	ConnID    string
	Device    string
	Kind      string
	Layer     string
	Direction string
	Category  string
	Since     *time.Time
	Until     *time.Time
}

// Build converts the options into a capture filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: o.ConnID,
		Kind:         strings.ToUpper(o.Kind),
		TimeStart:    o.Since,
		TimeEnd:      o.Until,
	}

	if o.Device != "" {
		device := strings.ToUpper(o.Device)
		if !wire.IsDeviceID(device) {
			return log.Filter{}, fmt.Errorf("invalid device: %s", o.Device)
		}
		filter.DeviceID = device
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	return filter, nil
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "session":
		return log.LayerSession, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or session)", s)
	}
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
	}
}
