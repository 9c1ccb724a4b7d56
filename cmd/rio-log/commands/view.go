package commands

import (
	"fmt"
	"io"

	"github.com/rmg-rio/rio-go/pkg/log"
)

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var typeLabel string
	switch {
	case event.Line != nil:
		typeLabel = "Line"
	case event.Device != nil:
		typeLabel = event.Device.Kind
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Probe != nil:
		typeLabel = "Probe"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, shortenConnID(event.ConnectionID),
		event.Direction.String(), layerStr, typeLabel)
	if event.DeviceID != "" {
		fmt.Fprintf(w, " %s", event.DeviceID)
	}
	fmt.Fprintln(w)

	switch {
	case event.Line != nil:
		fmt.Fprintf(w, "  %q (%d bytes)\n", event.Line.Text, event.Line.Size)
	case event.Device != nil:
		if event.Device.State != "" {
			fmt.Fprintf(w, "  State: %s\n", event.Device.State)
		}
	case event.StateChange != nil:
		formatStateChange(w, event.StateChange)
	case event.Probe != nil:
		status := "ok"
		if !event.Probe.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "  #%d %s %s\n", event.Probe.Sequence, event.Probe.Command, status)
	case event.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", event.Error.Layer.String())
		fmt.Fprintf(w, "  Message: %s\n", event.Error.Message)
		if event.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", event.Error.Context)
		}
	}

	fmt.Fprintln(w)
}

func formatStateChange(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// shortenConnID returns the first 8 characters of the session ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// RunView prints every event matching filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
