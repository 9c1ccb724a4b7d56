// Command rio-log views and summarizes rio protocol capture files.
//
// Capture files are written by rio-controller when log.capture is set in its
// configuration.
//
// Usage:
//
//	rio-log <command> [flags] <file.rlog>
//
// A file name of "-" reads the capture from standard input.
//
// Commands:
//
//	view     View a capture in human-readable format
//	export   Export a capture as JSON lines
//	stats    Show statistics about a capture
//
// Examples:
//
//	# View all events
//	rio-log view rio.rlog
//
//	# Only traffic concerning RELAY2
//	rio-log view --device RELAY2 rio.rlog
//
//	# Only incoming lines
//	rio-log view --layer transport --direction in rio.rlog
//
//	# Statistics
//	rio-log stats rio.rlog
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rmg-rio/rio-go/cmd/rio-log/commands"
	"github.com/rmg-rio/rio-go/pkg/log"
)

const usage = `rio-log - rio protocol capture analyzer

Usage:
  rio-log <command> [flags] <file.rlog>

Commands:
  view     View a capture in human-readable format
  export   Export a capture as JSON lines
  stats    Show statistics about a capture

Use "rio-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the filter flags shared by view and export.
func filterFlags(fs *flag.FlagSet) func() (log.Filter, error) {
	connID := fs.String("conn-id", "", "Filter by session ID")
	device := fs.String("device", "", "Filter by device (RELAY1, DIO3, ...)")
	kind := fs.String("kind", "", "Filter by decoded kind (STATE_ON, TYPE_ERROR, ...)")
	layer := fs.String("layer", "", "Filter by layer (transport, wire, session)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, control, state, error)")
	since := fs.String("since", "", "Only events at or after this time (RFC3339)")
	until := fs.String("until", "", "Only events before this time (RFC3339)")

	return func() (log.Filter, error) {
		opts := commands.FilterOptions{
			ConnID:    *connID,
			Device:    *device,
			Kind:      *kind,
			Layer:     *layer,
			Direction: *direction,
			Category:  *category,
		}
		if *since != "" {
			t, err := time.Parse(time.RFC3339, *since)
			if err != nil {
				return log.Filter{}, fmt.Errorf("invalid --since: %w", err)
			}
			opts.Since = &t
		}
		if *until != "" {
			t, err := time.Parse(time.RFC3339, *until)
			if err != nil {
				return log.Filter{}, fmt.Errorf("invalid --until: %w", err)
			}
			opts.Until = &t
		}
		return opts.Build()
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `rio-log view - View a capture in human-readable format

Usage:
  rio-log view [flags] <file.rlog>

Flags:
`)
		fs.PrintDefaults()
	}
	buildFilter := filterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := buildFilter()
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `rio-log export - Export a capture as JSON lines

Usage:
  rio-log export [flags] <file.rlog>

Flags:
`)
		fs.PrintDefaults()
	}
	output := fs.String("o", "", "Output file (default: stdout)")
	buildFilter := filterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := buildFilter()
	if err != nil {
		fail(err)
	}
	if err := commands.RunExport(path, filter, *output); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `rio-log stats - Show statistics about a capture

Usage:
  rio-log stats <file.rlog>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
