package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

func consoleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive shell",
		Long: `Console connects to the box and reads commands from the terminal.
Device events are printed as they arrive. Type "help" for the command list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "rio> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			// Log output goes through readline so it does not garble the prompt.
			logger := setupLogging(cfg.Log.Level, rl.Stderr())
			capture, closeCapture, err := opts.protocolLogger(cfg, logger)
			if err != nil {
				return err
			}
			defer closeCapture()

			ctrl := newController(cfg, logger, capture, nil)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := ctrl.Connect(ctx); err != nil {
				return err
			}
			defer ctrl.Disconnect()

			c := newConsole(ctrl, rl.Stdout())
			defer c.Close()
			c.Run(ctx, rl)
			return nil
		},
	}
}

// consoleController is the part of service.Controller the console uses.
type consoleController interface {
	Send(ctx context.Context, cmd wire.Command) error
	Devices() *service.DeviceTable
	Status() service.Status
	ForceReconnect() error
	RegisterObserver(filter string, fn func(ev wire.DeviceEvent)) service.Handle
	RegisterAvailabilityObserver(fn func(available bool)) service.Handle
	Unregister(h service.Handle) bool
}

var _ consoleController = (*service.Controller)(nil)

// Console executes interactive commands against a controller.
type Console struct {
	ctrl    consoleController
	out     io.Writer
	handles []service.Handle
	watch   atomic.Bool
}

func newConsole(ctrl consoleController, out io.Writer) *Console {
	c := &Console{ctrl: ctrl, out: out}
	c.watch.Store(true)
	c.handles = append(c.handles,
		ctrl.RegisterObserver(service.WildcardFilter, c.printEvent),
		ctrl.RegisterAvailabilityObserver(func(available bool) {
			if available {
				fmt.Fprintln(c.out, "* box available")
			} else {
				fmt.Fprintln(c.out, "* box unavailable")
			}
		}),
	)
	return c
}

// Close unregisters the console's observers.
func (c *Console) Close() {
	for _, h := range c.handles {
		c.ctrl.Unregister(h)
	}
	c.handles = nil
}

func (c *Console) printEvent(ev wire.DeviceEvent) {
	if !c.watch.Load() {
		return
	}
	fmt.Fprintf(c.out, "< %s %s\n", ev.Device, ev.State)
}

// Run reads lines until EOF, quit or ctx ends.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) {
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			return
		}

		if !c.Execute(ctx, line) {
			return
		}
	}
}

// Execute runs one input line. It returns false when the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "on", "off", "query", "q":
		c.cmdSwitch(ctx, cmd, args)

	case "pulse", "p":
		c.cmdPulse(ctx, args)

	case "raw":
		c.cmdRaw(ctx, args)

	case "devices", "ls":
		c.cmdDevices()

	case "status", "st":
		c.cmdStatus()

	case "reconnect":
		if err := c.ctrl.ForceReconnect(); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintln(c.out, "Reconnect requested")

	case "watch":
		c.cmdWatch(args)

	case "quit", "exit":
		fmt.Fprintln(c.out, "Exiting...")
		return false

	default:
		// "relay1 on", "dio2?" and friends.
		command, err := wire.ParseCommand(input)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return true
		}
		if command.Action == wire.ActionNone {
			fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands, 'raw' to send verbatim)\n", cmd)
			return true
		}
		c.send(ctx, command)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
rio Console Commands:
  Switching:
    on <device>                  - Switch a relay or DIO on
    off <device>                 - Switch a relay or DIO off
    pulse <device> [seconds]     - Pulse a relay (default 0.5s)
    query <device>               - Ask for the current state
    raw <text>                   - Send text verbatim
    <device> on|off|pulse [s]    - Same, box syntax (e.g. relay1 on, dio2?)

  Information:
    devices                      - Show the known device states
    status                       - Show session and reconnect status
    watch on|off                 - Toggle event printing

  General:
    reconnect                    - Drop the session and reconnect
    help                         - Show this help
    quit                         - Exit the console`)
}

func (c *Console) cmdSwitch(ctx context.Context, action string, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "Usage: %s <device>\n", action)
		return
	}
	device, ok := c.device(args[0])
	if !ok {
		return
	}

	switch action {
	case "on":
		c.send(ctx, wire.On(device))
	case "off":
		c.send(ctx, wire.Off(device))
	default:
		c.send(ctx, wire.Query(device))
	}
}

func (c *Console) cmdPulse(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(c.out, "Usage: pulse <device> [seconds]")
		return
	}
	device, ok := c.device(args[0])
	if !ok {
		return
	}

	seconds := wire.DefaultPulseDuration
	if len(args) == 2 {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Fprintf(c.out, "Invalid duration: %s\n", args[1])
			return
		}
		seconds = v
	}
	c.send(ctx, wire.Pulse(device, seconds))
}

func (c *Console) cmdRaw(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: raw <text>")
		return
	}
	c.send(ctx, wire.Raw(strings.Join(args, " ")))
}

func (c *Console) cmdDevices() {
	devices := c.ctrl.Devices()
	fmt.Fprintf(c.out, "Available: %v\n", devices.Available())
	for _, d := range devices.Snapshot() {
		state := "unknown"
		if d.Known {
			state = d.State
		}
		kind := ""
		if d.Input {
			kind = " (input)"
		}
		updated := ""
		if !d.Updated.IsZero() {
			updated = "  " + d.Updated.Format(time.TimeOnly)
		}
		fmt.Fprintf(c.out, "  %-8s %-8s%s%s\n", d.Device, state, kind, updated)
	}
}

func (c *Console) cmdStatus() {
	st := c.ctrl.Status()
	fmt.Fprintf(c.out, "State:      %s\n", st.State)
	fmt.Fprintf(c.out, "Connected:  %v\n", st.Connected)
	if st.SessionID != "" {
		fmt.Fprintf(c.out, "Session:    %s (%s)\n", st.SessionID, st.RemoteAddr)
	}
	fmt.Fprintf(c.out, "Lines:      %d in, %d out, %d malformed\n",
		st.Session.LinesIn, st.Session.LinesOut, st.Session.Malformed)
	fmt.Fprintf(c.out, "Probes:     %d\n", st.Health.ProbesSent)
	if st.Reconnect.Attempts > 0 {
		fmt.Fprintf(c.out, "Reconnects: %d (backoff %s)\n", st.Reconnect.Attempts, st.Reconnect.Backoff)
	}
	if st.Reconnect.LastError != nil {
		fmt.Fprintf(c.out, "Last error: %v\n", st.Reconnect.LastError)
	}
}

func (c *Console) cmdWatch(args []string) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on":
			c.watch.Store(true)
		case "off":
			c.watch.Store(false)
		default:
			fmt.Fprintln(c.out, "Usage: watch on|off")
			return
		}
	} else {
		c.watch.Store(!c.watch.Load())
	}
	fmt.Fprintf(c.out, "Event printing: %v\n", c.watch.Load())
}

func (c *Console) device(arg string) (string, bool) {
	device := strings.ToUpper(arg)
	if !wire.IsDeviceID(device) {
		fmt.Fprintf(c.out, "Unknown device: %s (expected RELAYn or DIOn)\n", arg)
		return "", false
	}
	return device, true
}

func (c *Console) send(ctx context.Context, command wire.Command) {
	if err := c.ctrl.Send(ctx, command); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "> %s\n", command.Text())
}
