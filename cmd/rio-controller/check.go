package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

func checkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify address and credentials",
		Long:  `Check opens a throwaway session, authenticates and closes it again.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Log.Level, os.Stderr)
			ctrl := newController(cfg, logger, nil, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Box.ConnectTimeout+2*cfg.Box.HandshakeTimeout)
			defer cancel()

			address := cfg.Controller().Session.Address()
			if err := ctrl.Validate(ctx); err != nil {
				return fmt.Errorf("%s: %w", address, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: authentication successful\n", address)
			return nil
		},
	}
}

func sendCmd(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send one command to the box",
		Long: `Send connects, sends a single command and prints the device events
received until --wait elapses.

Commands are "<device> on", "<device> off", "<device>?" or
"<device> pulse [seconds]"; anything else is sent verbatim.`,
		Example: `  rio-controller send relay1 on
  rio-controller send "RELAY2 PULSE 0.5"
  rio-controller send dio3?`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := wire.ParseCommand(strings.Join(args, " "))
			if err != nil {
				return err
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Log.Level, os.Stderr)
			capture, closeCapture, err := opts.protocolLogger(cfg, logger)
			if err != nil {
				return err
			}
			defer closeCapture()

			ctrl := newController(cfg, logger, capture, nil)
			filter := command.Target
			if command.Action == wire.ActionNone {
				filter = service.WildcardFilter
			}
			ctrl.RegisterObserver(filter, func(ev wire.DeviceEvent) {
				fmt.Fprintln(cmd.OutOrStdout(), ev.String())
			})

			ctx := cmd.Context()
			if err := ctrl.Connect(ctx); err != nil {
				return err
			}
			defer ctrl.Disconnect()

			if err := ctrl.Send(ctx, command); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", 500*time.Millisecond, "Time to wait for the reply")
	return cmd
}
