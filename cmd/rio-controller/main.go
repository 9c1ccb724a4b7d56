// Command rio-controller connects to an RMG Rio relay/DIO box and keeps the
// session alive.
//
// Usage:
//
//	rio-controller <command> [flags]
//
// Commands:
//
//	run       Run the daemon (reconnecting session, HTTP API, metrics)
//	check     Verify address and credentials, then exit
//	send      Send one command, e.g. "RELAY1 ON" or "RELAY2 PULSE 1.5"
//	console   Interactive shell
//	version   Print version information
//
// Examples:
//
//	# Run with a config file, password from the environment
//	RIO_PASSWORD=secret rio-controller run --config /etc/rio/rio.yaml
//
//	# Check credentials against a box without a config file
//	rio-controller check --host 192.168.1.50 --user admin
//
//	# Pulse relay 3 for two seconds
//	rio-controller send --config rio.yaml relay3 pulse 2
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/rmg-rio/rio-go/internal/config"
	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/service"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// options are the flags shared by all subcommands.
type options struct {
	configFile string
	host       string
	port       int
	user       string
	logLevel   string
	trace      bool
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "rio-controller",
		Short: "Controller for RMG Rio relay and DIO boxes",
		Long: `rio-controller keeps an authenticated session to an RMG Rio box,
reports relay and DIO state changes and sends switching commands.

The password is read from the config file or the RIO_PASSWORD environment
variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Configuration file path")
	flags.StringVar(&opts.host, "host", "", "Box host (overrides config)")
	flags.IntVar(&opts.port, "port", 0, "Box port (overrides config)")
	flags.StringVarP(&opts.user, "user", "u", "", "Username (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.BoolVar(&opts.trace, "trace", false, "Log every protocol line")

	rootCmd.AddCommand(
		runCmd(opts),
		checkCmd(opts),
		sendCmd(opts),
		consoleCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load reads the config file (or defaults) and applies flag overrides.
func (o *options) load() (*config.Config, error) {
	var cfg *config.Config
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if o.host != "" {
		cfg.Box.Host = o.host
	}
	if o.port != 0 {
		cfg.Box.Port = o.port
	}
	if o.user != "" {
		cfg.Box.Username = o.user
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging returns the operational logger writing to w.
func setupLogging(level string, w io.Writer) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// protocolLogger assembles the capture sinks. The returned close function
// flushes the capture file, if any.
func (o *options) protocolLogger(cfg *config.Config, logger *slog.Logger) (log.Logger, func(), error) {
	var sinks []log.Logger
	closeFn := func() {}

	if cfg.Log.Capture != "" {
		fl, err := log.NewFileLogger(cfg.Log.Capture)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open capture file: %w", err)
		}
		logger.Info("capturing protocol traffic", "path", fl.Path())
		sinks = append(sinks, fl)
		closeFn = func() {
			if err := fl.Close(); err != nil {
				logger.Warn("close capture file", "error", err)
			}
		}
	}
	if o.trace {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return sinks[0], closeFn, nil
	default:
		return log.NewMultiLogger(sinks...), closeFn, nil
	}
}

// newController builds a controller from the loaded configuration.
func newController(cfg *config.Config, logger *slog.Logger, capture log.Logger, recorder service.Recorder) *service.Controller {
	cc := cfg.Controller()
	cc.Logger = logger
	cc.ProtocolLogger = capture
	cc.Recorder = recorder
	return service.NewController(cc)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rio-controller %s (%s) %s %s/%s\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
