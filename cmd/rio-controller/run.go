package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rmg-rio/rio-go/internal/api"
	"github.com/rmg-rio/rio-go/pkg/connection"
	"github.com/rmg-rio/rio-go/pkg/metrics"
	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/transport"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon",
		Long: `Run connects to the box and keeps the session alive until interrupted.
A failed first connect is retried with the configured backoff. When the API
is enabled, status, devices, commands, a websocket event stream and
Prometheus metrics are served on the configured address.

Under systemd, READY=1 is sent once the first session is up and the
watchdog is fed while the daemon runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

// logEvents logs every device event and availability change. It is
// registered before the first connect so the initial replies are logged too.
func logEvents(ctrl *service.Controller, logger *slog.Logger) {
	ctrl.RegisterObserver(service.WildcardFilter, func(ev wire.DeviceEvent) {
		logger.Info("device event", "device", ev.Device, "kind", ev.Kind, "state", ev.State)
	})
	ctrl.RegisterAvailabilityObserver(func(available bool) {
		logger.Info("availability changed", "available", available)
	})
}

func runDaemon(parent context.Context, opts *options) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logger := setupLogging(cfg.Log.Level, os.Stderr)
	logger.Info("rio-controller starting", "version", version, "box", cfg.Controller().Session.Address())

	capture, closeCapture, err := opts.protocolLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCapture()

	collector := metrics.New(metrics.DefaultConfig())
	ctrl := newController(cfg, logger, capture, collector)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(ctrl, api.Config{
			Metrics: promhttp.Handler(),
			Logger:  logger,
		})
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("api listening", "address", cfg.API.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "error", err)
				stop()
			}
		}()
	}

	logEvents(ctrl, logger)

	if err := connectWithRetry(ctx, ctrl, cfg.Reconnect.BackoffConfig, logger); err != nil {
		shutdownAPI(srv, apiServer, logger)
		return err
	}
	sdnotify(daemon.SdNotifyReady, logger)

	go watchdog(ctx, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	sdnotify(daemon.SdNotifyStopping, logger)

	shutdownAPI(srv, apiServer, logger)
	ctrl.Disconnect()
	return nil
}

// connectWithRetry retries the first connect until it succeeds or ctx ends.
// An authentication rejection is not retried.
func connectWithRetry(ctx context.Context, ctrl *service.Controller, cfg connection.BackoffConfig, logger *slog.Logger) error {
	backoff := connection.NewBackoffWithConfig(cfg)
	for {
		err := ctrl.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthenticationRejected) {
			return err
		}

		delay := backoff.Next()
		logger.Warn("initial connect failed, retrying", "attempt", backoff.Attempts(), "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func shutdownAPI(srv *http.Server, apiServer *api.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	apiServer.Close()
}

// watchdog feeds the systemd watchdog at half its interval, if enabled.
func watchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sdnotify(daemon.SdNotifyWatchdog, logger)
		}
	}
}

func sdnotify(state string, logger *slog.Logger) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sdnotify", "state", state, "error", err)
	}
	return ok
}
