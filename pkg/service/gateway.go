package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rmg-rio/rio-go/pkg/transport"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// SenderSource supplies the current ready session to the Gateway.
// Implemented by Controller.
type SenderSource interface {
	// Current returns the ready session, or nil when there is none.
	Current() transport.Sender

	// Failed reports a transport failure observed on s.
	Failed(s transport.Sender, err error)
}

// InputChecker reports devices that reject writes.
// Implemented by DeviceTable.
type InputChecker interface {
	IsInput(device string) bool
}

// Gateway sends commands with a bounded number of attempts. It never waits
// for a reconnect: a transport failure is reported to the source, which
// starts the reconnect in the background.
type Gateway struct {
	config   GatewayConfig
	source   SenderSource
	inputs   InputChecker
	recorder Recorder
}

// NewGateway creates a gateway. inputs may be nil.
func NewGateway(config GatewayConfig, source SenderSource, inputs InputChecker) *Gateway {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	return &Gateway{
		config:   config,
		source:   source,
		inputs:   inputs,
		recorder: NoopRecorder{},
	}
}

// SetRecorder sets the metrics recorder.
func (g *Gateway) SetRecorder(r Recorder) {
	if r == nil {
		r = NoopRecorder{}
	}
	g.recorder = r
}

// Send writes cmd to the current session.
//
// Invalid commands and writes to read-only inputs fail immediately. Otherwise
// up to MaxAttempts attempts are made; when no session is ready the gateway
// waits RetryDelay before the next attempt. The returned error wraps
// ErrCommandSendFailure once all attempts are used.
func (g *Gateway) Send(ctx context.Context, cmd wire.Command) error {
	if err := cmd.Validate(); err != nil {
		g.recorder.ObserveCommand(ResultInvalid)
		return err
	}
	if cmd.Writes() && g.inputs != nil && g.inputs.IsInput(cmd.Target) {
		g.recorder.ObserveCommand(ResultRejected)
		return fmt.Errorf("%w: %s", ErrReadOnlyInput, cmd.Target)
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		s := g.source.Current()
		if s == nil {
			lastErr = ErrNotConnected
			if attempt < g.config.MaxAttempts {
				if err := g.wait(ctx); err != nil {
					g.recorder.ObserveCommand(ResultFailed)
					return err
				}
			}
			continue
		}

		err := s.Send(cmd)
		if err == nil {
			g.recorder.ObserveCommand(ResultOK)
			return nil
		}
		lastErr = err

		if g.config.Logger != nil {
			g.config.Logger.Warn("command send failed",
				"command", cmd.Text(),
				"attempt", attempt,
				"max_attempts", g.config.MaxAttempts,
				"error", err)
		}
		if errors.Is(err, transport.ErrTransport) || errors.Is(err, transport.ErrSessionClosed) {
			g.source.Failed(s, err)
		}
	}

	g.recorder.ObserveCommand(ResultFailed)
	return fmt.Errorf("%w: %s after %d attempts: %w",
		ErrCommandSendFailure, cmd.Text(), g.config.MaxAttempts, lastErr)
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.config.RetryDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(g.config.RetryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
