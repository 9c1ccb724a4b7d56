package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmg-rio/rio-go/pkg/connection"
	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/transport"
)

// Service errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyStarted     = errors.New("controller already started")
	ErrControllerClosed   = errors.New("controller closed")
	ErrCommandSendFailure = errors.New("command send failure")
	ErrReadOnlyInput      = errors.New("device is a read-only digital input")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Default values.
const (
	// DefaultRelayCount and DefaultDIOCount match a Rio 4 box.
	DefaultRelayCount = 4
	DefaultDIOCount   = 4

	// MaxDeviceCount bounds the relay and DIO counts.
	MaxDeviceCount = 64

	// DefaultInitialStateDelay is the pause after (re)connecting before
	// the initial state queries are sent.
	DefaultInitialStateDelay = 1 * time.Second

	// DefaultQuerySpacing separates consecutive initial state queries.
	DefaultQuerySpacing = 100 * time.Millisecond

	// DefaultMaxAttempts is the number of send attempts per command.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the wait before retrying when no session is ready.
	DefaultRetryDelay = 500 * time.Millisecond
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// MaxAttempts is the number of send attempts (default: 3).
	MaxAttempts int

	// RetryDelay is the wait between attempts without a ready session
	// (default: 0.5s).
	RetryDelay time.Duration

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger
}

// DefaultGatewayConfig returns the default gateway configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
	}
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Session configures the box address, credentials and timeouts.
	Session transport.SessionConfig

	// Health configures the probe loop.
	Health transport.HealthConfig

	// Reconnect configures the reconnect manager.
	Reconnect connection.ManagerConfig

	// Gateway configures command retries.
	Gateway GatewayConfig

	// Relays and DIOs are the device counts queried after each connect.
	Relays int
	DIOs   int

	// InitialStateDelay is the pause after connecting before the state
	// queries (default: 1s).
	InitialStateDelay time.Duration

	// QuerySpacing separates state queries (default: 100ms).
	QuerySpacing time.Duration

	// Freshness marks an observer unavailable when it has not seen an
	// update within the window (0 disables the check).
	Freshness time.Duration

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events. Nil disables capture.
	ProtocolLogger log.Logger

	// Recorder receives metrics. Nil disables metrics.
	Recorder Recorder
}

// DefaultControllerConfig returns the default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Session:           transport.DefaultSessionConfig(),
		Health:            transport.DefaultHealthConfig(),
		Reconnect:         connection.DefaultManagerConfig(),
		Gateway:           DefaultGatewayConfig(),
		Relays:            DefaultRelayCount,
		DIOs:              DefaultDIOCount,
		InitialStateDelay: DefaultInitialStateDelay,
		QuerySpacing:      DefaultQuerySpacing,
	}
}

// Validate checks the configuration.
func (c ControllerConfig) Validate() error {
	if c.Session.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Session.Port < 0 || c.Session.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Session.Port)
	}
	if c.Session.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidConfig)
	}
	if c.Relays < 0 || c.Relays > MaxDeviceCount {
		return fmt.Errorf("%w: relay count %d out of range", ErrInvalidConfig, c.Relays)
	}
	if c.DIOs < 0 || c.DIOs > MaxDeviceCount {
		return fmt.Errorf("%w: DIO count %d out of range", ErrInvalidConfig, c.DIOs)
	}
	if c.Freshness < 0 {
		return fmt.Errorf("%w: negative freshness window", ErrInvalidConfig)
	}
	return nil
}

// Status is a snapshot of the controller.
type Status struct {
	Connected  bool
	State      connection.State
	SessionID  string
	RemoteAddr string
	Reconnect  connection.ReconnectState
	Session    transport.SessionStats
	Health     transport.HealthStats
}
