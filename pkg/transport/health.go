package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// Health monitor constants.
const (
	// DefaultProbeInterval is the default interval between probes.
	DefaultProbeInterval = 30 * time.Second
)

// DefaultProbeCommand is the lightweight query written as a probe. Its reply
// is handled by the read loop like any other line.
var DefaultProbeCommand = wire.Query(wire.Relay(1))

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	// ProbeInterval is the interval between probes.
	ProbeInterval time.Duration

	// ProbeCommand is the command written on every tick.
	ProbeCommand wire.Command

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger

	// ProtocolLogger receives a ProbeEvent per probe. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultHealthConfig returns the default health monitor configuration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProbeInterval: DefaultProbeInterval,
		ProbeCommand:  DefaultProbeCommand,
	}
}

// HealthMonitor detects half-open sessions by periodically writing a probe.
// A successful write counts as alive; the reply is not awaited. The first
// failed write calls onFailure once and ends the monitor.
type HealthMonitor struct {
	config    HealthConfig
	sender    Sender
	connID    string
	onFailure func(error)

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	probes    uint64
	failures  uint64
	lastProbe time.Time
	lastErr   error
}

// HealthStats contains health monitor statistics.
type HealthStats struct {
	ProbesSent uint64
	Failures   uint64
	LastProbe  time.Time
	LastError  error
}

// NewHealthMonitor creates a monitor probing through sender.
func NewHealthMonitor(config HealthConfig, sender Sender, onFailure func(error)) *HealthMonitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.ProbeCommand.Target == "" {
		config.ProbeCommand = DefaultProbeCommand
	}

	m := &HealthMonitor{
		config:    config,
		sender:    sender,
		onFailure: onFailure,
		doneCh:    make(chan struct{}),
	}
	if s, ok := sender.(interface{ ID() string }); ok {
		m.connID = s.ID()
	}
	close(m.doneCh)
	return m
}

// Start begins probing. It is a no-op if already running.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(ctx, stopCh, doneCh)
}

// Stop stops probing without waiting; use Done to wait for the loop.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// Done is closed when the probe loop has exited.
func (m *HealthMonitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doneCh
}

// IsRunning returns true if the probe loop is active.
func (m *HealthMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stats returns current statistics.
func (m *HealthMonitor) Stats() HealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthStats{
		ProbesSent: m.probes,
		Failures:   m.failures,
		LastProbe:  m.lastProbe,
		LastError:  m.lastErr,
	}
}

func (m *HealthMonitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.markStopped(stopCh)
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := m.probe(); err != nil {
				m.markStopped(stopCh)
				if m.onFailure != nil {
					m.onFailure(err)
				}
				return
			}
		}
	}
}

func (m *HealthMonitor) probe() error {
	err := m.sender.Send(m.config.ProbeCommand)

	m.mu.Lock()
	m.probes++
	seq := m.probes
	m.lastProbe = time.Now()
	if err != nil {
		m.failures++
		m.lastErr = err
	}
	m.mu.Unlock()

	if m.config.ProtocolLogger != nil {
		m.config.ProtocolLogger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: m.connID,
			Direction:    log.DirectionOut,
			Layer:        log.LayerSession,
			Category:     log.CategoryControl,
			DeviceID:     m.config.ProbeCommand.Target,
			Probe: &log.ProbeEvent{
				Command:  m.config.ProbeCommand.Text(),
				Success:  err == nil,
				Sequence: seq,
			},
		})
	}

	if err != nil && m.config.Logger != nil {
		m.config.Logger.Warn("health probe failed", "session", m.connID, "probe", seq, "error", err)
	}
	return err
}

// markStopped clears running if the loop ends on its own.
func (m *HealthMonitor) markStopped(stopCh chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.stopCh == stopCh {
		m.running = false
		close(m.stopCh)
	}
}
