// Package metrics exports controller metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rmg-rio/rio-go/pkg/service"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "rio").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics, e.g. the box name.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "rio",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector records controller metrics. It implements service.Recorder.
type Collector struct {
	connected      prometheus.Gauge
	reconnects     prometheus.Counter
	backoffSeconds prometheus.Gauge
	events         *prometheus.CounterVec
	commands       *prometheus.CounterVec
	probeFailures  prometheus.Counter
	malformed      prometheus.Counter
}

var _ service.Recorder = (*Collector)(nil)

// New registers the collectors with config.Registry.
func New(config Config) *Collector {
	if config.Namespace == "" {
		config.Namespace = "rio"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connected",
			Help:        "1 while an authenticated session is ready",
			ConstLabels: config.ConstLabels,
		}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_failed_total",
			Help:        "Total number of failed reconnect attempts",
			ConstLabels: config.ConstLabels,
		}),

		backoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_backoff_seconds",
			Help:        "Current delay before the next reconnect attempt",
			ConstLabels: config.ConstLabels,
		}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of decoded inbound lines by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commands_total",
			Help:        "Total number of commands by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		probeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "probe_failures_total",
			Help:        "Total number of failed health probes",
			ConstLabels: config.ConstLabels,
		}),

		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "malformed_lines_total",
			Help:        "Total number of dropped malformed lines",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// SetConnected implements service.Recorder.
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.connected.Set(1)
		c.backoffSeconds.Set(0)
		return
	}
	c.connected.Set(0)
}

// ObserveEvent implements service.Recorder.
func (c *Collector) ObserveEvent(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// ObserveMalformed implements service.Recorder.
func (c *Collector) ObserveMalformed() {
	c.malformed.Inc()
}

// ObserveCommand implements service.Recorder.
func (c *Collector) ObserveCommand(result string) {
	c.commands.WithLabelValues(result).Inc()
}

// ObserveReconnect implements service.Recorder.
func (c *Collector) ObserveReconnect(attempt int, delay time.Duration) {
	c.reconnects.Inc()
	c.backoffSeconds.Set(delay.Seconds())
}

// ObserveProbeFailure implements service.Recorder.
func (c *Collector) ObserveProbeFailure() {
	c.probeFailures.Inc()
}
