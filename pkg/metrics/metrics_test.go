package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmg-rio/rio-go/pkg/service"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Registry = reg
	cfg.ConstLabels = prometheus.Labels{"box": "garage"}
	return New(cfg), reg
}

func TestCollector_Connected(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveReconnect(3, 20*time.Second)
	assert.Equal(t, 20.0, testutil.ToFloat64(c.backoffSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))

	c.SetConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
	assert.Zero(t, testutil.ToFloat64(c.backoffSeconds), "backoff clears on connect")

	c.SetConnected(false)
	assert.Zero(t, testutil.ToFloat64(c.connected))
}

func TestCollector_Counters(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveEvent("STATE_ON")
	c.ObserveEvent("STATE_ON")
	c.ObserveEvent("TYPE_ERROR")
	c.ObserveCommand(service.ResultOK)
	c.ObserveCommand(service.ResultFailed)
	c.ObserveMalformed()
	c.ObserveProbeFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("STATE_ON")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues(service.ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.malformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.probeFailures))

	expected := `
# HELP rio_probe_failures_total Total number of failed health probes
# TYPE rio_probe_failures_total counter
rio_probe_failures_total{box="garage"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rio_probe_failures_total"))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Registry = reg
	New(cfg)

	assert.Panics(t, func() { New(cfg) })
}
