package service

import "time"

// Command results passed to Recorder.ObserveCommand.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultInvalid  = "invalid"
	ResultRejected = "rejected"
)

// Recorder receives controller metrics.
// Implemented by metrics.Collector.
type Recorder interface {
	// SetConnected records whether a ready session exists.
	SetConnected(connected bool)

	// ObserveEvent counts one decoded inbound line by kind.
	ObserveEvent(kind string)

	// ObserveMalformed counts one rejected line.
	ObserveMalformed()

	// ObserveCommand counts one gateway send by result.
	ObserveCommand(result string)

	// ObserveReconnect records one failed reconnect attempt and its backoff.
	ObserveReconnect(attempt int, delay time.Duration)

	// ObserveProbeFailure counts one failed health probe.
	ObserveProbeFailure()
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

func (NoopRecorder) SetConnected(bool) {}
func (NoopRecorder) ObserveEvent(string) {}
func (NoopRecorder) ObserveMalformed() {}
func (NoopRecorder) ObserveCommand(string) {}
func (NoopRecorder) ObserveReconnect(int, time.Duration) {}
func (NoopRecorder) ObserveProbeFailure() {}
