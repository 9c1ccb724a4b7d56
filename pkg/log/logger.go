package log

// Logger receives protocol capture events. Implementations must be safe for
// concurrent use. Log runs on the session read loop, so it should not block.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts an ordinary function to Logger.
type LoggerFunc func(event Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// MultiLogger sends every event to each of its loggers in order, e.g. a
// FileLogger for the capture and a SlogAdapter for the console.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger returns a MultiLogger over loggers. Nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log implements Logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var (
	_ Logger = LoggerFunc(nil)
	_ Logger = (*MultiLogger)(nil)
)
