// Package log provides structured protocol capture for Rio sessions.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, wire, session).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable trace of what was said on the wire.
//
// # Basic Usage
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/rio/box.rlog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw lines in and out (LineEvent)
//   - Wire: Decoded device events (DeviceEventData)
//   - Session: State changes (StateChangeEvent) and health probes (ProbeEvent)
//
// Errors at any layer have a dedicated event type.
//
// # Credentials
//
// The login line is never captured verbatim. Use RedactCredentials before
// logging anything that may contain it.
//
// # File Format
//
// Capture files use CBOR encoding with the .rlog extension. The rio-log CLI
// tool provides viewing and statistics.
package log
