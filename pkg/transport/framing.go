package transport

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// Framing constants.
const (
	// DefaultMaxLineSize bounds the bytes buffered while waiting for a
	// line terminator.
	DefaultMaxLineSize = 4096
)

// Framing errors.
var (
	// ErrLineTooLong indicates the pending buffer exceeded the maximum line
	// size without a terminator. The buffered bytes are discarded.
	ErrLineTooLong = errors.New("line too long")
)

// LineFramer splits an inbound byte stream into trimmed lines.
//
// While the pending buffer holds a terminator, the buffer is cut at the
// first CR if any CR is present, otherwise at the first LF. Empty lines are
// dropped and a trailing partial line is retained for the next Feed.
//
// A LineFramer is not safe for concurrent use; it belongs to one read loop.
type LineFramer struct {
	pending     []byte
	maxLineSize int

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewLineFramer creates a framer with DefaultMaxLineSize.
func NewLineFramer() *LineFramer {
	return NewLineFramerWithMaxSize(DefaultMaxLineSize)
}

// NewLineFramerWithMaxSize creates a framer with a custom pending limit.
func NewLineFramerWithMaxSize(maxSize int) *LineFramer {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &LineFramer{maxLineSize: maxSize}
}

// SetLogger configures capture for lines produced by this framer.
// Pass nil to disable.
func (f *LineFramer) SetLogger(logger log.Logger, connID string) {
	f.logger = logger
	f.connID = connID
}

// Feed appends data and returns every complete line now available.
// ErrLineTooLong is returned together with any lines extracted before the
// overflow.
func (f *LineFramer) Feed(data []byte) ([]string, error) {
	f.pending = append(f.pending, data...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.pending, '\r')
		if idx < 0 {
			idx = bytes.IndexByte(f.pending, '\n')
		}
		if idx < 0 {
			break
		}

		line := string(bytes.TrimSpace(f.pending[:idx]))
		f.pending = f.pending[idx+1:]
		if line == "" {
			continue
		}

		if f.logger != nil {
			f.logger.Log(f.makeLineEvent(line, idx+1))
		}
		lines = append(lines, line)
	}

	if len(f.pending) > f.maxLineSize {
		n := len(f.pending)
		f.pending = nil
		return lines, fmt.Errorf("%w: %d bytes without terminator", ErrLineTooLong, n)
	}

	if len(f.pending) == 0 {
		f.pending = nil
	}

	return lines, nil
}

// Pending returns the number of buffered bytes not yet forming a line.
func (f *LineFramer) Pending() int {
	return len(f.pending)
}

// Reset discards buffered bytes.
func (f *LineFramer) Reset() {
	f.pending = nil
}

func (f *LineFramer) makeLineEvent(line string, size int) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Line: &log.LineEvent{
			Text: line,
			Size: size,
		},
	}
}

// FrameLine appends the outbound line terminator to s.
func FrameLine(s string) string {
	return s + wire.LineTerminator
}
