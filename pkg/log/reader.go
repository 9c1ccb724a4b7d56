package log

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when a capture ends in the middle of a record,
// typically because the writer was killed.
var ErrTruncated = errors.New("capture truncated")

// StdinPath makes the readers consume standard input instead of a file.
const StdinPath = "-"

// Filter selects capture events. Zero-valued fields match everything.
type Filter struct {
	ConnectionID string
	Direction    *Direction
	Layer        *Layer
	Category     *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time

	// DeviceID is a relay or DIO identifier such as "RELAY1".
	DeviceID string

	// Kind is a decoded kind name such as "STATE_ON". It only matches
	// wire layer events.
	Kind string
}

// Match reports whether event passes every criterion of f.
func (f *Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.Direction != nil && event.Direction != *f.Direction:
		return false
	case f.Layer != nil && event.Layer != *f.Layer:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	case f.DeviceID != "" && event.DeviceID != f.DeviceID:
		return false
	case f.Kind != "" && (event.Device == nil || event.Device.Kind != f.Kind):
		return false
	}
	return true
}

// Reader streams events out of a capture.
type Reader struct {
	closer  io.Closer
	decoder *cbor.Decoder
	filter  Filter
	read    int
	skipped int
}

// NewReader opens the capture at path. StdinPath reads standard input.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the capture at path and yields only events
// matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	if path == StdinPath {
		return NewStreamReader(os.Stdin, filter), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewStreamReader(f, filter)
	r.closer = f
	return r, nil
}

// NewStreamReader reads capture records from src. Closing the Reader does
// not close src.
func NewStreamReader(src io.Reader, filter Filter) *Reader {
	return &Reader{
		decoder: NewDecoder(src),
		filter:  filter,
	}
}

// Next returns the next matching event, io.EOF at a clean end of input and
// ErrTruncated if the last record is incomplete.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return Event{}, io.EOF
			case errors.Is(err, io.ErrUnexpectedEOF):
				return Event{}, fmt.Errorf("%w after %d records", ErrTruncated, r.read)
			default:
				return Event{}, err
			}
		}
		r.read++

		if r.filter.Match(event) {
			return event, nil
		}
		r.skipped++
	}
}

// All iterates over the remaining matching events. Iteration stops at the
// end of input; any other error is yielded once as the final element.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Read returns the number of records decoded so far, including skipped ones.
func (r *Reader) Read() int {
	return r.read
}

// Skipped returns the number of records rejected by the filter.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close closes the underlying file, if the Reader opened one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
