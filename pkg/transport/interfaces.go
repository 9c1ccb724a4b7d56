package transport

import (
	"context"
	"net"

	"github.com/rmg-rio/rio-go/pkg/wire"
)

// Sender writes commands to the box.
// Implemented by Session.
type Sender interface {
	// Send writes one command line.
	Send(cmd wire.Command) error
}

// Conn is a live box connection.
// Implemented by Session.
type Conn interface {
	Sender

	// ID returns the connection identifier used for log correlation.
	ID() string

	// State returns the lifecycle state.
	State() SessionState

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// ReadLoop delivers inbound events until the connection ends.
	ReadLoop(ctx context.Context, h EventHandler) error

	// Close closes the connection.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Sender = (*Session)(nil)
	_ Conn   = (*Session)(nil)
)
