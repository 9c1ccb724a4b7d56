package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rmg-rio/rio-go/pkg/log"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// Protocol constants.
const (
	// DefaultPort is the TCP port the Rio box listens on.
	DefaultPort = 22023

	// LoginRequestMarker must appear in the greeting sent by the box.
	LoginRequestMarker = "LOGINREQUEST?"

	// AuthSuccessMarker must appear in the reply to the credentials line.
	AuthSuccessMarker = "AUTHENTICATION=Successful"

	// HandshakeBufferSize bounds each handshake read.
	HandshakeBufferSize = 100

	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds each handshake read.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds each write once the session is ready.
	DefaultWriteTimeout = 5 * time.Second

	readBufferSize = 1024
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	// StateIdle indicates the session has not started.
	StateIdle SessionState = iota

	// StateConnecting indicates the TCP dial is in progress.
	StateConnecting

	// StateAwaitingLogin indicates the session waits for the greeting.
	StateAwaitingLogin

	// StateAuthenticating indicates credentials were sent.
	StateAuthenticating

	// StateReady indicates an authenticated session.
	StateReady

	// StateClosed indicates the session ended after being ready.
	StateClosed

	// StateFailed indicates the handshake or a write failed.
	StateFailed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingLogin:
		return "AWAITING_LOGIN"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Session errors.
var (
	ErrConnectTimeout         = errors.New("connect timeout")
	ErrHandshakeTimeout       = errors.New("handshake timeout")
	ErrHandshakeMismatch      = errors.New("handshake protocol mismatch")
	ErrAuthenticationRejected = errors.New("authentication rejected")
	ErrTransport              = errors.New("transport error")
	ErrSessionClosed          = errors.New("session closed")
	ErrMissingHost            = errors.New("host is required")
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Host is the box address.
	Host string

	// Port is the box TCP port (default: 22023).
	Port int

	// Username and Password are sent as "<username>;<password>".
	Username string
	Password string

	// ConnectTimeout bounds the TCP dial (default: 10s).
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds each handshake read (default: 5s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each write (default: 5s). Negative disables it.
	WriteTimeout time.Duration

	// MaxLineSize bounds buffered partial lines (default: 4096).
	MaxLineSize int

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger

	// ProtocolLogger receives capture events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Port:             DefaultPort,
		ConnectTimeout:   DefaultConnectTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		MaxLineSize:      DefaultMaxLineSize,
	}
}

// Address returns host:port.
func (c SessionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxLineSize == 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	return c
}

// EventHandler receives the output of a session read loop.
type EventHandler interface {
	// OnEvent is called for every decoded line, in stream order.
	OnEvent(ev wire.DeviceEvent)

	// OnMalformed is called for lines the codec rejected.
	OnMalformed(line string, err error)
}

// SessionStats contains session traffic counters.
type SessionStats struct {
	ConnectedAt time.Time
	LinesIn     uint64
	LinesOut    uint64
	Malformed   uint64
}

// Session is one authenticated connection to the box. A Session is never
// reused: after Close or a transport failure a new one must be dialed.
type Session struct {
	id     string
	config SessionConfig
	conn   net.Conn
	framer *LineFramer

	// Lines received together with the authentication reply.
	pending []string

	state       atomic.Int32
	connectedAt time.Time
	linesIn     atomic.Uint64
	linesOut    atomic.Uint64
	malformed   atomic.Uint64

	closeOnce sync.Once
	closeCh   chan struct{}
	writeMu   sync.Mutex
	readMu    sync.Mutex
}

// Dial connects to the box and runs the login handshake. The returned
// Session is Ready. On failure the socket is closed and the error wraps one
// of ErrConnectTimeout, ErrHandshakeTimeout, ErrHandshakeMismatch,
// ErrAuthenticationRejected or ErrTransport.
func Dial(ctx context.Context, config SessionConfig) (*Session, error) {
	config = config.withDefaults()
	if config.Host == "" {
		return nil, ErrMissingHost
	}

	s := &Session{
		id:      uuid.NewString(),
		config:  config,
		framer:  NewLineFramerWithMaxSize(config.MaxLineSize),
		closeCh: make(chan struct{}),
	}
	s.framer.SetLogger(config.ProtocolLogger, s.id)

	s.setState(StateConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", config.Address())
	if err != nil {
		s.setState(StateFailed, err.Error())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, config.Address())
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, config.Address(), err)
	}
	s.conn = conn

	if err := s.handshake(ctx); err != nil {
		s.setState(StateFailed, err.Error())
		s.closeConn()
		return nil, err
	}

	s.connectedAt = time.Now()
	s.setState(StateReady, "")

	if config.Logger != nil {
		config.Logger.Info("session ready",
			"session", s.id,
			"remote", config.Address(),
			"user", config.Username)
	}

	return s, nil
}

// Probe dials and authenticates once, then closes the session.
func Probe(ctx context.Context, config SessionConfig) error {
	s, err := Dial(ctx, config)
	if err != nil {
		return err
	}
	return s.Close()
}

func (s *Session) handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	s.setState(StateAwaitingLogin, "")
	if _, err := s.awaitMarker(LoginRequestMarker); err != nil {
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		case isTimeout(err):
			return fmt.Errorf("%w: no greeting within %v", ErrHandshakeTimeout, s.config.HandshakeTimeout)
		default:
			return fmt.Errorf("%w: %w", ErrHandshakeMismatch, err)
		}
	}

	s.setState(StateAuthenticating, "")
	credentials := s.config.Username + ";" + s.config.Password
	if err := s.writeLine(credentials, log.RedactCredentials(credentials), s.config.HandshakeTimeout); err != nil {
		return fmt.Errorf("%w: send credentials: %w", ErrTransport, err)
	}

	rest, err := s.awaitMarker(AuthSuccessMarker)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		case isTimeout(err):
			return fmt.Errorf("%w: no authentication reply within %v", ErrHandshakeTimeout, s.config.HandshakeTimeout)
		default:
			return fmt.Errorf("%w: %w", ErrAuthenticationRejected, err)
		}
	}

	if len(rest) > 0 {
		lines, err := s.framer.Feed(rest)
		if err != nil && s.config.Logger != nil {
			s.config.Logger.Warn("discarding oversized data after login", "session", s.id, "error", err)
		}
		s.pending = lines
	}

	return nil
}

// markerError reports a handshake reply without the expected marker.
type markerError struct {
	marker string
	got    string
}

func (e *markerError) Error() string {
	return fmt.Sprintf("expected %q, got %q", e.marker, e.got)
}

// awaitMarker reads until marker shows up, a complete line without it
// arrives, the handshake buffer fills, or the read deadline passes. It
// returns the bytes following the line that carried the marker.
func (s *Session) awaitMarker(marker string) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		return nil, err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, HandshakeBufferSize)
	chunk := make([]byte, HandshakeBufferSize)
	for {
		n, err := s.conn.Read(chunk[:HandshakeBufferSize-len(buf)])
		buf = append(buf, chunk[:n]...)

		if n > 0 {
			s.capture(log.DirectionIn, log.CategoryControl, string(bytes.TrimSpace(chunk[:n])), n)
		}

		if i := bytes.Index(buf, []byte(marker)); i >= 0 {
			rest := buf[i+len(marker):]
			if j := bytes.IndexAny(rest, "\r\n"); j >= 0 {
				return bytes.Clone(rest[j+1:]), nil
			}
			return nil, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &markerError{marker: marker, got: string(bytes.TrimSpace(buf))}
			}
			return nil, err
		}
		if bytes.ContainsAny(buf, "\r\n") || len(buf) >= HandshakeBufferSize {
			return nil, &markerError{marker: marker, got: string(bytes.TrimSpace(buf))}
		}
	}
}

// ID returns the session UUID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Ready reports whether the session is authenticated and open.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Stats returns traffic counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ConnectedAt: s.connectedAt,
		LinesIn:     s.linesIn.Load(),
		LinesOut:    s.linesOut.Load(),
		Malformed:   s.malformed.Load(),
	}
}

// Send validates and writes one command. A write failure marks the session
// failed and closes the socket.
func (s *Session) Send(cmd wire.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.SendLine(cmd.Text())
}

// SendLine writes text followed by the line terminator.
func (s *Session) SendLine(text string) error {
	if s.State() != StateReady {
		return ErrSessionClosed
	}

	if err := s.writeLine(text, text, s.config.WriteTimeout); err != nil {
		s.terminate(StateFailed, err)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.linesOut.Add(1)
	return nil
}

// writeLine writes one framed line; captured is what protocol capture records.
func (s *Session) writeLine(text, captured string, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closeCh:
		return ErrSessionClosed
	default:
	}

	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	data := FrameLine(text)
	if _, err := io.WriteString(s.conn, data); err != nil {
		return err
	}

	s.capture(log.DirectionOut, log.CategoryMessage, captured, len(data))
	return nil
}

// ReadLoop reads lines until the connection ends, passing decoded events to
// h in stream order. Lines received with the authentication reply are
// delivered first. Cancelling ctx closes the session.
//
// ReadLoop returns nil after Close, or an error wrapping ErrTransport when
// the peer closed the connection or a read failed.
func (s *Session) ReadLoop(ctx context.Context, h EventHandler) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	pending := s.pending
	s.pending = nil
	for _, line := range pending {
		s.handleLine(line, h)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			lines, ferr := s.framer.Feed(buf[:n])
			for _, line := range lines {
				s.handleLine(line, h)
			}
			if ferr != nil && s.config.Logger != nil {
				s.config.Logger.Warn("discarding unterminated data", "session", s.id, "error", ferr)
			}
		}
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
			}
			s.terminate(StateClosed, err)
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: connection closed by peer: %w", ErrTransport, err)
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
	}
}

func (s *Session) handleLine(line string, h EventHandler) {
	s.linesIn.Add(1)

	ev, err := wire.Decode(line)
	if err != nil {
		s.malformed.Add(1)
		if s.config.Logger != nil {
			s.config.Logger.Warn("dropping malformed line", "session", s.id, "line", line, "error", err)
		}
		h.OnMalformed(line, err)
		return
	}

	if s.config.ProtocolLogger != nil {
		s.config.ProtocolLogger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: s.id,
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			DeviceID:     ev.Device,
			Device:       &log.DeviceEventData{Kind: ev.Kind.String(), State: ev.State},
		})
	}

	if s.config.Logger != nil {
		switch ev.Kind {
		case wire.KindStatusNotice:
			s.config.Logger.Info("box status notice", "session", s.id, "notice", ev.Raw)
		case wire.KindServerError:
			s.config.Logger.Warn("box reported error", "session", s.id, "line", ev.Raw)
		case wire.KindUnrecognized:
			s.config.Logger.Debug("unrecognized line", "session", s.id, "line", ev.Raw)
		}
	}

	h.OnEvent(ev)
}

// Close closes the socket. It is safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.moveFrom(StateReady, StateClosed, "closed")
		err = s.conn.Close()
	})
	return err
}

// terminate leaves Ready because of cause and closes the socket.
func (s *Session) terminate(to SessionState, cause error) {
	s.moveFrom(StateReady, to, cause.Error())
	s.closeConn()
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) setState(to SessionState, reason string) {
	from := SessionState(s.state.Swap(int32(to)))
	s.logStateChange(from, to, reason)
}

func (s *Session) moveFrom(from, to SessionState, reason string) {
	if s.state.CompareAndSwap(int32(from), int32(to)) {
		s.logStateChange(from, to, reason)
	}
}

func (s *Session) logStateChange(from, to SessionState, reason string) {
	if s.config.Logger != nil {
		s.config.Logger.Debug("session state change",
			"session", s.id,
			"from", from.String(),
			"to", to.String(),
			"reason", reason)
	}
	if s.config.ProtocolLogger != nil {
		s.config.ProtocolLogger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: s.id,
			Layer:        log.LayerSession,
			Category:     log.CategoryState,
			RemoteAddr:   s.config.Address(),
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: from.String(),
				NewState: to.String(),
				Reason:   reason,
			},
		})
	}
}

func (s *Session) capture(dir log.Direction, cat log.Category, text string, size int) {
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     cat,
		RemoteAddr:   s.config.Address(),
		Line:         &log.LineEvent{Text: text, Size: size},
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
