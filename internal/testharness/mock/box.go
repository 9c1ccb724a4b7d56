// Package mock provides a scripted fake Rio box for tests.
package mock

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Handshake lines sent by the box.
const (
	Greeting    = "LOGINREQUEST?"
	AuthSuccess = "AUTHENTICATION=Successful"
	AuthFailure = "AUTHENTICATION=Failed"
)

// BoxConfig configures a fake box.
type BoxConfig struct {
	// Username and Password are the accepted credentials.
	Username string
	Password string

	// Relays and DIOs is the number of devices (default: 4 each).
	Relays int
	DIOs   int

	// Inputs lists DIO numbers configured as digital inputs. Writes to
	// them answer "TYPE DI ERROR".
	Inputs []int

	// Greeting overrides the greeting line. Use SkipGreeting for silence.
	Greeting     string
	SkipGreeting bool

	// AfterAuth is appended verbatim to the authentication reply, in the
	// same write.
	AfterAuth string

	// Terminator ends lines sent by the box (default: "\r").
	Terminator string

	// Silent disables replies to commands after login.
	Silent bool
}

// Box is a fake Rio relay box listening on 127.0.0.1.
type Box struct {
	config   BoxConfig
	listener net.Listener

	mu         sync.Mutex
	states     map[string]bool
	inputs     map[string]bool
	received   []string
	clients    map[net.Conn]bool // conn -> authenticated
	accepted   int
	authed     int
	rejectAuth bool
	closed     bool

	wg sync.WaitGroup
}

// NewBox starts a fake box on an ephemeral port.
func NewBox(config BoxConfig) (*Box, error) {
	if config.Relays == 0 {
		config.Relays = 4
	}
	if config.DIOs == 0 {
		config.DIOs = 4
	}
	if config.Greeting == "" {
		config.Greeting = Greeting
	}
	if config.Terminator == "" {
		config.Terminator = "\r"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	b := &Box{
		config:   config,
		listener: ln,
		states:   make(map[string]bool),
		inputs:   make(map[string]bool),
		clients:  make(map[net.Conn]bool),
	}
	for i := 1; i <= config.Relays; i++ {
		b.states[fmt.Sprintf("RELAY%d", i)] = false
	}
	for i := 1; i <= config.DIOs; i++ {
		b.states[fmt.Sprintf("DIO%d", i)] = false
	}
	for _, n := range config.Inputs {
		b.inputs[fmt.Sprintf("DIO%d", n)] = true
	}

	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// Host returns the listen host.
func (b *Box) Host() string {
	host, _, _ := net.SplitHostPort(b.listener.Addr().String())
	return host
}

// Port returns the listen port.
func (b *Box) Port() int {
	_, port, _ := net.SplitHostPort(b.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Addr returns host:port.
func (b *Box) Addr() string {
	return b.listener.Addr().String()
}

// SetRejectAuth makes the box refuse subsequent logins.
func (b *Box) SetRejectAuth(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAuth = reject
}

// Accepted returns the number of accepted TCP connections.
func (b *Box) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Authenticated returns the number of successful logins.
func (b *Box) Authenticated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authed
}

// Clients returns the number of open client connections.
func (b *Box) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Received returns the lines received after login, in order.
func (b *Box) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

// Count returns how often line was received after login.
func (b *Box) Count(line string) int {
	n := 0
	for _, l := range b.Received() {
		if l == line {
			n++
		}
	}
	return n
}

// WaitFor polls until cond holds or timeout passes.
func (b *Box) WaitFor(timeout time.Duration, cond func(b *Box) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(b) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// State returns the switch state of device.
func (b *Box) State(device string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[device]
}

// Push sends a raw line to every authenticated client.
func (b *Box) Push(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBoxClosed
	}
	sent := 0
	for conn, authed := range b.clients {
		if authed {
			_, _ = conn.Write([]byte(line + b.config.Terminator))
			sent++
		}
	}
	if sent == 0 {
		return ErrNoClients
	}
	return nil
}

// DropClients closes every client connection, which the client sees as EOF.
func (b *Box) DropClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		_ = conn.Close()
	}
}

// Close stops the listener, drops all clients and waits for handlers.
func (b *Box) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for conn := range b.clients {
		_ = conn.Close()
	}
	b.mu.Unlock()

	err := b.listener.Close()
	b.wg.Wait()
	return err
}

func (b *Box) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.accepted++
		b.clients[conn] = false
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *Box) serve(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	if !b.config.SkipGreeting {
		if _, err := conn.Write([]byte(b.config.Greeting + b.config.Terminator)); err != nil {
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanLines)

	if !scanner.Scan() {
		return
	}
	user, pass, _ := strings.Cut(strings.TrimSpace(scanner.Text()), ";")

	b.mu.Lock()
	ok := !b.rejectAuth && user == b.config.Username && pass == b.config.Password
	b.mu.Unlock()

	if !ok {
		_, _ = conn.Write([]byte(AuthFailure + b.config.Terminator))
		return
	}

	if _, err := conn.Write([]byte(AuthSuccess + b.config.Terminator + b.config.AfterAuth)); err != nil {
		return
	}

	b.mu.Lock()
	b.authed++
	b.clients[conn] = true
	b.mu.Unlock()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := b.handle(line)
		if reply == "" || b.config.Silent {
			continue
		}
		b.mu.Lock()
		_, err := conn.Write([]byte(reply + b.config.Terminator))
		b.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// handle applies one command and returns the reply line.
func (b *Box) handle(line string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received = append(b.received, line)

	if device, ok := strings.CutSuffix(line, "?"); ok {
		on, known := b.states[device]
		if !known {
			return "ERROR=UNKNOWN DEVICE"
		}
		return device + "=" + onOff(on)
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "ERROR=UNKNOWN COMMAND"
	}
	device, verb := fields[0], fields[1]
	if _, known := b.states[device]; !known {
		return "ERROR=UNKNOWN DEVICE"
	}
	if b.inputs[device] {
		return device + "=TYPE DI ERROR"
	}

	switch verb {
	case "ON", "PULSE":
		b.states[device] = true
	case "OFF":
		b.states[device] = false
	default:
		return "ERROR=UNKNOWN COMMAND"
	}
	return device + "=" + onOff(b.states[device])
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// scanLines splits on CR or LF.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
