package mock_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rmg-rio/rio-go/internal/testharness/mock"
)

func login(t *testing.T, box *mock.Box, creds string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", box.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	greeting, err := r.ReadString('\r')
	if err != nil || strings.TrimSpace(greeting) != mock.Greeting {
		t.Fatalf("greeting = %q, %v", greeting, err)
	}
	conn.Write([]byte(creds + "\r"))
	return conn, r
}

func TestBoxLoginAndCommands(t *testing.T) {
	box, err := mock.NewBox(mock.BoxConfig{Username: "u", Password: "p", Inputs: []int{2}})
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	defer box.Close()

	conn, r := login(t, box, "u;p")
	defer conn.Close()

	if reply, _ := r.ReadString('\r'); strings.TrimSpace(reply) != mock.AuthSuccess {
		t.Fatalf("auth reply = %q", reply)
	}

	tests := []struct {
		send string
		want string
	}{
		{"RELAY1 ON", "RELAY1=ON"},
		{"RELAY1?", "RELAY1=ON"},
		{"RELAY1 OFF", "RELAY1=OFF"},
		{"DIO2 ON", "DIO2=TYPE DI ERROR"},
		{"RELAY9 ON", "ERROR=UNKNOWN DEVICE"},
		{"HELLO", "ERROR=UNKNOWN COMMAND"},
	}
	for _, tt := range tests {
		conn.Write([]byte(tt.send + "\r"))
		reply, err := r.ReadString('\r')
		if err != nil {
			t.Fatalf("%s: read: %v", tt.send, err)
		}
		if got := strings.TrimSpace(reply); got != tt.want {
			t.Errorf("%s -> %q, want %q", tt.send, got, tt.want)
		}
	}

	if box.Authenticated() != 1 || box.Count("RELAY1 ON") != 1 {
		t.Errorf("authenticated=%d received=%v", box.Authenticated(), box.Received())
	}
}

func TestBoxRejectsBadCredentials(t *testing.T) {
	box, err := mock.NewBox(mock.BoxConfig{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	defer box.Close()

	conn, r := login(t, box, "u;wrong")
	defer conn.Close()

	reply, _ := r.ReadString('\r')
	if strings.TrimSpace(reply) != mock.AuthFailure {
		t.Errorf("reply = %q, want failure", reply)
	}
	if box.Authenticated() != 0 {
		t.Error("bad credentials must not authenticate")
	}
}

func TestBoxPushAndDrop(t *testing.T) {
	box, err := mock.NewBox(mock.BoxConfig{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	defer box.Close()

	if err := box.Push("RELAY1=ON"); err != mock.ErrNoClients {
		t.Errorf("Push without clients = %v", err)
	}

	conn, r := login(t, box, "u;p")
	defer conn.Close()
	r.ReadString('\r')

	if !box.WaitFor(time.Second, func(b *mock.Box) bool { return b.Authenticated() == 1 }) {
		t.Fatal("client never authenticated")
	}
	if err := box.Push("SERVER=SHUTDOWN"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if line, _ := r.ReadString('\r'); strings.TrimSpace(line) != "SERVER=SHUTDOWN" {
		t.Errorf("pushed line = %q", line)
	}

	box.DropClients()
	if _, err := r.ReadString('\r'); err == nil {
		t.Error("expected EOF after DropClients")
	}
}
