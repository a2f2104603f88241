package sshsession

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shanty-social/tunnel-agent/internal/rendezvous"
)

// TestOpenForwardAgainstFakeRendezvousServer drives a real SSH handshake,
// remote-forward request, and domain registration against
// internal/rendezvous.Server, then proves a byte written to the forwarded
// port arrives on the Forward's Listener -- the same path the supervisor's
// acceptLoop relies on.
func TestOpenForwardAgainstFakeRendezvousServer(t *testing.T) {
	srv, err := rendezvous.New()
	if err != nil {
		t.Fatalf("rendezvous.New() = %v", err)
	}
	defer srv.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	addr := srv.Addr().(*net.TCPAddr)
	signer := newTestSigner(t)
	session := New(Config{Host: addr.IP.String(), Port: addr.Port, User: "agent", Signer: signer})

	if err := session.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() = %v", err)
	}
	defer session.Disconnect()

	fwd, err := session.OpenForward("example.com")
	if err != nil {
		t.Fatalf("OpenForward() = %v", err)
	}

	if fwd.RemotePort == 0 {
		t.Error("RemotePort = 0, want a nonzero assigned port")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if port, ok := srv.DomainPort("example.com"); ok {
			if port != fwd.RemotePort {
				t.Errorf("registered domain port = %d, want %d", port, fwd.RemotePort)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("domain was never registered with the rendezvous server")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.RemotePort)))
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	defer conn.Close()

	const msg = "Hello world."
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write to forwarded port: %v", err)
	}

	channel, err := fwd.Listener.Accept()
	if err != nil {
		t.Fatalf("Forward.Listener.Accept() = %v", err)
	}
	defer channel.Close()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(channel, buf); err != nil {
		t.Fatalf("read forwarded bytes: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("forwarded bytes = %q, want %q", buf, msg)
	}

	if err := session.CloseForward("example.com"); err != nil {
		t.Errorf("CloseForward() = %v", err)
	}
}

