// Package rendezvous is a minimal in-memory stand-in for the remote SSH
// server the agent dials: it serves one SSH connection at a time, answers
// "tcpip-forward" global requests with a freshly bound ephemeral port, and
// proxies every connection on that port back to the client over a
// "forwarded-tcpip" channel. It exists for tests that need to drive
// sshsession.Session and supervisor.Supervisor against something that
// actually speaks the server side of the wire protocol, rather than a
// hand-rolled mock.
package rendezvous

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/shanty-social/tunnel-agent/addr"
	"github.com/shanty-social/tunnel-agent/common"
)

// tunnelExecPattern matches the "tunnel <domain> <port>" command the agent
// runs in a session channel immediately after requesting a forward, per
// sshsession.Session.OpenForward.
var tunnelExecPattern = regexp.MustCompile(`^tunnel (\S+) (\d+)$`)

// Server is a fake rendezvous server serving one SSH connection at a
// time; a client that reconnects after losing its transport is served
// again. The zero value is not usable; construct with New.
type Server struct {
	cfg      *ssh.ServerConfig
	listener net.Listener

	mu       sync.Mutex
	active   *ssh.ServerConn
	domains  map[string]int // domain -> bound port, populated by the exec registration
	forwards map[int]forwardRec

	closeOnce sync.Once
	done      chan struct{}
}

// New generates a throwaway host key and binds a TCP listener on
// 127.0.0.1:0. Callers dial Addr() with an ssh.ClientConfig that accepts any
// host key.
func New() (*Server, error) {
	signer, err := newHostKey()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, _, err := addr.Listen(addr.HostPortAddr{Host: "127.0.0.1", Port: 0})
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		listener: ln,
		domains:  make(map[string]int),
		forwards: make(map[int]forwardRec),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the address to dial to reach this server.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts SSH connections one after another, servicing each until
// it closes, and returns when Close is called. It is meant to be run in
// a goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.active = sshConn
	s.mu.Unlock()
	defer func() {
		sshConn.Close()
		// A real sshd drops this connection's remote forwards with it.
		s.closeForwards(sshConn)
		s.mu.Lock()
		if s.active == sshConn {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	go func() {
		for newChan := range chans {
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
				continue
			}
			go s.serveSession(newChan)
		}
	}()

	s.handleGlobalRequests(sshConn, reqs)
}

// DropTransport closes the connection currently being served, if any,
// simulating the server side going away so tests can drive the
// reconnect-and-re-forward path.
func (s *Server) DropTransport() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}
}

// forwardRec ties a bound forward listener to the SSH connection that
// requested it, so one connection's teardown cannot reap a successor's
// forwards.
type forwardRec struct {
	ln   net.Listener
	conn *ssh.ServerConn
}

// Close tears down every bound forward listener and the accept listener.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.closeForwards(nil)
	return s.listener.Close()
}

// DomainPort returns the forwarded port registered for domain by the
// agent's post-forward "tunnel <domain> <port>" command, and whether it has
// been registered yet.
func (s *Server) DomainPort(domain string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	port, ok := s.domains[domain]
	return port, ok
}

// handleGlobalRequests answers "tcpip-forward" by binding a fresh ephemeral
// listener and replying with the port the OS chose, and "cancel-tcpip-forward"
// by tearing that listener down. Every other global request is rejected.
func (s *Server) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			ssh.Unmarshal(req.Payload, &payload)
			port, err := s.openForward(conn, payload.Addr)
			if err != nil {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				var reply [4]byte
				binary.BigEndian.PutUint32(reply[:], uint32(port))
				req.Reply(true, reply[:])
			}

		case "cancel-tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			ssh.Unmarshal(req.Payload, &payload)
			s.closeForwardPort(int(payload.Port))
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) openForward(conn *ssh.ServerConn, bindAddr string) (int, error) {
	ln, port, err := addr.Listen(addr.HostPortAddr{Host: "127.0.0.1", Port: 0})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.forwards[port] = forwardRec{ln: ln, conn: conn}
	s.mu.Unlock()

	go s.runForward(conn, ln, bindAddr, port)
	return port, nil
}

// closeForwardPort cancels the single forward bound to port, if any.
func (s *Server) closeForwardPort(port int) {
	s.mu.Lock()
	rec, ok := s.forwards[port]
	if ok {
		delete(s.forwards, port)
	}
	s.mu.Unlock()
	if ok {
		rec.ln.Close()
	}
}

// closeForwards closes the forward listeners owned by conn, or every
// forward when conn is nil.
func (s *Server) closeForwards(conn *ssh.ServerConn) {
	s.mu.Lock()
	var victims []net.Listener
	for port, rec := range s.forwards {
		if conn == nil || rec.conn == conn {
			victims = append(victims, rec.ln)
			delete(s.forwards, port)
		}
	}
	s.mu.Unlock()
	for _, ln := range victims {
		ln.Close()
	}
}

// runForward accepts connections on ln and relays each one over a
// "forwarded-tcpip" channel back to the client, the same shape as a real
// sshd's reverse forward. The retry server absorbs temporary accept
// errors and joins the in-flight relays before returning.
func (s *Server) runForward(conn *ssh.ServerConn, ln net.Listener, bindAddr string, port int) {
	rs := &common.RetryServer{
		Listener: ln,
		Dispatch: func(ctx context.Context, d common.Doner, tc net.Conn) {
			defer d.Done()
			s.forwardConn(conn, bindAddr, port, tc)
		},
	}
	rs.Serve(context.Background())
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// forwardConn names the bind address the client requested in the
// channel payload, since the client matches channels to its forwards by
// that address and port.
func (s *Server) forwardConn(conn *ssh.ServerConn, bindAddr string, port int, tc net.Conn) {
	defer tc.Close()

	originAddr, originPortStr, _ := net.SplitHostPort(tc.RemoteAddr().String())
	var originPort uint32
	fmt.Sscanf(originPortStr, "%d", &originPort)

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       bindAddr,
		Port:       uint32(port),
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	ch, reqCh, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(ch, tc) }()
	go func() { defer wg.Done(); io.Copy(tc, ch) }()
	wg.Wait()
}

// serveSession answers the single exec request a session channel carries:
// the agent's "tunnel <domain> <port>" registration. Any other request is
// rejected.
func (s *Server) serveSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		ssh.Unmarshal(req.Payload, &payload)

		if m := tunnelExecPattern.FindStringSubmatch(payload.Command); m != nil {
			var port int
			fmt.Sscanf(m[2], "%d", &port)
			s.mu.Lock()
			s.domains[m[1]] = port
			s.mu.Unlock()
		}

		if req.WantReply {
			req.Reply(true, nil)
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		return
	}
}

func newHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
