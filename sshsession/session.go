// Package sshsession owns the single SSH transport to the rendezvous
// server: connecting, keepaliving, opening and canceling remote
// port-forwards, and tearing the whole thing down.
package sshsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/singleflight"

	"github.com/shanty-social/tunnel-agent/addr"
	"github.com/shanty-social/tunnel-agent/agenterrors"
)

// disabledPubkeyAlgos blocks the newer rsa-sha2-* signature schemes for
// server compatibility: some rendezvous servers' SSH implementations
// mishandle them during negotiation.
var disabledPubkeyAlgos = []string{"rsa-sha2-512", "rsa-sha2-256"}

// Config holds everything needed to dial and authenticate the single SSH
// transport.
type Config struct {
	Host string
	Port int
	User string

	// Signer authenticates the connection. Typically an RSA key loaded or
	// generated by the keystore package.
	Signer ssh.Signer

	// KnownHostsFile, if non-empty, enables strict host-key verification
	// against that file. If empty, host keys are accepted and logged as a
	// warning.
	KnownHostsFile string

	// DialTimeout bounds the TCP connect and SSH handshake. Defaults to
	// 1 second if zero.
	DialTimeout time.Duration

	// KeepaliveInterval defaults to 30 seconds if zero. The session
	// stores it but schedules no keepalives of its own: Connected sends
	// one probe per call, so probes happen at the caller's cadence (the
	// supervisor's poll loop).
	KeepaliveInterval time.Duration
}

// Forward represents one live remote port-forward: the listener whose
// Accept yields inbound SSH channels, and the remote port the server
// assigned it.
type Forward struct {
	Domain     string
	RemotePort int
	Listener   net.Listener
}

// Session owns at most one live SSH client. Nil client means
// disconnected; all exported methods are safe for concurrent use, though
// in practice only the supervisor goroutine calls them.
type Session struct {
	cfg Config

	mu       sync.Mutex
	client   *ssh.Client
	forwards map[string]*Forward

	// connGroup collapses concurrent EnsureConnected callers onto a
	// single dial attempt.
	connGroup singleflight.Group
}

// New returns a Session for cfg. It does not dial; call EnsureConnected.
func New(cfg Config) *Session {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	return &Session{cfg: cfg, forwards: make(map[string]*Forward)}
}

// SetSigner replaces the key used for future connects, e.g. after the
// key file was rotated on disk. The live transport, if any, is not
// touched; disconnect to force a reconnect with the new key.
func (s *Session) SetSigner(signer ssh.Signer) {
	s.mu.Lock()
	s.cfg.Signer = signer
	s.mu.Unlock()
}

// Connected reports whether the transport is open and a zero-length
// keepalive probe succeeds. A failed probe is treated as disconnected but
// does not itself close the transport; call EnsureConnected to repair it.
func (s *Session) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return false
	}
	_, _, err := client.SendRequest("keepalive@tunnel-agent", true, nil)
	return err == nil
}

// EnsureConnected is idempotent: if there is no transport, the transport
// is not alive, or a liveness probe fails, it reconnects from scratch.
// A reconnect forgets every forward record; re-requesting them against
// the new transport is the supervisor's job.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	s.Disconnect()

	_, err, _ := s.connGroup.Do("connect", func() (interface{}, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	clientConfig, err := s.clientConfig()
	if err != nil {
		return agenterrors.New(agenterrors.KindConfig, err)
	}

	server := addr.HostPortAddr{Host: s.cfg.Host, Port: s.cfg.Port}
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, server.Network(), server.String())
	if err != nil {
		return agenterrors.New(agenterrors.KindConnect, errors.Wrap(err, "dial ssh host"))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, server.String(), clientConfig)
	if err != nil {
		conn.Close()
		return agenterrors.New(agenterrors.KindConnect, errors.Wrap(err, "ssh handshake"))
	}

	s.mu.Lock()
	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.forwards = make(map[string]*Forward)
	s.mu.Unlock()

	return nil
}

// clientConfig builds the ssh.ClientConfig for this session: private-key
// auth, disabled weak pubkey algorithms, and strict-or-warn host key
// policy.
func (s *Session) clientConfig() (*ssh.ClientConfig, error) {
	s.mu.Lock()
	signer := s.cfg.Signer
	s.mu.Unlock()
	if signer == nil {
		return nil, errors.New("sshsession: no signer configured")
	}

	hostKeyCallback, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Timeout:         s.cfg.DialTimeout,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		HostKeyAlgorithms: filterDisabled(
			[]string{
				ssh.KeyAlgoED25519, ssh.KeyAlgoSKED25519, ssh.KeyAlgoECDSA256,
				ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521, ssh.KeyAlgoRSA,
				ssh.KeyAlgoDSA,
			},
			disabledPubkeyAlgos,
		),
	}, nil
}

func filterDisabled(algos, disabled []string) []string {
	deny := make(map[string]bool, len(disabled))
	for _, d := range disabled {
		deny[d] = true
	}
	out := make([]string, 0, len(algos))
	for _, a := range algos {
		if !deny[a] {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.KnownHostsFile == "" {
		return warnAndAcceptCallback, nil
	}
	callback, err := knownhosts.New(s.cfg.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrap(err, "load known hosts file")
	}
	return callback, nil
}

// warnAndAcceptCallback accepts any host key, logging a warning with its
// fingerprint. Used only when no known-hosts file is configured.
func warnAndAcceptCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	slog.Warn("accepting unverified ssh host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

// Disconnect closes the transport, if any, and forgets every live
// forward. It is idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	forwards := s.forwards
	s.forwards = make(map[string]*Forward)
	s.mu.Unlock()

	for _, f := range forwards {
		f.Listener.Close()
	}
	if client == nil {
		return nil
	}
	return client.Close()
}

// OpenForward requests a new remote port-forward for domain and issues
// the post-forward "tunnel <domain> <remote_port>" command that tells
// the rendezvous server which domain the assigned port belongs to. The
// returned Forward's Listener yields one net.Conn per inbound connection
// routed to this domain.
func (s *Session) OpenForward(domain string) (*Forward, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, agenterrors.ForDomain(agenterrors.KindForward, domain, errors.New("session not connected"))
	}

	listener, err := client.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, agenterrors.ForDomain(agenterrors.KindForward, domain, errors.Wrap(err, "request remote forward"))
	}

	remotePort := listener.Addr().(*net.TCPAddr).Port

	session, err := client.NewSession()
	if err != nil {
		listener.Close()
		return nil, agenterrors.ForDomain(agenterrors.KindForward, domain, errors.Wrap(err, "open session"))
	}
	defer session.Close()

	cmd := fmt.Sprintf("tunnel %s %d", domain, remotePort)
	if err := session.Run(cmd); err != nil && err != io.EOF {
		listener.Close()
		return nil, agenterrors.ForDomain(agenterrors.KindForward, domain, errors.Wrap(err, "register tunnel with rendezvous server"))
	}

	forward := &Forward{Domain: domain, RemotePort: remotePort, Listener: listener}

	s.mu.Lock()
	s.forwards[domain] = forward
	s.mu.Unlock()

	return forward, nil
}

// CloseForward cancels the remote port-forward for domain, if any.
func (s *Session) CloseForward(domain string) error {
	s.mu.Lock()
	forward, ok := s.forwards[domain]
	delete(s.forwards, domain)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return forward.Listener.Close()
}

// Forwards returns a snapshot of the currently live forwards, keyed by
// domain.
func (s *Session) Forwards() map[string]*Forward {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Forward, len(s.forwards))
	for k, v := range s.forwards {
		out[k] = v
	}
	return out
}
