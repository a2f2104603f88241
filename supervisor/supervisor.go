// Package supervisor implements the tunnel supervisor state machine: the
// single goroutine that reconciles the desired-state table against the
// live SSH transport and its remote port-forwards, and hands inbound
// connections to the forwarder package.
package supervisor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/addr"
	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/forwarder"
	"github.com/shanty-social/tunnel-agent/sshsession"
	"github.com/shanty-social/tunnel-agent/tunnel"
	"github.com/shanty-social/tunnel-agent/tunnelset"
)

// State is one of the four states of the supervisor's reconciliation
// state machine.
type State string

const (
	Idle        State = "idle"
	Reconciling State = "reconciling"
	Serving     State = "serving"
	Recovering  State = "recovering"
)

const (
	defaultPollActive  = 100 * time.Millisecond
	defaultPollIdle    = 10 * time.Second
	defaultDialTimeout = time.Second
)

// Supervisor owns the single SSH session and reconciles it against a
// tunnelset.Table. It is not safe for concurrent use of its internal
// state outside Run; Stop, State, Live and ForceReconnect are the only
// methods meant to be called from other goroutines.
type Supervisor struct {
	table   *tunnelset.Table
	session *sshsession.Session
	logger  *slog.Logger

	pollActive      time.Duration
	pollIdle        time.Duration
	dialTimeout     time.Duration
	connIdleTimeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}

	stateMu      sync.Mutex
	state        State
	live         map[string]tunnel.Tunnel
	retryPending bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures optional Supervisor behavior.
type Option func(*Supervisor)

// WithPollIntervals overrides the active/idle poll cadences.
func WithPollIntervals(active, idle time.Duration) Option {
	return func(s *Supervisor) {
		s.pollActive = active
		s.pollIdle = idle
	}
}

// WithDialTimeout overrides the timeout used to dial local endpoints.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.dialTimeout = d }
}

// WithConnIdleTimeout tears down forwarded connection pairs after d
// without a byte moving in either direction. Zero (the default) keeps
// pairs alive until an endpoint closes.
func WithConnIdleTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.connIdleTimeout = d }
}

// New returns a Supervisor reconciling table against session.
func New(table *tunnelset.Table, session *sshsession.Session, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		table:       table,
		session:     session,
		logger:      logger,
		pollActive:  defaultPollActive,
		pollIdle:    defaultPollIdle,
		dialTimeout: defaultDialTimeout,
		stopCh:      make(chan struct{}),
		state:       Idle,
		live:        make(map[string]tunnel.Tunnel),
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dialContext = (&net.Dialer{Timeout: s.dialTimeout}).DialContext
	return s
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Stop requests a cooperative shutdown. It is safe to call more than
// once and from any goroutine.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run blocks, reconciling the desired-state table against the live SSH
// session, until ctx is canceled or Stop is called. On return every
// forward has been canceled, the session has been disconnected, and
// every in-flight connection has been closed.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		timeout := s.pollIdle
		if s.State() != Idle {
			timeout = s.pollActive
		}

		// The wait runs on its own goroutine so a stop or cancel is
		// honored immediately instead of after the idle timeout.
		waitCh := make(chan bool, 1)
		go func() { waitCh <- s.table.Wait(timeout) }()

		var changed bool
		select {
		case changed = <-waitCh:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}

		if changed {
			s.reconcile(ctx)
			continue
		}

		switch s.State() {
		case Serving:
			if !s.session.Connected() {
				s.setState(Recovering)
				s.reconcileForce(ctx)
			} else if s.hasRetryPending() {
				// A forward was refused last tick; retry it without
				// disturbing the ones that are up.
				s.reconcileForce(ctx)
			}
		case Recovering:
			// A previous reconnect attempt failed; keep trying until the
			// server comes back or the desired set empties.
			s.reconcileForce(ctx)
		}
	}
}

func (s *Supervisor) hasRetryPending() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.retryPending
}

// reconcile runs one tick of the algorithm: snapshot, diff, apply.
func (s *Supervisor) reconcile(ctx context.Context) {
	s.table.ClearChanged()
	s.reconcileAgainst(ctx, s.table.Snapshot())
}

// reconcileForce re-derives the desired set without waiting for the
// changed signal, used when recovering from a dead transport: every
// forward must be re-requested regardless of whether the desired set
// itself has changed.
func (s *Supervisor) reconcileForce(ctx context.Context) {
	s.reconcileAgainst(ctx, s.table.Snapshot())
}

// pruneDeadForwards drops live records whose forward no longer exists at
// the session. A reconnect inside EnsureConnected forgets every forward
// record, so anything missing there is gone from the server too and must
// be re-requested, not merely kept.
func (s *Supervisor) pruneDeadForwards() {
	actual := s.session.Forwards()
	s.stateMu.Lock()
	for domain := range s.live {
		if _, ok := actual[domain]; !ok {
			delete(s.live, domain)
		}
	}
	s.stateMu.Unlock()
}

func (s *Supervisor) reconcileAgainst(ctx context.Context, desired map[string]tunnel.Tunnel) {
	s.setState(Reconciling)

	if len(desired) == 0 {
		s.teardownAll()
		s.setState(Idle)
		return
	}

	if err := s.session.EnsureConnected(ctx); err != nil {
		s.logger.Warn(err.Error())
		s.setState(Recovering)
		return
	}
	s.pruneDeadForwards()

	add, remove := diff(desired, s.liveSnapshot())

	for domain := range remove {
		if err := s.session.CloseForward(domain); err != nil {
			s.logger.Warn(agenterrors.ForDomain(agenterrors.KindForward, domain, err).Error())
		}
		s.stateMu.Lock()
		delete(s.live, domain)
		s.stateMu.Unlock()
	}

	failed := 0
	for domain, tun := range add {
		fwd, err := s.session.OpenForward(domain)
		if err != nil {
			s.logger.Warn(err.Error())
			failed++
			continue
		}
		tun.RemotePort = fwd.RemotePort
		s.stateMu.Lock()
		s.live[domain] = tun
		s.stateMu.Unlock()
		go s.acceptLoop(domain, tun, fwd)
	}

	s.stateMu.Lock()
	s.retryPending = failed > 0
	liveCount := len(s.live)
	s.stateMu.Unlock()

	switch {
	case liveCount > 0:
		s.setState(Serving)
	default:
		// Desired is non-empty but nothing could be opened; keep
		// retrying on the poll cadence.
		s.setState(Recovering)
	}
}

func (s *Supervisor) liveSnapshot() map[string]tunnel.Tunnel {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make(map[string]tunnel.Tunnel, len(s.live))
	for k, v := range s.live {
		out[k] = v
	}
	return out
}

// diff computes add and remove sets per the reconciliation algorithm: a
// domain present in both desired and live with a differing (host, port)
// is placed in both sets, so the caller removes the stale forward before
// adding the new one.
func diff(desired, live map[string]tunnel.Tunnel) (add, remove map[string]tunnel.Tunnel) {
	add = make(map[string]tunnel.Tunnel)
	remove = make(map[string]tunnel.Tunnel)

	for domain, tun := range desired {
		liveTun, ok := live[domain]
		if !ok {
			add[domain] = tun
			continue
		}
		if !liveTun.Equal(tun) {
			remove[domain] = liveTun
			add[domain] = tun
		}
	}
	for domain, liveTun := range live {
		if _, ok := desired[domain]; !ok {
			remove[domain] = liveTun
		}
	}
	return add, remove
}

// acceptLoop accepts inbound SSH channels for one forward until its
// listener closes, handing each off to a freshly dialed local connection.
func (s *Supervisor) acceptLoop(domain string, tun tunnel.Tunnel, fwd *sshsession.Forward) {
	for {
		channel, err := fwd.Listener.Accept()
		if err != nil {
			return
		}
		go s.handleChannel(domain, tun, channel)
	}
}

func (s *Supervisor) handleChannel(domain string, tun tunnel.Tunnel, channel net.Conn) {
	connID := uuid.NewString()
	endpoint := addr.HostPortAddr{Host: tun.Host, Port: tun.Port}
	local, err := s.dialContext(context.Background(), endpoint.Network(), endpoint.String())
	if err != nil {
		channel.Close()
		s.logger.Warn(agenterrors.ForDomain(agenterrors.KindChannel, domain, errors.Wrapf(err, "dial local endpoint %s", endpoint)).Error(), "conn_id", connID)
		return
	}

	s.trackConn(channel)
	s.trackConn(local)
	defer s.untrackConn(channel)
	defer s.untrackConn(local)

	fw := &forwarder.Forwarder{
		Domain:      domain,
		ConnID:      connID,
		Channel:     channel,
		Local:       local,
		IdleTimeout: s.connIdleTimeout,
		Logger:      s.logger,
	}
	fw.Serve()
}

func (s *Supervisor) trackConn(c net.Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Supervisor) untrackConn(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// shutdown cancels every live forward, disconnects the session, and
// discards every in-flight connection. Connections are closed rather
// than drained: Run's contract only promises they are discarded.
func (s *Supervisor) shutdown() {
	s.teardownAll()

	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Supervisor) teardownAll() {
	s.stateMu.Lock()
	domains := make([]string, 0, len(s.live))
	for d := range s.live {
		domains = append(domains, d)
	}
	s.live = make(map[string]tunnel.Tunnel)
	s.stateMu.Unlock()

	for _, d := range domains {
		if err := s.session.CloseForward(d); err != nil {
			s.logger.Warn(agenterrors.ForDomain(agenterrors.KindForward, d, err).Error())
		}
	}
	if err := s.session.Disconnect(); err != nil {
		s.logger.Warn(agenterrors.New(agenterrors.KindConnect, err).Error())
	}
}

// Live returns a snapshot of tunnels currently live, with remote_port
// stamped, for introspection by the control IPC's list command.
func (s *Supervisor) Live() map[string]tunnel.Tunnel {
	return s.liveSnapshot()
}

// ForceReconnect disconnects the live session, if any, so the next poll
// tick observes a dead transport and drives the Serving -> Recovering ->
// Serving transition, re-establishing every desired forward. It is meant
// to be called from outside the supervisor goroutine -- e.g. by a
// keywatch.Watcher reacting to the key file being replaced on disk.
func (s *Supervisor) ForceReconnect() {
	if err := s.session.Disconnect(); err != nil {
		s.logger.Warn(agenterrors.New(agenterrors.KindConnect, err).Error())
	}
}
