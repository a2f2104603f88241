package ipc

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/tunnel"
	"github.com/shanty-social/tunnel-agent/tunnelset"
)

// Server is the supervisor-process side of the control IPC: it accepts
// the single driver connection for this process's lifetime and applies
// add/del/list/stop commands. Mutations are serialized only by virtue of
// the driver's own mutex; Server itself is not safe to Serve
// concurrently on more than one listener.
type Server struct {
	// Table is mutated by add/del commands.
	Table *tunnelset.Table

	// ListFunc, if non-nil, supplies the tunnels reported by the list
	// command (typically the supervisor's live set, stamped with
	// RemotePort). If nil, the desired-state table's snapshot is used.
	ListFunc func() map[string]tunnel.Tunnel

	// StopFunc is invoked, if non-nil, when a stop command arrives,
	// before Serve returns ErrStopped.
	StopFunc func()

	Logger *slog.Logger
}

// ErrStopped is returned by Serve when a stop command was received and
// handled.
var ErrStopped = agenterrors.New(agenterrors.KindProtocol, errStoppedSentinel{})

type errStoppedSentinel struct{}

func (errStoppedSentinel) Error() string { return "ipc: stop command received" }

// Serve accepts the one driver connection delivered by l.Accept and
// processes commands from it until the connection is closed, a stop
// command is handled, or ctx is canceled. A clean EOF on the connection
// (the driver going away without sending stop) is a fatal protocol
// condition, returned as a distinct, non-ErrStopped error so the caller
// can exit with a distinguishing status.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	logger := s.logger()

	acceptDone := make(chan struct{})
	defer close(acceptDone)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-acceptDone:
		}
	}()

	conn, err := l.Accept()
	if err != nil {
		return agenterrors.New(agenterrors.KindProtocol, err)
	}
	defer conn.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == io.EOF {
				return agenterrors.New(agenterrors.KindProtocol, errDriverGone{})
			}
			return agenterrors.New(agenterrors.KindProtocol, err)
		}

		cmd, err := Decode(payload)
		if err != nil {
			logger.Warn(err.Error())
			continue
		}

		stop, err := s.apply(conn, cmd)
		if err != nil {
			logger.Warn(err.Error())
			continue
		}
		if stop {
			if s.StopFunc != nil {
				s.StopFunc()
			}
			return ErrStopped
		}
	}
}

// errDriverGone marks the fatal-EOF condition distinctly from a handled
// stop command.
type errDriverGone struct{}

func (errDriverGone) Error() string { return "ipc: control connection closed unexpectedly" }

// apply executes one decoded command against the table, writing any
// command-specific reply frames followed by the terminating noop ack.
// It reports whether the supervisor process should now stop.
func (s *Server) apply(conn net.Conn, cmd Command) (stop bool, err error) {
	switch cmd.Kind {
	case KindNoop:
		return false, s.ack(conn)

	case KindAdd:
		s.Table.Set(tunnel.FromDict(cmd.Tunnel))
		return false, s.ack(conn)

	case KindDel:
		s.Table.Delete(cmd.Domain)
		return false, s.ack(conn)

	case KindList:
		for _, tun := range s.listSnapshot() {
			payload, err := Encode(Add(tun))
			if err != nil {
				return false, err
			}
			if err := WriteFrame(conn, payload); err != nil {
				return false, err
			}
		}
		return false, s.ack(conn)

	case KindStop:
		// No ack is sent for stop: the driver expects the connection to
		// simply go away.
		return true, nil

	default:
		return false, agenterrors.New(agenterrors.KindProtocol, unknownCommand{kind: cmd.Kind})
	}
}

type unknownCommand struct{ kind Kind }

func (e unknownCommand) Error() string { return "ipc: unknown command kind " + e.kind.String() }

func (s *Server) ack(conn net.Conn) error {
	payload, err := Encode(Noop())
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) listSnapshot() map[string]tunnel.Tunnel {
	if s.ListFunc != nil {
		return s.ListFunc()
	}
	return s.Table.Snapshot()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
