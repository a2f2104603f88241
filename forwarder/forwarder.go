// Package forwarder copies bytes bidirectionally between one SSH channel
// and one local TCP socket until either side closes, then tears down the
// other. The pair is already dialed by the caller, so a Forwarder only
// ever copies bytes.
package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/common"
)

// Forwarder copies bytes between a single inbound SSH channel and a
// single local TCP connection. Bytes in flight at the time either side
// closes are discarded; no short-write data loss is possible because
// io.Copy only returns early on a read or write error, at which point the
// whole pair is torn down.
type Forwarder struct {
	// Domain is the tunnel domain this connection belongs to, used only
	// for logging.
	Domain string
	// ConnID is an opaque per-connection correlation id (a
	// github.com/google/uuid string), attached to every log line so a
	// single connection's lines can be grepped together. Optional; empty
	// if the caller does not assign one.
	ConnID string
	// Channel is the inbound SSH channel, presented as a net.Conn.
	Channel net.Conn
	// Local is the dialed local TCP connection.
	Local net.Conn
	// IdleTimeout, when greater than zero, tears the pair down after
	// that long without a byte moving in either direction. Zero keeps
	// the pair alive until one endpoint closes.
	IdleTimeout time.Duration
	// Logger receives one Warn line per copy error. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// Serve copies bytes in both directions until either endpoint returns EOF
// or an error, then closes both endpoints and returns. It always blocks
// until the connection is fully torn down.
//
// The first copier to finish cancels ctx; the wait below then closes
// both endpoints, which in turn unblocks the other (still in-flight)
// copier's blocking Read or Write. The idle tracker shares the same
// cancel, so a silent pair is reaped the same way.
func (f *Forwarder) Serve() {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	wg := &sync.WaitGroup{}

	tracker := &common.IdleTracker{IdleTimeout: f.IdleTimeout}
	wg.Add(1)
	tracker.Start(ctx, cancel, wg)
	channel := tracker.TrackConn(f.Channel)
	local := tracker.TrackConn(f.Local)

	wg.Add(2)
	go f.copyBytes(cancel, wg, logger, local, channel)
	go f.copyBytes(cancel, wg, logger, channel, local)

	<-ctx.Done()
	f.Channel.Close()
	f.Local.Close()
	wg.Wait()
}

func (f *Forwarder) copyBytes(cancel func(), wg *sync.WaitGroup, logger *slog.Logger, dst io.Writer, src io.Reader) {
	defer func() {
		cancel() // either direction ending tears down the whole pair
		wg.Done()
	}()

	if _, err := io.Copy(dst, src); err != nil {
		err = agenterrors.ForDomain(agenterrors.KindChannel, f.Domain, errors.Wrap(err, "copy bytes error"))
		logger.Warn(err.Error(), "conn_id", f.ConnID)
	}
}
