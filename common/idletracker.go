package common

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// IdleTracker cancels a context when none of the connections it wraps
// has seen a Read or Write for a whole IdleTimeout. The forwarder uses
// it to reap connection pairs whose peers have silently gone away.
type IdleTracker struct {
	IdleTimeout time.Duration

	currentCounter  uint64
	previousCounter uint64
}

// Start launches the tracking goroutine. An IdleTimeout of zero or less
// disables tracking: Done is called on d immediately and cancel is never
// invoked.
func (t *IdleTracker) Start(ctx context.Context, cancel func(), d Doner) {
	if t.IdleTimeout <= 0 {
		d.Done()
		return
	}

	go t.track(ctx, cancel, d)
}

// track checks the activity counter every IdleTimeout; if it has not
// moved since the previous check, the tracked work is idle and gets
// canceled.
func (t *IdleTracker) track(ctx context.Context, cancel func(), d Doner) {
	defer d.Done()

	done := ctx.Done()
	for {
		select {
		case <-time.After(t.IdleTimeout):
			current := atomic.LoadUint64(&t.currentCounter)
			previous := atomic.LoadUint64(&t.previousCounter)

			if current == previous {
				cancel()
				return
			}
			atomic.CompareAndSwapUint64(&t.previousCounter, previous, current)

		case <-done:
			return
		}
	}
}

// Touch notifies the tracker of activity that happened outside a tracked
// connection, such as a successful Accept.
func (t *IdleTracker) Touch() {
	atomic.AddUint64(&t.currentCounter, 1)
}

var _ net.Conn = activityConn{}

// activityConn bumps the tracker's activity counter on every Read and
// Write of the wrapped connection.
type activityConn struct {
	net.Conn
	i *uint64
}

func (c activityConn) Read(b []byte) (int, error) {
	atomic.AddUint64(c.i, 1)
	return c.Conn.Read(b)
}

func (c activityConn) Write(b []byte) (int, error) {
	atomic.AddUint64(c.i, 1)
	return c.Conn.Write(b)
}

// TrackConn wraps c so its Reads and Writes count as activity. With
// tracking disabled c is returned unwrapped.
func (t *IdleTracker) TrackConn(c net.Conn) net.Conn {
	if t.IdleTimeout <= 0 {
		return c
	}
	return activityConn{c, &t.currentCounter}
}
