package ipc

import (
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/tunnel"
)

// Driver is the driving (agentctl) side of the control IPC: it lazily
// spawns the agent daemon on first use, respawns it if the previously
// spawned process has died, and serializes commands through a single
// mutex so replies from concurrent callers are never interleaved.
type Driver struct {
	// SocketPath is the Unix-domain socket the daemon listens on.
	SocketPath string
	// Command builds the daemon process to spawn, e.g.
	// exec.Command("tunnel-agent", "--socket", socketPath). Required.
	Command func() *exec.Cmd
	// DialTimeout bounds connecting to the daemon's socket once spawned.
	DialTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	client *Client
}

// defaultDialTimeout bounds the wait for the daemon to create its
// socket after being spawned.
const defaultDialTimeout = 2 * time.Second

// ensureServer spawns the daemon if it has never been started or the
// previously spawned process has exited, matching _start_server's
// `self._server.poll() is None` liveness check. An exit is only seen
// here once the process has been waited on (by Stop); a daemon that dies
// on its own is not detected before a send, so that send fails, the
// cached client is dropped, and the next call dials again and respawns.
func (d *Driver) ensureServer() error {
	if d.cmd != nil && !processExited(d.cmd) {
		if d.client != nil {
			return nil
		}
	}

	conn, err := d.dialExisting()
	if err == nil {
		d.client = NewClient(conn)
		return nil
	}

	proc := d.Command()
	if err := proc.Start(); err != nil {
		return errors.Wrap(err, "spawn agent daemon")
	}
	d.cmd = proc

	conn, err = d.dialWithRetry()
	if err != nil {
		return errors.Wrap(err, "connect to freshly spawned agent daemon")
	}
	d.client = NewClient(conn)
	return nil
}

func processExited(cmd *exec.Cmd) bool {
	return cmd.ProcessState != nil
}

func (d *Driver) dialExisting() (net.Conn, error) {
	return net.DialTimeout("unix", d.SocketPath, 200*time.Millisecond)
}

func (d *Driver) dialWithRetry() (net.Conn, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", d.SocketPath, 50*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	return nil, lastErr
}

// send acquires the driver's mutex, ensures the daemon is running, and
// sends cmd, replacing the cached client on any transport-level error so
// the next call re-spawns.
func (d *Driver) send(cmd Command) ([]Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureServer(); err != nil {
		return nil, err
	}

	replies, err := d.client.Send(cmd)
	if err != nil {
		d.client.Close()
		d.client = nil
	}
	return replies, err
}

// Ping round-trips a bare noop, spawning the daemon if necessary.
func (d *Driver) Ping() error {
	_, err := d.send(Noop())
	return err
}

// AddTunnel declares t on the daemon's desired-state table.
func (d *Driver) AddTunnel(t tunnel.Tunnel) error {
	_, err := d.send(Add(t))
	return err
}

// DelTunnel removes domain from the daemon's desired-state table.
func (d *Driver) DelTunnel(domain string) error {
	_, err := d.send(Del(domain))
	return err
}

// ListTunnels returns every tunnel the daemon reports live.
func (d *Driver) ListTunnels() ([]tunnel.Tunnel, error) {
	replies, err := d.send(List())
	if err != nil {
		return nil, err
	}
	tunnels := make([]tunnel.Tunnel, 0, len(replies))
	for _, r := range replies {
		tunnels = append(tunnels, tunnel.FromDict(r.Tunnel))
	}
	return tunnels, nil
}

// Stop sends the stop command, closes the driver's socket, removes the
// socket file, and waits for the daemon process to exit within timeout.
func (d *Driver) Stop(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		if err := d.ensureServer(); err != nil {
			return err
		}
	}

	_, err := d.client.Send(Stop())
	d.client.Close()
	d.client = nil
	_ = os.Remove(d.SocketPath)

	if err != nil {
		return err
	}
	if d.cmd == nil {
		return nil
	}
	return waitWithTimeout(d.cmd, timeout)
}

func waitWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.New("ipc: timed out waiting for agent daemon to exit")
	}
}
