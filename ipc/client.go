package ipc

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/tunnel"
)

// defaultReplyTimeout bounds how long Client waits for each reply
// frame.
const defaultReplyTimeout = time.Second

// Client is a thin, single-connection sender/receiver of ipc.Command
// frames. It performs no process management; see Driver for the
// lazy-spawn/respawn behavior layered on top.
type Client struct {
	conn         net.Conn
	ReplyTimeout time.Duration
}

// NewClient wraps an already-connected socket.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, ReplyTimeout: defaultReplyTimeout}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes cmd and reads reply frames until the terminating noop,
// returning any command-specific replies (e.g. the add-shaped tunnels of
// a list response) in arrival order.
func (c *Client) Send(cmd Command) ([]Command, error) {
	payload, err := Encode(cmd)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		return nil, errors.Wrap(err, "send ipc command")
	}

	// stop never acks: the driver must not block waiting for one.
	if cmd.Kind == KindStop {
		return nil, nil
	}

	var replies []Command
	for {
		if c.ReplyTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.ReplyTimeout)); err != nil {
				return nil, errors.Wrap(err, "set read deadline")
			}
		}

		reply, err := c.readReply()
		if err != nil {
			return nil, err
		}
		if reply.Kind == KindNoop {
			return replies, nil
		}
		replies = append(replies, reply)
	}
}

func (c *Client) readReply() (Command, error) {
	payload, err := ReadFrame(c.conn)
	if err == io.EOF {
		return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.New("ipc: connection closed while awaiting reply"))
	}
	if err != nil {
		return Command{}, agenterrors.New(agenterrors.KindProtocol, err)
	}
	return Decode(payload)
}

// Ping sends a bare noop and waits for its ack.
func (c *Client) Ping() error {
	_, err := c.Send(Noop())
	return err
}

// AddTunnel declares t on the remote desired-state table.
func (c *Client) AddTunnel(t tunnel.Tunnel) error {
	_, err := c.Send(Add(t))
	return err
}

// DelTunnel removes domain from the remote desired-state table.
func (c *Client) DelTunnel(domain string) error {
	_, err := c.Send(Del(domain))
	return err
}

// ListTunnels returns every tunnel reported live by the supervisor.
func (c *Client) ListTunnels() ([]tunnel.Tunnel, error) {
	replies, err := c.Send(List())
	if err != nil {
		return nil, err
	}
	tunnels := make([]tunnel.Tunnel, 0, len(replies))
	for _, r := range replies {
		tunnels = append(tunnels, tunnel.FromDict(r.Tunnel))
	}
	return tunnels, nil
}

// StopSupervisor sends the stop command. It does not wait for a reply:
// the supervisor process exits without acking.
func (c *Client) StopSupervisor() error {
	_, err := c.Send(Stop())
	return err
}
