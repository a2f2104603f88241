// Package addr provides a lightweight net.Addr implementation for
// unresolved host:port pairs, a free-port listener helper, and the
// parser for the CLI's "<domain>:<host>:<port>" tunnel specs.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/shanty-social/tunnel-agent/tunnel"
)

// HostPortAddr is a TCP-based net.Addr that contains
// the unresolved host name and port number.
type HostPortAddr struct {
	Host string
	Port int
}

// Network returns the network type for this address, which is
// always "tcp".
func (a HostPortAddr) Network() string {
	return "tcp"
}

// String returns the host:port form of the address.
func (a HostPortAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// TunnelSpec is the parsed form of a CLI "<domain>:<host>:<port>"
// positional argument.
type TunnelSpec struct {
	Domain string
	Host   string
	Port   int
}

// ParseTunnelSpec parses s, which must have the form
// "<domain>:<host>:<port>", into a TunnelSpec. Invalid specs return a
// single-line error describing the problem, suitable for printing as
// the CLI's only output before a nonzero exit.
func ParseTunnelSpec(s string) (TunnelSpec, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel spec %q: want <domain>:<host>:<port>", s)
	}
	domain, host, portStr := parts[0], parts[1], parts[2]
	if domain == "" {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel spec %q: domain must not be empty", s)
	}
	if host == "" {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel spec %q: host must not be empty", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return TunnelSpec{}, fmt.Errorf("invalid tunnel spec %q: port must be 1..65535", s)
	}
	return TunnelSpec{Domain: domain, Host: host, Port: port}, nil
}

// ToTunnel returns the tunnel.Tunnel desired-state record for this spec.
func (s TunnelSpec) ToTunnel() tunnel.Tunnel {
	return tunnel.Tunnel{Domain: s.Domain, Host: s.Host, Port: s.Port}
}
