// Package tunnel defines the Tunnel record: the desired-state unit that
// the supervisor reconciles against the live set of SSH remote forwards.
package tunnel

import "fmt"

// Tunnel is a desired-state record: a domain routed by the rendezvous
// server to a local (host, port) endpoint. RemotePort is unassigned (0)
// until the supervisor has established the forward and the server has
// picked a port for it.
type Tunnel struct {
	Domain     string
	Host       string
	Port       int
	RemotePort int
}

// Dict is the JSON-facing representation of a Tunnel, matching the body
// schema of the admin HTTP surface and the control IPC wire format.
type Dict struct {
	Domain     string `json:"domain"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	RemotePort int    `json:"remote_port,omitempty"`
}

// FromDict builds a Tunnel from its wire representation.
func FromDict(d Dict) Tunnel {
	return Tunnel{
		Domain:     d.Domain,
		Host:       d.Host,
		Port:       d.Port,
		RemotePort: d.RemotePort,
	}
}

// ToDict returns the wire representation of t.
func (t Tunnel) ToDict() Dict {
	return Dict{
		Domain:     t.Domain,
		Host:       t.Host,
		Port:       t.Port,
		RemotePort: t.RemotePort,
	}
}

// String returns a human-readable "domain->host:port" form.
func (t Tunnel) String() string {
	return fmt.Sprintf("%s->%s:%d", t.Domain, t.Host, t.Port)
}

// Equal reports whether t and other are structurally equal over
// (Domain, Host, Port). RemotePort is metadata assigned by the server
// once the forward is live and is excluded from equality, so that
// re-declaring an identical tunnel is a no-op.
func (t Tunnel) Equal(other Tunnel) bool {
	return t.Domain == other.Domain && t.Host == other.Host && t.Port == other.Port
}

// Valid reports whether t has a non-empty domain and a port in 1..65535.
// RemotePort, when set, must also be in 1..65535.
func (t Tunnel) Valid() bool {
	if t.Domain == "" {
		return false
	}
	if t.Port < 1 || t.Port > 65535 {
		return false
	}
	if t.RemotePort != 0 && (t.RemotePort < 1 || t.RemotePort > 65535) {
		return false
	}
	return true
}
