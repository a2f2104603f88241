// Package agenterrors provides the typed error kinds used throughout the
// agent, so handlers can dispatch on kind instead of matching strings.
// Every kind wraps an underlying cause and, where applicable, names the
// tunnel domain it affects, so log lines carry both.
package agenterrors

import "fmt"

// Kind identifies an error category.
type Kind string

const (
	// KindConnect covers host-unreachable, auth-failed, and host-key
	// mismatch errors while establishing the SSH transport.
	KindConnect Kind = "connect"
	// KindForward covers a refused remote port-forward or a failed
	// post-forward remote command.
	KindForward Kind = "forward"
	// KindChannel covers a single inbound connection failing to reach
	// its local endpoint, or dying mid-stream.
	KindChannel Kind = "channel"
	// KindTransport covers a failed liveness probe or EOF on the
	// transport.
	KindTransport Kind = "transport"
	// KindProtocol covers a malformed control-IPC frame or unknown
	// command.
	KindProtocol Kind = "protocol"
	// KindConfig covers an unparseable CLI argument or a missing
	// known-hosts file when strict mode is selected.
	KindConfig Kind = "config"
)

// Error is a domain error tagged with a Kind and, optionally, the domain
// it affects.
type Error struct {
	Kind   Kind
	Domain string // affected tunnel domain, empty if not applicable
	Err    error
}

func (e *Error) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("%s error (domain=%s): %v", e.Kind, e.Domain, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a domain-less Error of the given kind. Returns nil if
// err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ForDomain wraps err as an Error of the given kind affecting domain.
// Returns nil if err is nil.
func ForDomain(kind Kind, domain string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Domain: domain, Err: err}
}
