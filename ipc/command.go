package ipc

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/resp"
	"github.com/shanty-social/tunnel-agent/tunnel"
)

// Kind tags a Command's variant.
type Kind uint8

const (
	KindNoop Kind = iota
	KindAdd
	KindDel
	KindList
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "noop"
	case KindAdd:
		return "add"
	case KindDel:
		return "del"
	case KindList:
		return "list"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, bool) {
	switch s {
	case "noop":
		return KindNoop, true
	case "add":
		return KindAdd, true
	case "del":
		return KindDel, true
	case "list":
		return KindList, true
	case "stop":
		return KindStop, true
	default:
		return 0, false
	}
}

// Command is the single tagged-variant wire value carried by every
// frame. Only the fields relevant to Kind are populated:
//
//   - KindAdd:  Tunnel
//   - KindDel:  Domain (only the domain is required to delete a tunnel)
//   - KindList: replies carry zero or more KindAdd-shaped Commands,
//     terminated by a KindNoop
//   - KindNoop, KindStop: no payload fields used
type Command struct {
	Kind   Kind
	Tunnel tunnel.Dict
	Domain string
}

// Noop returns the ack/ping command.
func Noop() Command { return Command{Kind: KindNoop} }

// Add returns a command that declares t on the desired-state table.
func Add(t tunnel.Tunnel) Command { return Command{Kind: KindAdd, Tunnel: t.ToDict()} }

// Del returns a command that removes domain from the desired-state
// table.
func Del(domain string) Command { return Command{Kind: KindDel, Domain: domain} }

// List returns the command requesting every live tunnel.
func List() Command { return Command{Kind: KindList} }

// Stop returns the command that asks the supervisor process to exit.
func Stop() Command { return Command{Kind: KindStop} }

// Encode serializes c as an opaque frame payload: a resp request array,
// the command name followed by its string arguments.
func Encode(c Command) ([]byte, error) {
	var line []string
	switch c.Kind {
	case KindAdd:
		line = []string{"add", c.Tunnel.Domain, c.Tunnel.Host, strconv.Itoa(c.Tunnel.Port), strconv.Itoa(c.Tunnel.RemotePort)}
	case KindDel:
		line = []string{"del", c.Domain}
	default:
		line = []string{c.Kind.String()}
	}

	var buf bytes.Buffer
	if err := resp.NewEncoder(&buf).Encode(line); err != nil {
		return nil, agenterrors.New(agenterrors.KindProtocol, errors.Wrap(err, "encode ipc command"))
	}
	return buf.Bytes(), nil
}

// Decode parses a frame payload as produced by Encode.
func Decode(payload []byte) (Command, error) {
	line, err := resp.NewDecoder(bytes.NewReader(payload)).DecodeRequest()
	if err != nil {
		return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.Wrap(err, "decode ipc command"))
	}
	if len(line) == 0 {
		return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.New("decode ipc command: empty request"))
	}

	kind, ok := kindFromString(line[0])
	if !ok {
		return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.Errorf("decode ipc command: unknown command %q", line[0]))
	}

	switch kind {
	case KindAdd:
		if len(line) != 5 {
			return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.New("decode ipc command: malformed add"))
		}
		port, err := strconv.Atoi(line[3])
		if err != nil {
			return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.Wrap(err, "decode ipc command: add port"))
		}
		remotePort, err := strconv.Atoi(line[4])
		if err != nil {
			return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.Wrap(err, "decode ipc command: add remote_port"))
		}
		return Command{Kind: KindAdd, Tunnel: tunnel.Dict{Domain: line[1], Host: line[2], Port: port, RemotePort: remotePort}}, nil

	case KindDel:
		if len(line) != 2 {
			return Command{}, agenterrors.New(agenterrors.KindProtocol, errors.New("decode ipc command: malformed del"))
		}
		return Command{Kind: KindDel, Domain: line[1]}, nil

	default:
		return Command{Kind: kind}, nil
	}
}
