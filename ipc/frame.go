// Package ipc implements the control protocol: a length-prefixed
// request/reply exchange over a local stream socket between a driver
// (the agentctl CLI) and the supervisor process. Each frame is a 2-byte
// little-endian length followed by that many bytes of payload; payloads
// are resp-encoded commands.
package ipc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/shanty-social/tunnel-agent/agenterrors"
)

// maxFrameLength bounds a single frame's payload, matching the 16-bit
// length field's maximum representable value.
const maxFrameLength = 1<<16 - 1

// WriteFrame writes a single frame: a 2-byte little-endian length
// followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLength {
		return agenterrors.New(agenterrors.KindProtocol, errors.Errorf("ipc: payload too large (%d bytes)", len(payload)))
	}

	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadFrame reads a single frame and returns its payload. A clean EOF
// before any bytes are read is returned as io.EOF, signaling that the
// peer closed the connection; any other error is wrapped.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header")
	}

	size := binary.LittleEndian.Uint16(header[:])
	if size == 0 {
		return nil, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}
