package forwarder

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shanty-social/tunnel-agent/internal/testutils"
)

// A full round trip: bytes written on one side arrive unmodified on the
// other, in both directions, and Serve returns once both ends are closed.
func TestServeCopiesBothDirections(t *testing.T) {
	channelToLocal := bytes.NewBufferString("hello from server")
	localToChannel := bytes.NewBufferString("hello from local")

	channelOut := &testutils.SyncBuffer{}
	localOut := &testutils.SyncBuffer{}

	channelClosed := make(chan struct{})
	localClosed := make(chan struct{})

	channel := &testutils.MockConn{
		ReadFunc: func(i int, b []byte) (int, error) {
			if channelToLocal.Len() == 0 {
				<-localClosed // block until the pair is torn down
				return 0, io.EOF
			}
			return channelToLocal.Read(b)
		},
		WriteFunc: func(i int, b []byte) (int, error) {
			return channelOut.Write(b)
		},
		CloseChan: channelClosed,
	}
	local := &testutils.MockConn{
		ReadFunc: func(i int, b []byte) (int, error) {
			if localToChannel.Len() == 0 {
				return 0, io.EOF
			}
			return localToChannel.Read(b)
		},
		WriteFunc: func(i int, b []byte) (int, error) {
			return localOut.Write(b)
		},
		CloseChan: localClosed,
	}

	fwd := &Forwarder{Domain: "foo.com", Channel: channel, Local: local}

	done := make(chan struct{})
	go func() {
		fwd.Serve()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return in time")
	}

	if got := channelOut.String(); got != "hello from local" {
		t.Errorf("channel received %q, want %q", got, "hello from local")
	}
	if got := localOut.String(); got != "hello from server" {
		t.Errorf("local received %q, want %q", got, "hello from server")
	}
	if channel.CloseCalls() == 0 {
		t.Errorf("want Channel.Close() called")
	}
	if local.CloseCalls() == 0 {
		t.Errorf("want Local.Close() called")
	}
}

// A slow consumer on one pair must not prevent Serve from returning once
// the other direction reaches EOF: Serve's close of the pair unblocks the
// stalled Read, as Close does for a real net.Conn.
func TestServeUnblocksOnClose(t *testing.T) {
	blockRead := make(chan struct{})
	channelClosed := make(chan struct{})
	channel := &testutils.MockConn{
		ReadFunc: func(i int, b []byte) (int, error) {
			select {
			case <-blockRead:
			case <-channelClosed:
			}
			return 0, io.EOF
		},
		CloseChan: channelClosed,
	}
	local := &testutils.MockConn{
		ReadFunc: func(i int, b []byte) (int, error) {
			return 0, io.EOF
		},
	}

	fwd := &Forwarder{Channel: channel, Local: local}

	done := make(chan struct{})
	go func() {
		fwd.Serve()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return: slow consumer stalled the pair")
	}
	close(blockRead)
}

// A pair with no traffic at all is reaped by the idle tracker instead of
// lingering until an endpoint errors out.
func TestServeReapsIdlePair(t *testing.T) {
	channelClosed := make(chan struct{})
	localClosed := make(chan struct{})
	silent := func(closed chan struct{}) func(int, []byte) (int, error) {
		return func(i int, b []byte) (int, error) {
			<-closed // no traffic: block until the pair is torn down
			return 0, io.EOF
		}
	}
	channel := &testutils.MockConn{ReadFunc: silent(channelClosed), CloseChan: channelClosed}
	local := &testutils.MockConn{ReadFunc: silent(localClosed), CloseChan: localClosed}

	fwd := &Forwarder{Channel: channel, Local: local, IdleTimeout: 50 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		fwd.Serve()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return: idle pair was never reaped")
	}

	if channel.CloseCalls() == 0 || local.CloseCalls() == 0 {
		t.Error("idle teardown did not close both endpoints")
	}
}

var _ net.Conn = (*testutils.MockConn)(nil)
