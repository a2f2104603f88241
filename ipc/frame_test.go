package ipc

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame() = %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ReadFrame() = %q, want %q", got, payload)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame() = %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadFrame() = %v, want empty", got)
	}
}

func TestReadFrameEOF(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame() on empty reader = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncatedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x01})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("ReadFrame() with a truncated length prefix: want error, got nil")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, 0x00, 'h', 'i'})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("ReadFrame() with a truncated payload: want error, got nil")
	}
}
