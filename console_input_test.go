package main

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func readByte(t *testing.T, r io.Reader) byte {
	t.Helper()
	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var buf [1]byte
		_, err := r.Read(buf[:])
		ch <- result{buf[0], err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("Read returned error: %v", res.err)
		}
		return res.b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for console byte")
	}
	return 0
}

func TestConsoleInput_HostBytes(t *testing.T) {
	ci := NewConsoleInput(strings.NewReader("ok"))
	defer ci.Close()

	if got := readByte(t, ci); got != 'o' {
		t.Fatalf("expected 'o', got %q", got)
	}
	if got := readByte(t, ci); got != 'k' {
		t.Fatalf("expected 'k', got %q", got)
	}
}

func TestConsoleInput_PushedBytesAfterHostEOF(t *testing.T) {
	ci := NewConsoleInput(strings.NewReader(""))
	defer ci.Close()

	if n := ci.PushBytes([]byte("hi")); n != 2 {
		t.Fatalf("expected 2 bytes accepted, got %d", n)
	}
	buf := make([]byte, 8)
	n, err := ci.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("expected %q, got %q", "hi", buf[:n])
	}
}

func TestConsoleInput_PushDropsWhenFull(t *testing.T) {
	ci := NewConsoleInput(nil)
	defer ci.Close()

	for i := 0; i < consoleKeyBufferSize; i++ {
		if !ci.Push('x') {
			t.Fatalf("expected push %d to be accepted", i)
		}
	}
	if ci.Push('y') {
		t.Fatal("expected push to a full buffer to be dropped")
	}
}

type errOnceReader struct {
	sent bool
}

func (r *errOnceReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return 0, errors.New("tty gone")
	}
	return 0, io.EOF
}

func TestConsoleInput_HostErrorSurfaces(t *testing.T) {
	ci := NewConsoleInput(&errOnceReader{})
	defer ci.Close()

	var buf [1]byte
	if _, err := ci.Read(buf[:]); err == nil || err.Error() != "tty gone" {
		t.Fatalf("expected host error, got %v", err)
	}
}

func TestConsoleInput_CloseEndsStream(t *testing.T) {
	ci := NewConsoleInput(nil)
	ci.Close()
	var buf [1]byte
	if _, err := ci.Read(buf[:]); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func TestConsoleInput_FeedsUART(t *testing.T) {
	ci := NewConsoleInput(nil)
	u := NewUART(ci, nil)
	defer u.Close()
	defer ci.Close()

	ci.Push('\r')
	waitFor(t, "RX ready", rxReady(u))
	if got := u.Load(UART_RHR); got != '\r' {
		t.Fatalf("expected CR, got 0x%02X", got)
	}
}
