// console_input.go - Merged console input stream for the serial device

package main

import (
	"io"
	"sync"
)

const consoleKeyBufferSize = 4096

// ConsoleInput merges the host terminal and bytes pushed by the display
// window (keyboard, clipboard paste) into one stream for the UART's input
// task. Host bytes apply back-pressure to the host reader; pushed bytes are
// dropped when the key buffer is full so the window never blocks.
type ConsoleInput struct {
	host   chan byte
	keys   chan byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

// NewConsoleInput starts a goroutine reading host one byte at a time.
// host may be nil for window-only input.
func NewConsoleInput(host io.Reader) *ConsoleInput {
	ci := &ConsoleInput{
		host:   make(chan byte),
		keys:   make(chan byte, consoleKeyBufferSize),
		errs:   make(chan error),
		closed: make(chan struct{}),
	}
	if host != nil {
		go ci.pump(host)
	}
	return ci
}

func (ci *ConsoleInput) pump(r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case ci.host <- buf[0]:
			case <-ci.closed:
				return
			}
		}
		if err == io.EOF {
			// The window may still produce input; only the host side ends.
			return
		}
		if err != nil {
			select {
			case ci.errs <- err:
			case <-ci.closed:
				return
			}
		}
	}
}

// Read blocks until at least one byte is available and returns at most
// len(p) bytes. Host read errors surface here; Close ends the stream.
func (ci *ConsoleInput) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case b := <-ci.host:
		p[0] = b
	case b := <-ci.keys:
		p[0] = b
	case err := <-ci.errs:
		return 0, err
	case <-ci.closed:
		return 0, io.EOF
	}
	n := 1
	for n < len(p) {
		select {
		case b := <-ci.keys:
			p[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Push queues one byte from the window. It reports false if the byte was
// dropped.
func (ci *ConsoleInput) Push(b byte) bool {
	select {
	case ci.keys <- b:
		return true
	default:
		return false
	}
}

// PushBytes queues bytes in order and returns how many were accepted.
func (ci *ConsoleInput) PushBytes(data []byte) int {
	for i, b := range data {
		if !ci.Push(b) {
			return i
		}
	}
	return len(data)
}

// Close ends the stream. Subsequent reads return io.EOF.
func (ci *ConsoleInput) Close() error {
	ci.once.Do(func() {
		close(ci.closed)
	})
	return nil
}
