package main

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// TerminalHost switches the host terminal into raw mode so keystrokes reach
// the serial console unbuffered and unechoed; the guest does its own echo.
type TerminalHost struct {
	fd           int
	oldTermState *term.State
	stopped      sync.Once
}

// NewTerminalHost prepares raw mode handling for f (normally os.Stdin).
func NewTerminalHost(f *os.File) *TerminalHost {
	return &TerminalHost{fd: int(f.Fd())}
}

// Start enters raw mode. It is a no-op when the descriptor is not a
// terminal, e.g. when input is piped.
func (h *TerminalHost) Start() error {
	if !term.IsTerminal(h.fd) {
		debugf("terminal_host: fd %d is not a terminal, leaving it cooked", h.fd)
		return nil
	}
	oldState, err := term.MakeRaw(h.fd)
	if err != nil {
		return fmt.Errorf("terminal_host: failed to set raw mode: %w", err)
	}
	h.oldTermState = oldState
	return nil
}

// Stop restores the terminal state saved by Start.
func (h *TerminalHost) Stop() {
	h.stopped.Do(func() {
		if h.oldTermState != nil {
			_ = term.Restore(h.fd, h.oldTermState)
			h.oldTermState = nil
		}
	})
}
