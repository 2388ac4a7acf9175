// uart.go - Serial console (16550-style UART) for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// uartRegisters is the register file, indexed by offset from UART_BASE.
type uartRegisters [UART_SIZE]byte

// flusher is satisfied by buffered writers such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// UARTStats is a point-in-time copy of the device counters.
type UARTStats struct {
	Received    uint64
	Transmitted uint64
	InputErrors uint64
}

// UART models a single-channel serial controller. Loads and stores come
// from the machine's foreground context; a background goroutine reads the
// host input one byte at a time and hands each byte over through a
// single-slot mailbox (the receive holding register plus LSR bit 0).
//
// regs, closed and the LSR_RX handshake are guarded by mu. The interrupt
// flag is a separate atomic and is not covered by mu.
type UART struct {
	mu     sync.Mutex
	cond   *sync.Cond
	regs   uartRegisters
	closed bool

	interrupting atomic.Bool

	in  io.Reader
	out io.Writer

	// onTransmit, when set, observes every THR byte after it was written.
	// Invoked outside mu.
	onTransmit func(byte)

	done chan struct{}

	received    atomic.Uint64
	transmitted atomic.Uint64
	inputErrors atomic.Uint64
}

// NewUART creates the device with the transmitter ready and starts the
// background input task reading from in. A nil in means no input ever
// arrives; a nil out discards transmitted bytes.
func NewUART(in io.Reader, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	u := &UART{
		in:   in,
		out:  out,
		done: make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	u.regs[UART_LSR] |= UART_LSR_TX

	if in == nil {
		close(u.done)
		return u
	}
	go u.inputLoop()
	return u
}

// SetTransmitHook registers fn to observe transmitted bytes.
func (u *UART) SetTransmitHook(fn func(byte)) {
	u.mu.Lock()
	u.onTransmit = fn
	u.mu.Unlock()
}

// Load reads the register at offset. Reading RHR consumes the pending byte:
// it wakes the input task, clears LSR_RX and returns the RHR contents.
func (u *UART) Load(offset uint32) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case UART_RHR:
		u.cond.Signal()
		u.regs[UART_LSR] &^= UART_LSR_RX
		return u.regs[UART_RHR]
	default:
		return u.regs[offset]
	}
}

// Store writes the register at offset. A THR write goes straight to the
// output stream and is flushed before Store returns.
func (u *UART) Store(offset uint32, value uint8) {
	var hook func(byte)

	u.mu.Lock()
	switch offset {
	case UART_THR:
		u.transmitLocked(value)
		hook = u.onTransmit
	default:
		u.regs[offset] = value
	}
	u.mu.Unlock()

	if hook != nil {
		hook(value)
	}
}

// IsInterrupting reports and clears the interrupt-pending flag.
// Deliveries that happen between two calls coalesce into one true.
func (u *UART) IsInterrupting() bool {
	return u.interrupting.Swap(false)
}

// Stats returns the device counters.
func (u *UART) Stats() UARTStats {
	return UARTStats{
		Received:    u.received.Load(),
		Transmitted: u.transmitted.Load(),
		InputErrors: u.inputErrors.Load(),
	}
}

// Close stops the input task. A producer blocked on an unread byte is
// released immediately; a goroutine blocked inside the host Read exits once
// that Read returns.
func (u *UART) Close() {
	u.mu.Lock()
	u.closed = true
	u.cond.Broadcast()
	u.mu.Unlock()
}

// Done is closed when the input task has exited.
func (u *UART) Done() <-chan struct{} {
	return u.done
}

func (u *UART) transmitLocked(value uint8) {
	if _, err := u.out.Write([]byte{value}); err != nil {
		panic(fmt.Errorf("uart: transmit: %w", err))
	}
	if f, ok := u.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			panic(fmt.Errorf("uart: flush: %w", err))
		}
	}
	u.transmitted.Add(1)
}

func (u *UART) inputLoop() {
	defer close(u.done)
	var buf [1]byte

	for {
		n, err := u.in.Read(buf[:])
		if n > 0 {
			if !u.deliver(buf[0]) {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			debugf("uart: input stream closed")
			return
		case u.isClosed() || errors.Is(err, os.ErrClosed):
			return
		default:
			u.inputErrors.Add(1)
			log.Printf("uart: input: %v", err)
		}
	}
}

// deliver blocks while an unread byte sits in RHR, then latches b, raises
// the interrupt flag and sets LSR_RX. It returns false if the device was
// closed while waiting.
func (u *UART) deliver(b byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for u.regs[UART_LSR]&UART_LSR_RX != 0 && !u.closed {
		u.cond.Wait()
	}
	if u.closed {
		return false
	}
	u.regs[UART_RHR] = b
	u.interrupting.Store(true)
	u.regs[UART_LSR] |= UART_LSR_RX
	u.received.Add(1)
	return true
}

func (u *UART) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}
