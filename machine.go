// machine.go - Machine assembly and host run loop

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MachineConfig describes the machine to build. Zero values pick the
// defaults from registers.go.
type MachineConfig struct {
	RAMSize   int
	Width     int
	Height    int
	Input     io.Reader // Serial console input; nil for none
	Output    io.Writer // Serial console output; nil discards
	MaxFrames uint64    // Stop after this many display frames; 0 runs until closed
}

// Machine owns the bus, the peripherals and the guest engine.
type Machine struct {
	Bus         *MachineBus
	UART        *UART
	Framebuffer *Framebuffer
	Binder      *DeviceBinder
	Engine      *LuaEngine

	maxFrames  uint64
	frames     atomic.Uint64
	guestDone  atomic.Bool
	interrupts atomic.Uint64
}

// NewMachine wires the UART and framebuffer into the physical address map
// and seals it.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.RAMSize <= 0 {
		cfg.RAMSize = DEFAULT_RAM_SIZE
	}
	if cfg.Width <= 0 {
		cfg.Width = DEFAULT_FB_WIDTH
	}
	if cfg.Height <= 0 {
		cfg.Height = DEFAULT_FB_HEIGHT
	}

	fbBytes := uint64(cfg.Width) * uint64(cfg.Height) * FB_BYTES_PER_PIXEL
	if fbBytes > uint64(RAM_BASE-FRAMEBUFFER_BASE) {
		return nil, fmt.Errorf("framebuffer %dx%d does not fit below RAM", cfg.Width, cfg.Height)
	}

	m := &Machine{
		Bus:         NewMachineBus(RAM_BASE, cfg.RAMSize),
		Framebuffer: NewFramebuffer(cfg.Width, cfg.Height),
		Binder:      NewDeviceBinder(),
		maxFrames:   cfg.MaxFrames,
	}
	m.UART = NewUART(cfg.Input, cfg.Output)

	if err := m.Binder.Bind("uart", UART_BASE, PAGE_SIZE, m.UART, UART_SIZE); err != nil {
		m.UART.Close()
		return nil, err
	}
	fbWindow := AlignWindow(uint32(fbBytes), PAGE_SIZE)
	if err := m.Binder.Bind("framebuffer", FRAMEBUFFER_BASE, fbWindow, m.Framebuffer, m.Framebuffer.Len()); err != nil {
		m.UART.Close()
		return nil, err
	}
	if err := m.Binder.Attach(m.Bus); err != nil {
		m.UART.Close()
		return nil, err
	}
	m.Bus.SealMappings()

	m.Engine = NewLuaEngine(m.Bus, cfg.Width, cfg.Height)
	return m, nil
}

// Run drives the guest one slice per display frame until the display
// closes, ctx is cancelled, the frame limit is reached, or the guest fails.
// A guest that returns normally leaves the display up.
func (m *Machine) Run(ctx context.Context, video VideoOutput) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return m.loop(ctx, video)
	})
	// A closed display cancels ctx, which also interrupts a guest that is
	// busy inside a slice.
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-video.Done():
			debugf("machine: display closed")
			cancel()
		}
		return video.Stop()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Machine) loop(ctx context.Context, video VideoOutput) error {
	for {
		if !m.guestDone.Load() {
			done, err := m.Engine.RunSlice(ctx)
			if err != nil {
				return err
			}
			if done {
				m.guestDone.Store(true)
				debugf("machine: guest finished after %d slices", m.Engine.Slices())
			}
		}

		if m.UART.IsInterrupting() {
			m.interrupts.Add(1)
			m.Engine.RaiseIRQ(UART_IRQ)
		}

		if err := video.WaitForVSync(); err != nil {
			if errors.Is(err, ErrDisplayClosed) {
				return nil
			}
			return err
		}

		n := m.frames.Add(1)
		if m.maxFrames > 0 && n >= m.maxFrames {
			debugf("machine: frame limit %d reached", m.maxFrames)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Frames is the number of display frames the machine has paced itself on.
func (m *Machine) Frames() uint64 {
	return m.frames.Load()
}

// GuestDone reports whether the guest program has returned.
func (m *Machine) GuestDone() bool {
	return m.guestDone.Load()
}

// Status is a one-line summary for the display's status overlay.
func (m *Machine) Status() string {
	st := m.UART.Stats()
	state := "running"
	if m.guestDone.Load() {
		state = "halted"
	}
	return fmt.Sprintf("guest %s  frame %d  rx %d tx %d irq %d  faults %d rejected %d",
		state, m.frames.Load(), st.Received, st.Transmitted, m.interrupts.Load(),
		m.Bus.Faults(), m.Binder.Rejected())
}

// Close stops the serial input task and releases the guest engine.
func (m *Machine) Close() {
	m.UART.Close()
	m.Engine.Close()
	if st := m.UART.Stats(); st.InputErrors > 0 {
		log.Printf("uart: %d input errors", st.InputErrors)
	}
}
