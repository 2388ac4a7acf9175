package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeVideo delivers a vsync on every WaitForVSync until closed.
type fakeVideo struct {
	mu      sync.Mutex
	source  FrameSource
	frames  uint64
	closeAt uint64 // close after this many frames; 0 never
	done    chan struct{}
	once    sync.Once
	last    []uint32
}

func newFakeVideo(closeAt uint64) *fakeVideo {
	return &fakeVideo{closeAt: closeAt, done: make(chan struct{})}
}

func (f *fakeVideo) Start() error { return nil }
func (f *fakeVideo) Stop() error { f.once.Do(func() { close(f.done) }); return nil }
func (f *fakeVideo) Close() error { return f.Stop() }
func (f *fakeVideo) IsStarted() bool { return true }
func (f *fakeVideo) Done() <-chan struct{} { return f.done }
func (f *fakeVideo) SetDisplayConfig(DisplayConfig) error { return nil }
func (f *fakeVideo) GetDisplayConfig() DisplayConfig { return DisplayConfig{} }
func (f *fakeVideo) SetFrameSource(src FrameSource) { f.source = src }
func (f *fakeVideo) SetKeyHandler(func(byte)) {}
func (f *fakeVideo) SetStatusProvider(func() string) {}
func (f *fakeVideo) GetRefreshRate() int { return 60 }

func (f *fakeVideo) GetFrameCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeVideo) WaitForVSync() error {
	select {
	case <-f.done:
		return ErrDisplayClosed
	default:
	}
	f.mu.Lock()
	if f.source != nil {
		f.last = f.source.PackFrame(f.last)
	}
	f.frames++
	n := f.frames
	f.mu.Unlock()
	if f.closeAt > 0 && n >= f.closeAt {
		f.Stop()
	}
	return nil
}

func runMachine(t *testing.T, m *Machine, video VideoOutput) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx, video) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(6 * time.Second):
		t.Fatal("machine did not stop")
	}
	return nil
}

func TestMachine_AddressMap(t *testing.T) {
	m, err := NewMachine(MachineConfig{RAMSize: 0x10000, Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()

	bindings := m.Binder.Bindings()
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	uart, fb := bindings[0], bindings[1]
	if uart.Base != UART_BASE || uart.Window != PAGE_SIZE || uart.Length != UART_SIZE {
		t.Fatalf("unexpected uart binding %+v", uart)
	}
	if fb.Base != FRAMEBUFFER_BASE || fb.Window != 0x1D5000 || fb.Length != 800*600*4 {
		t.Fatalf("unexpected framebuffer binding %+v", fb)
	}
	if err := m.Bus.MapIO(0x3000, 0x3FFF, nil, nil); err == nil {
		t.Fatal("expected bus to be sealed after NewMachine")
	}
	if got := m.Bus.Read8(UART_BASE + UART_LSR); got != UART_LSR_TX {
		t.Fatalf("expected LSR 0x%02X through bus, got 0x%02X", UART_LSR_TX, got)
	}
}

func TestMachine_RejectsOversizedFramebuffer(t *testing.T) {
	if _, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 40000, Height: 40000}); err == nil {
		t.Fatal("expected framebuffer overlapping RAM to be rejected")
	}
}

func TestMachine_GuestDrawsAndPrints(t *testing.T) {
	var out bytes.Buffer
	m, err := NewMachine(MachineConfig{RAMSize: 0x10000, Width: 4, Height: 2, Output: &out})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()

	err = m.Engine.LoadString("guest", `
		for _, c in ipairs({72, 105}) do
			while bit.band(bus.read8(UART_LSR), UART_LSR_TX) == 0 do machine.yield() end
			bus.write8(UART_THR, c)
		end
		bus.write32(FRAMEBUFFER_BASE, 0xFF0000FF)
		machine.yield()
	`)
	if err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	video := newFakeVideo(5)
	video.SetFrameSource(m.Framebuffer)
	if err := runMachine(t, m, video); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if out.String() != "Hi" {
		t.Fatalf("expected %q on the console, got %q", "Hi", out.String())
	}
	if video.last[0] != 0xFF0000FF {
		t.Fatalf("expected first pixel 0xFF0000FF, got 0x%08X", video.last[0])
	}
	if !m.GuestDone() {
		t.Fatal("expected guest to have finished")
	}
	if m.Frames() < 2 {
		t.Fatalf("expected the display to keep running after the guest, got %d frames", m.Frames())
	}
}

func TestMachine_UARTInterruptReachesGuest(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	m, err := NewMachine(MachineConfig{RAMSize: 0x10000, Width: 1, Height: 1, Input: pr, Output: &out})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()

	// Echo one received byte in upper case, then stop.
	err = m.Engine.LoadString("echo", `
		while true do
			local n = machine.irq()
			if n == UART_IRQ and bit.band(bus.read8(UART_LSR), UART_LSR_RX) ~= 0 then
				bus.write8(UART_THR, string.byte(string.upper(string.char(bus.read8(UART_RHR)))))
				return
			end
			machine.yield()
		end
	`)
	if err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	go pw.Write([]byte{'q'})
	video := newFakeVideo(0)
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background(), video) }()

	waitFor(t, "guest echo", func() bool { return m.GuestDone() })
	video.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop after display closed")
	}
	if out.String() != "Q" {
		t.Fatalf("expected %q, got %q", "Q", out.String())
	}
	if !strings.Contains(m.Status(), "irq 1") {
		t.Fatalf("expected one interrupt in status, got %q", m.Status())
	}
}

func TestMachine_FrameLimit(t *testing.T) {
	m, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 1, Height: 1, MaxFrames: 7})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()
	if err := m.Engine.LoadString("spin", `while true do machine.yield() end`); err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	video := newFakeVideo(0)
	if err := runMachine(t, m, video); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if m.Frames() != 7 {
		t.Fatalf("expected 7 frames, got %d", m.Frames())
	}
	select {
	case <-video.Done():
	default:
		t.Fatal("expected display stopped when the machine stops")
	}
}

func TestMachine_GuestErrorStopsRun(t *testing.T) {
	m, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()
	if err := m.Engine.LoadString("bad", `machine.yield(); error("guest fault")`); err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	err = runMachine(t, m, newFakeVideo(0))
	if err == nil || !strings.Contains(err.Error(), "guest fault") {
		t.Fatalf("expected guest error, got %v", err)
	}
}

func TestMachine_ContextCancelStopsRun(t *testing.T) {
	m, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()
	if err := m.Engine.LoadString("spin", `while true do machine.yield() end`); err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	video := newFakeVideo(0)
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx, video) }()
	waitFor(t, "a few frames", func() bool { return m.Frames() > 3 })
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean stop on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop after cancel")
	}
}

func TestMachine_DisplayCloseStopsBusyGuest(t *testing.T) {
	m, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()
	if err := m.Engine.LoadString("busy", `while true do end`); err != nil {
		t.Fatalf("LoadString returned error: %v", err)
	}

	video := newFakeVideo(0)
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background(), video) }()
	time.Sleep(100 * time.Millisecond)
	video.Stop()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean stop on display close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine still running after display closed")
	}
	if m.Frames() != 0 {
		t.Fatalf("expected busy guest to never reach a vsync, got %d frames", m.Frames())
	}
}

func TestMachine_ConsoleGuestEchoes(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	m, err := NewMachine(MachineConfig{RAMSize: 0x1000, Width: 16, Height: 16, Input: pr, Output: &out})
	if err != nil {
		t.Fatalf("NewMachine returned error: %v", err)
	}
	defer m.Close()
	if err := m.Engine.LoadFile("guest/console.lua"); err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	video := newFakeVideo(0)
	video.SetFrameSource(m.Framebuffer)
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background(), video) }()

	go pw.Write([]byte("ok\r"))
	const want = "Viisi console ready\r\n> ok\r\n> "
	waitFor(t, "echo", func() bool { return m.UART.Stats().Transmitted >= uint64(len(want)) })
	video.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
	if m.Bus.Faults() != 0 || m.Binder.Rejected() != 0 {
		t.Fatalf("expected clean bus, faults=%d rejected=%d", m.Bus.Faults(), m.Binder.Rejected())
	}
}
