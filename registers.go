// registers.go - Centralized physical address map for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

/*
This file provides a centralized reference for the guest-visible physical
address map. Device register layouts live next to the devices (uart.go,
framebuffer.go); the values below are what the binder and the machine bus
agree on.

MEMORY MAP OVERVIEW
===================

Address Range             Window   Device              File
---------------------------------------------------------------------------
0x10000000-0x10000FFF     4KB      Serial console      uart.go (256B of registers)
0x10001000-...            w*h*4    Framebuffer         framebuffer.go (window rounded to 4KB)
0x80000000-...            128MB    Main RAM            machine_bus.go (default size)

The host mapping mechanism works on PAGE_SIZE pages, so every declared
window is rounded up to a page multiple. The rounding only affects the
declared window; each device keeps its own true addressable length and the
binder rejects accesses that land in the padding.
*/

package main

const (
	PAGE_SIZE = 0x1000
	PAGE_MASK = ^uint32(PAGE_SIZE - 1)
)

const (
	RAM_BASE         = 0x80000000
	DEFAULT_RAM_SIZE = 128 * 1024 * 1024
)

// ------------------------------------------------------------------------------
// Serial console (16550-style UART)
// ------------------------------------------------------------------------------
const (
	UART_BASE = 0x10000000
	UART_SIZE = 0x100
	UART_IRQ  = 10

	// Register offsets from UART_BASE. RHR and THR alias the same offset:
	// loads see the receive side, stores the transmit side.
	UART_RHR = 0
	UART_THR = 0
	UART_LCR = 3
	UART_LSR = 5
)

// Line status register bits.
const (
	UART_LSR_RX uint8 = 1 << 0 // receive data ready
	UART_LSR_TX uint8 = 1 << 5 // transmit holding register empty
)

// ------------------------------------------------------------------------------
// Framebuffer
// ------------------------------------------------------------------------------
const (
	FRAMEBUFFER_BASE   = 0x10001000
	FB_BYTES_PER_PIXEL = 4

	DEFAULT_FB_WIDTH  = 800
	DEFAULT_FB_HEIGHT = 600
)

// AlignWindow rounds size up to the next multiple of granularity.
// A zero size yields a zero window.
func AlignWindow(size, granularity uint32) uint32 {
	if granularity == 0 {
		return size
	}
	rem := size % granularity
	if rem == 0 {
		return size
	}
	return size + granularity - rem
}
