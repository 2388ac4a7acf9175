// mmio_binder.go - Binds devices to physical address windows

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Device is a byte-addressed peripheral. Offsets are relative to the
// device's base address and always below its true length.
type Device interface {
	Load(offset uint32) uint8
	Store(offset uint32, value uint8)
}

// IOMapper is the registration contract of the engine's MMIO dispatch.
// end is inclusive; callbacks receive absolute addresses.
type IOMapper interface {
	MapIO(start, end uint32, onRead func(addr uint32, size int) uint32, onWrite func(addr uint32, size int, value uint32)) error
}

// Binding associates a device with its base address. Window is the size
// declared to the mapper; Length is how many bytes the device really has.
type Binding struct {
	Name   string
	Base   uint32
	Window uint32
	Length int
	Device Device
}

func (b Binding) contains(addr uint32) bool {
	return addr >= b.Base && uint64(addr-b.Base) < uint64(b.Window)
}

// MappingError describes a rejected Bind call.
type MappingError struct {
	Name   string
	Base   uint32
	Window uint32
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("bind %s at $%08X (+$%X): %s", e.Name, e.Base, e.Window, e.Reason)
}

// DeviceBinder rebases guest addresses onto device offsets. Bindings are
// fixed before Attach; dispatch itself takes no locks.
type DeviceBinder struct {
	bindings []Binding
	rejected atomic.Uint64
}

func NewDeviceBinder() *DeviceBinder {
	return &DeviceBinder{}
}

// Bind registers dev at base. window must cover length bytes.
func (bd *DeviceBinder) Bind(name string, base, window uint32, dev Device, length int) error {
	fail := func(reason string) error {
		return &MappingError{Name: name, Base: base, Window: window, Reason: reason}
	}
	switch {
	case dev == nil:
		return fail("nil device")
	case window == 0:
		return fail("empty window")
	case length <= 0:
		return fail("device has no addressable bytes")
	case uint64(length) > uint64(window):
		return fail(fmt.Sprintf("window smaller than device length %d", length))
	case uint64(base)+uint64(window) > 1<<32:
		return fail("window wraps the address space")
	}
	bd.bindings = append(bd.bindings, Binding{
		Name:   name,
		Base:   base,
		Window: window,
		Length: length,
		Device: dev,
	})
	return nil
}

// Attach registers every binding with m.
func (bd *DeviceBinder) Attach(m IOMapper) error {
	for i := range bd.bindings {
		b := bd.bindings[i]
		err := m.MapIO(b.Base, b.Base+b.Window-1,
			func(addr uint32, size int) uint32 {
				return bd.load(b, addr-b.Base, size)
			},
			func(addr uint32, size int, value uint32) {
				bd.store(b, addr-b.Base, size, value)
			})
		if err != nil {
			return fmt.Errorf("attach %s: %w", b.Name, err)
		}
		debugf("mmio: %-12s $%08X-$%08X (%d bytes addressable)", b.Name, b.Base, b.Base+b.Window-1, b.Length)
	}
	return nil
}

// Lookup finds the binding whose window contains addr.
func (bd *DeviceBinder) Lookup(addr uint32) (Binding, bool) {
	for _, b := range bd.bindings {
		if b.contains(addr) {
			return b, true
		}
	}
	return Binding{}, false
}

// Bindings returns a copy of the binding table.
func (bd *DeviceBinder) Bindings() []Binding {
	out := make([]Binding, len(bd.bindings))
	copy(out, bd.bindings)
	return out
}

// Rejected counts accesses that were not forwarded to a device.
func (bd *DeviceBinder) Rejected() uint64 {
	return bd.rejected.Load()
}

// Load dispatches an absolute-address load of size bytes.
func (bd *DeviceBinder) Load(addr uint32, size int) uint32 {
	b, ok := bd.Lookup(addr)
	if !ok {
		bd.reject("load", "unmapped", addr, size)
		return 0
	}
	return bd.load(b, addr-b.Base, size)
}

// Store dispatches an absolute-address store of size bytes.
func (bd *DeviceBinder) Store(addr uint32, size int, value uint32) {
	b, ok := bd.Lookup(addr)
	if !ok {
		bd.reject("store", "unmapped", addr, size)
		return
	}
	bd.store(b, addr-b.Base, size, value)
}

// Wider accesses are split into byte accesses, lowest address first, and
// assembled little-endian.
func (bd *DeviceBinder) load(b Binding, offset uint32, size int) uint32 {
	if !bd.accept(b, "load", offset, size) {
		return 0
	}
	var value uint32
	for i := 0; i < size; i++ {
		value |= uint32(b.Device.Load(offset+uint32(i))) << (8 * i)
	}
	return value
}

func (bd *DeviceBinder) store(b Binding, offset uint32, size int, value uint32) {
	if !bd.accept(b, "store", offset, size) {
		return
	}
	for i := 0; i < size; i++ {
		b.Device.Store(offset+uint32(i), uint8(value>>(8*i)))
	}
}

func (bd *DeviceBinder) accept(b Binding, op string, offset uint32, size int) bool {
	switch size {
	case 1, 2, 4:
	default:
		bd.reject(op, "unsupported width", b.Base+offset, size)
		return false
	}
	if uint64(offset)+uint64(size) > uint64(b.Length) {
		bd.reject(op, b.Name+" padding", b.Base+offset, size)
		return false
	}
	return true
}

func (bd *DeviceBinder) reject(op, why string, addr uint32, size int) {
	bd.rejected.Add(1)
	log.Printf("mmio: rejected %s%d at 0x%08X (%s)", op, size*8, addr, why)
}
