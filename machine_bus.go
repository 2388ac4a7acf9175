// machine_bus.go - Machine bus for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

/*
machine_bus.go - Machine Bus for the Viisi machine

This module implements the memory bus the guest engine issues its loads and
stores through. It owns guest RAM and a table of memory-mapped I/O regions,
and it is the registration point device binders attach to.

Core Features:

    Guest RAM allocated as one contiguous block at a fixed physical base.
    Memory-mapped I/O via a page-keyed region table (PAGE_SIZE granularity).
    Little-endian 8/16/32-bit accesses.
    I/O callbacks receive the access size so binders can split or reject
    wide accesses.
    Mappings are sealed once execution starts.

Technical Details:

    Regions are registered with an inclusive start and end address. Every
    page the region touches gets an entry in the mapping table, so a lookup
    is one map access plus a short scan.
    An access that hits an I/O region is handed to that region in full, even
    if it crosses into the next page; the region decides what to do with it.
    Accesses that miss both RAM and I/O read as zero, drop writes, and are
    counted as faults.

The mapping table is immutable after SealMappings, which is what makes the
unlocked lookups on the hot path safe.
*/

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
)

var ErrBusSealed = errors.New("bus mappings are sealed")

type Bus32 interface {
	/*
		Bus32 is the guest-side view of the bus: little-endian loads and
		stores of 8, 16 and 32 bits. Engines depend on this interface only.
	*/

	Read8(addr uint32) uint8
	Write8(addr uint32, value uint8)
	Read16(addr uint32) uint16
	Write16(addr uint32, value uint16)
	Read32(addr uint32) uint32
	Write32(addr uint32, value uint32)
}

type MachineBus struct {
	/*
		MachineBus implements Bus32 and IOMapper.

		It maintains a contiguous block of guest RAM starting at ramBase
		and a page-keyed table of memory-mapped I/O regions.
	*/

	memory  []byte
	ramBase uint32
	mapping map[uint32][]IORegion

	sealed atomic.Bool
	faults atomic.Uint64
}

type IORegion struct {
	/*
		IORegion is one registered memory-mapped range. The callbacks get
		the absolute address and the access size in bytes.
	*/
	start   uint32
	end     uint32
	onRead  func(addr uint32, size int) uint32
	onWrite func(addr uint32, size int, value uint32)
}

// NewMachineBus allocates ramSize bytes of zeroed RAM at ramBase.
func NewMachineBus(ramBase uint32, ramSize int) *MachineBus {
	return &MachineBus{
		memory:  make([]byte, ramSize),
		ramBase: ramBase,
		mapping: make(map[uint32][]IORegion),
	}
}

// SealMappings forbids further MapIO calls.
func (bus *MachineBus) SealMappings() {
	bus.sealed.CompareAndSwap(false, true)
}

// MapIO registers the inclusive range [start, end].
func (bus *MachineBus) MapIO(start, end uint32, onRead func(addr uint32, size int) uint32, onWrite func(addr uint32, size int, value uint32)) error {
	if bus.sealed.Load() {
		return fmt.Errorf("map $%08X-$%08X: %w", start, end, ErrBusSealed)
	}
	if end < start {
		return fmt.Errorf("map $%08X-$%08X: end before start", start, end)
	}
	region := IORegion{
		start:   start,
		end:     end,
		onRead:  onRead,
		onWrite: onWrite,
	}

	firstPage := start & PAGE_MASK
	lastPage := end & PAGE_MASK
	for page := firstPage; ; page += PAGE_SIZE {
		bus.mapping[page] = append(bus.mapping[page], region)
		if page == lastPage {
			break
		}
	}
	return nil
}

// LoadImage copies data into RAM at the absolute address addr.
func (bus *MachineBus) LoadImage(addr uint32, data []byte) error {
	off, ok := bus.ramOffset(addr, len(data))
	if !ok {
		return fmt.Errorf("image of %d bytes at $%08X does not fit in RAM", len(data), addr)
	}
	copy(bus.memory[off:], data)
	return nil
}

// GetMemory returns the RAM slice itself, not a copy.
func (bus *MachineBus) GetMemory() []byte {
	return bus.memory
}

// Faults is the number of accesses that hit neither RAM nor I/O.
func (bus *MachineBus) Faults() uint64 {
	return bus.faults.Load()
}

// Reset clears RAM. Mappings are kept.
func (bus *MachineBus) Reset() {
	for i := range bus.memory {
		bus.memory[i] = 0
	}
}

func (bus *MachineBus) findIORegion(addr uint32) *IORegion {
	if regions, exists := bus.mapping[addr&PAGE_MASK]; exists {
		for i := range regions {
			if addr >= regions[i].start && addr <= regions[i].end {
				return &regions[i]
			}
		}
	}
	return nil
}

func (bus *MachineBus) ramOffset(addr uint32, size int) (uint32, bool) {
	if addr < bus.ramBase {
		return 0, false
	}
	off := uint64(addr - bus.ramBase)
	if off+uint64(size) > uint64(len(bus.memory)) {
		return 0, false
	}
	return uint32(off), true
}

func (bus *MachineBus) read(addr uint32, size int) (uint32, bool) {
	if region := bus.findIORegion(addr); region != nil {
		if region.onRead == nil {
			return 0, true
		}
		return region.onRead(addr, size), true
	}
	off, ok := bus.ramOffset(addr, size)
	if !ok {
		bus.fault("read", addr, size)
		return 0, false
	}
	switch size {
	case 1:
		return uint32(bus.memory[off]), true
	case 2:
		return uint32(binary.LittleEndian.Uint16(bus.memory[off : off+2])), true
	default:
		return binary.LittleEndian.Uint32(bus.memory[off : off+4]), true
	}
}

func (bus *MachineBus) write(addr uint32, size int, value uint32) bool {
	if region := bus.findIORegion(addr); region != nil {
		if region.onWrite != nil {
			region.onWrite(addr, size, value)
		}
		return true
	}
	off, ok := bus.ramOffset(addr, size)
	if !ok {
		bus.fault("write", addr, size)
		return false
	}
	switch size {
	case 1:
		bus.memory[off] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(bus.memory[off:off+2], uint16(value))
	default:
		binary.LittleEndian.PutUint32(bus.memory[off:off+4], value)
	}
	return true
}

func (bus *MachineBus) fault(op string, addr uint32, size int) {
	bus.faults.Add(1)
	log.Printf("bus: %s%d from unmapped address 0x%08X", op, size*8, addr)
}

func (bus *MachineBus) Read8(addr uint32) uint8 {
	v, _ := bus.read(addr, 1)
	return uint8(v)
}

func (bus *MachineBus) Write8(addr uint32, value uint8) {
	bus.write(addr, 1, uint32(value))
}

func (bus *MachineBus) Read16(addr uint32) uint16 {
	v, _ := bus.read(addr, 2)
	return uint16(v)
}

func (bus *MachineBus) Write16(addr uint32, value uint16) {
	bus.write(addr, 2, uint32(value))
}

func (bus *MachineBus) Read32(addr uint32) uint32 {
	v, _ := bus.read(addr, 4)
	return v
}

func (bus *MachineBus) Write32(addr uint32, value uint32) {
	bus.write(addr, 4, value)
}

// Read32WithFault is Read32 that also reports whether the address was mapped.
func (bus *MachineBus) Read32WithFault(addr uint32) (uint32, bool) {
	return bus.read(addr, 4)
}

// Write32WithFault is Write32 that also reports whether the address was mapped.
func (bus *MachineBus) Write32WithFault(addr uint32, value uint32) bool {
	return bus.write(addr, 4, value)
}
