// lua_engine.go - Lua guest engine driving the machine bus

/*
Viisi virtual machine
License: GPLv3 or later
*/

/*
The guest program is a Lua chunk run as a coroutine. It reaches the machine
only through the bus table (loads and stores of 8/16/32 bits at physical
addresses) and the machine table:

	machine.yield()    end the current emulation slice; the host refreshes
	                   the display and resumes the guest on the next frame
	machine.irq()      lowest pending interrupt number, cleared on read, or nil
	machine.width()    framebuffer width in pixels
	machine.height()   framebuffer height in pixels

Lua 5.1 has no bitwise operators, so a bit table provides band, bor, bxor,
bnot, lshift and rshift on 32-bit unsigned values.

The physical address map is exported as globals (UART_BASE, UART_RHR,
UART_THR, UART_LSR, UART_LSR_RX, UART_LSR_TX, UART_IRQ, FRAMEBUFFER_BASE,
RAM_BASE).
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

type LuaEngine struct {
	bus    Bus32
	width  int
	height int

	L      *lua.LState
	fn     *lua.LFunction
	co     *lua.LState
	cancel context.CancelFunc
	done   bool

	pendingIRQ atomic.Uint64
	slices     uint64
}

// NewLuaEngine prepares a Lua state bound to bus. The framebuffer
// dimensions are only reported to the guest.
func NewLuaEngine(bus Bus32, width, height int) *LuaEngine {
	e := &LuaEngine{
		bus:    bus,
		width:  width,
		height: height,
		L:      lua.NewState(),
	}
	e.registerAPI()
	return e
}

// LoadFile compiles the guest program at path.
func (e *LuaEngine) LoadFile(path string) error {
	fn, err := e.L.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load guest %s: %w", path, err)
	}
	e.fn = fn
	return nil
}

// LoadString compiles src as the guest program.
func (e *LuaEngine) LoadString(name, src string) error {
	fn, err := e.L.Load(strings.NewReader(src), name)
	if err != nil {
		return fmt.Errorf("load guest %s: %w", name, err)
	}
	e.fn = fn
	return nil
}

// RunSlice resumes the guest until it yields or returns. done reports that
// the guest program has finished; later calls are no-ops.
func (e *LuaEngine) RunSlice(ctx context.Context) (done bool, err error) {
	if e.done {
		return true, nil
	}
	if e.fn == nil {
		return true, errors.New("no guest program loaded")
	}
	if e.co == nil {
		e.L.SetContext(ctx)
		e.co, e.cancel = e.L.NewThread()
	}

	e.slices++
	st, rerr, _ := e.L.Resume(e.co, e.fn)
	switch st {
	case lua.ResumeYield:
		return false, nil
	case lua.ResumeOK:
		e.done = true
		return true, nil
	default:
		e.done = true
		if cerr := ctx.Err(); cerr != nil {
			return true, cerr
		}
		return true, fmt.Errorf("guest: %w", rerr)
	}
}

// RaiseIRQ marks interrupt n pending for the guest.
func (e *LuaEngine) RaiseIRQ(n int) {
	if n < 0 || n > 63 {
		return
	}
	for {
		old := e.pendingIRQ.Load()
		if e.pendingIRQ.CompareAndSwap(old, old|1<<uint(n)) {
			return
		}
	}
}

// takeIRQ clears and returns the lowest pending interrupt.
func (e *LuaEngine) takeIRQ() (int, bool) {
	for {
		old := e.pendingIRQ.Load()
		if old == 0 {
			return 0, false
		}
		n := bits.TrailingZeros64(old)
		if e.pendingIRQ.CompareAndSwap(old, old&^(1<<uint(n))) {
			return n, true
		}
	}
}

// Slices is the number of RunSlice resumptions so far.
func (e *LuaEngine) Slices() uint64 {
	return e.slices
}

func (e *LuaEngine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.L.Close()
}

func (e *LuaEngine) registerAPI() {
	L := e.L

	busTable := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"read8":   e.luaRead8,
		"read16":  e.luaRead16,
		"read32":  e.luaRead32,
		"write8":  e.luaWrite8,
		"write16": e.luaWrite16,
		"write32": e.luaWrite32,
	})
	L.SetGlobal("bus", busTable)

	machineTable := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"yield":  e.luaYield,
		"irq":    e.luaIRQ,
		"width":  e.luaWidth,
		"height": e.luaHeight,
	})
	L.SetGlobal("machine", machineTable)

	bitTable := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"band":   luaBand,
		"bor":    luaBor,
		"bxor":   luaBxor,
		"bnot":   luaBnot,
		"lshift": luaLshift,
		"rshift": luaRshift,
	})
	L.SetGlobal("bit", bitTable)

	for name, value := range map[string]uint32{
		"UART_BASE":        UART_BASE,
		"UART_RHR":         UART_BASE + UART_RHR,
		"UART_THR":         UART_BASE + UART_THR,
		"UART_LCR":         UART_BASE + UART_LCR,
		"UART_LSR":         UART_BASE + UART_LSR,
		"UART_LSR_RX":      uint32(UART_LSR_RX),
		"UART_LSR_TX":      uint32(UART_LSR_TX),
		"UART_IRQ":         UART_IRQ,
		"FRAMEBUFFER_BASE": FRAMEBUFFER_BASE,
		"RAM_BASE":         RAM_BASE,
	} {
		L.SetGlobal(name, lua.LNumber(value))
	}
}

func (e *LuaEngine) luaRead8(L *lua.LState) int {
	L.Push(lua.LNumber(e.bus.Read8(checkU32(L, 1))))
	return 1
}

func (e *LuaEngine) luaRead16(L *lua.LState) int {
	L.Push(lua.LNumber(e.bus.Read16(checkU32(L, 1))))
	return 1
}

func (e *LuaEngine) luaRead32(L *lua.LState) int {
	L.Push(lua.LNumber(e.bus.Read32(checkU32(L, 1))))
	return 1
}

func (e *LuaEngine) luaWrite8(L *lua.LState) int {
	e.bus.Write8(checkU32(L, 1), uint8(L.CheckInt64(2)))
	return 0
}

func (e *LuaEngine) luaWrite16(L *lua.LState) int {
	e.bus.Write16(checkU32(L, 1), uint16(L.CheckInt64(2)))
	return 0
}

func (e *LuaEngine) luaWrite32(L *lua.LState) int {
	e.bus.Write32(checkU32(L, 1), uint32(L.CheckInt64(2)))
	return 0
}

func (e *LuaEngine) luaYield(L *lua.LState) int {
	return L.Yield()
}

func (e *LuaEngine) luaIRQ(L *lua.LState) int {
	n, ok := e.takeIRQ()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (e *LuaEngine) luaWidth(L *lua.LState) int {
	L.Push(lua.LNumber(e.width))
	return 1
}

func (e *LuaEngine) luaHeight(L *lua.LState) int {
	L.Push(lua.LNumber(e.height))
	return 1
}

func checkU32(L *lua.LState, n int) uint32 {
	return uint32(L.CheckInt64(n))
}

func pushU32(L *lua.LState, v uint32) int {
	L.Push(lua.LNumber(v))
	return 1
}

func luaBand(L *lua.LState) int {
	v := checkU32(L, 1)
	for i := 2; i <= L.GetTop(); i++ {
		v &= checkU32(L, i)
	}
	return pushU32(L, v)
}

func luaBor(L *lua.LState) int {
	v := checkU32(L, 1)
	for i := 2; i <= L.GetTop(); i++ {
		v |= checkU32(L, i)
	}
	return pushU32(L, v)
}

func luaBxor(L *lua.LState) int {
	v := checkU32(L, 1)
	for i := 2; i <= L.GetTop(); i++ {
		v ^= checkU32(L, i)
	}
	return pushU32(L, v)
}

func luaBnot(L *lua.LState) int {
	return pushU32(L, ^checkU32(L, 1))
}

func luaLshift(L *lua.LState) int {
	return pushU32(L, checkU32(L, 1)<<(checkU32(L, 2)&31))
}

func luaRshift(L *lua.LState) int {
	return pushU32(L, checkU32(L, 1)>>(checkU32(L, 2)&31))
}
