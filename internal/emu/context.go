// Package emu runs short stretches of module code in a sandbox so resolvers
// can observe data flow: which argument register a routine dereferences,
// which vtable slot it calls through. Execution never touches real process
// state; module memory is read-only and writes land only in caller-owned
// scratch buffers or the private stack.
package emu

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Synthetic address layout.
const (
	ScratchBase    = 0x0000_0100_0000_0000
	scratchAlign   = 0x1_0000
	StackSize      = 0x1_0000
	ReturnSentinel = 0x0000_00ff_ffff_f000
)

// Buffer is a scratch region at a synthetic address.
type Buffer struct {
	Base uint64
	Data []byte
}

// End returns the first address past the buffer.
func (b *Buffer) End() uint64 { return b.Base + uint64(len(b.Data)) }

// Contains reports whether [addr, addr+n) is inside the buffer.
func (b *Buffer) Contains(addr, n uint64) bool {
	return addr >= b.Base && addr+n <= b.End() && addr+n >= addr
}

// PutU64 stores v at byte offset off.
func (b *Buffer) PutU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(b.Data[off:], v)
}

// U64 loads the quadword at byte offset off.
func (b *Buffer) U64(off int) uint64 {
	return binary.LittleEndian.Uint64(b.Data[off:])
}

// Flags holds the arithmetic flags the interpreter tracks.
type Flags struct {
	ZF, SF, CF, OF, PF bool
}

// Context is the synthetic register file and memory of one emulation.
type Context struct {
	Regs  [16]uint64 // RAX..R15 in encoding order
	RIP   uint64
	Flags Flags

	buffers []*Buffer
	stack   *Buffer
	next    uint64
}

// NewContext returns a context with a private stack whose top holds
// ReturnSentinel, so a return from the emulated routine ends the run.
func NewContext() *Context {
	c := &Context{next: ScratchBase}
	c.stack = c.Alloc(StackSize)
	rsp := c.stack.End() - 0x100
	c.stack.PutU64(int(rsp-c.stack.Base), ReturnSentinel)
	c.Regs[regRSP] = rsp
	return c
}

// Alloc maps a zeroed scratch buffer of size bytes.
func (c *Context) Alloc(size int) *Buffer {
	b := &Buffer{Base: c.next, Data: make([]byte, size)}
	c.next += (uint64(size) + scratchAlign - 1) &^ (scratchAlign - 1)
	c.buffers = append(c.buffers, b)
	return b
}

// Buffers returns the scratch buffers, the stack first.
func (c *Context) Buffers() []*Buffer { return c.buffers }

// Stack returns the private stack.
func (c *Context) Stack() *Buffer { return c.stack }

func (c *Context) buffer(addr, n uint64) *Buffer {
	for _, b := range c.buffers {
		if b.Contains(addr, n) {
			return b
		}
	}
	return nil
}

// IsScratch reports whether addr lies in a scratch buffer or the stack.
func (c *Context) IsScratch(addr uint64) bool {
	return c.buffer(addr, 1) != nil
}

const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRSP = 4
	regR8  = 8
	regR9  = 9
	regR10 = 10
	regR11 = 11
)

// regInfo maps an x86asm register to its 64-bit slot, width in bytes and
// whether it names bits 8-15 (AH, CH, DH, BH).
func regInfo(r x86asm.Reg) (idx, width int, high, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		if i >= 4 && i < 8 {
			return i - 4, 1, true, true
		}
		if i < 4 {
			return i, 1, false, true
		}
		return i - 4, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}

func mask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(width)*8) - 1
}

// Reg returns the value of r, truncated to its width.
func (c *Context) Reg(r x86asm.Reg) uint64 {
	if r == x86asm.RIP {
		return c.RIP
	}
	idx, width, high, ok := regInfo(r)
	if !ok {
		return 0
	}
	v := c.Regs[idx]
	if high {
		return v >> 8 & 0xFF
	}
	return v & mask(width)
}

// SetReg writes r with x86-64 partial register rules: 32-bit writes zero
// the upper half, 8- and 16-bit writes merge.
func (c *Context) SetReg(r x86asm.Reg, v uint64) {
	idx, width, high, ok := regInfo(r)
	if !ok {
		return
	}
	switch {
	case high:
		c.Regs[idx] = c.Regs[idx]&^0xFF00 | (v&0xFF)<<8
	case width == 4:
		c.Regs[idx] = v & 0xFFFFFFFF
	case width == 8:
		c.Regs[idx] = v
	default:
		m := mask(width)
		c.Regs[idx] = c.Regs[idx]&^m | v&m
	}
}

// Arg returns integer argument n (0-based) of the Windows x64 convention.
func (c *Context) Arg(n int) uint64 {
	switch n {
	case 0:
		return c.Regs[regRCX]
	case 1:
		return c.Regs[regRDX]
	case 2:
		return c.Regs[regR8]
	case 3:
		return c.Regs[regR9]
	}
	return 0
}

// SetArg sets integer argument n of the Windows x64 convention.
func (c *Context) SetArg(n int, v uint64) {
	switch n {
	case 0:
		c.Regs[regRCX] = v
	case 1:
		c.Regs[regRDX] = v
	case 2:
		c.Regs[regR8] = v
	case 3:
		c.Regs[regR9] = v
	}
}

// clobberVolatile models a skipped call: the return value is zero and the
// other volatile registers hold nothing useful.
func (c *Context) clobberVolatile() {
	for _, r := range []int{regRAX, regRCX, regRDX, regR8, regR9, regR10, regR11} {
		c.Regs[r] = 0
	}
}

func (c *Context) String() string {
	return fmt.Sprintf("rip=0x%x rax=0x%x rcx=0x%x rdx=0x%x rsp=0x%x",
		c.RIP, c.Regs[regRAX], c.Regs[regRCX], c.Regs[regRDX], c.Regs[regRSP])
}
