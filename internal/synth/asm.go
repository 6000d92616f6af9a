// Package synth assembles small x86-64 modules in memory. It backs the
// package tests: strings, functions, vtables and unmapped gaps can be laid
// out at fixed addresses and mapped into a memory.Snapshot.
package synth

import (
	"encoding/binary"
	"fmt"
)

// Register numbers in encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type fixup struct {
	at    int // offset of the rel32 field
	end   int // offset of the end of the instruction
	label string
}

// Asm emits code at a fixed base address.
type Asm struct {
	Base   uint64
	buf    []byte
	labels map[string]uint64
	fixups []fixup
}

// NewAsm returns an assembler whose first byte lives at base.
func NewAsm(base uint64) *Asm {
	return &Asm{Base: base, labels: make(map[string]uint64)}
}

// PC returns the address of the next emitted byte.
func (a *Asm) PC() uint64 { return a.Base + uint64(len(a.buf)) }

// Label binds name to the current PC and returns it.
func (a *Asm) Label(name string) uint64 {
	a.labels[name] = a.PC()
	return a.PC()
}

// Addr returns a bound label. It panics on unknown labels.
func (a *Asm) Addr(name string) uint64 {
	v, ok := a.labels[name]
	if !ok {
		panic(fmt.Sprintf("synth: unknown label %q", name))
	}
	return v
}

// Bytes resolves label references and returns the code.
func (a *Asm) Bytes() []byte {
	for _, f := range a.fixups {
		target := a.Addr(f.label)
		rel := int64(target) - int64(a.Base+uint64(f.end))
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(rel)))
	}
	a.fixups = nil
	return a.buf
}

// Raw emits literal bytes.
func (a *Asm) Raw(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

// Align pads with int3 up to a multiple of n.
func (a *Asm) Align(n uint64) *Asm {
	for a.PC()%n != 0 {
		a.buf = append(a.buf, 0xCC)
	}
	return a
}

func (a *Asm) rel32(target uint64) {
	end := a.PC() + 4
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(int64(target)-int64(end))))
	a.buf = append(a.buf, b[:]...)
}

func (a *Asm) rel32Label(label string, trailing int) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), end: len(a.buf) + 4 + trailing, label: label})
	a.buf = append(a.buf, 0, 0, 0, 0)
}

func rexW(reg, rm int) byte {
	b := byte(0x48)
	if reg >= 8 {
		b |= 4
	}
	if rm >= 8 {
		b |= 1
	}
	return b
}

func modrm(mod, reg, rm int) byte {
	return byte(mod<<6 | (reg&7)<<3 | rm&7)
}

// Nop emits a one-byte nop.
func (a *Asm) Nop() *Asm { return a.Raw(0x90) }

// Ret emits ret.
func (a *Asm) Ret() *Asm { return a.Raw(0xC3) }

// Int3 emits int3.
func (a *Asm) Int3() *Asm { return a.Raw(0xCC) }

// Call emits a direct call to an absolute target.
func (a *Asm) Call(target uint64) *Asm {
	a.Raw(0xE8)
	a.rel32(target)
	return a
}

// CallL emits a direct call to a label.
func (a *Asm) CallL(label string) *Asm {
	a.Raw(0xE8)
	a.rel32Label(label, 0)
	return a
}

// Jmp emits a direct near jump to an absolute target.
func (a *Asm) Jmp(target uint64) *Asm {
	a.Raw(0xE9)
	a.rel32(target)
	return a
}

// JmpL emits a direct near jump to a label.
func (a *Asm) JmpL(label string) *Asm {
	a.Raw(0xE9)
	a.rel32Label(label, 0)
	return a
}

// JzL emits je rel32 to a label.
func (a *Asm) JzL(label string) *Asm {
	a.Raw(0x0F, 0x84)
	a.rel32Label(label, 0)
	return a
}

// JnzL emits jne rel32 to a label.
func (a *Asm) JnzL(label string) *Asm {
	a.Raw(0x0F, 0x85)
	a.rel32Label(label, 0)
	return a
}

// CallRIP emits call qword ptr [rip+slot].
func (a *Asm) CallRIP(slot uint64) *Asm {
	a.Raw(0xFF, 0x15)
	a.rel32(slot)
	return a
}

// JmpRIP emits jmp qword ptr [rip+slot].
func (a *Asm) JmpRIP(slot uint64) *Asm {
	a.Raw(0xFF, 0x25)
	a.rel32(slot)
	return a
}

// LeaRIP emits lea reg, [rip+target].
func (a *Asm) LeaRIP(reg int, target uint64) *Asm {
	a.Raw(rexW(reg, 0), 0x8D, modrm(0, reg, 5))
	a.rel32(target)
	return a
}

// LeaRIPL emits lea reg, [rip+label].
func (a *Asm) LeaRIPL(reg int, label string) *Asm {
	a.Raw(rexW(reg, 0), 0x8D, modrm(0, reg, 5))
	a.rel32Label(label, 0)
	return a
}

// MovRIP emits mov reg, qword ptr [rip+slot].
func (a *Asm) MovRIP(reg int, slot uint64) *Asm {
	a.Raw(rexW(reg, 0), 0x8B, modrm(0, reg, 5))
	a.rel32(slot)
	return a
}

// MovToRIP emits mov qword ptr [rip+slot], reg.
func (a *Asm) MovToRIP(slot uint64, reg int) *Asm {
	a.Raw(rexW(reg, 0), 0x89, modrm(0, reg, 5))
	a.rel32(slot)
	return a
}

// MovRegReg emits mov dst, src (64-bit).
func (a *Asm) MovRegReg(dst, src int) *Asm {
	return a.Raw(rexW(src, dst), 0x89, modrm(3, src, dst))
}

// MovLoad emits mov dst, qword ptr [base+disp8]. base must not be rsp or r12.
func (a *Asm) MovLoad(dst, base int, disp int8) *Asm {
	return a.Raw(rexW(dst, base), 0x8B, modrm(1, dst, base), byte(disp))
}

// MovStore emits mov qword ptr [base+disp8], src. base must not be rsp or r12.
func (a *Asm) MovStore(base int, disp int8, src int) *Asm {
	return a.Raw(rexW(src, base), 0x89, modrm(1, src, base), byte(disp))
}

// MovImm32 emits mov r32, imm32 (zero-extending into the full register).
func (a *Asm) MovImm32(reg int, imm uint32) *Asm {
	if reg >= 8 {
		a.Raw(0x41)
	}
	a.Raw(byte(0xB8 + reg&7))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], imm)
	return a.Raw(b[:]...)
}

// MovImm64 emits movabs reg, imm64.
func (a *Asm) MovImm64(reg int, imm uint64) *Asm {
	a.Raw(rexW(0, reg), byte(0xB8+reg&7))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], imm)
	return a.Raw(b[:]...)
}

// MovMemImm32 emits mov dword ptr [base+disp8], imm32.
func (a *Asm) MovMemImm32(base int, disp int8, imm uint32) *Asm {
	if base >= 8 {
		a.Raw(0x41)
	}
	a.Raw(0xC7, modrm(1, 0, base), byte(disp))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], imm)
	return a.Raw(b[:]...)
}

// CallMem emits call qword ptr [base+disp8]. base must not be rsp or r12.
func (a *Asm) CallMem(base int, disp int8) *Asm {
	if base >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(0xFF, modrm(1, 2, base), byte(disp))
}

// CallReg emits call reg.
func (a *Asm) CallReg(reg int) *Asm {
	if reg >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(0xFF, modrm(3, 2, reg))
}

// XorReg emits xor r32, r32.
func (a *Asm) XorReg(reg int) *Asm {
	if reg >= 8 {
		a.Raw(0x45)
	}
	return a.Raw(0x31, modrm(3, reg, reg))
}

// TestReg emits test reg, reg (64-bit).
func (a *Asm) TestReg(reg int) *Asm {
	return a.Raw(rexW(reg, reg), 0x85, modrm(3, reg, reg))
}

// AddImm8 emits add reg, imm8 (64-bit).
func (a *Asm) AddImm8(reg int, imm int8) *Asm {
	return a.Raw(rexW(0, reg), 0x83, modrm(3, 0, reg), byte(imm))
}

// SubImm8 emits sub reg, imm8 (64-bit).
func (a *Asm) SubImm8(reg int, imm int8) *Asm {
	return a.Raw(rexW(0, reg), 0x83, modrm(3, 5, reg), byte(imm))
}

// Push emits push reg.
func (a *Asm) Push(reg int) *Asm {
	if reg >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(byte(0x50 + reg&7))
}

// Pop emits pop reg.
func (a *Asm) Pop(reg int) *Asm {
	if reg >= 8 {
		a.Raw(0x41)
	}
	return a.Raw(byte(0x58 + reg&7))
}

// Prologue emits the common "push rbx; sub rsp, 0x20" frame setup.
func (a *Asm) Prologue() *Asm {
	return a.Push(RBX).SubImm8(RSP, 0x20)
}

// Epilogue undoes Prologue and returns.
func (a *Asm) Epilogue() *Asm {
	return a.AddImm8(RSP, 0x20).Pop(RBX).Ret()
}
