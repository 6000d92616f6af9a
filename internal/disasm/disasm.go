// Package disasm defines the instruction representation shared by the
// walker, the reference resolver and the emulator, and an x86-64 decoder
// that reads through a memory probe.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest legal x86 instruction.
const MaxInstLen = 15

// Inst is a decoded instruction at a known address.
type Inst struct {
	Addr     uint64
	Len      int
	Mnemonic string // upper case, e.g. "CALL"
	Raw      x86asm.Inst
	Bytes    []byte
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Decoder decodes one instruction at an address.
type Decoder interface {
	Decode(addr uint64) (Inst, bool)
}

// Next returns the address of the following instruction.
func (i Inst) Next() uint64 { return i.Addr + uint64(i.Len) }

// Op returns the x86asm opcode.
func (i Inst) Op() x86asm.Op { return i.Raw.Op }

// Args returns the non-nil operands.
func (i Inst) Args() []x86asm.Arg {
	var out []x86asm.Arg
	for _, a := range i.Raw.Args {
		if a == nil {
			break
		}
		out = append(out, a)
	}
	return out
}

// IsCall reports a CALL of any form.
func (i Inst) IsCall() bool { return i.Raw.Op == x86asm.CALL || i.Raw.Op == x86asm.LCALL }

// IsJump reports an unconditional JMP.
func (i Inst) IsJump() bool { return i.Raw.Op == x86asm.JMP || i.Raw.Op == x86asm.LJMP }

// IsCondJump reports a conditional branch.
func (i Inst) IsCondJump() bool {
	switch i.Raw.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// IsRet reports an instruction that ends a path: returns, breakpoints
// (function padding) and UD2.
func (i Inst) IsRet() bool {
	switch i.Raw.Op {
	case x86asm.RET, x86asm.LRET, x86asm.UD2, x86asm.HLT, x86asm.IRET, x86asm.IRETQ:
		return true
	case x86asm.INT:
		if imm, ok := i.Raw.Args[0].(x86asm.Imm); ok && imm == 3 {
			return true
		}
	}
	return len(i.Bytes) > 0 && i.Bytes[0] == 0xCC
}

// IsBranch reports any control transfer.
func (i Inst) IsBranch() bool {
	return i.IsCall() || i.IsJump() || i.IsCondJump() || i.IsRet()
}

// IsIndirect reports a CALL or JMP through a register or memory operand.
func (i Inst) IsIndirect() bool {
	if !i.IsCall() && !i.IsJump() {
		return false
	}
	switch i.Raw.Args[0].(type) {
	case x86asm.Mem, x86asm.Reg:
		return true
	}
	return false
}

// MemArg returns the first memory operand and its position.
func (i Inst) MemArg() (x86asm.Mem, int, bool) {
	for n, a := range i.Raw.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok {
			return m, n, true
		}
	}
	return x86asm.Mem{}, -1, false
}

// IsRIPRelative reports whether any operand is addressed relative to RIP.
func (i Inst) IsRIPRelative() bool {
	m, _, ok := i.MemArg()
	return ok && m.Base == x86asm.RIP
}

// BranchTarget returns the destination of a direct CALL, JMP or Jcc.
func (i Inst) BranchTarget() (uint64, bool) {
	if !i.IsCall() && !i.IsJump() && !i.IsCondJump() {
		return 0, false
	}
	rel, ok := i.Raw.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(i.Next()) + int64(rel)), true
}

// readOnlyFirstOperand lists opcodes whose memory destination is only read.
var readOnlyFirstOperand = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true, x86asm.CALL: true, x86asm.JMP: true,
	x86asm.PUSH: true, x86asm.BT: true, x86asm.PREFETCHT0: true,
	x86asm.PREFETCHT1: true, x86asm.PREFETCHT2: true, x86asm.PREFETCHNTA: true,
	x86asm.UCOMISS: true, x86asm.UCOMISD: true, x86asm.COMISS: true, x86asm.COMISD: true,
	x86asm.LCALL: true, x86asm.LJMP: true, x86asm.NOP: true,
}

// WritesMemory reports whether the instruction stores to its memory
// destination operand.
func (i Inst) WritesMemory() bool {
	if _, ok := i.Raw.Args[0].(x86asm.Mem); !ok {
		return false
	}
	return !readOnlyFirstOperand[i.Raw.Op]
}

// String renders the instruction in Intel syntax with absolute branch targets.
func (i Inst) String() string {
	return strings.ToLower(x86asm.IntelSyntax(i.Raw, i.Addr, nil))
}

// Format renders "address  bytes  text" for listings.
func (i Inst) Format() string {
	return fmt.Sprintf("%x  %-30s %s", i.Addr, fmt.Sprintf("% x", i.Bytes), i.String())
}

// Is reports whether the mnemonic starts with prefix, case-insensitively.
// "CALL" matches CALL and LCALL does not.
func (i Inst) Is(prefix string) bool {
	return strings.HasPrefix(i.Mnemonic, strings.ToUpper(prefix))
}
