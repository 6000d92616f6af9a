package analysis

import (
	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/disasm"
	"binfacts/internal/memory"
)

// PrologueType classifies how a function sets up its frame.
type PrologueType string

// Recognized function prologue patterns.
const (
	PrologueClassic        PrologueType = "classic"          // push rbp; mov rbp, rsp
	PrologueNoFramePointer PrologueType = "no-frame-pointer" // sub rsp, imm
	ProloguePushOnly       PrologueType = "push-only"        // push of callee-saved registers
	PrologueSpill          PrologueType = "spill"            // mov [rsp+8], reg
	PrologueLEABased       PrologueType = "lea-based"        // lea rbp, [rsp-imm]
	PrologueNone           PrologueType = ""
)

// ClassifyPrologue inspects the first instructions at addr.
func (a *Analyzer) ClassifyPrologue(addr uint64) PrologueType {
	code := a.walker.Linear(addr, 2)
	if len(code) == 0 {
		return PrologueNone
	}
	first := code[0]
	args := first.Args()
	switch first.Op() {
	case x86asm.PUSH:
		if r, ok := args[0].(x86asm.Reg); ok && r == x86asm.RBP && len(code) > 1 && code[1].Op() == x86asm.MOV {
			if d, ok := code[1].Raw.Args[0].(x86asm.Reg); ok && d == x86asm.RBP {
				return PrologueClassic
			}
		}
		return ProloguePushOnly
	case x86asm.SUB:
		if r, ok := args[0].(x86asm.Reg); ok && r == x86asm.RSP {
			return PrologueNoFramePointer
		}
	case x86asm.MOV:
		if m, ok := args[0].(x86asm.Mem); ok && m.Base == x86asm.RSP {
			return PrologueSpill
		}
	case x86asm.LEA:
		if m, ok := args[1].(x86asm.Mem); ok && m.Base == x86asm.RSP {
			return PrologueLEABased
		}
	}
	return PrologueNone
}

// FunctionScanWindow bounds the backward search for a function start when
// no unwind data covers an address.
const FunctionScanWindow = 0x2000

// FindFunctionStart returns the entry of the function containing addr. It
// prefers unwind or symbol ranges of the owning module and falls back to
// scanning back for an aligned entry that follows padding and decodes
// cleanly up to addr.
func (a *Analyzer) FindFunctionStart(addr uint64) (uint64, bool) {
	m, ok := a.mem.ModuleContaining(addr)
	if !ok {
		return 0, false
	}
	if fn, ok := m.FunctionContaining(addr); ok {
		return fn.EntryPoint(), true
	}
	lo := m.Base
	if addr > lo+FunctionScanWindow {
		lo = addr - FunctionScanWindow
	}
	for p := addr &^ 0xF; p >= lo && p > m.Base; p -= 16 {
		prev, ok := memory.ReadU8(a.mem, p-1)
		if !ok {
			// Start of a mapped range.
			prev = 0xCC
		}
		if prev != 0xCC && prev != 0x90 && prev != 0xC3 {
			continue
		}
		if b, ok := memory.ReadU8(a.mem, p); !ok || b == 0xCC || b == 0x90 {
			continue
		}
		if a.reaches(p, addr) && (p == addr || a.ClassifyPrologue(p) != PrologueNone || prev == 0xCC) {
			return p, true
		}
	}
	return 0, false
}

// reaches reports whether linear decoding from start lands exactly on addr.
func (a *Analyzer) reaches(start, addr uint64) bool {
	for p := start; p <= addr; {
		if p == addr {
			return true
		}
		in, ok := a.dec.Decode(p)
		if !ok {
			return false
		}
		p = in.Next()
	}
	return false
}

// DisassemblyBehind returns the instructions that end exactly at addr,
// decoded from the function start when it is known and otherwise from the
// furthest point within 128 bytes that stays in sync.
func (a *Analyzer) DisassemblyBehind(addr uint64) disasm.Stream {
	if start, ok := a.FindFunctionStart(addr); ok && start < addr {
		if s, ok := a.linearUntil(start, addr); ok {
			return s
		}
	}
	for back := uint64(128); back > 0; back-- {
		if back > addr {
			continue
		}
		if s, ok := a.linearUntil(addr-back, addr); ok {
			return s
		}
	}
	return nil
}

func (a *Analyzer) linearUntil(start, addr uint64) (disasm.Stream, bool) {
	var out disasm.Stream
	for p := start; p < addr; {
		in, ok := a.dec.Decode(p)
		if !ok {
			return nil, false
		}
		out = append(out, in)
		p = in.Next()
		if p == addr {
			return out, true
		}
	}
	return nil, false
}

// FindFunctionFromStringRef returns the start of the function containing
// the first code reference to lit in m.
func (a *Analyzer) FindFunctionFromStringRef(m *memory.Module, lit Literal) (uint64, bool) {
	ref, ok := a.FindStringReference(m, lit)
	if !ok {
		return 0, false
	}
	return a.FindFunctionStart(ref)
}

// FindStringReference returns the first instruction in m referencing lit.
func (a *Analyzer) FindStringReference(m *memory.Module, lit Literal) (uint64, bool) {
	str, ok := a.FindString(m, lit)
	if !ok {
		return 0, false
	}
	return a.FirstReference(m, str)
}

// FindStringReferences returns every instruction in m referencing lit.
func (a *Analyzer) FindStringReferences(m *memory.Module, lit Literal) []uint64 {
	str, ok := a.FindString(m, lit)
	if !ok {
		return nil
	}
	return a.ResolveBackward(m, str)
}

// FindFunctionWithStringRefs returns the first function in m that
// references both a and b.
func (a *Analyzer) FindFunctionWithStringRefs(m *memory.Module, first, second Literal) (uint64, bool) {
	for _, ref := range a.FindStringReferences(m, first) {
		fn, ok := a.FindFunctionStart(ref)
		if !ok {
			continue
		}
		if _, ok := a.FindStringReferenceInPath(Shallow(fn), second); ok {
			return fn, true
		}
	}
	return 0, false
}

// FindCaller returns the start of the first function that calls or jumps
// to fn directly.
func (a *Analyzer) FindCaller(m *memory.Module, fn uint64) (uint64, bool) {
	for _, ref := range a.ResolveBackward(m, fn) {
		in, ok := a.dec.Decode(ref)
		if !ok || (!in.IsCall() && !in.IsJump()) {
			continue
		}
		if start, ok := a.FindFunctionStart(ref); ok {
			return start, true
		}
	}
	return 0, false
}

// FindVirtualFunctionFromStringRef returns the start of a function
// referencing lit whose address is stored in a table slot of m, that is, a
// function reachable through a virtual table.
func (a *Analyzer) FindVirtualFunctionFromStringRef(m *memory.Module, lit Literal) (uint64, bool) {
	for _, ref := range a.FindStringReferences(m, lit) {
		fn, ok := a.FindFunctionStart(ref)
		if !ok {
			continue
		}
		if _, ok := a.ScanPointer(m, fn); ok {
			return fn, true
		}
	}
	return 0, false
}

// FindEncapsulatingVirtualFunction returns the first of count entries of
// the table at vtable whose path reaches addr.
func (a *Analyzer) FindEncapsulatingVirtualFunction(vtable uint64, count int, addr uint64) (uint64, int, bool) {
	for i := 0; i < count; i++ {
		fn, ok := memory.ReadPointer(a.mem, vtable+uint64(i)*8)
		if !ok || !a.mem.IsReadable(fn, 1) {
			break
		}
		found := false
		a.walker.Walk(fn, DefaultPathBudget, func(in disasm.Inst, _ *TraversalContext) Action {
			if in.Addr == addr {
				found = true
				return Break
			}
			return Continue
		})
		if found {
			return fn, i, true
		}
	}
	return 0, 0, false
}
