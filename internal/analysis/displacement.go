package analysis

import (
	"encoding/binary"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/disasm"
	"binfacts/internal/memory"
)

// Reference is one instruction referencing an address.
type Reference struct {
	Inst   uint64 // instruction start
	Target uint64 // referenced address
}

// absoluteMem reports a memory operand addressed by a bare displacement:
// a sign-extended disp32 or a 64-bit moffs.
func absoluteMem(m x86asm.Mem) bool {
	return m.Base == 0 && m.Index == 0 && m.Segment == 0
}

// pointerSlot returns the memory slot an indirect CALL or JMP reads its
// target from, when that slot has a static address.
func pointerSlot(in disasm.Inst) (uint64, bool) {
	if !in.IsCall() && !in.IsJump() {
		return 0, false
	}
	m, ok := in.Raw.Args[0].(x86asm.Mem)
	if !ok {
		return 0, false
	}
	switch {
	case m.Base == x86asm.RIP && m.Index == 0:
		return uint64(int64(in.Next()) + m.Disp), true
	case absoluteMem(m):
		return uint64(m.Disp), true
	}
	return 0, false
}

// Displacement returns the absolute address an instruction references: a
// RIP-relative or absolute memory operand, a relative branch target, or a
// 64-bit immediate that points into a mapped module.
func (a *Analyzer) Displacement(in disasm.Inst) (uint64, bool) {
	if t, ok := in.BranchTarget(); ok {
		return t, true
	}
	if m, _, ok := in.MemArg(); ok {
		switch {
		case m.Base == x86asm.RIP && m.Index == 0:
			return uint64(int64(in.Next()) + m.Disp), true
		case absoluteMem(m) && m.Disp != 0:
			return uint64(m.Disp), true
		}
		return 0, false
	}
	if in.Raw.Op == x86asm.MOV && in.Len >= 10 {
		if imm, ok := in.Raw.Args[1].(x86asm.Imm); ok {
			if _, ok := a.mem.ModuleContaining(uint64(imm)); ok {
				return uint64(imm), true
			}
		}
	}
	return 0, false
}

// DisplacementAt decodes the instruction at addr and returns its displacement.
func (a *Analyzer) DisplacementAt(addr uint64) (uint64, bool) {
	in, ok := a.dec.Decode(addr)
	if !ok {
		return 0, false
	}
	return a.Displacement(in)
}

// ResolveForward returns the address the instruction at addr refers to. An
// indirect CALL or JMP through a pointer slot resolves to the pointer, one
// level deep. A slot holding null resolves to the slot itself, as import
// slots of an image mapped from file do; an unreadable slot fails.
func (a *Analyzer) ResolveForward(addr uint64) (uint64, bool) {
	in, ok := a.dec.Decode(addr)
	if !ok {
		return 0, false
	}
	if slot, ok := pointerSlot(in); ok {
		if !a.mem.IsReadable(slot, 8) {
			return 0, false
		}
		if target, ok := memory.ReadPointer(a.mem, slot); ok {
			return target, true
		}
		return slot, true
	}
	return a.Displacement(in)
}

// CallTarget resolves the callee of a CALL or JMP instruction, through one
// pointer slot if needed.
func (a *Analyzer) CallTarget(in disasm.Inst) (uint64, bool) {
	return a.walker.ControlTarget(in)
}

// CalculateAbsolute treats the four bytes at addr as a rel32 field that ends
// the instruction and returns the address it designates.
func (a *Analyzer) CalculateAbsolute(addr uint64) (uint64, bool) {
	v, ok := memory.ReadU32(a.mem, addr)
	if !ok {
		return 0, false
	}
	return uint64(int64(addr) + 4 + int64(int32(v))), true
}

const (
	// resyncWindow is how far back linear decoding starts when no function
	// range covers a reference.
	resyncWindow = 64
	// maxResyncDistance bounds decoding from a function start.
	maxResyncDistance = 0x4000
)

// Bytes that may follow a rel32 field inside one instruction (immediates).
var trailingSizes = [...]int64{0, 1, 2, 4}

// scanReferences finds every instruction in m's code whose displacement
// satisfies match. Candidates come from a rel32 byte scan and are confirmed
// by decoding. limit > 0 stops after that many hits.
func (a *Analyzer) scanReferences(m *memory.Module, match func(uint64) bool, limit int) []Reference {
	var out []Reference
	for _, r := range memory.ExecutableRegions(a.mem, m) {
		data := r.Data
		for i := 1; i+4 <= len(data); i++ {
			rel := int64(int32(binary.LittleEndian.Uint32(data[i:])))
			end := int64(r.Start) + int64(i) + 4 + rel
			hit := false
			for _, t := range trailingSizes {
				if match(uint64(end + t)) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			if ref, ok := a.confirmReference(m, r, i, match); ok {
				out = append(out, ref)
				if limit > 0 && len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// confirmReference looks for an instruction starting shortly before the
// rel32 field at data offset i that covers the field and whose displacement
// matches. Dropping a REX or size prefix often still decodes to the same
// target, and a trailing byte of the previous instruction can read as one,
// so several starts may qualify; alignedReference picks among them.
func (a *Analyzer) confirmReference(m *memory.Module, r *memory.Region, i int, match func(uint64) bool) (Reference, bool) {
	var cands []Reference
	for k := 1; k < disasm.MaxInstLen && k <= i; k++ {
		start := i - k
		end := min(len(r.Data), start+disasm.MaxInstLen)
		in, ok := disasm.DecodeBytes(r.Data[start:end], r.Start+uint64(start))
		if !ok || start+in.Len < i+4 || !plainPrefixes(in.Raw) {
			continue
		}
		if in.Raw.PCRel != 0 && in.Raw.PCRelOff != k {
			continue
		}
		target, ok := a.Displacement(in)
		if ok && match(target) {
			cands = append(cands, Reference{Inst: in.Addr, Target: target})
		}
	}
	switch len(cands) {
	case 0:
		return Reference{}, false
	case 1:
		return cands[0], true
	}
	return alignedReference(m, r, cands), true
}

// alignedReference returns the candidate that linear decoding from an
// earlier instruction boundary lands on: the start of the containing
// function when it is near, else a short window back. Without a hit the
// longest candidate wins. cands are ordered by descending address.
func alignedReference(m *memory.Module, r *memory.Region, cands []Reference) Reference {
	latest, longest := cands[0].Inst, cands[len(cands)-1].Inst
	from := longest - min(longest-r.Start, resyncWindow)
	if fn, ok := m.FunctionContaining(latest); ok && fn.Start >= r.Start && fn.Start <= longest && longest-fn.Start <= maxResyncDistance {
		from = fn.Start
	}
	for pc := from; pc <= latest; {
		for _, c := range cands {
			if c.Inst == pc {
				return c
			}
		}
		off := int(pc - r.Start)
		in, ok := disasm.DecodeBytes(r.Data[off:min(len(r.Data), off+disasm.MaxInstLen)], pc)
		if !ok {
			pc++
			continue
		}
		pc += uint64(in.Len)
	}
	return cands[len(cands)-1]
}

// plainPrefixes rejects decodes that only exist because a stray byte of the
// previous instruction reads as a prefix: ignored or invalid prefixes,
// segment overrides and address-size overrides.
func plainPrefixes(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&(x86asm.PrefixIgnored|x86asm.PrefixInvalid) != 0 {
			return false
		}
		switch p &^ x86asm.PrefixImplicit {
		case x86asm.PrefixES, x86asm.PrefixCS, x86asm.PrefixSS, x86asm.PrefixDS,
			x86asm.PrefixFS, x86asm.PrefixGS, x86asm.PrefixAddr16, x86asm.PrefixAddr32:
			return false
		}
	}
	return true
}

// ResolveBackward returns the start of every instruction in m whose
// displacement equals target, in address order.
func (a *Analyzer) ResolveBackward(m *memory.Module, target uint64) []uint64 {
	refs := a.scanReferences(m, func(t uint64) bool { return t == target }, 0)
	return instructionAddrs(refs)
}

// FirstReference returns the first instruction in m referencing target.
func (a *Analyzer) FirstReference(m *memory.Module, target uint64) (uint64, bool) {
	refs := a.scanReferences(m, func(t uint64) bool { return t == target }, 1)
	if len(refs) == 0 {
		return 0, false
	}
	return refs[0].Inst, true
}

// ReferencesWithin returns every code reference from m into [lo, hi), keyed
// by referenced address.
func (a *Analyzer) ReferencesWithin(m *memory.Module, lo, hi uint64) map[uint64][]uint64 {
	refs := a.scanReferences(m, func(t uint64) bool { return t >= lo && t < hi }, 0)
	out := make(map[uint64][]uint64)
	for _, r := range refs {
		out[r.Target] = append(out[r.Target], r.Inst)
	}
	return out
}

func instructionAddrs(refs []Reference) []uint64 {
	seen := make(map[uint64]struct{}, len(refs))
	out := make([]uint64, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Inst]; ok {
			continue
		}
		seen[r.Inst] = struct{}{}
		out = append(out, r.Inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ScanRelativeStrict finds a rel32 reference to target preceded by exactly
// prefix (for example E8 for a call or 4C 8D 05 for lea r8) and returns the
// start of that instruction.
func (a *Analyzer) ScanRelativeStrict(m *memory.Module, target uint64, prefix []byte) (uint64, bool) {
	for _, r := range memory.ExecutableRegions(a.mem, m) {
		data := r.Data
		for i := len(prefix); i+4 <= len(data); i++ {
			rel := int64(int32(binary.LittleEndian.Uint32(data[i:])))
			if uint64(int64(r.Start)+int64(i)+4+rel) != target {
				continue
			}
			if string(data[i-len(prefix):i]) == string(prefix) {
				return r.Start + uint64(i-len(prefix)), true
			}
		}
	}
	return 0, false
}

// ScanPointer returns the first 8-byte aligned slot in m holding value.
func (a *Analyzer) ScanPointer(m *memory.Module, value uint64) (uint64, bool) {
	for _, r := range memory.DataRegions(a.mem, m) {
		first := (8 - r.Start%8) % 8
		for off := first; off+8 <= uint64(len(r.Data)); off += 8 {
			if binary.LittleEndian.Uint64(r.Data[off:]) == value {
				return r.Start + off, true
			}
		}
	}
	return 0, false
}
