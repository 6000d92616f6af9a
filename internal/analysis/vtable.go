package analysis

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/disasm"
	"binfacts/internal/memory"
)

// VtableView is a bounded view over a table of code pointers.
type VtableView struct {
	Base uint64
	Len  int
	mem  memory.Probe
}

// SlotAddr returns the address of slot i.
func (v VtableView) SlotAddr(i int) uint64 { return v.Base + uint64(i)*8 }

// Entry returns the function stored in slot i.
func (v VtableView) Entry(i int) (uint64, bool) {
	if i < 0 || i >= v.Len {
		return 0, false
	}
	return memory.ReadPointer(v.mem, v.SlotAddr(i))
}

func (v VtableView) String() string {
	return fmt.Sprintf("vtable@0x%x[%d]", v.Base, v.Len)
}

// validEntry reports whether fn, read from slot i of the table at base,
// looks like a virtual function.
func (a *Analyzer) validEntry(base uint64, max int, fn uint64) bool {
	if fn == 0 || !a.mem.IsReadable(fn, 1) || !a.mem.IsExecutable(fn) {
		return false
	}
	// A pointer back into the table's own storage is not code.
	if fn >= base && fn < base+uint64(max)*8 {
		return false
	}
	return true
}

// ForwardBound returns how many consecutive slots starting at base hold
// valid entries, at most max.
func (a *Analyzer) ForwardBound(base uint64, max int) int {
	n := 0
	for ; n < max; n++ {
		fn, ok := memory.ReadU64(a.mem, base+uint64(n)*8)
		if !ok || !a.validEntry(base, max, fn) {
			break
		}
	}
	return n
}

// VtableBounds returns the number of entries of the table at base. The
// forward pass stops at the first slot that cannot be an entry; the
// backward pass then cuts the table at the lowest slot whose address is
// referenced by code of the owning module, because such a slot starts the
// next table.
func (a *Analyzer) VtableBounds(base uint64, max int) int {
	upper := a.ForwardBound(base, max)
	if upper <= 1 {
		return upper
	}
	owner, ok := a.mem.ModuleContaining(base)
	if !ok {
		return upper
	}
	refs := a.ReferencesWithin(owner, base+8, base+uint64(upper)*8)
	end := upper
	for i := upper - 1; i >= 1; i-- {
		if len(refs[base+uint64(i)*8]) > 0 {
			end = i
		}
	}
	return end
}

// Vtable returns a view over the table at base bounded by VtableBounds.
func (a *Analyzer) Vtable(base uint64, max int) VtableView {
	return VtableView{Base: base, Len: a.VtableBounds(base, max), mem: a.mem}
}

// VtableUnchecked returns a view of n slots without probing.
func (a *Analyzer) VtableUnchecked(base uint64, n int) VtableView {
	return VtableView{Base: base, Len: n, mem: a.mem}
}

// EntrySize is a coarse size class for a virtual function.
type EntrySize int

const (
	EntryUnreadable EntrySize = iota
	EntryTiny
	EntryNormal
)

func (s EntrySize) String() string {
	switch s {
	case EntryTiny:
		return "tiny"
	case EntryNormal:
		return "normal"
	}
	return "unreadable"
}

// ClassifyEntry sizes fn by the instructions visited with calls stepped over.
func (a *Analyzer) ClassifyEntry(fn uint64) EntrySize {
	if _, ok := a.dec.Decode(fn); !ok {
		return EntryUnreadable
	}
	if a.CountInstructions(Shallow(fn).WithBudget(SearchWindowMedium)) <= TinyFunctionLimit {
		return EntryTiny
	}
	return EntryNormal
}

// IndexOf returns the slot of v holding fn.
func (v VtableView) IndexOf(fn uint64) (int, bool) {
	for i := 0; i < v.Len; i++ {
		if e, ok := v.Entry(i); ok && e == fn {
			return i, true
		}
	}
	return 0, false
}

// Entries returns all readable entries.
func (v VtableView) Entries() []uint64 {
	out := make([]uint64, 0, v.Len)
	for i := 0; i < v.Len; i++ {
		e, ok := v.Entry(i)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// VirtualCallIndex returns the slot a call qword ptr [reg+disp] goes through.
func VirtualCallIndex(in disasm.Inst) (int, bool) {
	if !in.IsCall() {
		return 0, false
	}
	m, _, ok := in.MemArg()
	if !ok || m.Base == 0 || m.Index != 0 || m.Disp < 0 || m.Disp%8 != 0 {
		return 0, false
	}
	if m.Base == x86asm.RIP {
		return 0, false
	}
	return int(m.Disp / 8), true
}
