// Package memory defines the read-only view of a process (or a mapped set of
// module images) that every analysis in binfacts goes through.
//
// Nothing in this package panics on a bad address: every read is
// bounds-checked and reports failure with a boolean.
package memory

import (
	"encoding/binary"
	"sort"
)

// Probe is a bounds-checked reader over an address space.
type Probe interface {
	// IsReadable reports whether [addr, addr+n) is entirely readable.
	IsReadable(addr, n uint64) bool
	// Read returns n bytes at addr. The returned slice must not be modified.
	Read(addr, n uint64) ([]byte, bool)
}

// Space is a Probe that also knows about the loaded modules.
type Space interface {
	Probe
	ModuleContaining(addr uint64) (*Module, bool)
	ModuleByName(name string) (*Module, bool)
	// Modules returns every module, the main executable first.
	Modules() []*Module
	IsExecutable(addr uint64) bool
}

// FuncRange is a function extent recovered from unwind or symbol data.
// A chained unwind fragment records the primary function it belongs to in
// Entry.
type FuncRange struct {
	Start, End uint64
	Entry      uint64
}

// EntryPoint returns where the function owning the range begins.
func (f FuncRange) EntryPoint() uint64 {
	if f.Entry != 0 {
		return f.Entry
	}
	return f.Start
}

// Module is a loaded image.
type Module struct {
	Name string
	Path string
	Base uint64
	Size uint64

	// Imports maps an import slot address (IAT entry or GOT slot) to the
	// imported symbol name.
	Imports map[uint64]string
	// Exports maps an exported (and, for ELF, demangled) name to its address.
	Exports map[string]uint64
	// Functions is sorted by Start.
	Functions []FuncRange
}

// End returns the first address past the module.
func (m *Module) End() uint64 { return m.Base + m.Size }

// Contains reports whether addr lies inside the module.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// ImportAt returns the imported symbol stored in slot, if any.
func (m *Module) ImportAt(slot uint64) (string, bool) {
	name, ok := m.Imports[slot]
	return name, ok
}

// Export looks up an exported symbol.
func (m *Module) Export(name string) (uint64, bool) {
	addr, ok := m.Exports[name]
	return addr, ok
}

// FunctionContaining returns the function range covering addr.
func (m *Module) FunctionContaining(addr uint64) (FuncRange, bool) {
	fns := m.Functions
	i := sort.Search(len(fns), func(i int) bool { return fns[i].End > addr })
	if i < len(fns) && fns[i].Start <= addr && addr < fns[i].End {
		return fns[i], true
	}
	return FuncRange{}, false
}

// ReadU8 reads a byte at addr.
func ReadU8(p Probe, addr uint64) (uint8, bool) {
	b, ok := p.Read(addr, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// ReadU16 reads a little-endian uint16 at addr.
func ReadU16(p Probe, addr uint64) (uint16, bool) {
	b, ok := p.Read(addr, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

// ReadU32 reads a little-endian uint32 at addr.
func ReadU32(p Probe, addr uint64) (uint32, bool) {
	b, ok := p.Read(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadU64 reads a little-endian uint64 at addr.
func ReadU64(p Probe, addr uint64) (uint64, bool) {
	b, ok := p.Read(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadPointer reads a pointer at addr and rejects null.
func ReadPointer(p Probe, addr uint64) (uint64, bool) {
	v, ok := ReadU64(p, addr)
	if !ok || v == 0 {
		return 0, false
	}
	return v, true
}

// Deref follows a chain of pointers starting at addr.
func Deref(p Probe, addr uint64, depth int) (uint64, bool) {
	for i := 0; i < depth; i++ {
		v, ok := ReadPointer(p, addr)
		if !ok {
			return 0, false
		}
		addr = v
	}
	return addr, true
}
