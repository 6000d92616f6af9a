package analysis

import (
	"sync"

	"github.com/ianlancetaylor/demangle"

	"binfacts/internal/memory"
)

// Symbolizer names addresses after module exports and import slots.
// Export names are demangled once and cached; it is safe for concurrent
// use.
type Symbolizer struct {
	mem memory.Space

	mu        sync.RWMutex
	byModule  map[*memory.Module]map[uint64]string
	demangled map[string]string
}

// NewSymbolizer returns a symbolizer over the modules of mem.
func NewSymbolizer(mem memory.Space) *Symbolizer {
	return &Symbolizer{
		mem:       mem,
		byModule:  make(map[*memory.Module]map[uint64]string),
		demangled: make(map[string]string),
	}
}

// Demangle returns the readable form of an Itanium or Rust symbol, or the
// name itself.
func (s *Symbolizer) Demangle(name string) string {
	s.mu.RLock()
	d, ok := s.demangled[name]
	s.mu.RUnlock()
	if ok {
		return d
	}
	d = demangle.Filter(name, demangle.NoClones)
	s.mu.Lock()
	s.demangled[name] = d
	s.mu.Unlock()
	return d
}

// exports returns m's export table inverted. Several names for one address
// resolve to the shortest mangled one, ties broken alphabetically.
func (s *Symbolizer) exports(m *memory.Module) map[uint64]string {
	s.mu.RLock()
	names, ok := s.byModule[m]
	s.mu.RUnlock()
	if ok {
		return names
	}
	names = make(map[uint64]string, len(m.Exports))
	for name, addr := range m.Exports {
		prev, taken := names[addr]
		if taken && (len(prev) < len(name) || len(prev) == len(name) && prev < name) {
			continue
		}
		names[addr] = name
	}
	s.mu.Lock()
	s.byModule[m] = names
	s.mu.Unlock()
	return names
}

// Name returns the export at addr, demangled, or the import a slot or stub
// at addr stands for.
func (s *Symbolizer) Name(addr uint64) (string, bool) {
	m, ok := s.mem.ModuleContaining(addr)
	if !ok {
		return "", false
	}
	if name, ok := s.exports(m)[addr]; ok {
		return s.Demangle(name), true
	}
	return m.ImportAt(addr)
}
