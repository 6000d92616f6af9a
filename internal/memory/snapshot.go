package memory

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Region is a contiguous readable range.
type Region struct {
	Start uint64
	Data  []byte
	Exec  bool
}

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.Start + uint64(len(r.Data)) }

// Snapshot is a Space backed by in-memory copies of module images. It is
// safe for concurrent readers once populated.
type Snapshot struct {
	mu      sync.RWMutex
	regions []*Region
	modules []*Module
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Map adds a region. Overlapping regions are rejected.
func (s *Snapshot) Map(start uint64, data []byte, exec bool) error {
	if len(data) == 0 {
		return fmt.Errorf("map 0x%x: empty region", start)
	}
	r := &Region{Start: start, Data: data, Exec: exec}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Start >= start })
	if i > 0 && s.regions[i-1].End() > start {
		return fmt.Errorf("map 0x%x: overlaps region at 0x%x", start, s.regions[i-1].Start)
	}
	if i < len(s.regions) && s.regions[i].Start < r.End() {
		return fmt.Errorf("map 0x%x: overlaps region at 0x%x", start, s.regions[i].Start)
	}
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return nil
}

// AddModule registers a module. The first module added is the main executable.
func (s *Snapshot) AddModule(m *Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append(s.modules, m)
}

// Overlaps reports whether [start, start+size) intersects any mapped module.
func (s *Snapshot) Overlaps(start, size uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.modules {
		if start < m.End() && m.Base < start+size {
			return true
		}
	}
	return false
}

func (s *Snapshot) region(addr uint64) *Region {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > addr })
	if i < len(s.regions) && s.regions[i].Start <= addr {
		return s.regions[i]
	}
	return nil
}

// IsReadable implements Probe.
func (s *Snapshot) IsReadable(addr, n uint64) bool {
	_, ok := s.Read(addr, n)
	return ok
}

// Read implements Probe. Reads never span two regions.
func (s *Snapshot) Read(addr, n uint64) ([]byte, bool) {
	if n == 0 || addr+n < addr {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.region(addr)
	if r == nil || addr+n > r.End() {
		return nil, false
	}
	off := addr - r.Start
	return r.Data[off : off+n], true
}

// IsExecutable implements Space.
func (s *Snapshot) IsExecutable(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.region(addr)
	return r != nil && r.Exec
}

// Regions returns the regions overlapping module m, clipped to the module
// and in address order.
func (s *Snapshot) Regions(m *Module) []*Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Region
	for _, r := range s.regions {
		if r.Start >= m.End() || m.Base >= r.End() {
			continue
		}
		lo, hi := max(r.Start, m.Base), min(r.End(), m.End())
		out = append(out, &Region{
			Start: lo,
			Data:  r.Data[lo-r.Start : hi-r.Start],
			Exec:  r.Exec,
		})
	}
	return out
}

// ModuleContaining implements Space.
func (s *Snapshot) ModuleContaining(addr uint64) (*Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

// ModuleByName implements Space. It accepts the exact module name, the file
// name, or a component name of a modular build such as CoreUObject for
// "Game-CoreUObject-Win64-Shipping.dll".
func (s *Snapshot) ModuleByName(name string) (*Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.modules {
		if MatchesName(m, name) {
			return m, true
		}
	}
	return nil, false
}

// Modules implements Space.
func (s *Snapshot) Modules() []*Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Module(nil), s.modules...)
}

// MatchesName reports whether name identifies module m.
func MatchesName(m *Module, name string) bool {
	want := strings.ToLower(name)
	got := strings.ToLower(m.Name)
	if got == want || strings.ToLower(filepath.Base(m.Path)) == want {
		return true
	}
	stem := strings.TrimSuffix(got, filepath.Ext(got))
	if stem == want {
		return true
	}
	if buildTokens[want] {
		return false
	}
	// UE modular builds: <Project>-<Module>-<Platform>-<Config>.dll, or
	// lib<Project>-<Module>.so on Linux. The project part is shared by every
	// module, so it only names the main executable.
	var parts []string
	for _, part := range strings.Split(stem, "-") {
		if !buildTokens[part] {
			parts = append(parts, part)
		}
	}
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for _, part := range parts {
		if part == want {
			return true
		}
	}
	return false
}

// buildTokens are platform and configuration parts of UE binary names.
var buildTokens = map[string]bool{
	"win64": true, "win32": true, "linux": true, "linuxarm64": true, "mac": true,
	"android": true, "ios": true, "ps4": true, "ps5": true, "xboxone": true, "wingdk": true,
	"shipping": true, "development": true, "debug": true, "debuggame": true, "test": true,
}

// ExecutableRegions returns the executable regions of m. Callers scanning
// code use this instead of the whole module.
func ExecutableRegions(sp Space, m *Module) []*Region {
	rs, ok := sp.(interface{ Regions(*Module) []*Region })
	if !ok {
		data, ok := sp.Read(m.Base, m.Size)
		if !ok {
			return nil
		}
		return []*Region{{Start: m.Base, Data: data, Exec: true}}
	}
	var out []*Region
	for _, r := range rs.Regions(m) {
		if r.Exec {
			out = append(out, r)
		}
	}
	return out
}

// DataRegions returns every region of m, executable or not.
func DataRegions(sp Space, m *Module) []*Region {
	rs, ok := sp.(interface{ Regions(*Module) []*Region })
	if !ok {
		data, ok := sp.Read(m.Base, m.Size)
		if !ok {
			return nil
		}
		return []*Region{{Start: m.Base, Data: data}}
	}
	return rs.Regions(m)
}
