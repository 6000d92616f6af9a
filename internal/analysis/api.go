package analysis

import (
	"strings"

	"binfacts/internal/memory"
)

// API identifies an imported routine by name and, in a live process, by
// its resolved addresses.
type API struct {
	Names []string
	Addrs []uint64
}

// Import returns an API matched by name only.
func Import(names ...string) API { return API{Names: names} }

// WithAddrs returns a copy of api that also matches the given addresses.
func (api API) WithAddrs(addrs ...uint64) API {
	api.Addrs = append(append([]uint64(nil), api.Addrs...), addrs...)
	return api
}

// normalizeSymbol strips decorations from an import name so "__imp_Foo",
// "Foo@8", "kernel32.dll!Foo" and "Foo@GLIBC_2.2.5" compare equal to "Foo".
func normalizeSymbol(s string) string {
	if i := strings.LastIndexByte(s, '!'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(s, "__imp_")
	if i := strings.IndexByte(s, '@'); i > 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

func (api API) matchesName(sym string) bool {
	sym = normalizeSymbol(sym)
	for _, n := range api.Names {
		if normalizeSymbol(n) == sym {
			return true
		}
	}
	return false
}

func (api API) matchesAddr(addr uint64) bool {
	for _, a := range api.Addrs {
		if a != 0 && a == addr {
			return true
		}
	}
	return false
}

// IsAPI reports whether addr designates api: an import slot named after
// it, one of its addresses, or a slot holding one of its addresses.
func (a *Analyzer) IsAPI(addr uint64, api API) bool {
	if api.matchesAddr(addr) {
		return true
	}
	if m, ok := a.mem.ModuleContaining(addr); ok {
		if sym, ok := m.ImportAt(addr); ok && api.matchesName(sym) {
			return true
		}
	}
	if len(api.Addrs) > 0 {
		if v, ok := memory.ReadU64(a.mem, addr); ok && api.matchesAddr(v) {
			return true
		}
	}
	return false
}
