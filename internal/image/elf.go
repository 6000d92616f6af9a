package image

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/memory"
)

const pageSize = 0x1000

// segment is one PT_LOAD range, relative to the lowest load address.
type segment struct {
	off, size uint64
	exec      bool
}

// OpenELF maps an x86-64 ELF64 executable or shared object. Position
// independent images get a load bias; R_X86_64_RELATIVE and _64
// relocations are applied, GOT slots named by GLOB_DAT or JUMP_SLOT
// relocations become imports, as do the PLT stubs jumping through them.
func OpenELF(s *memory.Snapshot, path string, opts Options) (*memory.Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("open elf %s: not an x86-64 ELF64 image", path)
	}

	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		lo = min(lo, p.Vaddr&^(pageSize-1))
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if hi == 0 {
		return nil, fmt.Errorf("open elf %s: no loadable segments", path)
	}
	size := (hi - lo + pageSize - 1) &^ (pageSize - 1)

	img := make([]byte, size)
	var segs []segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		off := p.Vaddr - lo
		if _, err := p.ReadAt(img[off:off+p.Filesz], 0); err != nil && p.Filesz > 0 {
			return nil, fmt.Errorf("read elf segment at 0x%x: %w", p.Vaddr, err)
		}
		segs = append(segs, segment{off: off, size: p.Memsz, exec: p.Flags&elf.PF_X != 0})
	}

	base := lo
	if f.Type == elf.ET_DYN {
		preferred := lo
		if opts.Base != 0 {
			preferred = opts.Base
		}
		base = placement(s, preferred, size)
	} else if s.Overlaps(base, size) {
		return nil, fmt.Errorf("open elf %s: fixed image at 0x%x overlaps a mapped module", path, base)
	}
	bias := base - lo

	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	m := &memory.Module{
		Name:    name,
		Path:    path,
		Base:    base,
		Size:    size,
		Imports: make(map[uint64]string),
		Exports: make(map[string]uint64),
	}

	dynsyms, _ := f.DynamicSymbols()
	l := &elfLayout{img: img, lo: lo, bias: bias, syms: dynsyms, mod: m}
	for _, sec := range []string{".rela.dyn", ".rela.plt"} {
		rs := f.Section(sec)
		if rs == nil {
			continue
		}
		data, err := rs.Data()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", sec, err)
		}
		l.applyRela(data)
	}
	l.exports(dynsyms)
	statics, _ := f.Symbols()
	m.Functions = functionRanges(bias, dynsyms, statics)
	for _, sec := range []string{".plt", ".plt.sec", ".plt.got"} {
		if ps := f.Section(sec); ps != nil {
			l.pltStubs(ps.Addr, ps.Size)
		}
	}

	for _, sg := range segs {
		if err := mapSegment(s, base+sg.off, img[sg.off:sg.off+sg.size], sg.exec); err != nil {
			return nil, fmt.Errorf("map %s: %w", name, err)
		}
	}
	s.AddModule(m)
	return m, nil
}

// elfLayout is an ELF image being relocated in memory.
type elfLayout struct {
	img  []byte
	lo   uint64 // lowest link-time address, img[0]
	bias uint64
	syms []elf.Symbol
	mod  *memory.Module
}

func (l *elfLayout) slot(vaddr uint64) ([]byte, bool) {
	if vaddr < l.lo || vaddr-l.lo+8 > uint64(len(l.img)) {
		return nil, false
	}
	off := vaddr - l.lo
	return l.img[off : off+8], true
}

// symbol returns relocation symbol i; index 0 is the null symbol.
func (l *elfLayout) symbol(i uint32) (elf.Symbol, bool) {
	if i == 0 || int(i) > len(l.syms) {
		return elf.Symbol{}, false
	}
	return l.syms[i-1], true
}

// applyRela processes a table of Elf64_Rela entries.
func (l *elfLayout) applyRela(data []byte) {
	for i := 0; i+24 <= len(data); i += 24 {
		off := binary.LittleEndian.Uint64(data[i:])
		info := binary.LittleEndian.Uint64(data[i+8:])
		addend := binary.LittleEndian.Uint64(data[i+16:])
		slot, ok := l.slot(off)
		if !ok {
			continue
		}
		sym, hasSym := l.symbol(elf.R_SYM64(info))
		defined := hasSym && sym.Section != elf.SHN_UNDEF && sym.Value != 0

		switch elf.R_X86_64(elf.R_TYPE64(info)) {
		case elf.R_X86_64_RELATIVE:
			binary.LittleEndian.PutUint64(slot, l.bias+addend)
		case elf.R_X86_64_64:
			if defined {
				binary.LittleEndian.PutUint64(slot, l.bias+sym.Value+addend)
			}
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			if !hasSym {
				continue
			}
			l.mod.Imports[l.bias+off] = sym.Name
			if defined {
				binary.LittleEndian.PutUint64(slot, l.bias+sym.Value)
			} else {
				clear(slot)
			}
		}
	}
}

// exports records defined dynamic symbols by their mangled and demangled
// names.
func (l *elfLayout) exports(syms []elf.Symbol) {
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 || sym.Name == "" {
			continue
		}
		addr := l.bias + sym.Value
		l.mod.Exports[sym.Name] = addr
		if d := demangle.Filter(sym.Name); d != sym.Name {
			if _, taken := l.mod.Exports[d]; !taken {
				l.mod.Exports[d] = addr
			}
		}
	}
}

// pltStubs names each PLT stub after the GOT slot it jumps through, so a
// direct call to the stub is recognized as a call to the import.
func (l *elfLayout) pltStubs(addr, size uint64) {
	for p := addr; p < addr+size; {
		off := p - l.lo
		if p < l.lo || off >= uint64(len(l.img)) {
			return
		}
		code := l.img[off:min(off+16, uint64(len(l.img)))]
		in, err := x86asm.Decode(code, 64)
		if err != nil || in.Len == 0 {
			p++
			continue
		}
		if in.Op == x86asm.JMP {
			if mem, ok := in.Args[0].(x86asm.Mem); ok && mem.Base == x86asm.RIP {
				got := uint64(int64(p+uint64(in.Len))+mem.Disp) + l.bias
				if name, ok := l.mod.Imports[got]; ok {
					l.mod.Imports[p+l.bias] = name
					// .plt.sec stubs begin with endbr64 before the jump.
					if stub := p &^ 15; stub != p {
						if _, taken := l.mod.Imports[stub+l.bias]; !taken {
							l.mod.Imports[stub+l.bias] = name
						}
					}
				}
			}
		}
		p += uint64(in.Len)
	}
}

// functionRanges collects sized STT_FUNC symbols from both tables.
func functionRanges(bias uint64, tables ...[]elf.Symbol) []memory.FuncRange {
	seen := make(map[uint64]bool)
	var out []memory.FuncRange
	for _, syms := range tables {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Size == 0 {
				continue
			}
			start := bias + sym.Value
			if seen[start] {
				continue
			}
			seen[start] = true
			out = append(out, memory.FuncRange{Start: start, End: start + sym.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
