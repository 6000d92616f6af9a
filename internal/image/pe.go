package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Binject/debug/pe"

	"binfacts/internal/memory"
)

// Data directory indices and section flags used by the loader.
const (
	dirImport    = 1
	dirException = 3
	dirBaseReloc = 5

	scnMemExecute = 0x20000000

	relBasedAbsolute = 0
	relBasedDir64    = 10

	unwFlagChainInfo = 0x4
	maxUnwindChain   = 32

	ordinalFlag64 = 1 << 63
)

// OpenPE maps a PE32+ image. Sections land at their virtual addresses
// relative to the chosen base, DIR64 relocations are applied when the base
// moved, IAT slots are recorded as imports (and zeroed: nothing is bound in
// a file) and .pdata provides function ranges.
func OpenPE(s *memory.Snapshot, path string, opts Options) (*memory.Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pe: %w", err)
	}
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse pe %s: %w", path, err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("parse pe %s: not a PE32+ image", path)
	}
	size := uint64(oh.SizeOfImage)
	if size == 0 || uint64(oh.SizeOfHeaders) > size {
		return nil, fmt.Errorf("parse pe %s: bad image size 0x%x", path, size)
	}

	img := make([]byte, size)
	copy(img, raw[:min(uint64(oh.SizeOfHeaders), uint64(len(raw)))])
	type span struct {
		rva, size uint64
		exec      bool
	}
	spans := []span{{0, uint64(oh.SizeOfHeaders), false}}
	for _, sec := range f.Sections {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("pe section %s: %w", sec.Name, err)
		}
		rva := uint64(sec.VirtualAddress)
		vsize := uint64(sec.VirtualSize)
		if vsize == 0 {
			vsize = uint64(sec.Size)
		}
		if rva >= size {
			continue
		}
		vsize = min(vsize, size-rva)
		copy(img[rva:rva+vsize], data)
		spans = append(spans, span{rva, vsize, sec.Characteristics&scnMemExecute != 0})
	}

	preferred := oh.ImageBase
	if opts.Base != 0 {
		preferred = opts.Base
	}
	base := placement(s, preferred, size)
	if delta := base - oh.ImageBase; delta != 0 {
		applyBaseRelocations(img, directory(oh, dirBaseReloc), delta)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	m := &memory.Module{
		Name:      name,
		Path:      path,
		Base:      base,
		Size:      size,
		Imports:   peImports(img, base, directory(oh, dirImport)),
		Exports:   make(map[string]uint64),
		Functions: pdataFunctions(img, base, directory(oh, dirException)),
	}
	if exports, err := f.Exports(); err == nil {
		for _, e := range exports {
			if e.Name != "" && e.VirtualAddress != 0 {
				m.Exports[e.Name] = base + uint64(e.VirtualAddress)
			}
		}
	}

	for _, sp := range spans {
		if err := mapSegment(s, base+sp.rva, img[sp.rva:sp.rva+sp.size], sp.exec); err != nil {
			return nil, fmt.Errorf("map %s: %w", name, err)
		}
	}
	s.AddModule(m)
	return m, nil
}

func directory(oh *pe.OptionalHeader64, i int) pe.DataDirectory {
	if uint32(i) >= oh.NumberOfRvaAndSizes || i >= len(oh.DataDirectory) {
		return pe.DataDirectory{}
	}
	return oh.DataDirectory[i]
}

// rvaSlice returns n bytes of img at rva.
func rvaSlice(img []byte, rva, n uint64) ([]byte, bool) {
	if rva > uint64(len(img)) || n > uint64(len(img))-rva {
		return nil, false
	}
	return img[rva : rva+n], true
}

func rvaString(img []byte, rva uint64) string {
	if rva >= uint64(len(img)) {
		return ""
	}
	b := img[rva:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// applyBaseRelocations adds delta to every IMAGE_REL_BASED_DIR64 target.
func applyBaseRelocations(img []byte, dir pe.DataDirectory, delta uint64) {
	table, ok := rvaSlice(img, uint64(dir.VirtualAddress), uint64(dir.Size))
	if !ok {
		return
	}
	for len(table) >= 8 {
		page := uint64(binary.LittleEndian.Uint32(table))
		blockSize := binary.LittleEndian.Uint32(table[4:])
		if blockSize < 8 || int(blockSize) > len(table) {
			return
		}
		entries := table[8:blockSize]
		for i := 0; i+2 <= len(entries); i += 2 {
			e := binary.LittleEndian.Uint16(entries[i:])
			switch e >> 12 {
			case relBasedAbsolute:
			case relBasedDir64:
				if slot, ok := rvaSlice(img, page+uint64(e&0xfff), 8); ok {
					binary.LittleEndian.PutUint64(slot, binary.LittleEndian.Uint64(slot)+delta)
				}
			}
		}
		table = table[blockSize:]
	}
}

// peImports walks the import descriptors and names each IAT slot
// "dll!symbol" (or "dll!#ordinal").
func peImports(img []byte, base uint64, dir pe.DataDirectory) map[uint64]string {
	out := make(map[uint64]string)
	for off := uint64(dir.VirtualAddress); dir.VirtualAddress != 0; off += 20 {
		desc, ok := rvaSlice(img, off, 20)
		if !ok {
			break
		}
		lookup := uint64(binary.LittleEndian.Uint32(desc[0:]))
		nameRVA := uint64(binary.LittleEndian.Uint32(desc[12:]))
		iat := uint64(binary.LittleEndian.Uint32(desc[16:]))
		if lookup == 0 && nameRVA == 0 && iat == 0 {
			break
		}
		if lookup == 0 {
			lookup = iat
		}
		dll := strings.ToLower(rvaString(img, nameRVA))
		for i := uint64(0); ; i++ {
			thunk, ok := rvaSlice(img, lookup+i*8, 8)
			if !ok {
				break
			}
			v := binary.LittleEndian.Uint64(thunk)
			if v == 0 {
				break
			}
			var sym string
			if v&ordinalFlag64 != 0 {
				sym = fmt.Sprintf("#%d", uint16(v))
			} else {
				sym = rvaString(img, (v&0x7fffffff)+2)
			}
			slotRVA := iat + i*8
			out[base+slotRVA] = dll + "!" + sym
			if slot, ok := rvaSlice(img, slotRVA, 8); ok {
				clear(slot)
			}
		}
	}
	return out
}

// pdataFunctions reads RUNTIME_FUNCTION entries. Chained entries are
// followed to their primary function, which becomes the range's entry.
func pdataFunctions(img []byte, base uint64, dir pe.DataDirectory) []memory.FuncRange {
	table, ok := rvaSlice(img, uint64(dir.VirtualAddress), uint64(dir.Size))
	if !ok || dir.VirtualAddress == 0 {
		return nil
	}
	var out []memory.FuncRange
	for i := 0; i+12 <= len(table); i += 12 {
		begin := uint64(binary.LittleEndian.Uint32(table[i:]))
		end := uint64(binary.LittleEndian.Uint32(table[i+4:]))
		unwind := uint64(binary.LittleEndian.Uint32(table[i+8:]))
		if begin == 0 || end <= begin {
			continue
		}
		r := memory.FuncRange{Start: base + begin, End: base + end}
		if primary := primaryEntry(img, begin, unwind); primary != begin {
			r.Entry = base + primary
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// primaryEntry follows chained unwind information back to the function
// that owns the fragment starting at begin.
func primaryEntry(img []byte, begin, unwind uint64) uint64 {
	for depth := 0; depth < maxUnwindChain; depth++ {
		var chained uint64
		if unwind&1 != 0 {
			// Indirect: the field points at another RUNTIME_FUNCTION.
			chained = unwind &^ 1
		} else {
			hdr, ok := rvaSlice(img, unwind, 4)
			if !ok || (hdr[0]>>3)&unwFlagChainInfo == 0 {
				return begin
			}
			codes := uint64(hdr[2])
			chained = unwind + 4 + ((codes+1)&^1)*2
		}
		entry, ok := rvaSlice(img, chained, 12)
		if !ok {
			return begin
		}
		begin = uint64(binary.LittleEndian.Uint32(entry))
		unwind = uint64(binary.LittleEndian.Uint32(entry[8:]))
	}
	return begin
}
