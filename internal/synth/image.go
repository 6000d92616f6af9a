package synth

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"binfacts/internal/memory"
)

// Layout offsets inside a synthetic module. The range between the end of
// the text and the data section stays unmapped.
const (
	TextOffset = 0x1000
	DataOffset = 0x40000
)

// Data builds a read-only data section.
type Data struct {
	Base uint64
	buf  []byte
}

// PC returns the address of the next byte.
func (d *Data) PC() uint64 { return d.Base + uint64(len(d.buf)) }

// Align pads with zeroes to a multiple of n.
func (d *Data) Align(n uint64) *Data {
	for d.PC()%n != 0 {
		d.buf = append(d.buf, 0)
	}
	return d
}

// Bytes emits raw bytes and returns their address.
func (d *Data) Bytes(b ...byte) uint64 {
	at := d.PC()
	d.buf = append(d.buf, b...)
	return at
}

// String emits a NUL-terminated narrow string and returns its address.
func (d *Data) String(s string) uint64 {
	return d.Bytes(append([]byte(s), 0)...)
}

// WString emits a NUL-terminated UTF-16LE string on a 2-byte boundary.
func (d *Data) WString(s string) uint64 {
	d.Align(2)
	at := d.PC()
	for _, u := range utf16.Encode([]rune(s)) {
		d.buf = binary.LittleEndian.AppendUint16(d.buf, u)
	}
	d.buf = append(d.buf, 0, 0)
	return at
}

// U64 emits an 8-byte aligned quadword and returns its address.
func (d *Data) U64(v uint64) uint64 {
	d.Align(8)
	at := d.PC()
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
	return at
}

// Table emits consecutive 8-byte aligned quadwords and returns the first address.
func (d *Data) Table(vs ...uint64) uint64 {
	d.Align(8)
	at := d.PC()
	for _, v := range vs {
		d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
	}
	return at
}

// Reserve emits n zero bytes and returns their address.
func (d *Data) Reserve(n int) uint64 {
	at := d.PC()
	d.buf = append(d.buf, make([]byte, n)...)
	return at
}

// Image is a synthetic module under construction.
type Image struct {
	Name    string
	Base    uint64
	Text    *Asm
	Data    *Data
	imports map[uint64]string
	exports map[string]uint64
	funcs   []memory.FuncRange
}

// NewImage starts a module at base.
func NewImage(name string, base uint64) *Image {
	return &Image{
		Name:    name,
		Base:    base,
		Text:    NewAsm(base + TextOffset),
		Data:    &Data{Base: base + DataOffset},
		imports: make(map[uint64]string),
		exports: make(map[string]uint64),
	}
}

// Import reserves an import slot holding value and names it.
func (im *Image) Import(name string, value uint64) uint64 {
	slot := im.Data.U64(value)
	im.imports[slot] = name
	return slot
}

// Export names an address.
func (im *Image) Export(name string, addr uint64) {
	im.exports[name] = addr
}

// Func starts a 16-byte aligned function labelled name and returns its address.
func (im *Image) Func(name string) uint64 {
	im.Text.Align(16)
	return im.Text.Label(name)
}

// Unwind records a function range as unwind data would.
func (im *Image) Unwind(start, end uint64) {
	im.funcs = append(im.funcs, memory.FuncRange{Start: start, End: end})
}

// Map adds the module to s. Text is executable, data is not.
func (im *Image) Map(s *memory.Snapshot) (*memory.Module, error) {
	text := im.Text.Bytes()
	if len(text) > 0 {
		if err := s.Map(im.Text.Base, text, true); err != nil {
			return nil, err
		}
	}
	if len(im.Data.buf) > 0 {
		if err := s.Map(im.Data.Base, im.Data.buf, false); err != nil {
			return nil, err
		}
	}
	sort.Slice(im.funcs, func(i, j int) bool { return im.funcs[i].Start < im.funcs[j].Start })
	m := &memory.Module{
		Name:      im.Name,
		Base:      im.Base,
		Size:      im.Data.PC() - im.Base + 0x1000,
		Imports:   im.imports,
		Exports:   im.exports,
		Functions: im.funcs,
	}
	s.AddModule(m)
	return m, nil
}

// MustMap is Map for tests; it panics on overlap.
func (im *Image) MustMap(s *memory.Snapshot) *memory.Module {
	m, err := im.Map(s)
	if err != nil {
		panic(err)
	}
	return m
}
