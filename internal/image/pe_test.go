package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/memory"
)

const peImageBase = 0x180000000

// buildPE lays out a minimal PE32+ DLL: a code section, a read-only
// section holding an import table, .pdata with one chained fragment and a
// relocated pointer, and a .reloc section.
func buildPE(t *testing.T) string {
	t.Helper()
	file := make([]byte, 0x800)
	le := binary.LittleEndian
	put16 := func(off int, v uint16) { le.PutUint16(file[off:], v) }
	put32 := func(off int, v uint32) { le.PutUint32(file[off:], v) }
	put64 := func(off int, v uint64) { le.PutUint64(file[off:], v) }

	file[0], file[1] = 'M', 'Z'
	put32(0x3c, 0x40)
	copy(file[0x40:], "PE\x00\x00")
	fh := 0x44
	put16(fh, 0x8664)  // machine
	put16(fh+2, 3)     // sections
	put16(fh+16, 240)  // optional header size
	put16(fh+18, 0x2022)
	oh := fh + 20
	put16(oh, 0x20b)
	put64(oh+24, peImageBase)
	put32(oh+32, 0x1000) // section alignment
	put32(oh+36, 0x200)  // file alignment
	put32(oh+56, 0x4000) // size of image
	put32(oh+60, 0x200)  // size of headers
	put16(oh+68, 3)
	put32(oh+108, 16)
	dir := func(i int, rva, size uint32) {
		put32(oh+112+i*8, rva)
		put32(oh+112+i*8+4, size)
	}
	dir(dirImport, 0x2100, 40)
	dir(dirException, 0x21c0, 24)
	dir(dirBaseReloc, 0x3000, 12)

	sh := oh + 240
	section := func(i int, name string, rva, raw uint32, flags uint32) {
		off := sh + i*40
		copy(file[off:], name)
		put32(off+8, 0x200)
		put32(off+12, rva)
		put32(off+16, 0x200)
		put32(off+20, raw)
		put32(off+36, flags)
	}
	section(0, ".text", 0x1000, 0x200, 0x60000020)
	section(1, ".rdata", 0x2000, 0x400, 0x40000040)
	section(2, ".reloc", 0x3000, 0x600, 0x42000040)

	// .text: two functions' worth of int3 and a ret.
	for i := 0x200; i < 0x400; i++ {
		file[i] = 0xcc
	}
	file[0x200] = 0xc3

	rdata := func(rva int) int { return rva - 0x2000 + 0x400 }
	put64(rdata(0x2000), peImageBase+0x1000)
	// Import descriptor: lookup table, name, IAT.
	put32(rdata(0x2100), 0x2140)
	put32(rdata(0x2100)+12, 0x2180)
	put32(rdata(0x2100)+16, 0x2160)
	for _, table := range []int{0x2140, 0x2160} {
		put64(rdata(table), 0x2190)
		put64(rdata(table)+8, 1<<63|7)
	}
	copy(file[rdata(0x2180):], "KERNEL32.dll\x00")
	copy(file[rdata(0x2192):], "VirtualAlloc\x00")
	// .pdata: the primary function and a fragment chained to it.
	put32(rdata(0x21c0), 0x1000)
	put32(rdata(0x21c0)+4, 0x1030)
	put32(rdata(0x21c0)+8, 0x21f0)
	put32(rdata(0x21c0)+12, 0x1040)
	put32(rdata(0x21c0)+16, 0x1060)
	put32(rdata(0x21c0)+20, 0x21e0)
	file[rdata(0x21f0)] = 0x01
	// Chained unwind info with no codes: the parent entry follows the header.
	file[rdata(0x21e0)] = 0x01 | unwFlagChainInfo<<3
	put32(rdata(0x21e4), 0x1000)
	put32(rdata(0x21e4)+4, 0x1030)
	put32(rdata(0x21e4)+8, 0x21f0)

	// .reloc: one DIR64 entry for the pointer at 0x2000, then padding.
	put32(0x600, 0x2000)
	put32(0x604, 12)
	put16(0x608, relBasedDir64<<12)

	path := filepath.Join(t.TempDir(), "Game-CoreUObject-Win64-Shipping.dll")
	require.NoError(t, os.WriteFile(path, file, 0o644))
	return path
}

func TestOpenPE(t *testing.T) {
	path := buildPE(t)

	tests := []struct {
		name     string
		occupied bool
		base     uint64
	}{
		{"preferred base", false, peImageBase},
		{"rebased past an occupied range", true, peImageBase + 0x10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.NewSnapshot()
			if tt.occupied {
				require.NoError(t, s.Map(peImageBase, make([]byte, 0x1000), false))
				s.AddModule(&memory.Module{Name: "other.dll", Base: peImageBase, Size: 0x10000})
			}
			m, err := Open(s, path, Options{})
			require.NoError(t, err)
			base := m.Base
			assert.Equal(t, tt.base, base)
			assert.Equal(t, "Game-CoreUObject-Win64-Shipping.dll", m.Name)
			assert.True(t, memory.MatchesName(m, "CoreUObject"))

			ptr, ok := memory.ReadU64(s, base+0x2000)
			require.True(t, ok)
			assert.Equal(t, base+0x1000, ptr)

			assert.Equal(t, "kernel32.dll!VirtualAlloc", m.Imports[base+0x2160])
			assert.Equal(t, "kernel32.dll!#7", m.Imports[base+0x2168])
			slot, ok := memory.ReadU64(s, base+0x2160)
			require.True(t, ok)
			assert.Zero(t, slot)

			fn, ok := m.FunctionContaining(base + 0x1050)
			require.True(t, ok)
			assert.Equal(t, base+0x1040, fn.Start)
			assert.Equal(t, base+0x1000, fn.EntryPoint())

			assert.True(t, s.IsExecutable(base+0x1000))
			assert.False(t, s.IsExecutable(base+0x2000))
			assert.True(t, s.IsReadable(base, 0x200))
		})
	}
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	_, err := Open(memory.NewSnapshot(), path, Options{})
	assert.Error(t, err)

	_, err = Open(memory.NewSnapshot(), filepath.Join(t.TempDir(), "missing.dll"), Options{})
	assert.Error(t, err)
}
