package image

import (
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/memory"
)

const elfBias = 0x7f0000000000

func rela(off uint64, sym uint32, typ elf.R_X86_64, addend uint64) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b, off)
	binary.LittleEndian.PutUint64(b[8:], elf.R_INFO(sym, uint32(typ)))
	binary.LittleEndian.PutUint64(b[16:], addend)
	return b
}

func TestELFLayout(t *testing.T) {
	const addObject = "_ZN11UObjectBase9AddObjectE5FName20EInternalObjectFlags"
	syms := []elf.Symbol{
		{Name: "pthread_mutex_lock", Section: elf.SHN_UNDEF},
		{Name: addObject, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Section: 12, Value: 0x1100, Size: 0x40},
	}
	img := make([]byte, 0x2000)
	// jmp qword ptr [rip+0x802] -> GOT slot 0x1808
	copy(img[0x1000:], []byte{0xff, 0x25, 0x02, 0x08, 0x00, 0x00})
	m := &memory.Module{Imports: make(map[uint64]string), Exports: make(map[string]uint64)}
	l := &elfLayout{img: img, bias: elfBias, syms: syms, mod: m}

	var table []byte
	table = append(table, rela(0x1800, 0, elf.R_X86_64_RELATIVE, 0x1100)...)
	table = append(table, rela(0x1808, 1, elf.R_X86_64_GLOB_DAT, 0)...)
	table = append(table, rela(0x1810, 2, elf.R_X86_64_JMP_SLOT, 0)...)
	table = append(table, rela(0x9000, 0, elf.R_X86_64_RELATIVE, 0x1)...) // outside the image
	l.applyRela(table)
	l.exports(syms)
	l.pltStubs(0x1000, 0x10)

	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(img[off:]) }
	assert.Equal(t, uint64(elfBias+0x1100), u64(0x1800))
	assert.Zero(t, u64(0x1808))
	assert.Equal(t, uint64(elfBias+0x1100), u64(0x1810))

	assert.Equal(t, "pthread_mutex_lock", m.Imports[elfBias+0x1808])
	assert.Equal(t, addObject, m.Imports[elfBias+0x1810])
	assert.Equal(t, "pthread_mutex_lock", m.Imports[elfBias+0x1000], "PLT stub names its import")

	assert.Equal(t, uint64(elfBias+0x1100), m.Exports[addObject])
	assert.Equal(t, uint64(elfBias+0x1100), m.Exports["UObjectBase::AddObject(FName, EInternalObjectFlags)"])
	assert.NotContains(t, m.Exports, "pthread_mutex_lock")

	fns := functionRanges(elfBias, syms, syms)
	require.Len(t, fns, 1)
	assert.Equal(t, memory.FuncRange{Start: elfBias + 0x1100, End: elfBias + 0x1140}, fns[0])
}

func TestPlacement(t *testing.T) {
	s := memory.NewSnapshot()
	assert.Equal(t, uint64(defaultDynamicBase), placement(s, 0, 0x5000))

	s.AddModule(&memory.Module{Name: "a.so", Base: defaultDynamicBase, Size: 0x5000})
	assert.Equal(t, uint64(defaultDynamicBase+0x10000), placement(s, 0, 0x5000))
	assert.Equal(t, uint64(0x400000), placement(s, 0x400000, 0x5000))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Format
	}{
		{"elf", "\x7fELF\x02\x01", FormatELF},
		{"pe", "MZ\x90\x00", FormatPE},
		{"text", "hello", FormatUnknown},
		{"short", "M", FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(strings.NewReader(tt.data)))
		})
	}
}
