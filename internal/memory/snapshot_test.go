package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRead(t *testing.T) {
	s := NewSnapshot()
	require.NoError(t, s.Map(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, false))
	require.NoError(t, s.Map(0x2000, make([]byte, 16), true))

	tests := []struct {
		name string
		addr uint64
		n    uint64
		ok   bool
	}{
		{"whole region", 0x1000, 8, true},
		{"inside", 0x1002, 2, true},
		{"past end", 0x1004, 8, false},
		{"before start", 0xfff, 2, false},
		{"gap", 0x1800, 1, false},
		{"zero length", 0x1000, 0, false},
		{"wraparound", ^uint64(0) - 1, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := s.Read(tt.addr, tt.n)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, s.IsReadable(tt.addr, tt.n))
		})
	}

	v, ok := ReadU32(s, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(0x04030201), v)

	assert.True(t, s.IsExecutable(0x2008))
	assert.False(t, s.IsExecutable(0x1000))
	assert.False(t, s.IsExecutable(0x9000))
}

func TestSnapshotRejectsOverlap(t *testing.T) {
	s := NewSnapshot()
	require.NoError(t, s.Map(0x1000, make([]byte, 0x100), false))
	assert.Error(t, s.Map(0x10f0, make([]byte, 0x20), false))
	assert.Error(t, s.Map(0xff0, make([]byte, 0x20), false))
	assert.NoError(t, s.Map(0x1100, make([]byte, 0x20), false))
}

func TestUnreadableAddressesAreAbsent(t *testing.T) {
	s := NewSnapshot()
	for _, addr := range []uint64{0, 0x10, 0xdeadbeef, ^uint64(0)} {
		_, ok := ReadU64(s, addr)
		assert.False(t, ok)
		_, ok = ReadPointer(s, addr)
		assert.False(t, ok)
		_, ok = Deref(s, addr, 2)
		assert.False(t, ok)
	}
}

func TestModuleByName(t *testing.T) {
	s := NewSnapshot()
	main := &Module{Name: "Game-Win64-Shipping.exe", Base: 0x140000000, Size: 0x1000}
	core := &Module{Name: "Game-CoreUObject-Win64-Shipping.dll", Path: `C:\Game\Game-CoreUObject-Win64-Shipping.dll`, Base: 0x180000000, Size: 0x1000}
	so := &Module{Name: "libUnreal-Engine.so", Base: 0x7f0000000000, Size: 0x1000}
	s.AddModule(main)
	s.AddModule(core)
	s.AddModule(so)

	tests := []struct {
		query string
		want  *Module
	}{
		{"CoreUObject", core},
		{"coreuobject", core},
		{"Game-CoreUObject-Win64-Shipping.dll", core},
		{"Engine", so},
		{"Game-Win64-Shipping", main},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			m, ok := s.ModuleByName(tt.query)
			require.True(t, ok)
			assert.Same(t, tt.want, m)
		})
	}

	for _, query := range []string{"SlateCore", "Win64", "shipping", "libUnreal"} {
		_, ok := s.ModuleByName(query)
		assert.False(t, ok, query)
	}
	assert.True(t, MatchesName(main, "Game"))
	assert.False(t, MatchesName(core, "Game"))

	m, ok := s.ModuleContaining(0x180000010)
	require.True(t, ok)
	assert.Same(t, core, m)
	assert.Same(t, main, s.Modules()[0])
}

func TestFunctionContaining(t *testing.T) {
	m := &Module{Functions: []FuncRange{{Start: 0x100, End: 0x180}, {Start: 0x200, End: 0x240}, {Start: 0x240, End: 0x300, Entry: 0x200}}}
	tests := []struct {
		addr  uint64
		start uint64
		entry uint64
		ok    bool
	}{
		{0x100, 0x100, 0x100, true},
		{0x17f, 0x100, 0x100, true},
		{0x180, 0, 0, false},
		{0x240, 0x240, 0x200, true},
		{0x2ff, 0x240, 0x200, true},
		{0x300, 0, 0, false},
		{0x50, 0, 0, false},
	}
	for _, tt := range tests {
		fn, ok := m.FunctionContaining(tt.addr)
		assert.Equal(t, tt.ok, ok, "0x%x", tt.addr)
		if ok {
			assert.Equal(t, tt.start, fn.Start)
			assert.Equal(t, tt.entry, fn.EntryPoint())
		}
	}
}

func TestRegionsClipToModule(t *testing.T) {
	s := NewSnapshot()
	require.NoError(t, s.Map(0x1000, make([]byte, 0x3000), true))
	m := &Module{Name: "m", Base: 0x2000, Size: 0x800}
	s.AddModule(m)

	rs := ExecutableRegions(s, m)
	require.Len(t, rs, 1)
	assert.Equal(t, uint64(0x2000), rs[0].Start)
	assert.Equal(t, uint64(0x2800), rs[0].End())
}
