package analysis

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/synth"
)

func TestRIPRelativeRoundTrip(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	str := im.Data.String("MARKER_STRING")
	global := im.Data.U64(0)

	im.Func("f")
	lea := im.Text.PC()
	im.Text.LeaRIP(synth.RCX, str)
	load := im.Text.PC()
	im.Text.MovRIP(synth.RAX, global)
	store := im.Text.PC()
	im.Text.MovToRIP(global, synth.RAX)

	// mov dword ptr [rip+global], 1: the displacement is followed by an imm32.
	imm := im.Text.PC()
	var rel [4]byte
	binary.LittleEndian.PutUint32(rel[:], uint32(int32(int64(global)-int64(imm+10))))
	im.Text.Raw(0xC7, 0x05).Raw(rel[:]...).Raw(1, 0, 0, 0)
	im.Text.Ret()

	a, mods := newAnalyzer(t, im)
	m := mods[0]

	got, ok := a.ResolveForward(lea)
	require.True(t, ok)
	assert.Equal(t, str, got)
	assert.Equal(t, []uint64{lea}, a.ResolveBackward(m, str))

	got, ok = a.ResolveForward(imm)
	require.True(t, ok)
	assert.Equal(t, global, got)
	assert.Equal(t, []uint64{load, store, imm}, a.ResolveBackward(m, global))

	abs, ok := a.CalculateAbsolute(lea + 3)
	require.True(t, ok)
	assert.Equal(t, str, abs)

	first, ok := a.FirstReference(m, global)
	require.True(t, ok)
	assert.Equal(t, load, first)
}

func TestResolveForwardThroughPointerSlot(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	helper := im.Func("helper")
	im.Text.Ret()
	slot := im.Data.U64(helper)
	iat := im.Import("VirtualAlloc", 0x7ff812340000)
	empty := im.Import("Unbound", 0)

	im.Func("f")
	viaSlot := im.Text.PC()
	im.Text.CallRIP(slot)
	viaIAT := im.Text.PC()
	im.Text.JmpRIP(iat)
	viaEmpty := im.Text.PC()
	im.Text.CallRIP(empty)
	direct := im.Text.PC()
	im.Text.CallL("helper").Ret()

	a, mods := newAnalyzer(t, im)

	tests := []struct {
		name string
		addr uint64
		want uint64
	}{
		{"call through data slot", viaSlot, helper},
		{"jmp through import", viaIAT, 0x7ff812340000},
		{"null slot yields the slot", viaEmpty, empty},
		{"direct call", direct, helper},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := a.ResolveForward(tt.addr)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	call, ok := a.ScanRelativeStrict(mods[0], helper, []byte{0xE8})
	require.True(t, ok)
	assert.Equal(t, direct, call)

	_, ok = a.ScanRelativeStrict(mods[0], helper, []byte{0xE9})
	assert.False(t, ok)

	p, ok := a.ScanPointer(mods[0], helper)
	require.True(t, ok)
	assert.Equal(t, slot, p)
}

func TestResolveUnreadable(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	im.Func("f")
	im.Text.Nop().Ret()
	a, mods := newAnalyzer(t, im)

	for _, addr := range []uint64{0, 0x10, gameBase, gameBase + synth.DataOffset} {
		_, ok := a.ResolveForward(addr)
		assert.False(t, ok)
		_, ok = a.CalculateAbsolute(addr)
		assert.False(t, ok)
	}
	// nop has no displacement.
	_, ok := a.ResolveForward(gameBase + synth.TextOffset)
	assert.False(t, ok)
	assert.Empty(t, a.ResolveBackward(mods[0], 0xdeadbeef))
}

func TestReferencesWithin(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	table := im.Data.Table(1, 2, 3, 4)
	im.Func("f")
	first := im.Text.PC()
	im.Text.LeaRIP(synth.RAX, table)
	third := im.Text.PC()
	im.Text.LeaRIP(synth.RAX, table+16)
	im.Text.Ret()
	a, mods := newAnalyzer(t, im)

	refs := a.ReferencesWithin(mods[0], table, table+32)
	assert.Equal(t, []uint64{first}, refs[table])
	assert.Equal(t, []uint64{third}, refs[table+16])
	assert.Empty(t, refs[table+8])
}

func TestReferenceStartsAtPrefix(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	str := im.Data.String("causeevent=")
	stray := im.Data.U64(0)
	plain := im.Data.U64(0)

	loadRIP32 := func(target uint64) {
		var rel [4]byte
		binary.LittleEndian.PutUint32(rel[:], uint32(int32(int64(target)-int64(im.Text.PC()+6))))
		im.Text.Raw(0x8B, 0x05).Raw(rel[:]...) // mov eax, dword ptr [rip+target]
	}

	start := im.Func("f")
	rexLea := im.Text.PC()
	im.Text.LeaRIP(synth.RCX, str)
	// mov eax, 0x66666666: its last byte reads as an operand-size prefix.
	im.Text.Raw(0xB8, 0x66, 0x66, 0x66, 0x66)
	afterData16 := im.Text.PC()
	im.Text.MovRIP(synth.RAX, stray)
	// mov ecx, 0x48484848: its last byte reads as REX.W.
	im.Text.Raw(0xB9, 0x48, 0x48, 0x48, 0x48)
	afterREX := im.Text.PC()
	loadRIP32(plain)
	im.Text.Ret()
	im.Unwind(start, im.Text.PC())

	a, mods := newAnalyzer(t, im)
	m := mods[0]

	tests := []struct {
		name   string
		target uint64
		want   uint64
	}{
		{"rex.w lea", str, rexLea},
		{"rex.w load after a 0x66 byte", stray, afterData16},
		{"32-bit load after a 0x48 byte", plain, afterREX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, []uint64{tt.want}, a.ResolveBackward(m, tt.target))
			first, ok := a.FirstReference(m, tt.target)
			require.True(t, ok)
			assert.Equal(t, tt.want, first)

			in, ok := a.Decode(first)
			require.True(t, ok)
			got, ok := a.Displacement(in)
			require.True(t, ok)
			assert.Equal(t, tt.target, got)
		})
	}

	fn, ok := a.FindFunctionFromStringRef(m, Narrow("causeevent="))
	require.True(t, ok)
	assert.Equal(t, start, fn)
}

func TestAbsoluteOperands(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	global := im.Data.U64(0)
	im.Func("f")
	moffs := im.Text.PC()
	var abs [8]byte
	binary.LittleEndian.PutUint64(abs[:], global)
	im.Text.Raw(0x48, 0xA1).Raw(abs[:]...) // mov rax, qword ptr [moffs64]
	unmapped := im.Text.PC()
	im.Text.CallRIP(gameBase + 0x10000000)
	im.Text.Ret()
	a, _ := newAnalyzer(t, im)

	got, ok := a.ResolveForward(moffs)
	require.True(t, ok)
	assert.Equal(t, global, got)

	_, ok = a.ResolveForward(unmapped)
	assert.False(t, ok, "call through an unreadable slot")
}
