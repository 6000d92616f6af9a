package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/synth"
)

func emitFuncs(im *synth.Image, prefix string, n int) []uint64 {
	fns := make([]uint64, n)
	for i := range fns {
		fns[i] = im.Func(fmt.Sprintf("%s%d", prefix, i))
		im.Text.XorReg(synth.RAX).Ret()
	}
	return fns
}

func TestVtableBoundsStopsAtUnmappedSlot(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	fns := emitFuncs(im, "f", 10)
	// The table is the last thing in the data section; slot 10 is unmapped.
	vt := im.Data.Table(fns...)
	a, _ := newAnalyzer(t, im)

	assert.Equal(t, 10, a.ForwardBound(vt, MaxVtableEntries))
	assert.Equal(t, 10, a.VtableBounds(vt, MaxVtableEntries))
	assert.Equal(t, 4, a.VtableBounds(vt, 4))

	v := a.Vtable(vt, MaxVtableEntries)
	assert.Equal(t, 10, v.Len)
	e, ok := v.Entry(9)
	require.True(t, ok)
	assert.Equal(t, fns[9], e)
	_, ok = v.Entry(10)
	assert.False(t, ok)
	i, ok := v.IndexOf(fns[3])
	require.True(t, ok)
	assert.Equal(t, 3, i)
}

func TestVtableBoundsStopsAtInvalidEntries(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	fns := emitFuncs(im, "f", 3)

	nullTerminated := im.Data.Table(fns[0], fns[1], 0, fns[2])
	dataEntry := im.Data.Table(fns[0], nullTerminated, fns[1])
	self := im.Data.Align(8).PC()
	im.Data.Table(fns[0], fns[1], self, fns[2])
	im.Data.U64(0)
	a, _ := newAnalyzer(t, im)

	tests := []struct {
		name string
		base uint64
		want int
	}{
		{"null entry", nullTerminated, 2},
		{"pointer to data", dataEntry, 1},
		{"back-reference into own storage", self, 2},
		{"unreadable base", 0xdead0000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.VtableBounds(tt.base, MaxVtableEntries))
		})
	}
}

func TestVtableBoundsBackwardPass(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	fns := emitFuncs(im, "f", 10)
	first := im.Data.Table(fns[:6]...)
	second := im.Data.Table(fns[6:]...)
	im.Data.U64(0)

	// Constructors store each table's address.
	im.Func("ctorFirst")
	im.Text.LeaRIP(synth.RAX, first).MovStore(synth.RCX, 0, synth.RAX).Ret()
	im.Func("ctorSecond")
	im.Text.LeaRIP(synth.RAX, second).MovStore(synth.RCX, 0, synth.RAX).Ret()
	a, _ := newAnalyzer(t, im)

	assert.Equal(t, 10, a.ForwardBound(first, MaxVtableEntries))
	assert.Equal(t, 6, a.VtableBounds(first, MaxVtableEntries))
	assert.Equal(t, 4, a.VtableBounds(second, MaxVtableEntries))
}

func TestClassifyEntry(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	tiny := im.Func("tiny")
	im.Text.MovImm32(synth.RAX, 1).Ret()
	normal := im.Func("normal")
	im.Text.Prologue()
	for i := 0; i < TinyFunctionLimit; i++ {
		im.Text.Nop()
	}
	im.Text.Epilogue()
	// Calls are stepped over, so a wrapper around a big function stays tiny.
	wrapper := im.Func("wrapper")
	im.Text.CallL("normal").Ret()
	a, _ := newAnalyzer(t, im)

	assert.Equal(t, EntryTiny, a.ClassifyEntry(tiny))
	assert.Equal(t, EntryNormal, a.ClassifyEntry(normal))
	assert.Equal(t, EntryTiny, a.ClassifyEntry(wrapper))
	assert.Equal(t, EntryUnreadable, a.ClassifyEntry(0x10))
}
