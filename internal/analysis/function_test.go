package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/synth"
)

func TestFindString(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	longer := im.Data.String("MARKER_STRING_LONGER")
	narrow := im.Data.String("MARKER_STRING")
	wide := im.Data.WString("MARKER_STRING")
	a, mods := newAnalyzer(t, im)
	m := mods[0]

	tests := []struct {
		name string
		lit  Literal
		want uint64
		ok   bool
	}{
		{"narrow skips longer prefix match", Narrow("MARKER_STRING"), narrow, true},
		{"narrow longer", Narrow("MARKER_STRING_LONGER"), longer, true},
		{"wide", Wide("MARKER_STRING"), wide, true},
		{"absent", Narrow("NOT_THERE"), 0, false},
		{"absent wide", Wide("MARKER_STRING_LONGER"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := a.FindString(m, tt.lit)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	s, ok := ReadString(a.Space(), wide, MaxStringLength, true)
	require.True(t, ok)
	assert.Equal(t, "MARKER_STRING", s)
	assert.True(t, a.MatchesLiteral(longer, Narrow("MARKER")))
}

func TestMarkerStringEndToEnd(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	str := im.Data.String("MARKER_STRING")

	first := im.Func("first")
	im.Text.Prologue().LeaRIP(synth.RCX, str).Epilogue()
	second := im.Func("second")
	im.Text.Prologue().CallL("first").Epilogue()

	a, mods := newAnalyzer(t, im)
	m := mods[0]

	fn, ok := a.FindFunctionFromStringRef(m, Narrow("MARKER_STRING"))
	require.True(t, ok)
	assert.Equal(t, first, fn)

	caller, ok := a.FindCaller(m, fn)
	require.True(t, ok)
	assert.Equal(t, second, caller)

	_, ok = a.FindFunctionFromStringRef(m, Narrow("MISSING"))
	assert.False(t, ok)
}

func TestFindFunctionStartPrefersUnwindData(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	f := im.Func("f")
	// No padding between the two halves: only unwind data can tell them apart.
	im.Text.Prologue().Nop().Nop()
	inner := im.Text.PC()
	im.Text.Nop().Epilogue()
	im.Unwind(f, im.Text.PC())
	a, _ := newAnalyzer(t, im)

	got, ok := a.FindFunctionStart(inner)
	require.True(t, ok)
	assert.Equal(t, f, got)
}

func TestSelectExcludesAssertionPaths(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	target := im.Data.String("ObjectArray")
	assertion := im.Data.String("Assertion failed: %s")

	asserting := im.Func("asserting")
	im.Text.Prologue().LeaRIP(synth.RCX, target).LeaRIP(synth.RDX, assertion).Epilogue()
	clean := im.Func("clean")
	im.Text.Prologue().LeaRIP(synth.RCX, target).Epilogue()

	a, mods := newAnalyzer(t, im)

	var candidates []uint64
	for _, ref := range a.FindStringReferences(mods[0], Narrow("ObjectArray")) {
		fn, ok := a.FindFunctionStart(ref)
		require.True(t, ok)
		candidates = append(candidates, fn)
	}
	require.Equal(t, []uint64{asserting, clean}, candidates)

	got, ok := a.Select(candidates, ExcludeStrings(From, Narrow("Assertion failed: %s")))
	require.True(t, ok)
	assert.Equal(t, clean, got)

	got, ok = a.Select(candidates, RequireStrings(From, Narrow("Assertion failed: %s")))
	require.True(t, ok)
	assert.Equal(t, asserting, got)

	_, ok = a.Select(candidates, ExcludeStrings(From, Narrow("ObjectArray")))
	assert.False(t, ok)
}

func TestFindAPIInPath(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	alloc := im.Import("VirtualAlloc", 0)
	live := im.Import("Renamed", 0x7ff812340000)

	viaName := im.Func("viaName")
	im.Text.Prologue().CallRIP(alloc).Epilogue()
	viaAddr := im.Func("viaAddr")
	im.Text.Prologue().CallRIP(live).Epilogue()
	outer := im.Func("outer")
	im.Text.Prologue().CallL("viaName").Epilogue()

	a, _ := newAnalyzer(t, im)
	api := Import("VirtualAlloc", "mmap")

	_, ok := a.FindAPIInPath(From(viaName), api)
	assert.True(t, ok)
	_, ok = a.FindAPIInPath(From(viaAddr), api)
	assert.False(t, ok)
	_, ok = a.FindAPIInPath(From(viaAddr), api.WithAddrs(0x7ff812340000))
	assert.True(t, ok)

	_, ok = a.FindAPIInPath(From(outer), api)
	assert.True(t, ok, "follows calls")
	_, ok = a.FindAPIInPath(Shallow(outer), api)
	assert.False(t, ok, "steps over calls")
}

func TestDisassemblyBehind(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	str := im.Data.String("x")
	im.Func("f")
	im.Text.Prologue()
	lea := im.Text.PC()
	im.Text.LeaRIP(synth.RCX, str)
	call := im.Text.PC()
	im.Text.CallL("f").Epilogue()
	a, _ := newAnalyzer(t, im)

	code := a.DisassemblyBehind(call)
	require.NotEmpty(t, code)
	assert.Equal(t, lea, code[len(code)-1].Addr)

	in, ok := a.ScanMnemonic(lea, SearchWindowSmall, "call")
	require.True(t, ok)
	assert.Equal(t, call, in.Addr)
}

func TestClassifyPrologue(t *testing.T) {
	im := synth.NewImage("game.exe", gameBase)
	classic := im.Func("classic")
	im.Text.Push(synth.RBP).MovRegReg(synth.RBP, synth.RSP).Ret()
	pushOnly := im.Func("push")
	im.Text.Push(synth.RBX).Ret()
	frameless := im.Func("frameless")
	im.Text.SubImm8(synth.RSP, 0x28).Ret()
	none := im.Func("none")
	im.Text.XorReg(synth.RAX).Ret()
	a, _ := newAnalyzer(t, im)

	assert.Equal(t, PrologueClassic, a.ClassifyPrologue(classic))
	assert.Equal(t, ProloguePushOnly, a.ClassifyPrologue(pushOnly))
	assert.Equal(t, PrologueNoFramePointer, a.ClassifyPrologue(frameless))
	assert.Equal(t, PrologueNone, a.ClassifyPrologue(none))
}
