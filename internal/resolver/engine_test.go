package resolver

import (
	"context"
	"encoding/binary"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/facts"
	"binfacts/internal/memory"
	"binfacts/internal/synth"
)

const gameBase = 0x140000000

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T, seeds Seeds, images ...*synth.Image) *Engine {
	t.Helper()
	s := memory.NewSnapshot()
	for _, im := range images {
		_, err := im.Map(s)
		require.NoError(t, err)
	}
	dec, err := disasm.NewX86(s, 1024)
	require.NoError(t, err)
	e := New(analysis.New(s, dec, nil), Options{Seeds: seeds})
	t.Cleanup(e.Close)
	return e
}

// emitFunc emits a function body and records its unwind range.
func emitFunc(im *synth.Image, name string, body func(a *synth.Asm)) uint64 {
	start := im.Func(name)
	body(im.Text)
	im.Unwind(start, im.Text.PC())
	return start
}

func ret(a *synth.Asm) { a.Ret() }

func TestGMallocAndAllocatorSlots(t *testing.T) {
	im := synth.NewImage("Game-CoreUObject-Win64-Shipping.dll", gameBase)
	first := im.Data.WString("gc.MaxObjectsNotConsideredByGC")
	second := im.Data.WString("/Script/Engine.GarbageCollectionSettings")
	name := im.Data.WString("binned2")
	alloc := im.Import("VirtualAlloc", 0)
	free := im.Import("VirtualFree", 0)

	stub := emitFunc(im, "stub", ret)
	malloc := emitFunc(im, "malloc", func(a *synth.Asm) { a.Prologue().CallRIP(alloc).Epilogue() })
	realloc := emitFunc(im, "realloc", func(a *synth.Asm) {
		for i := 0; i < 20; i++ {
			a.Nop()
		}
		a.Ret()
	})
	release := emitFunc(im, "free", func(a *synth.Asm) { a.Prologue().CallRIP(free).Epilogue() })
	getName := emitFunc(im, "getName", func(a *synth.Asm) { a.LeaRIP(synth.RAX, name).Ret() })

	slots := []uint64{stub, malloc, realloc, release, getName}
	for len(slots) < mallocVtableEntries {
		slots = append(slots, stub)
	}
	vtable := im.Data.Table(slots...)
	object := im.Data.U64(vtable)
	global := im.Data.U64(object)

	emitFunc(im, "gcSettings", func(a *synth.Asm) {
		a.Prologue().
			LeaRIP(synth.RCX, first).
			LeaRIP(synth.RDX, second).
			MovRIP(synth.RAX, global).
			Epilogue()
	})

	e := newEngine(t, Seeds{}, im)

	got, ok := e.GMalloc()
	require.True(t, ok)
	assert.Equal(t, global, got)
	assert.Equal(t, "gc settings strings", e.Resolve(GMalloc).Source)

	tests := []struct {
		name string
		get  func() (int, bool)
		want int
	}{
		{"malloc", e.MallocIndex, 1},
		{"realloc", e.ReallocIndex, 2},
		{"free", e.FreeIndex, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := tt.get()
			require.True(t, ok)
			assert.Equal(t, tt.want, idx)
		})
	}
}

func TestFNameConstructorAnchors(t *testing.T) {
	tests := []struct {
		name   string
		anchor string
		source string
	}{
		{"tag metadata", "FTagMetaData", "SlateCore FTagMetaData"},
		{"navigation metadata fallback", "FNavigationMetaData", "SlateCore FNavigationMetaData"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := synth.NewImage("Game-SlateCore-Win64-Shipping.dll", gameBase)
			str := im.Data.WString(tt.anchor)
			ctor := emitFunc(im, "ctor", ret)
			emitFunc(im, "register", func(a *synth.Asm) {
				a.Prologue().LeaRIP(synth.RDX, str).MovRegReg(synth.RCX, synth.RBX).Call(ctor).Epilogue()
			})
			e := newEngine(t, Seeds{}, im)

			f := e.Resolve(FNameConstructor)
			got, ok := f.Address()
			require.True(t, ok)
			assert.Equal(t, ctor, got)
			assert.Equal(t, tt.source, f.Source)
		})
	}
}

func TestProcessEventIndex(t *testing.T) {
	im := synth.NewImage("Game-CoreUObject-Win64-Shipping.dll", gameBase)
	marker := im.Data.WString("Script call stack:\n")
	stub := emitFunc(im, "stub", ret)
	printer := emitFunc(im, "printer", func(a *synth.Asm) { a.LeaRIP(synth.RCX, marker).Ret() })

	inner := []uint64{printer}
	for len(inner) < innerVtableEntries {
		inner = append(inner, stub)
	}
	table := im.Data.Table(inner...)
	processEvent := emitFunc(im, "processEvent", func(a *synth.Asm) { a.LeaRIP(synth.RAX, table).Ret() })

	vtable := im.Data.Table(stub, stub, processEvent, 0)
	object := im.Data.U64(vtable)

	e := newEngine(t, Seeds{ObjectDefault: object}, im)
	idx, ok := e.ProcessEventIndex()
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	// Without the seed the fact stays unresolved.
	e = newEngine(t, Seeds{}, im)
	_, ok = e.ProcessEventIndex()
	assert.False(t, ok)
}

func TestDestructorAndAddObject(t *testing.T) {
	im := synth.NewImage("Game-CoreUObject-Win64-Shipping.dll", gameBase)
	lock := im.Import("EnterCriticalSection", 0)
	stub := emitFunc(im, "stub", ret)
	baseVtable := im.Data.Table(stub, stub)

	baseDtor := emitFunc(im, "baseDtor", func(a *synth.Asm) {
		a.LeaRIP(synth.RAX, baseVtable).MovStore(synth.RCX, 0, synth.RAX).Ret()
	})
	im.Text.Raw(make([]byte, 0x110)...)
	addObject := emitFunc(im, "addObject", func(a *synth.Asm) {
		a.Prologue().CallRIP(lock).MovLoad(synth.RAX, synth.RBX, 0).CallReg(synth.RAX).Epilogue()
	})
	emitFunc(im, "ctor", func(a *synth.Asm) {
		a.LeaRIP(synth.RAX, baseVtable).
			MovStore(synth.RCX, 0, synth.RAX).
			MovMemImm32(synth.RCX, 0x0C, 0xFFFFFFFF).
			MovRegReg(synth.RBX, synth.RCX).
			Call(addObject)
		for i := 0; i < 10; i++ {
			a.Nop()
		}
		a.Ret()
	})

	// The UObject vtable is emitted after its destructor, which needs it.
	objectVtable := im.Data.Align(8).PC()
	dtor := emitFunc(im, "dtor", func(a *synth.Asm) {
		a.LeaRIP(synth.RAX, objectVtable).MovStore(synth.RCX, 0, synth.RAX).Call(baseDtor).Ret()
	})
	require.Equal(t, objectVtable, im.Data.Table(dtor, stub))
	object := im.Data.U64(objectVtable)

	e := newEngine(t, Seeds{ObjectDefault: object}, im)

	got, ok := e.ObjectDestructor()
	require.True(t, ok)
	assert.Equal(t, baseDtor, got)
	vt, ok := e.ObjectVtable()
	require.True(t, ok)
	assert.Equal(t, baseVtable, vt)

	got, ok = e.AddObject()
	require.True(t, ok)
	assert.Equal(t, addObject, got)
	assert.Equal(t, "constructor vtable references", e.Resolve(AddObject).Source)
}

func TestAddObjectExportFallback(t *testing.T) {
	im := synth.NewImage("Game-CoreUObject-Win64-Shipping.dll", gameBase)
	addObject := emitFunc(im, "addObject", ret)
	im.Export(addObjectExports[0], addObject)
	e := newEngine(t, Seeds{}, im)

	f := e.Resolve(AddObject)
	got, ok := f.Address()
	require.True(t, ok)
	assert.Equal(t, addObject, got)
	assert.Equal(t, "export", f.Source)
}

func TestTickAddress(t *testing.T) {
	build := func(inTable bool) (*synth.Image, uint64, uint64, uint64) {
		im := synth.NewImage("Game-Engine-Win64-Shipping.dll", gameBase)
		anchor := im.Data.WString("causeevent=")
		stub := emitFunc(im, "stub", ret)
		tick := emitFunc(im, "tick", func(a *synth.Asm) { a.Prologue().LeaRIP(synth.RDX, anchor).Epilogue() })
		wrapper := emitFunc(im, "wrapper", func(a *synth.Asm) { a.Prologue().Call(tick).Epilogue() })
		entry := wrapper
		if inTable {
			entry = tick
		}
		vtable := im.Data.Table(stub, entry, 0)
		engine := im.Data.U64(vtable)
		return im, engine, tick, wrapper
	}

	t.Run("virtual function referencing anchor", func(t *testing.T) {
		im, engine, tick, _ := build(true)
		e := newEngine(t, Seeds{Engine: engine}, im)
		got, ok := e.TickAddress()
		require.True(t, ok)
		assert.Equal(t, tick, got)
		assert.Equal(t, "virtual causeevent reference", e.Resolve(GameEngineTick).Source)
	})
	t.Run("engine entry reaching anchor", func(t *testing.T) {
		im, engine, _, wrapper := build(false)
		e := newEngine(t, Seeds{Engine: engine}, im)
		got, ok := e.TickAddress()
		require.True(t, ok)
		assert.Equal(t, wrapper, got)
		assert.Equal(t, "engine vtable entry reaching causeevent", e.Resolve(GameEngineTick).Source)
	})
}

func TestPostRenderIndex(t *testing.T) {
	im := synth.NewImage("Game-Engine-Win64-Shipping.dll", gameBase)
	nullRHI := im.Data.WString("nullrhi")
	stub := emitFunc(im, "stub", ret)
	postRender := emitFunc(im, "postRender", func(a *synth.Asm) { a.Prologue().LeaRIP(synth.RCX, nullRHI).Epilogue() })

	slots := make([]uint64, 110)
	for i := range slots {
		slots[i] = stub
	}
	slots[105] = postRender
	vtable := im.Data.Table(append(slots, 0)...)
	hud := im.Data.U64(vtable)

	e := newEngine(t, Seeds{HUDDefault: hud}, im)
	idx, ok := e.PostRenderIndex()
	require.True(t, ok)
	assert.Equal(t, 105, idx)
}

func TestViewportIndicesFromEmulation(t *testing.T) {
	im := synth.NewImage("Game-Engine-Win64-Shipping.dll", gameBase)
	draw := emitFunc(im, "draw", func(a *synth.Asm) {
		a.Push(synth.RBX).
			MovRegReg(synth.RBX, synth.RDX).
			MovLoad(synth.RAX, synth.RDX, 0).
			MovRegReg(synth.RCX, synth.RDX).
			CallMem(synth.RAX, 0x20).
			MovLoad(synth.RAX, synth.RBX, 0).
			MovRegReg(synth.RCX, synth.RBX).
			CallMem(synth.RAX, 0x38).
			Pop(synth.RBX).
			Ret()
	})
	e := newEngine(t, Seeds{ViewportDraw: draw}, im)

	canvas, ok := e.DebugCanvasIndex()
	require.True(t, ok)
	assert.Equal(t, 4, canvas)
	size, ok := e.ViewportSizeXYIndex()
	require.True(t, ok)
	assert.Equal(t, 7, size)
}

func TestViewportEmulationStepsOverCalls(t *testing.T) {
	im := synth.NewImage("Game-Engine-Win64-Shipping.dll", gameBase)
	// The helper makes its own viewport call and is longer than the
	// emulation budget.
	helper := emitFunc(im, "helper", func(a *synth.Asm) {
		a.MovLoad(synth.RAX, synth.RDX, 0).
			MovRegReg(synth.RCX, synth.RDX).
			CallMem(synth.RAX, 0x50)
		for range 120 {
			a.Nop()
		}
		a.Ret()
	})
	draw := emitFunc(im, "draw", func(a *synth.Asm) {
		a.Push(synth.RBX).
			MovRegReg(synth.RBX, synth.RDX).
			Call(helper).
			MovLoad(synth.RAX, synth.RBX, 0).
			MovRegReg(synth.RCX, synth.RBX).
			CallMem(synth.RAX, 0x20).
			MovLoad(synth.RAX, synth.RBX, 0).
			CallMem(synth.RAX, 0x28).
			MovLoad(synth.RAX, synth.RBX, 0).
			MovRegReg(synth.RCX, synth.RBX).
			CallMem(synth.RAX, 0x38).
			Pop(synth.RBX).
			Ret()
	})
	e := newEngine(t, Seeds{ViewportDraw: draw}, im)

	canvas, ok := e.DebugCanvasIndex()
	require.True(t, ok)
	assert.Equal(t, 4, canvas)
	size, ok := e.ViewportSizeXYIndex()
	require.True(t, ok)
	assert.Equal(t, 7, size, "the call at 0x28 runs with RCX cleared by the previous call")
}

func TestFunctionFlagsOffset(t *testing.T) {
	im := synth.NewImage("Game-CoreUObject-Win64-Shipping.dll", gameBase)
	body := make([]byte, functionFlagsEnd)
	// FUNC_Native | FUNC_Public without FUNC_Exec is not the flags word.
	binary.LittleEndian.PutUint32(body[0x60:], 0x20400)
	binary.LittleEndian.PutUint32(body[0x88:], 0x20601)
	im.Data.Align(8)
	function := im.Data.Bytes(body...)

	assert.EqualValues(t, 0x20600, functionFlagsMask)

	tests := []struct {
		name  string
		start uint64
		want  uint64
		ok    bool
	}{
		{"default start", 0, 0x88, true},
		{"start at partial flags", 0x60, 0x88, true},
		{"start at flags", 0x88, 0x88, true},
		{"start past flags", 0x90, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, Seeds{FlyFunction: function, FunctionFlagsStart: tt.start}, im)
			got, ok := e.FunctionFlagsOffset()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefineAndResolveAll(t *testing.T) {
	e := newEngine(t, Seeds{})
	var runs atomic.Int32
	custom := Strategy{
		Name: "Custom::Answer",
		Kind: facts.Offset,
		Heuristics: []Heuristic{
			{Name: "fails", Run: func(*Engine) facts.Outcome { runs.Add(1); return facts.NotFound() }},
			{Name: "constant", Run: func(*Engine) facts.Outcome { return facts.Found(0x2a, "") }},
		},
	}
	require.NoError(t, e.Define(custom))
	assert.Error(t, e.Define(custom))
	assert.Error(t, e.Define(Strategy{Name: "Empty"}))
	assert.Error(t, e.Define(Strategy{Heuristics: custom.Heuristics}))
	assert.Error(t, e.Define(Strategy{Name: GMalloc, Heuristics: custom.Heuristics}))

	for i := 0; i < 3; i++ {
		all, err := e.ResolveAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, all, len(e.Names()))
	}
	assert.Equal(t, int32(1), runs.Load())

	f, ok := e.Peek("Custom::Answer")
	require.True(t, ok)
	assert.Equal(t, "constant", f.Source)
	off, ok := f.Offset()
	require.True(t, ok)
	assert.Equal(t, uint64(0x2a), off)

	// Nothing is mapped, so every built-in fact is unresolved.
	for _, f := range e.Facts() {
		if f.Name != "Custom::Answer" {
			assert.False(t, f.Resolved, f.Name)
		}
	}
	assert.True(t, slices.Contains(e.Names(), ViewportSizeXYIndex))
}

func TestResolveAllHonorsCancellation(t *testing.T) {
	e := newEngine(t, Seeds{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ResolveAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnknownAndClosed(t *testing.T) {
	e := newEngine(t, Seeds{})
	f := e.Resolve("Nope::Nothing")
	assert.False(t, f.Resolved)
	assert.Equal(t, "Nope::Nothing", f.Name)

	require.NoError(t, e.Define(Strategy{
		Name:       "Late::Fact",
		Kind:       facts.Address,
		Heuristics: []Heuristic{{Name: "constant", Run: func(*Engine) facts.Outcome { return facts.Found(1, "") }}},
	}))
	e.Close()
	assert.False(t, e.Resolve("Late::Fact").Resolved)
}
