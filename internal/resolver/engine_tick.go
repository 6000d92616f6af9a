package resolver

import (
	"binfacts/internal/analysis"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

const (
	engineVtableEntries = 200
	thunkBacktrack      = 10
)

// UGameEngine::Tick parses "causeevent=" from the command line, and the
// UEngine base declares Tick pure virtual with a fatal error naming it.
var (
	tickAnchor       = analysis.Wide("causeevent=")
	tickPureVirtual  = analysis.Wide("UEngine::Tick")
	leaR8Rel32Prefix = []byte{0x4C, 0x8D, 0x05}
	jmpRel32Prefix   = []byte{0xE9}
)

func tickStrategy() Strategy {
	return Strategy{
		Name: GameEngineTick,
		Kind: facts.Address,
		Heuristics: []Heuristic{
			{Name: "virtual causeevent reference", Run: (*Engine).tickFromVirtualRef},
			{Name: "engine vtable entry reaching causeevent", Run: (*Engine).tickEncapsulating},
			{Name: "UEngine pure virtual slot", Run: (*Engine).tickFromPureVirtual},
		},
	}
}

func (e *Engine) tickFromVirtualRef() facts.Outcome {
	m, ok := e.ueModule(moduleEngine)
	if !ok {
		return facts.NotFound()
	}
	fn, ok := e.a.FindVirtualFunctionFromStringRef(m, tickAnchor)
	if !ok {
		return facts.NotFound()
	}
	if e.opts.Seeds.Engine == 0 {
		return facts.Found(fn, "")
	}
	vt, ok := e.vtableOf(e.opts.Seeds.Engine)
	if !ok {
		return facts.NotFound()
	}
	if _, ok := e.a.VtableUnchecked(vt, engineVtableEntries).IndexOf(fn); !ok {
		e.log.Warn("candidate is not in the engine vtable", "fact", GameEngineTick, "fn", logging.Hex(fn))
		return facts.NotFound()
	}
	return facts.Found(fn, "")
}

func (e *Engine) tickEncapsulating() facts.Outcome {
	m, ok := e.ueModule(moduleEngine)
	if !ok {
		return facts.NotFound()
	}
	vt, ok := e.vtableOf(e.opts.Seeds.Engine)
	if !ok {
		return facts.NotFound()
	}
	for _, ref := range e.a.FindStringReferences(m, tickAnchor) {
		if fn, i, ok := e.a.FindEncapsulatingVirtualFunction(vt, engineVtableEntries, ref); ok {
			e.log.Info("engine entry reaches anchor", "fact", GameEngineTick, "index", i)
			return facts.Found(fn, "")
		}
	}
	return facts.NotFound()
}

// tickFromPureVirtual locates the pure virtual stub in the UEngine vtable,
// derives its index from the distance to the table start and reads the
// same slot of the live engine's vtable.
func (e *Engine) tickFromPureVirtual() facts.Outcome {
	m, ok := e.ueModule(moduleEngine)
	if !ok {
		return facts.NotFound()
	}
	vt, ok := e.vtableOf(e.opts.Seeds.Engine)
	if !ok {
		return facts.NotFound()
	}
	stub, ok := e.pureVirtualStub(m)
	if !ok {
		return facts.NotFound()
	}
	slot, ok := e.stubSlot(m, stub)
	if !ok {
		e.log.Error("pure virtual stub not in any table", "fact", GameEngineTick, "stub", logging.Hex(stub))
		return facts.NotFound()
	}
	for i := 1; i < engineVtableEntries; i++ {
		if _, ok := e.a.FirstReference(m, slot-uint64(i)*8); !ok {
			continue
		}
		fn, ok := e.slot(vt, i)
		if !ok {
			return facts.NotFound()
		}
		e.log.Info("pure virtual slot", "fact", GameEngineTick, "index", i)
		return facts.Found(fn, "")
	}
	return facts.NotFound()
}

func (e *Engine) pureVirtualStub(m *memory.Module) (uint64, bool) {
	if fn, ok := e.a.FindFunctionFromStringRef(m, tickPureVirtual); ok {
		return fn, true
	}
	str, ok := e.a.FindString(m, tickPureVirtual)
	if !ok {
		return 0, false
	}
	ref, ok := e.a.ScanRelativeStrict(m, str, leaR8Rel32Prefix)
	if !ok {
		return 0, false
	}
	return e.a.FindFunctionStart(ref)
}

// stubSlot returns the table slot holding stub or, with incremental
// linking, the thunk jumping to it.
func (e *Engine) stubSlot(m *memory.Module, stub uint64) (uint64, bool) {
	if slot, ok := e.a.ScanPointer(m, stub); ok {
		return slot, true
	}
	thunk, ok := e.a.FirstReference(m, stub)
	if !ok {
		if thunk, ok = e.a.ScanRelativeStrict(m, stub, jmpRel32Prefix); !ok {
			return 0, false
		}
	}
	for back := uint64(0); back <= thunkBacktrack && back <= thunk; back++ {
		if slot, ok := e.a.ScanPointer(m, thunk-back); ok {
			return slot, true
		}
	}
	return 0, false
}
