package resolver

import (
	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

const (
	gmallocWalkBudget   = 100
	mallocVtableEntries = 30
	reallocMinLength    = 15
)

// Names allocators report from a tiny virtual getter.
var allocatorNames = []analysis.Literal{
	analysis.Wide("binned"),
	analysis.Wide("binned2"),
	analysis.Wide("tbbmalloc"),
	analysis.Wide("ansimalloc"),
	analysis.Wide("binnedmalloc"),
	analysis.Wide("binnedmalloc2"),
	analysis.Wide("binnedmalloc3"),
	analysis.Wide("mimalloc"),
	analysis.Wide("stompmalloc"),
	analysis.Wide("Binned3"),
	analysis.Wide("TBB"),
}

// GMalloc is referenced nearly everywhere; any CoreUObject routine that
// allocates will do as a starting point.
func gmallocStrategy() Strategy {
	seed := func(name string, find func(e *Engine, m *memory.Module) (uint64, bool)) Heuristic {
		return Heuristic{Name: name, Run: func(e *Engine) facts.Outcome {
			m, ok := e.ueModule(moduleCoreUObject)
			if !ok {
				return facts.NotFound()
			}
			fn, ok := find(e, m)
			if !ok {
				return facts.NotFound()
			}
			e.log.Info("allocator search seed", "fact", GMalloc, "fn", logging.Hex(fn))
			return e.gmallocFrom(fn)
		}}
	}
	return Strategy{
		Name: GMalloc,
		Kind: facts.Address,
		Heuristics: []Heuristic{
			seed("gc settings strings", func(e *Engine, m *memory.Module) (uint64, bool) {
				return e.a.FindFunctionWithStringRefs(m,
					analysis.Wide("gc.MaxObjectsNotConsideredByGC"),
					analysis.Wide("/Script/Engine.GarbageCollectionSettings"))
			}),
			seed("legacy gc strings", func(e *Engine, m *memory.Module) (uint64, bool) {
				return e.a.FindFunctionWithStringRefs(m,
					analysis.Wide("MaxObjectsNotConsideredByGC"),
					analysis.Wide("SizeOfPermanentObjectPool"))
			}),
			seed("gc cvar registration", func(e *Engine, m *memory.Module) (uint64, bool) {
				if fn, ok := e.a.FindFunctionFromStringRef(m, analysis.Wide("gc.MaxObjectsNotConsideredByGC")); ok {
					return fn, true
				}
				return e.a.FindFunctionFromStringRef(m, analysis.Wide("MaxObjectsNotConsideredByGC"))
			}),
		},
	}
}

// gmallocFrom walks fn for a global whose object has a vtable with a tiny
// entry naming the allocator.
func (e *Engine) gmallocFrom(fn uint64) facts.Outcome {
	sp := e.a.Space()
	seen := make(map[uint64]struct{})
	var global, vtable uint64

	e.a.Walk(fn, gmallocWalkBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
		if in.IsBranch() {
			return analysis.Continue
		}
		disp, ok := e.a.Displacement(in)
		if !ok {
			return analysis.Continue
		}
		if _, dup := seen[disp]; dup {
			return analysis.Continue
		}
		seen[disp] = struct{}{}

		vt, ok := memory.Deref(sp, disp, 2)
		if !ok || !sp.IsReadable(vt, mallocVtableEntries*8) {
			return analysis.Continue
		}
		for i := 0; i < mallocVtableEntries; i++ {
			entry, ok := e.slot(vt, i)
			if !ok {
				return analysis.Continue
			}
			if e.a.ClassifyEntry(entry) != analysis.EntryTiny {
				continue
			}
			if name, ok := e.a.FindAnyStringInPath(analysis.From(entry), allocatorNames...); ok {
				e.log.Info("found allocator", "fact", GMalloc, "name", name.Text, "global", logging.Hex(disp), "index", i)
				global, vtable = disp, vt
				return analysis.Break
			}
		}
		return analysis.Continue
	})

	if global == 0 {
		return facts.NotFound()
	}
	return facts.Found(global, "").With(e.allocatorIndices(vtable)...)
}

// allocatorIndices locates Malloc, Realloc and Free in the allocator
// vtable. Each search starts after the previous hit.
func (e *Engine) allocatorIndices(vtable uint64) []facts.Fact {
	var out []facts.Fact
	malloc, ok := e.findSlot(vtable, 1, analysis.RequireAPI(analysis.From, e.api(apiVirtualAlloc)))
	if !ok {
		e.log.Error("allocator Malloc slot not found", "vtable", logging.Hex(vtable))
		return out
	}
	out = append(out, resolved(MallocIndex, facts.Index, uint64(malloc), "calls VirtualAlloc"))

	// Realloc is whichever entry does real work after Malloc. Some builds
	// reach VirtualAlloc only through an indirect call, so no API check.
	realloc, ok := e.findSlot(vtable, malloc+1, analysis.MinInstructions(allocatorPath, reallocMinLength+1))
	if !ok {
		e.log.Error("allocator Realloc slot not found", "vtable", logging.Hex(vtable))
		return out
	}
	out = append(out, resolved(ReallocIndex, facts.Index, uint64(realloc), "first long entry after Malloc"))

	free, ok := e.findSlot(vtable, realloc+1, analysis.RequireAPI(analysis.From, e.api(apiVirtualFree)))
	if !ok {
		e.log.Error("allocator Free slot not found", "vtable", logging.Hex(vtable))
		return out
	}
	return append(out, resolved(FreeIndex, facts.Index, uint64(free), "calls VirtualFree"))
}

func allocatorPath(fn uint64) analysis.Path {
	return analysis.From(fn).WithBudget(gmallocWalkBudget)
}

// findSlot returns the first vtable index from on whose entry passes every
// check.
func (e *Engine) findSlot(vtable uint64, from int, checks ...analysis.Check) (int, bool) {
	chain := analysis.NewCheckChain(checks...)
	for i := from; i < mallocVtableEntries; i++ {
		fn, ok := e.slot(vtable, i)
		if !ok {
			return 0, false
		}
		if chain.Accept(e.a, fn) {
			return i, true
		}
	}
	return 0, false
}
