package resolver

import (
	"slices"

	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

const (
	objectVtableEntries = 100
	innerVtableEntries  = 10
	processEventBudget  = 1000
	destructorBudget    = 100
	destructorSpan      = 0x100
	addObjectBudget     = 100
	addObjectMinLength  = 15
	allOnesWindow       = 15
	allOnesBehind       = 5
	listenerCallBudget  = 200
)

// Mangled export of UObjectBase::AddObject on Windows, and its demangled
// form as recorded for ELF images.
var addObjectExports = []string{
	"?AddObject@UObjectBase@@AEAAXVFName@@W4EInternalObjectFlags@@@Z",
	"UObjectBase::AddObject(FName, EInternalObjectFlags)",
}

// processEventStrategy finds the UObject vtable slot whose routine
// references a table of routines, one of which prints the script stack
// on failure: ProcessEvent.
func processEventStrategy() Strategy {
	return Strategy{
		Name:       ProcessEventIndex,
		Kind:       facts.Index,
		Heuristics: []Heuristic{{Name: "nested vtable script stack", Run: (*Engine).processEventIndex}},
	}
}

func (e *Engine) processEventIndex() facts.Outcome {
	vtable, ok := e.vtableOf(e.opts.Seeds.ObjectDefault)
	if !ok {
		return facts.NotFound()
	}
	sp := e.a.Space()
	marker := analysis.Wide("Script call stack:\n")
	seen := make(map[uint64]struct{})
	mark := func(addr uint64) bool {
		if _, ok := seen[addr]; ok {
			return false
		}
		seen[addr] = struct{}{}
		return true
	}

	for i := 0; i < objectVtableEntries; i++ {
		fn, ok := e.slot(vtable, i)
		if !ok {
			break
		}
		found := false
		e.a.Walk(fn, processEventBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
			if !mark(in.Addr) {
				return analysis.Break
			}
			if in.IsBranch() {
				return analysis.Continue
			}
			inner, ok := e.a.Displacement(in)
			if !ok || !sp.IsReadable(inner, innerVtableEntries*8) {
				return analysis.Continue
			}
			for j := 0; j < innerVtableEntries && !found; j++ {
				innerFn, ok := e.slot(inner, j)
				if !ok {
					break
				}
				e.a.Walk(innerFn, processEventBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
					if !mark(in.Addr) {
						return analysis.Break
					}
					if disp, ok := e.a.Displacement(in); ok && e.a.MatchesLiteral(disp, marker) {
						found = true
						return analysis.Break
					}
					return analysis.Continue
				})
			}
			if found {
				return analysis.Break
			}
			return analysis.Continue
		})
		if found {
			return facts.Found(uint64(i), "")
		}
	}
	return facts.NotFound()
}

// destructorStrategy finds ~UObjectBase through the UObject destructor:
// it either calls the base destructor, which loads the base vtable, or
// has it inlined.
func destructorStrategy() Strategy {
	return Strategy{
		Name:       ObjectDestructor,
		Kind:       facts.Address,
		Heuristics: []Heuristic{{Name: "UObject destructor walk", Run: (*Engine).destructor}},
	}
}

func (e *Engine) destructor() facts.Outcome {
	vtable, ok := e.vtableOf(e.opts.Seeds.ObjectDefault)
	if !ok {
		return facts.NotFound()
	}
	dtor, ok := e.slot(vtable, 0)
	if !ok {
		e.log.Error("UObject vtable has no destructor", "vtable", logging.Hex(vtable))
		return facts.NotFound()
	}
	sp := e.a.Space()
	var fn, base uint64

	e.a.Walk(dtor, destructorBudget, func(in disasm.Inst, ctx *analysis.TraversalContext) analysis.Action {
		if in.IsCall() {
			callee, ok := e.a.CallTarget(in)
			if !ok {
				return analysis.StepOver
			}
			e.a.Walk(callee, destructorBudget, func(in disasm.Inst, inner *analysis.TraversalContext) analysis.Action {
				if in.Op() != x86asm.LEA {
					return analysis.Continue
				}
				if disp, ok := e.a.Displacement(in); ok && disp != vtable {
					fn, base = inner.BranchStart, disp
					return analysis.Break
				}
				return analysis.Continue
			})
			if fn != 0 {
				return analysis.Break
			}
			return analysis.StepOver
		}
		if in.IsBranch() || in.Op() != x86asm.LEA {
			return analysis.Continue
		}
		disp, ok := e.a.Displacement(in)
		if !ok || disp == vtable {
			return analysis.Continue
		}
		base = disp
		fn = ctx.BranchStart
		if first, ok := memory.ReadPointer(sp, disp); ok && first == dtor {
			// The base destructor was inlined; the first call that follows
			// is the best remaining guess.
			e.log.Warn("destructor looks inlined, using following call", "fact", ObjectDestructor, "at", logging.Hex(in.Addr))
			if call, ok := e.a.FindMnemonicInPath(analysis.Shallow(in.Addr).WithBudget(destructorBudget), "CALL"); ok {
				if target, ok := e.a.CallTarget(call); ok {
					fn = target
				}
			}
		}
		return analysis.Break
	})

	if fn == 0 {
		return facts.NotFound()
	}
	return facts.Found(fn, "").With(resolved(ObjectVtable, facts.Address, base, "UObject destructor walk"))
}

// addObjectStrategy: the UObjectBase constructor stores the base vtable,
// marks the internal index invalid (all ones) and calls AddObject, which
// takes the object array lock and notifies listeners through an indirect
// call.
func addObjectStrategy() Strategy {
	return Strategy{
		Name: AddObject,
		Kind: facts.Address,
		Heuristics: []Heuristic{
			{Name: "constructor vtable references", Run: (*Engine).addObjectFromConstructor},
			{Name: "export", Run: (*Engine).addObjectExport},
		},
	}
}

func (e *Engine) addObjectFromConstructor() facts.Outcome {
	dtor, ok := e.Resolve(ObjectDestructor).Address()
	if !ok {
		e.log.Error("destructor unknown", "fact", AddObject)
		return facts.NotFound()
	}
	vtable, ok := e.Resolve(ObjectVtable).Address()
	if !ok {
		e.log.Error("vtable unknown", "fact", AddObject)
		return facts.NotFound()
	}
	core, ok := e.ueModule(moduleCoreUObject)
	if !ok {
		return facts.NotFound()
	}

	var refs []uint64
	for _, ref := range e.a.ResolveBackward(core, vtable) {
		if ref >= dtor && ref <= dtor+destructorSpan {
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		e.log.Error("vtable has no references outside the destructor", "fact", AddObject)
		return facts.NotFound()
	}

	ctor, ok := e.constructorPath(refs)
	if !ok {
		return facts.NotFound()
	}
	e.log.Info("examining constructor path", "fact", AddObject, "at", logging.Hex(ctor))
	return e.addObjectOnPath(ctor, core)
}

// constructorPath picks the vtable reference followed by the constructor
// body and returns the address right after it.
func (e *Engine) constructorPath(refs []uint64) (uint64, bool) {
	helper := both("UObject(FVTableHelper& Helper)")
	for _, ref := range refs {
		in, ok := e.a.Decode(ref)
		if !ok {
			continue
		}
		next := in.Next()
		p := analysis.Shallow(next).WithBudget(addObjectBudget)
		if _, ok := e.a.FindMnemonicInPath(p, "CALL"); !ok {
			continue
		}
		if e.a.CountInstructions(p) < addObjectMinLength {
			e.log.Debug("reference path ends early", "fact", AddObject, "ref", logging.Hex(ref))
			continue
		}
		if _, ok := e.a.FindAnyStringInPath(p, helper...); ok {
			e.log.Debug("reference is the vtable helper constructor", "fact", AddObject, "ref", logging.Hex(ref))
			continue
		}
		if e.storesAllOnes(next) {
			return next, true
		}
	}
	if len(refs) == 1 {
		e.log.Warn("falling back to the only vtable reference", "fact", AddObject, "ref", logging.Hex(refs[0]))
		if in, ok := e.a.Decode(refs[0]); ok {
			return in.Next(), true
		}
	}
	e.log.Error("no constructor path", "fact", AddObject)
	return 0, false
}

// storesAllOnes looks for a MOV or OR of an all-ones immediate close to
// addr, first forward then just behind it. The top bit is ignored because
// optimizers sometimes drop it.
func (e *Engine) storesAllOnes(addr uint64) bool {
	hit := false
	e.a.Walk(addr, allOnesWindow, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
		if in.IsCall() {
			return analysis.StepOver
		}
		if isAllOnes(in) {
			hit = true
			return analysis.Break
		}
		return analysis.Continue
	})
	if hit {
		return true
	}
	behind := e.a.DisassemblyBehind(addr)
	n := 0
	for _, in := range slices.Backward(behind) {
		if n >= allOnesBehind {
			break
		}
		n++
		if isAllOnes(in) {
			return true
		}
	}
	return false
}

func isAllOnes(in disasm.Inst) bool {
	if in.Op() != x86asm.MOV && in.Op() != x86asm.OR {
		return false
	}
	size := 0
	switch a := in.Raw.Args[0].(type) {
	case x86asm.Reg:
		switch {
		case a >= x86asm.AL && a <= x86asm.R15B:
			size = 1
		case a >= x86asm.AX && a <= x86asm.R15W:
			size = 2
		case a >= x86asm.EAX && a <= x86asm.R15L:
			size = 4
		default:
			size = 8
		}
	case x86asm.Mem:
		size = in.Raw.MemBytes
	}
	if size <= 0 {
		size = in.Raw.DataSize / 8
	}
	if size <= 0 || size > 8 {
		return false
	}
	var want uint64
	if size == 8 {
		want = 1<<63 - 1
	} else {
		want = (uint64(1)<<(uint(size)*8) - 1) >> 1
	}
	for _, arg := range in.Args() {
		if imm, ok := arg.(x86asm.Imm); ok && uint64(imm)&want == want {
			return true
		}
	}
	return false
}

// addObjectOnPath examines each call on the constructor path. AddObject
// locks with EnterCriticalSection inside CoreUObject and makes at least
// one register-indirect call; calls into assertion or crash reporting are
// skipped.
func (e *Engine) addObjectOnPath(start uint64, core *memory.Module) facts.Outcome {
	exclude := []analysis.Literal{}
	for _, s := range []string{"ClassPrivate", "Assertion failed: %s", "CRASHED"} {
		exclude = append(exclude, both(s)...)
	}
	noCrashReport := analysis.NewCheckChain(
		analysis.ExcludeAPI(analysis.Shallow, e.api(apiDebugBreak)),
		analysis.ExcludeAPI(analysis.Shallow, e.api(apiMessageBox)),
	)
	var result uint64
	var backups []uint64

	e.a.Walk(start, addObjectBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
		if len(backups) > 0 && in.IsJump() && in.IsRIPRelative() {
			e.log.Info("tail jump, using last candidate", "fact", AddObject, "fn", logging.Hex(backups[len(backups)-1]))
			result = backups[len(backups)-1]
			return analysis.Break
		}
		if !in.IsCall() {
			return analysis.Continue
		}
		fn, ok := e.a.CallTarget(in)
		if !ok || fn == in.Addr {
			return analysis.StepOver
		}
		shallow := analysis.Shallow(fn)
		if lit, ok := e.a.FindAnyStringInPath(shallow, exclude...); ok {
			e.log.Debug("skipping call", "fact", AddObject, "fn", logging.Hex(fn), "references", lit.Text)
			return analysis.StepOver
		}
		if !noCrashReport.Accept(e.a, fn) {
			return analysis.StepOver
		}
		lock, ok := e.a.FindAPIInPath(analysis.From(fn), e.api(apiEnterCriticalSection))
		if !ok {
			return analysis.StepOver
		}
		if m, ok := e.a.Module(lock.Addr); ok && m != core {
			e.log.Debug("lock taken outside CoreUObject", "fact", AddObject, "fn", logging.Hex(fn))
			return analysis.StepOver
		}
		backups = append(backups, fn)
		if e.hasListenerCall(fn) {
			result = fn
			return analysis.Break
		}
		return analysis.StepOver
	})

	if result == 0 && len(backups) > 0 {
		e.log.Warn("using first locking call, unverified", "fact", AddObject, "fn", logging.Hex(backups[0]))
		result = backups[0]
	}
	if result == 0 {
		return facts.NotFound()
	}
	return facts.Found(result, "")
}

// hasListenerCall reports a register-indirect call in fn itself.
func (e *Engine) hasListenerCall(fn uint64) bool {
	found := false
	e.a.Walk(fn, listenerCallBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
		if !in.IsCall() {
			return analysis.Continue
		}
		if in.IsIndirect() && !in.IsRIPRelative() {
			found = true
			return analysis.Break
		}
		return analysis.StepOver
	})
	return found
}

func (e *Engine) addObjectExport() facts.Outcome {
	core, ok := e.ueModule(moduleCoreUObject)
	if !ok {
		return facts.NotFound()
	}
	for _, name := range addObjectExports {
		if addr, ok := core.Export(name); ok {
			return facts.Found(addr, "")
		}
	}
	return facts.NotFound()
}
