package resolver

import (
	"slices"

	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/emu"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
)

const (
	toStringWalkBudget = 100
	toStringEmuBudget  = 100
	// fnameThis marks the FName pointer during emulation. An FName is 8
	// bytes, so a read at a larger offset from it means the routine takes
	// a UObject instead.
	fnameThis = 0x12345678
)

// fnameConstructorStrategy: SlateCore registers a few metadata type names
// with FName(TEXT("..."), FNAME_Add); the first call after the string load
// is the constructor.
func fnameConstructorStrategy() Strategy {
	anchor := func(module, text string) Heuristic {
		return Heuristic{Name: module + " " + text, Run: func(e *Engine) facts.Outcome {
			m, ok := e.ueModule(module)
			if !ok {
				return facts.NotFound()
			}
			ref, ok := e.a.FindStringReference(m, analysis.Wide(text))
			if !ok {
				return facts.NotFound()
			}
			in, ok := e.a.Decode(ref)
			if !ok {
				return facts.NotFound()
			}
			call, ok := e.a.ScanMnemonic(in.Next(), analysis.SearchWindowSmall, "CALL")
			if !ok {
				e.log.Error("no call after anchor", "fact", FNameConstructor, "ref", logging.Hex(ref))
				return facts.NotFound()
			}
			fn, ok := e.a.CallTarget(call)
			if !ok {
				return facts.NotFound()
			}
			return facts.Found(fn, "")
		}}
	}
	return Strategy{
		Name: FNameConstructor,
		Kind: facts.Address,
		Heuristics: []Heuristic{
			anchor(moduleSlateCore, "FTagMetaData"),
			anchor(moduleSlateCore, "FNavigationMetaData"),
		},
	}
}

func fnameToStringStrategy() Strategy {
	return Strategy{
		Name: FNameToString,
		Kind: facts.Address,
		Heuristics: []Heuristic{
			{Name: "inlined AnimGraphRuntime formatters", Run: (*Engine).inlinedToString},
			{Name: "TAutoWeakObjectPtr formatter", Run: (*Engine).standardToString},
		},
	}
}

// Formatting strings whose arguments are FName::ToString results even when
// most ToString calls of the build are inlined.
var inlinedToStringAnchors = []string{
	" Bone: %s, Look At Location : %s, Target Location : %s)",
	"Commandlet %s finished execution (result %d)",
}

func (e *Engine) inlinedToString() facts.Outcome {
	m, ok := e.ueModule(moduleAnimGraphRuntime)
	if !ok {
		return facts.NotFound()
	}
	for _, text := range inlinedToStringAnchors {
		ref, ok := e.a.FindStringReference(m, analysis.Wide(text))
		if !ok {
			continue
		}
		fn, ok := e.lastCallBefore(ref)
		if !ok {
			// The formatter may live in a helper; try its first call site.
			if start, ok := e.a.FindFunctionStart(ref); ok {
				if site, ok := e.a.ScanRelativeStrict(m, start, []byte{0xE8}); ok {
					fn, ok = e.lastCallBefore(site)
				}
			}
		}
		if fn == 0 {
			e.log.Error("no call before formatter", "fact", FNameToString, "ref", logging.Hex(ref))
			continue
		}
		if _, ok := e.a.FindAPIInPath(analysis.Shallow(fn), e.api(apiVswprintf)); ok {
			e.log.Error("candidate is the formatter itself", "fact", FNameToString, "fn", logging.Hex(fn))
			continue
		}
		return facts.Found(fn, "")
	}
	return facts.NotFound()
}

// lastCallBefore returns the callee of the nearest CALL preceding addr.
func (e *Engine) lastCallBefore(addr uint64) (uint64, bool) {
	behind := e.a.DisassemblyBehind(addr)
	for _, in := range slices.Backward(behind) {
		if in.IsCall() {
			return e.a.CallTarget(in)
		}
	}
	return 0, false
}

func (e *Engine) standardToString() facts.Outcome {
	m, ok := e.ueModule(moduleEngine)
	if !ok {
		return facts.NotFound()
	}
	str, ok := e.a.FindString(m, analysis.Wide("TAutoWeakObjectPtr<%s%s>"))
	if !ok {
		return facts.NotFound()
	}
	ref, ok := e.a.FirstReference(m, str)
	if !ok {
		return facts.NotFound()
	}
	start, ok := e.a.FindFunctionStart(ref)
	if !ok {
		e.log.Error("no function around formatter reference", "fact", FNameToString, "ref", logging.Hex(ref))
		return facts.NotFound()
	}

	// ToString is the last direct call before the string is loaded; an
	// indirect call precedes it too, so only direct ones count.
	var lastCall disasm.Inst
	var result uint64
	e.a.Walk(start, toStringWalkBudget, func(in disasm.Inst, _ *analysis.TraversalContext) analysis.Action {
		if in.IsCall() {
			if !in.IsIndirect() {
				lastCall = in
			}
			return analysis.StepOver
		}
		if disp, ok := e.a.Displacement(in); ok && disp == str {
			if target, ok := lastCall.BranchTarget(); ok && lastCall.Len > 0 {
				result = target
			}
			return analysis.Break
		}
		return analysis.Continue
	})
	if result == 0 {
		return facts.NotFound()
	}

	result = e.unwrapGetName(result)
	out := facts.Found(result, "")
	return out.With(e.namePool(result, lastCall)...)
}

// unwrapGetName detects a UClass::GetName wrapper: it reads its argument
// beyond the size of an FName. The FName::ToString it calls is used
// instead.
func (e *Engine) unwrapGetName(fn uint64) uint64 {
	ctx := emu.NewContext()
	ctx.SetArg(0, fnameThis)
	result := fn
	e.emu.Emulate(fn, toStringEmuBudget, ctx, func(s emu.Step) analysis.Action {
		if s.WritesMemory || s.Inst.IsCall() {
			return analysis.StepOver
		}
		m, ok := s.Inst.Raw.Args[1].(x86asm.Mem)
		if !ok || m.Base == 0 || m.Base == x86asm.RIP || m.Disp < 8 {
			return analysis.Continue
		}
		if s.Ctx.Reg(m.Base) != fnameThis {
			return analysis.Continue
		}
		e.log.Info("candidate reads past FName, treating as GetName", "fact", FNameToString, "at", logging.Hex(s.Inst.Addr))
		if call, ok := e.a.ScanMnemonic(s.Inst.Addr, 20, "CALL"); ok {
			if target, ok := call.BranchTarget(); ok {
				result = target
			} else {
				e.log.Error("GetName calls indirectly", "fact", FNameToString, "at", logging.Hex(call.Addr))
			}
		}
		return analysis.Break
	})
	return result
}

// namePool looks for the name pool initializer called just before ToString
// in its caller. It only exists when ToString is inlined elsewhere; the
// "ByteProperty" registration identifies it.
func (e *Engine) namePool(toString uint64, call disasm.Inst) []facts.Fact {
	byteProperty := both("ByteProperty")
	if _, ok := e.a.FindAnyStringInPath(analysis.From(toString), byteProperty...); ok {
		e.log.Info("ToString initializes the pool itself", "fact", FNameToString)
		return nil
	}
	behind := e.a.DisassemblyBehind(call.Addr)
	for _, in := range slices.Backward(behind) {
		if !in.IsCall() || in.IsIndirect() {
			continue
		}
		init, ok := in.BranchTarget()
		if !ok {
			return nil
		}
		if _, ok := e.a.FindAnyStringInPath(analysis.Shallow(init), byteProperty...); !ok {
			e.log.Error("no name pool initializer", "fact", InitNamePool, "call", logging.Hex(in.Addr))
			return nil
		}
		out := []facts.Fact{resolved(InitNamePool, facts.Address, init, "called before ToString")}

		prev := e.a.DisassemblyBehind(in.Addr)
		if len(prev) == 0 {
			return out
		}
		lea := prev[len(prev)-1]
		if lea.Op() != x86asm.LEA {
			return out
		}
		if r, ok := lea.Raw.Args[0].(x86asm.Reg); !ok || r != x86asm.RCX {
			return out
		}
		pool, ok := e.a.Displacement(lea)
		if !ok {
			return out
		}
		if _, used := e.a.FindDisplacementInPath(analysis.From(toString), pool); used {
			e.log.Info("ToString uses the pool directly", "fact", NamePool)
			return out
		}
		return append(out, resolved(NamePool, facts.Address, pool, "argument of InitNamePool"))
	}
	return nil
}
