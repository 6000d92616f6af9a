package resolver

import (
	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/analysis"
	"binfacts/internal/emu"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
)

const (
	viewportEmuBudget   = 100
	viewportArgSize     = 0x200
	viewportFakeEntries = 100
)

// debugCanvasStrategy emulates UGameViewportClient::Draw with a viewport
// whose vtable is fake. The first two virtual calls made on the viewport
// are GetDebugCanvas and GetViewportSizeXY.
func debugCanvasStrategy() Strategy {
	return Strategy{
		Name:       DebugCanvasIndex,
		Kind:       facts.Index,
		Heuristics: []Heuristic{{Name: "viewport client draw emulation", Run: (*Engine).viewportIndices}},
	}
}

func (e *Engine) viewportIndices() facts.Outcome {
	draw := e.opts.Seeds.ViewportDraw
	if draw == 0 {
		return facts.NotFound()
	}
	ctx := emu.NewContext()
	var args [4]*emu.Buffer
	for i := range args {
		args[i] = ctx.Alloc(viewportArgSize)
		ctx.SetArg(i, args[i].Base)
	}
	viewport := args[1]
	vtable := ctx.Alloc(viewportFakeEntries * 8)
	viewport.PutU64(0, vtable.Base)

	var found []int
	res := e.emu.Emulate(draw, viewportEmuBudget, ctx, func(s emu.Step) analysis.Action {
		if s.WritesMemory && !stackWrite(s.Inst.Raw) {
			return analysis.StepOver
		}
		if !s.Inst.IsCall() {
			return analysis.Continue
		}
		// Every call is stepped over, which also clears RCX, so a later
		// call only counts once RCX is reloaded with the viewport.
		if s.Inst.IsRIPRelative() || !viewportCall(s, vtable.Base, viewport.Base) {
			return analysis.StepOver
		}
		idx, ok := analysis.VirtualCallIndex(s.Inst)
		if !ok {
			return analysis.StepOver
		}
		e.log.Info("viewport virtual call", "fact", DebugCanvasIndex, "at", logging.Hex(s.Inst.Addr), "index", idx)
		found = append(found, idx)
		if len(found) == 2 {
			return analysis.Break
		}
		return analysis.StepOver
	})
	e.log.Debug("viewport emulation done", "fact", DebugCanvasIndex, "steps", res.Steps, "reason", res.Reason)

	if len(found) == 0 {
		return facts.NotFound()
	}
	out := facts.Found(uint64(found[0]), "")
	if len(found) > 1 {
		out = out.With(resolved(ViewportSizeXYIndex, facts.Index, uint64(found[1]), "second viewport virtual call"))
	}
	return out
}

// viewportCall reports a call through the fake vtable with the viewport as
// this.
func viewportCall(s emu.Step, vtable, viewport uint64) bool {
	m, _, ok := s.Inst.MemArg()
	return ok && m.Disp > 0 && s.Ctx.Reg(m.Base) == vtable && s.Ctx.Arg(0) == viewport
}

// stackWrite reports a store through RSP, which only touches the private
// emulation stack.
func stackWrite(in x86asm.Inst) bool {
	m, ok := in.Args[0].(x86asm.Mem)
	return ok && m.Base == x86asm.RSP
}
