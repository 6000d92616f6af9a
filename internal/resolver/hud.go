package resolver

import (
	"binfacts/internal/analysis"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
)

const (
	hudVtableReadable = 100
	hudVtableMax      = 300
	// PostRender sits well past the AActor virtuals.
	hudLowestIndex = 101
)

// postRenderStrategy scans the HUD vtable from the end for the entry whose
// path checks for the null renderer.
func postRenderStrategy() Strategy {
	return Strategy{
		Name:       PostRenderIndex,
		Kind:       facts.Index,
		Heuristics: []Heuristic{{Name: "HUD vtable nullrhi", Run: (*Engine).postRenderIndex}},
	}
}

func (e *Engine) postRenderIndex() facts.Outcome {
	vt, ok := e.vtableOf(e.opts.Seeds.HUDDefault)
	if !ok {
		return facts.NotFound()
	}
	if !e.a.Space().IsReadable(vt, hudVtableReadable*8) {
		e.log.Error("HUD vtable too short", "vtable", logging.Hex(vt))
		return facts.NotFound()
	}
	view := e.a.Vtable(vt, hudVtableMax)
	e.log.Debug("HUD vtable", "fact", PostRenderIndex, "vtable", view)
	nullRHI := analysis.Wide("nullrhi")
	for i := view.Len - 1; i >= hudLowestIndex; i-- {
		fn, ok := view.Entry(i)
		if !ok {
			continue
		}
		if _, ok := e.a.FindStringReferenceInPath(analysis.From(fn), nullRHI); ok {
			return facts.Found(uint64(i), "")
		}
	}
	return facts.NotFound()
}
