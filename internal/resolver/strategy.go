package resolver

import (
	"strings"

	"binfacts/internal/analysis"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

// Heuristic is one way to resolve a fact.
type Heuristic struct {
	Name string
	Run  func(e *Engine) facts.Outcome
}

// Strategy is the ordered list of heuristics for one fact. Earlier entries
// are more specific; a later one only runs when all before it failed.
type Strategy struct {
	Name       string
	Kind       facts.Kind
	Heuristics []Heuristic
}

func (e *Engine) run(s Strategy) facts.Outcome {
	var extra []facts.Fact
	for _, h := range s.Heuristics {
		e.log.Info("trying heuristic", "fact", s.Name, "heuristic", h.Name)
		out := h.Run(e)
		extra = append(extra, out.Extra...)
		if out.OK {
			if out.Source == "" {
				out.Source = h.Name
			}
			out.Extra = extra
			return out
		}
		e.log.Debug("heuristic failed", "fact", s.Name, "heuristic", h.Name)
	}
	e.log.Error("heuristics exhausted", "fact", s.Name, "tried", len(s.Heuristics))
	return facts.NotFound(extra...)
}

// derivedFrom resolves parent and takes child from the facts its strategy
// co-derived.
func derivedFrom(parent, child string) Heuristic {
	return Heuristic{
		Name: "derived from " + parent,
		Run: func(e *Engine) facts.Outcome {
			e.Resolve(parent)
			f, ok := e.cache.Derived(child)
			if !ok || !f.Resolved {
				return facts.NotFound()
			}
			return facts.Found(f.Value, f.Source)
		},
	}
}

func resolved(name string, kind facts.Kind, v uint64, source string) facts.Fact {
	return facts.Fact{Name: name, Kind: kind, Value: v, Resolved: true, Source: source}
}

// api returns base extended with any live addresses configured for its
// names. Names compare case-insensitively.
func (e *Engine) api(base analysis.API) analysis.API {
	for name, addrs := range e.opts.APIAddrs {
		if len(addrs) == 0 {
			continue
		}
		for _, n := range base.Names {
			if strings.EqualFold(n, name) {
				base = base.WithAddrs(addrs...)
				break
			}
		}
	}
	return base
}

// vtableOf reads the vtable pointer of a live object.
func (e *Engine) vtableOf(obj uint64) (uint64, bool) {
	if obj == 0 {
		return 0, false
	}
	vt, ok := memory.ReadPointer(e.a.Space(), obj)
	if !ok {
		e.log.Error("object has no readable vtable", "object", logging.Hex(obj))
	}
	return vt, ok
}

// slot reads entry i of the table at vtable, which must point to readable
// memory.
func (e *Engine) slot(vtable uint64, i int) (uint64, bool) {
	fn, ok := memory.ReadPointer(e.a.Space(), vtable+uint64(i)*8)
	if !ok || !e.a.Space().IsReadable(fn, 8) {
		return 0, false
	}
	return fn, true
}

// callee resolves the destination of a CALL: its relative target or the
// pointer in its slot.
func (e *Engine) callee(addr uint64) (uint64, bool) {
	in, ok := e.a.Decode(addr)
	if !ok || !in.IsCall() {
		return 0, false
	}
	return e.a.CallTarget(in)
}

func builtinStrategies() []Strategy {
	return []Strategy{
		gmallocStrategy(),
		derivedStrategy(MallocIndex, facts.Index, GMalloc),
		derivedStrategy(ReallocIndex, facts.Index, GMalloc),
		derivedStrategy(FreeIndex, facts.Index, GMalloc),
		fnameConstructorStrategy(),
		fnameToStringStrategy(),
		derivedStrategy(InitNamePool, facts.Address, FNameToString),
		derivedStrategy(NamePool, facts.Address, FNameToString),
		processEventStrategy(),
		destructorStrategy(),
		derivedStrategy(ObjectVtable, facts.Address, ObjectDestructor),
		addObjectStrategy(),
		tickStrategy(),
		postRenderStrategy(),
		debugCanvasStrategy(),
		derivedStrategy(ViewportSizeXYIndex, facts.Index, DebugCanvasIndex),
		functionFlagsStrategy(),
	}
}

func derivedStrategy(name string, kind facts.Kind, parent string) Strategy {
	return Strategy{Name: name, Kind: kind, Heuristics: []Heuristic{derivedFrom(parent, name)}}
}
