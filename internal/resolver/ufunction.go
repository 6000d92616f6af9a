package resolver

import (
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

// DefaultFunctionFlagsStart is where the FunctionFlags scan begins when no
// start offset is configured; nothing in UStruct below it can hold flags.
const DefaultFunctionFlagsStart = 0x40

// EFunctionFlags bits set on the native seed function.
const (
	funcExec   = 0x00000200
	funcNative = 0x00000400
	funcPublic = 0x00020000
)

const (
	functionFlagsEnd  = 0x200
	functionFlagsMask = funcExec | funcNative | funcPublic
)

func functionFlagsStrategy() Strategy {
	return Strategy{
		Name:       FunctionFlagsOffset,
		Kind:       facts.Offset,
		Heuristics: []Heuristic{{Name: "native callable flags", Run: (*Engine).functionFlags}},
	}
}

func (e *Engine) functionFlags() facts.Outcome {
	fn := e.opts.Seeds.FlyFunction
	if fn == 0 {
		return facts.NotFound()
	}
	sp := e.a.Space()
	for off := e.opts.Seeds.FunctionFlagsStart; off < functionFlagsEnd; off += 4 {
		v, ok := memory.ReadU32(sp, fn+off)
		if !ok {
			e.log.Error("UFunction unreadable", "fact", FunctionFlagsOffset, "at", logging.Hex(fn+off))
			return facts.NotFound()
		}
		if v&functionFlagsMask == functionFlagsMask {
			return facts.Found(off, "")
		}
	}
	return facts.NotFound()
}
