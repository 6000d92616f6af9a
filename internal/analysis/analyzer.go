// Package analysis implements the static primitives binfacts resolves facts
// with: control-flow walking, displacement resolution in both directions,
// string anchors, path queries and virtual table probing. All of them work
// on x86-64 code read through a memory.Space and treat unreadable memory as
// an ordinary negative answer.
package analysis

import (
	"github.com/charmbracelet/log"

	"binfacts/internal/disasm"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

// Analyzer bundles the address space, the decoder and a walker.
type Analyzer struct {
	mem    memory.Space
	dec    disasm.Decoder
	walker *Walker
	log    *log.Logger
}

// New returns an analyzer. A nil logger discards output.
func New(mem memory.Space, dec disasm.Decoder, lg *log.Logger) *Analyzer {
	if lg == nil {
		lg = logging.Discard()
	}
	return &Analyzer{
		mem:    mem,
		dec:    dec,
		walker: NewWalker(mem, dec),
		log:    lg,
	}
}

// Space returns the address space.
func (a *Analyzer) Space() memory.Space { return a.mem }

// Decoder returns the decoder.
func (a *Analyzer) Decoder() disasm.Decoder { return a.dec }

// Walker returns the control-flow walker.
func (a *Analyzer) Walker() *Walker { return a.walker }

// Walk is shorthand for Walker().Walk.
func (a *Analyzer) Walk(start uint64, budget int, visit Visitor) {
	a.walker.Walk(start, budget, visit)
}

// Decode decodes one instruction.
func (a *Analyzer) Decode(addr uint64) (disasm.Inst, bool) {
	return a.dec.Decode(addr)
}

// Module returns the module containing addr.
func (a *Analyzer) Module(addr uint64) (*memory.Module, bool) {
	return a.mem.ModuleContaining(addr)
}

// SameModule reports whether both addresses belong to the same module.
func (a *Analyzer) SameModule(x, y uint64) bool {
	m, ok := a.mem.ModuleContaining(x)
	return ok && m.Contains(y)
}
