package analysis

import (
	"binfacts/internal/disasm"
	"binfacts/internal/memory"
)

// Action is a visitor's decision for the instruction it was shown.
type Action int

const (
	// Continue proceeds normally. A CALL is descended into depth-first and
	// the walk resumes after it once the callee's paths end.
	Continue Action = iota
	// StepOver proceeds without descending into a CALL.
	StepOver
	// Break stops the whole walk.
	Break
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case StepOver:
		return "step-over"
	case Break:
		return "break"
	}
	return "unknown"
}

// TraversalContext describes where the walker is.
type TraversalContext struct {
	// Addr is the address of the current instruction.
	Addr uint64
	// BranchStart is where the current straight-line path began: the walk
	// start, a branch target or a callee entry.
	BranchStart uint64
	// Depth is the call depth relative to the walk start.
	Depth int
	// Steps counts instructions visited so far, including this one.
	Steps int

	visited map[uint64]struct{}
}

// Visited reports whether the walk has already shown addr.
func (c *TraversalContext) Visited(addr uint64) bool {
	_, ok := c.visited[addr]
	return ok
}

// Visitor inspects one instruction.
type Visitor func(in disasm.Inst, ctx *TraversalContext) Action

// Walker explores all reachable paths from an address.
type Walker struct {
	mem memory.Space
	dec disasm.Decoder
}

// NewWalker returns a walker over mem decoding with dec.
func NewWalker(mem memory.Space, dec disasm.Decoder) *Walker {
	return &Walker{mem: mem, dec: dec}
}

type pending struct {
	addr  uint64
	depth int
}

// Walk visits reachable instructions starting at start, at most budget of
// them. Paths end at returns, register-indirect jumps, undecodable bytes
// and instructions already visited; conditional branches are explored
// fallthrough first. The walk terminates on any input.
func (w *Walker) Walk(start uint64, budget int, visit Visitor) {
	ctx := &TraversalContext{BranchStart: start, visited: make(map[uint64]struct{})}
	var queue []pending
	queue = append(queue, pending{addr: start})

	for len(queue) > 0 && ctx.Steps < budget {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ctx.BranchStart = p.addr
		ctx.Depth = p.depth
		addr := p.addr

		for ctx.Steps < budget {
			if ctx.Visited(addr) {
				break
			}
			in, ok := w.dec.Decode(addr)
			if !ok {
				break
			}
			ctx.visited[addr] = struct{}{}
			ctx.Addr = addr
			ctx.Steps++

			action := visit(in, ctx)
			if action == Break {
				return
			}

			if in.IsRet() {
				break
			}
			if in.IsCall() {
				if action == StepOver {
					addr = in.Next()
					continue
				}
				target, ok := w.ControlTarget(in)
				if !ok {
					addr = in.Next()
					continue
				}
				// Resume after the call once the callee is exhausted.
				queue = append(queue, pending{addr: in.Next(), depth: ctx.Depth})
				ctx.Depth++
				ctx.BranchStart = target
				addr = target
				continue
			}
			if in.IsJump() {
				target, ok := w.ControlTarget(in)
				if !ok {
					break
				}
				ctx.BranchStart = target
				addr = target
				continue
			}
			if in.IsCondJump() {
				if target, ok := in.BranchTarget(); ok {
					queue = append(queue, pending{addr: target, depth: ctx.Depth})
				}
			}
			addr = in.Next()
		}
	}
}

// ControlTarget resolves where a CALL or JMP lands: the relative target, or
// the pointer read from a RIP-relative or absolute slot. Register targets
// and unreadable slots are unknown.
func (w *Walker) ControlTarget(in disasm.Inst) (uint64, bool) {
	if t, ok := in.BranchTarget(); ok {
		return t, true
	}
	slot, ok := pointerSlot(in)
	if !ok {
		return 0, false
	}
	target, ok := memory.ReadPointer(w.mem, slot)
	if !ok || !w.mem.IsReadable(target, 1) {
		return 0, false
	}
	return target, true
}

// Linear decodes count instructions in program order.
func (w *Walker) Linear(addr uint64, count int) disasm.Stream {
	return disasm.Linear(w.dec, addr, count)
}

// Decoder returns the walker's decoder.
func (w *Walker) Decoder() disasm.Decoder { return w.dec }

// Space returns the walker's address space.
func (w *Walker) Space() memory.Space { return w.mem }
