package analysis

import (
	"strings"

	"binfacts/internal/disasm"
)

// Path is a walk configuration for path queries.
type Path struct {
	Start       uint64
	Budget      int
	FollowCalls bool
}

// From returns a path with the default budget that follows calls.
func From(start uint64) Path {
	return Path{Start: start, Budget: DefaultPathBudget, FollowCalls: true}
}

// Shallow returns a path with the default budget that steps over calls.
func Shallow(start uint64) Path {
	return Path{Start: start, Budget: DefaultPathBudget}
}

// WithBudget returns a copy of p with another instruction budget.
func (p Path) WithBudget(n int) Path {
	p.Budget = n
	return p
}

// Match is a path query predicate. disp is the instruction's displacement
// when hasDisp is set.
type Match func(in disasm.Inst, disp uint64, hasDisp bool) bool

// FindInPath walks p and returns the first instruction satisfying match.
func (a *Analyzer) FindInPath(p Path, match Match) (disasm.Inst, bool) {
	var found disasm.Inst
	ok := false
	a.walker.Walk(p.Start, p.Budget, func(in disasm.Inst, ctx *TraversalContext) Action {
		disp, hasDisp := a.Displacement(in)
		if match(in, disp, hasDisp) {
			found, ok = in, true
			return Break
		}
		if in.IsCall() && !p.FollowCalls {
			return StepOver
		}
		return Continue
	})
	return found, ok
}

// FindStringReferenceInPath returns the first non-branch instruction on p
// that references memory starting with lit.
func (a *Analyzer) FindStringReferenceInPath(p Path, lit Literal) (disasm.Inst, bool) {
	return a.FindInPath(p, func(in disasm.Inst, disp uint64, hasDisp bool) bool {
		return hasDisp && !in.IsBranch() && a.MatchesLiteral(disp, lit)
	})
}

// FindAnyStringInPath reports the first of lits referenced on p.
func (a *Analyzer) FindAnyStringInPath(p Path, lits ...Literal) (Literal, bool) {
	var hit Literal
	_, ok := a.FindInPath(p, func(in disasm.Inst, disp uint64, hasDisp bool) bool {
		if !hasDisp || in.IsBranch() {
			return false
		}
		for _, l := range lits {
			if a.MatchesLiteral(disp, l) {
				hit = l
				return true
			}
		}
		return false
	})
	return hit, ok
}

// FindDisplacementInPath returns the first instruction on p whose
// displacement equals target.
func (a *Analyzer) FindDisplacementInPath(p Path, target uint64) (disasm.Inst, bool) {
	return a.FindInPath(p, func(_ disasm.Inst, disp uint64, hasDisp bool) bool {
		return hasDisp && disp == target
	})
}

// FindAPIInPath returns the first instruction on p that references api,
// through its import slot or its known address.
func (a *Analyzer) FindAPIInPath(p Path, api API) (disasm.Inst, bool) {
	return a.FindInPath(p, func(_ disasm.Inst, disp uint64, hasDisp bool) bool {
		return hasDisp && a.IsAPI(disp, api)
	})
}

// FindMnemonicInPath returns the first instruction on p whose mnemonic
// starts with mnemonic.
func (a *Analyzer) FindMnemonicInPath(p Path, mnemonic string) (disasm.Inst, bool) {
	mnemonic = strings.ToUpper(mnemonic)
	return a.FindInPath(p, func(in disasm.Inst, _ uint64, _ bool) bool {
		return strings.HasPrefix(in.Mnemonic, mnemonic)
	})
}

// ScanMnemonic decodes up to count instructions linearly from start and
// returns the first whose mnemonic starts with mnemonic.
func (a *Analyzer) ScanMnemonic(start uint64, count int, mnemonic string) (disasm.Inst, bool) {
	for _, in := range a.walker.Linear(start, count) {
		if in.Is(mnemonic) {
			return in, true
		}
	}
	return disasm.Inst{}, false
}

// CountInstructions returns how many instructions a walk of p visits.
func (a *Analyzer) CountInstructions(p Path) int {
	n := 0
	a.walker.Walk(p.Start, p.Budget, func(in disasm.Inst, _ *TraversalContext) Action {
		n++
		if in.IsCall() && !p.FollowCalls {
			return StepOver
		}
		return Continue
	})
	return n
}

// CollectCalls returns every CALL on p, in visit order.
func (a *Analyzer) CollectCalls(p Path) []disasm.Inst {
	var out []disasm.Inst
	a.walker.Walk(p.Start, p.Budget, func(in disasm.Inst, _ *TraversalContext) Action {
		if !in.IsCall() {
			return Continue
		}
		out = append(out, in)
		if !p.FollowCalls {
			return StepOver
		}
		return Continue
	})
	return out
}
