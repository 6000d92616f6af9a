package analysis

// Check corroborates a candidate address, usually a function entry.
type Check interface {
	// Accept reports whether the candidate survives the check.
	Accept(a *Analyzer, candidate uint64) bool
}

// CheckFunc adapts a function to Check.
type CheckFunc func(a *Analyzer, candidate uint64) bool

// Accept implements Check.
func (f CheckFunc) Accept(a *Analyzer, candidate uint64) bool { return f(a, candidate) }

// CheckChain runs multiple checks in sequence; a candidate must pass all.
type CheckChain struct {
	checks []Check
}

// NewCheckChain creates a new check chain
func NewCheckChain(checks ...Check) *CheckChain {
	return &CheckChain{checks: checks}
}

// Accept runs all checks in sequence
func (cc *CheckChain) Accept(a *Analyzer, candidate uint64) bool {
	for _, c := range cc.checks {
		if !c.Accept(a, candidate) {
			return false
		}
	}
	return true
}

// Select returns the first candidate accepted by every check.
func (a *Analyzer) Select(candidates []uint64, checks ...Check) (uint64, bool) {
	chain := NewCheckChain(checks...)
	for _, c := range candidates {
		if chain.Accept(a, c) {
			return c, true
		}
	}
	return 0, false
}

// ExcludeStrings rejects candidates whose path references any of lits.
func ExcludeStrings(p func(uint64) Path, lits ...Literal) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		_, hit := a.FindAnyStringInPath(p(c), lits...)
		return !hit
	})
}

// RequireStrings accepts candidates whose path references one of lits.
func RequireStrings(p func(uint64) Path, lits ...Literal) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		_, hit := a.FindAnyStringInPath(p(c), lits...)
		return hit
	})
}

// RequireAPI accepts candidates whose path references api.
func RequireAPI(p func(uint64) Path, api API) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		_, hit := a.FindAPIInPath(p(c), api)
		return hit
	})
}

// ExcludeAPI rejects candidates whose path references api.
func ExcludeAPI(p func(uint64) Path, api API) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		_, hit := a.FindAPIInPath(p(c), api)
		return !hit
	})
}

// MaxInstructions accepts candidates visiting at most n instructions.
func MaxInstructions(p func(uint64) Path, n int) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		return a.CountInstructions(p(c)) <= n
	})
}

// MinInstructions accepts candidates visiting at least n instructions.
func MinInstructions(p func(uint64) Path, n int) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		return a.CountInstructions(p(c)) >= n
	})
}

// RequireMnemonic accepts candidates whose path contains mnemonic.
func RequireMnemonic(p func(uint64) Path, mnemonic string) Check {
	return CheckFunc(func(a *Analyzer, c uint64) bool {
		_, hit := a.FindMnemonicInPath(p(c), mnemonic)
		return hit
	})
}
