// Package facts holds resolved binary facts: addresses, structure field
// offsets and vtable slot indices. Each fact is computed at most once per
// cache, and a committed fact never changes.
package facts

import "fmt"

// Kind says how a fact's value is interpreted.
type Kind int

const (
	Address Kind = iota
	Offset
	Index
)

func (k Kind) String() string {
	switch k {
	case Address:
		return "address"
	case Offset:
		return "offset"
	case Index:
		return "index"
	}
	return "unknown"
}

// Fact is the outcome of one resolution. Resolved is false when every
// heuristic failed; Value is then zero.
type Fact struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Value    uint64 `json:"value"`
	Resolved bool   `json:"resolved"`
	Source   string `json:"source,omitempty"`
}

// Unresolved returns the absent fact for name.
func Unresolved(name string, kind Kind) Fact {
	return Fact{Name: name, Kind: kind}
}

// Address returns the value of a resolved address fact.
func (f Fact) Address() (uint64, bool) {
	if !f.Resolved || f.Kind != Address {
		return 0, false
	}
	return f.Value, true
}

// Offset returns the value of a resolved offset fact.
func (f Fact) Offset() (uint64, bool) {
	if !f.Resolved || f.Kind != Offset {
		return 0, false
	}
	return f.Value, true
}

// Index returns the value of a resolved vtable index fact.
func (f Fact) Index() (int, bool) {
	if !f.Resolved || f.Kind != Index {
		return 0, false
	}
	return int(f.Value), true
}

func (f Fact) String() string {
	if !f.Resolved {
		return fmt.Sprintf("%s: unresolved", f.Name)
	}
	switch f.Kind {
	case Index:
		return fmt.Sprintf("%s: index %d (%s)", f.Name, f.Value, f.Source)
	case Offset:
		return fmt.Sprintf("%s: offset 0x%x (%s)", f.Name, f.Value, f.Source)
	}
	return fmt.Sprintf("%s: 0x%x (%s)", f.Name, f.Value, f.Source)
}

// Outcome is what a strategy returns. Extra carries sibling facts derived
// in the same run; they are committed alongside the main value.
type Outcome struct {
	Value  uint64
	Source string
	OK     bool
	Extra  []Fact
}

// Found returns a successful outcome.
func Found(v uint64, source string) Outcome {
	return Outcome{Value: v, Source: source, OK: true}
}

// NotFound returns a failed outcome that may still carry sibling facts.
func NotFound(extra ...Fact) Outcome {
	return Outcome{Extra: extra}
}

// With appends co-derived facts.
func (o Outcome) With(extra ...Fact) Outcome {
	o.Extra = append(o.Extra, extra...)
	return o
}
