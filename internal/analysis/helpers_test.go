package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"binfacts/internal/disasm"
	"binfacts/internal/memory"
	"binfacts/internal/synth"
)

const gameBase = 0x140000000

func newAnalyzer(t *testing.T, images ...*synth.Image) (*Analyzer, []*memory.Module) {
	t.Helper()
	s := memory.NewSnapshot()
	var mods []*memory.Module
	for _, im := range images {
		m, err := im.Map(s)
		require.NoError(t, err)
		mods = append(mods, m)
	}
	dec, err := disasm.NewX86(s, 1024)
	require.NoError(t, err)
	return New(s, dec, nil), mods
}

func collect(a *Analyzer, start uint64, budget int, action Action) []uint64 {
	var out []uint64
	a.Walk(start, budget, func(in disasm.Inst, _ *TraversalContext) Action {
		out = append(out, in.Addr)
		if in.IsCall() {
			return action
		}
		return Continue
	})
	return out
}
