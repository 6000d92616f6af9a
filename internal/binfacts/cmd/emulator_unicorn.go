//go:build unicorn

package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"

	"binfacts/internal/analysis"
	"binfacts/internal/emu"
)

func newEmulator(name string, an *analysis.Analyzer, lg *log.Logger) (emu.Emulator, error) {
	switch name {
	case "", "interp":
		return emu.NewInterpreter(an.Space(), an.Decoder(), lg), nil
	case "unicorn":
		return emu.NewUnicorn(an.Space(), an.Decoder(), lg), nil
	}
	return nil, fmt.Errorf("unknown emulator %q", name)
}
