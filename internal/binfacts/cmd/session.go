package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"binfacts/internal/analysis"
	"binfacts/internal/config"
	"binfacts/internal/disasm"
	"binfacts/internal/image"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
	"binfacts/internal/resolver"
)

// session is one loaded address space with the tools over it.
type session struct {
	cfg   *config.Config
	log   *log.Logger
	space *memory.Snapshot
	an    *analysis.Analyzer
	sym   *analysis.Symbolizer
}

// openSession maps the modules given on the command line, or the
// configured ones when paths is empty.
func openSession(cmd *cobra.Command, paths []string) (*session, error) {
	st := stateOf(cmd)
	cfg, lg := st.cfg, st.logger()
	specs := cfg.Specs()
	if len(paths) > 0 {
		specs = specs[:0]
		for _, p := range paths {
			specs = append(specs, image.Spec{Path: p})
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no modules given and none configured")
	}

	space, err := image.Load(specs...)
	if err != nil {
		return nil, err
	}
	for _, m := range space.Modules() {
		lg.Info("mapped module", "name", m.Name, "base", logging.Hex(m.Base), "size", logging.Hex(m.Size),
			"imports", len(m.Imports), "exports", len(m.Exports), "functions", len(m.Functions))
	}
	return newSession(cfg, lg, space)
}

func newSession(cfg *config.Config, lg *log.Logger, space *memory.Snapshot) (*session, error) {
	dec, err := disasm.NewX86(space, cfg.DecodeCache)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:   cfg,
		log:   lg,
		space: space,
		an:    analysis.New(space, dec, lg),
		sym:   analysis.NewSymbolizer(space),
	}, nil
}

// engine builds a resolver over the session.
func (s *session) engine() (*resolver.Engine, error) {
	opts := s.cfg.EngineOptions(s.log)
	em, err := newEmulator(s.cfg.Emulator, s.an, s.log)
	if err != nil {
		return nil, err
	}
	opts.Emulator = em
	return resolver.New(s.an, opts), nil
}

// modules returns the mapped modules, main executable first.
func (s *session) modules() []*memory.Module { return s.space.Modules() }
