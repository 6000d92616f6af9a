package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	blog "binfacts/internal/binfacts/log"
	"binfacts/internal/config"
	"binfacts/internal/logging"
)

// state is what PersistentPreRunE prepares for every subcommand.
type state struct {
	cfg     *config.Config
	lc      *logging.LoggerCloser
	profile *os.File
	memprof string
}

func (s *state) logger() *log.Logger {
	if s.lc == nil {
		return logging.Discard()
	}
	return s.lc.Logger
}

type stateKey struct{}

func stateOf(cmd *cobra.Command) *state {
	if st, ok := cmd.Context().Value(stateKey{}).(*state); ok {
		return st
	}
	return &state{cfg: config.Default()}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("cwd", "c", "", "Current working directory")
	pf.StringP("config", "C", "", "Configuration file (default ./binfacts.yaml or ~/.config/binfacts/binfacts.yaml)")
	pf.BoolP("debug", "d", false, "Debug")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("main-module", "", "Module holding the engine code of a monolithic build")
	pf.Int("concurrency", 0, "Facts resolved in parallel (0 means one per CPU)")
	pf.Int("decode-cache", 0, "Decoded instructions kept in memory")
	pf.String("emulator", "", "Emulator backend: interp or unicorn")
	pf.String("cpuprofile", "", "Write CPU profile to file")
	pf.String("memprofile", "", "Write memory profile to file")

	rootCmd.Flags().BoolP("help", "h", false, "Help")

	rootCmd.AddCommand(resolveCmd, disasmCmd, xrefCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "binfacts",
	Short: "Locate engine internals in Unreal Engine modules",
	Long: `binfacts finds the addresses, field offsets and vtable indices of
Unreal Engine internals in x86-64 game modules without symbols. It anchors on
strings the engine always contains, walks the code around them and, where
data flow matters, emulates a few hundred instructions in a sandbox.`,
	Example: `
# Resolve every known fact of a monolithic Windows build
binfacts resolve Shooter-Win64-Shipping.exe

# Resolve one fact of a modular build, as JSON
binfacts resolve --fact FName::ToString --json Shooter-Core*.dll Shooter-CoreUObject*.dll

# List the function that references a wide string
binfacts disasm 'wstr:causeevent=' Shooter-Win64-Shipping.exe
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := resolveCwd(cmd); err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path, cmd.Flags())
		if err != nil {
			return err
		}
		st := &state{cfg: cfg}

		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			cfg.Log.Level = "debug"
		}
		if st.lc, err = cfg.Logger(); err != nil {
			return err
		}
		blog.Setup(st.lc.Logger, debug)

		if cpuprofile, _ := cmd.Flags().GetString("cpuprofile"); cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %w", err)
			}
			if err := pprof.StartCPUProfile(f); err != nil {
				f.Close()
				return fmt.Errorf("could not start CPU profile: %w", err)
			}
			st.profile = f
		}
		st.memprof, _ = cmd.Flags().GetString("memprofile")

		cmd.SetContext(context.WithValue(cmd.Context(), stateKey{}, st))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		st := stateOf(cmd)
		if st.profile != nil {
			pprof.StopCPUProfile()
			st.profile.Close()
		}
		if st.memprof != "" {
			f, err := os.Create(st.memprof)
			if err != nil {
				return fmt.Errorf("could not create memory profile: %w", err)
			}
			defer f.Close()
			if err := pprof.WriteHeapProfile(f); err != nil {
				return fmt.Errorf("could not write memory profile: %w", err)
			}
		}
		if st.lc != nil {
			return st.lc.Close()
		}
		return nil
	},
}

func resolveCwd(cmd *cobra.Command) error {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd == "" {
		return nil
	}
	if err := os.Chdir(cwd); err != nil {
		return fmt.Errorf("failed to change directory: %w", err)
	}
	return nil
}

// plainOutput reports whether fang's styled help and errors should be
// skipped: machine-readable output was requested or stdout is piped.
func plainOutput(args []string) bool {
	for _, arg := range args {
		if arg == "--json" || arg == "-j" {
			return true
		}
	}
	return !term.IsTerminal(os.Stdout.Fd())
}

func Execute() {
	ctx := context.Background()
	if plainOutput(os.Args[1:]) {
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		ctx,
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
