package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/memory"
	"binfacts/internal/ui/colorize"
)

const annotationMaxString = 64

var disasmCmd = &cobra.Command{
	Use:   "disasm <addr|str:TEXT|wstr:TEXT> [module...]",
	Short: "List the code walked from an address or a string reference",
	Long: `Disasm walks code the way the resolver does and prints each
instruction with the string, import or export it refers to. The start is an
address, or the function containing the first reference to a narrow (str:)
or wide (wstr:) string.`,
	Example: `
binfacts disasm 0x140123450 game.exe
binfacts disasm --step-over 'wstr:Script call stack:' game.exe
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args[1:])
		if err != nil {
			return err
		}
		start, err := s.target(args[0])
		if err != nil {
			return err
		}
		stepOver, _ := cmd.Flags().GetBool("step-over")
		listing := s.listing(start, s.cfg.DisasmBudget, stepOver)

		out := cmd.OutOrStdout()
		if f, ok := out.(*os.File); ok && colorize.Enabled(f.Fd()) {
			listing = colorize.Listing(listing)
		}
		_, err = io.WriteString(out, listing)
		return err
	},
}

func init() {
	disasmCmd.Flags().IntP("budget", "b", 0, "Instructions to list (default from config)")
	disasmCmd.Flags().BoolP("step-over", "s", false, "Do not descend into calls")
}

// parseTarget splits a disasm target into an address or a literal.
func parseTarget(arg string) (uint64, analysis.Literal, error) {
	switch {
	case strings.HasPrefix(arg, "wstr:"):
		return 0, analysis.Wide(strings.TrimPrefix(arg, "wstr:")), nil
	case strings.HasPrefix(arg, "str:"):
		return 0, analysis.Narrow(strings.TrimPrefix(arg, "str:")), nil
	}
	addr, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, analysis.Literal{}, fmt.Errorf("bad target %q: want an address, str:TEXT or wstr:TEXT", arg)
	}
	return addr, analysis.Literal{}, nil
}

// target resolves a disasm target to a start address.
func (s *session) target(arg string) (uint64, error) {
	addr, lit, err := parseTarget(arg)
	if err != nil {
		return 0, err
	}
	if lit.Text == "" {
		if !s.space.IsExecutable(addr) {
			return 0, fmt.Errorf("0x%x is not in executable memory", addr)
		}
		return addr, nil
	}
	for _, m := range s.modules() {
		if fn, ok := s.an.FindFunctionFromStringRef(m, lit); ok {
			return fn, nil
		}
	}
	return 0, fmt.Errorf("no function references %s", lit)
}

// listing renders the walk from start, one instruction per line. Each new
// branch of the walk is headed by its call depth.
func (s *session) listing(start uint64, budget int, stepOver bool) string {
	var b strings.Builder
	s.an.Walk(start, budget, func(in disasm.Inst, ctx *analysis.TraversalContext) analysis.Action {
		if ctx.BranchStart == in.Addr && in.Addr != start {
			fmt.Fprintf(&b, "; branch from depth %d\n", ctx.Depth)
		}
		line := in.Format()
		if note := s.annotate(in); note != "" {
			line += " ; " + note
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if in.IsCall() && stepOver {
			return analysis.StepOver
		}
		return analysis.Continue
	})
	return b.String()
}

// annotate describes what an instruction refers to: an import slot, a
// named function, or a string.
func (s *session) annotate(in disasm.Inst) string {
	disp, hasDisp := s.an.Displacement(in)
	if hasDisp {
		if name, ok := s.sym.Name(disp); ok {
			return name
		}
	}
	if in.IsBranch() {
		if target, ok := s.an.CallTarget(in); ok {
			if name, ok := s.sym.Name(target); ok {
				return name
			}
		}
		return ""
	}
	if !hasDisp {
		return ""
	}
	return stringAt(s.space, disp)
}

// stringAt renders a printable narrow or wide string at addr, or the
// address itself.
func stringAt(p memory.Probe, addr uint64) string {
	if str, ok := analysis.ReadString(p, addr, annotationMaxString, true); ok && printable(str) {
		return "L" + strconv.Quote(str)
	}
	if str, ok := analysis.ReadString(p, addr, annotationMaxString, false); ok && printable(str) {
		return strconv.Quote(str)
	}
	return fmt.Sprintf("0x%x", addr)
}

// printable accepts ASCII text of at least two characters.
func printable(str string) bool {
	if len(str) < 2 {
		return false
	}
	for i := 0; i < len(str); i++ {
		c := str[i]
		if (c < 0x20 || c > 0x7e) && c != '\n' && c != '\t' {
			return false
		}
	}
	return true
}
