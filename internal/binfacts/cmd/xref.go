package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/spf13/cobra"

	"binfacts/internal/analysis"
	"binfacts/internal/binfacts/styles"
)

// xrefRow is one code reference to a string.
type xrefRow struct {
	Module   string
	String   uint64
	Ref      uint64
	Function uint64
}

var xrefCmd = &cobra.Command{
	Use:   "xref <text> [module...]",
	Short: "Find code referencing a string",
	Long: `Xref locates a NUL-terminated string in every module and lists the
instructions that reference it with the functions containing them.`,
	Example: `
binfacts xref --wide 'gc.MaxObjectsNotConsideredByGC' Shooter-CoreUObject-Win64-Shipping.dll
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args[1:])
		if err != nil {
			return err
		}
		wide, _ := cmd.Flags().GetBool("wide")
		lit := analysis.Narrow(args[0])
		if wide {
			lit = analysis.Wide(args[0])
		}
		rows := s.xrefs(lit)
		if len(rows) == 0 {
			return fmt.Errorf("%s not found", lit)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), xrefTable(rows))
		return err
	},
}

func init() {
	xrefCmd.Flags().BoolP("wide", "w", false, "Search for a UTF-16 string")
}

// xrefs lists references to lit per module. A string with no reference
// still yields a row so the caller sees where it lives.
func (s *session) xrefs(lit analysis.Literal) []xrefRow {
	var rows []xrefRow
	for _, m := range s.modules() {
		str, ok := s.an.FindString(m, lit)
		if !ok {
			continue
		}
		refs := s.an.FindStringReferences(m, lit)
		if len(refs) == 0 {
			rows = append(rows, xrefRow{Module: m.Name, String: str})
			continue
		}
		for _, ref := range refs {
			fn, _ := s.an.FindFunctionStart(ref)
			rows = append(rows, xrefRow{Module: m.Name, String: str, Ref: ref, Function: fn})
		}
	}
	return rows
}

func hexOrDash(v uint64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("0x%x", v)
}

func xrefTable(rows []xrefRow) string {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		data = append(data, []string{r.Module, hexOrDash(r.String), hexOrDash(r.Ref), hexOrDash(r.Function)})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.Border).
		Headers("MODULE", "STRING", "REFERENCE", "FUNCTION").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			if col == 0 {
				return styles.Muted
			}
			return styles.Cell
		}).
		Render()
}
