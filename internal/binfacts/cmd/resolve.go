package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"binfacts/internal/binfacts/styles"
	"binfacts/internal/facts"
	"binfacts/internal/resolver"
)

type outputFormat int

const (
	formatTable outputFormat = iota
	formatJSON
	formatMarkdown
)

// FactJSON is one fact in --json output.
type FactJSON struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
	Resolved bool   `json:"resolved"`
	Source   string `json:"source,omitempty"`
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [module...]",
	Short: "Resolve engine facts",
	Long: `Resolve maps the given modules (or the configured ones) and resolves
every registered fact, or only those named with --fact.`,
	Example: `
# Everything, as a table
binfacts resolve Shooter-Win64-Shipping.exe

# Two facts, rendered as markdown
binfacts resolve -f FMalloc::GMalloc -f UObject::ProcessEvent --markdown game.exe
  `,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args)
		if err != nil {
			return err
		}
		e, err := s.engine()
		if err != nil {
			return err
		}
		defer e.Close()

		names, _ := cmd.Flags().GetStringSlice("fact")
		list, err := resolveFacts(cmd.Context(), e, names)
		if err != nil {
			return err
		}

		format := formatTable
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			format = formatJSON
		} else if md, _ := cmd.Flags().GetBool("markdown"); md {
			format = formatMarkdown
		}
		return writeFacts(cmd.OutOrStdout(), list, format)
	},
}

func init() {
	resolveCmd.Flags().StringSliceP("fact", "f", nil, "Fact to resolve (repeatable; default all)")
	resolveCmd.Flags().BoolP("json", "j", false, "Output facts as JSON")
	resolveCmd.Flags().BoolP("markdown", "m", false, "Output facts as a markdown report")
	resolveCmd.MarkFlagsMutuallyExclusive("json", "markdown")
}

// resolveFacts resolves names in order, or every registered fact when
// names is empty. Unknown names are an error.
func resolveFacts(ctx context.Context, e *resolver.Engine, names []string) ([]facts.Fact, error) {
	if len(names) == 0 {
		all, err := e.ResolveAll(ctx)
		if err != nil {
			return nil, err
		}
		return sortByName(all), nil
	}
	known := make(map[string]bool)
	for _, n := range e.Names() {
		known[n] = true
	}
	out := make([]facts.Fact, 0, len(names))
	for _, n := range names {
		if !known[n] {
			return nil, fmt.Errorf("unknown fact %q (known: %s)", n, strings.Join(e.Names(), ", "))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.Resolve(n))
	}
	return out, nil
}

func sortByName(list []facts.Fact) []facts.Fact {
	out := slices.Clone(list)
	slices.SortFunc(out, func(a, b facts.Fact) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// valueText renders a fact value the way its kind is read: addresses and
// offsets in hex, indices in decimal.
func valueText(f facts.Fact) string {
	if !f.Resolved {
		return ""
	}
	if f.Kind == facts.Index {
		return fmt.Sprintf("%d", f.Value)
	}
	return fmt.Sprintf("0x%x", f.Value)
}

func writeFacts(w io.Writer, list []facts.Fact, format outputFormat) error {
	switch format {
	case formatJSON:
		out := make([]FactJSON, 0, len(list))
		for _, f := range list {
			out = append(out, FactJSON{
				Name:     f.Name,
				Kind:     f.Kind.String(),
				Value:    valueText(f),
				Resolved: f.Resolved,
				Source:   f.Source,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case formatMarkdown:
		md := factsMarkdown(list)
		if f, ok := w.(*os.File); ok && term.IsTerminal(f.Fd()) {
			width, _, err := term.GetSize(f.Fd())
			if err != nil || width <= 0 {
				width = 100
			}
			r, err := styles.MarkdownRenderer(width)
			if err != nil {
				return fmt.Errorf("markdown renderer: %w", err)
			}
			if md, err = r.Render(md); err != nil {
				return fmt.Errorf("render report: %w", err)
			}
		}
		_, err := io.WriteString(w, md)
		return err
	}
	_, err := fmt.Fprintln(w, factsTable(list))
	return err
}

func factsMarkdown(list []facts.Fact) string {
	var b strings.Builder
	resolved := 0
	for _, f := range list {
		if f.Resolved {
			resolved++
		}
	}
	fmt.Fprintf(&b, "# Engine facts\n\n%d of %d resolved.\n\n", resolved, len(list))
	b.WriteString("| Fact | Kind | Value | Source |\n|---|---|---|---|\n")
	for _, f := range list {
		value := "*unresolved*"
		if f.Resolved {
			value = "`" + valueText(f) + "`"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", f.Name, f.Kind, value, f.Source)
	}
	return b.String()
}

func factsTable(list []facts.Fact) string {
	rows := make([][]string, 0, len(list))
	for _, f := range list {
		value := valueText(f)
		if !f.Resolved {
			value = "unresolved"
		}
		rows = append(rows, []string{f.Name, f.Kind.String(), value, f.Source})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.Border).
		Headers("FACT", "KIND", "VALUE", "SOURCE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return styles.Header
			case col == 2 && list[row].Resolved:
				return styles.Resolved
			case col == 2:
				return styles.Unresolved
			case col == 3:
				return styles.Muted
			}
			return styles.Cell
		}).
		Render()
}
