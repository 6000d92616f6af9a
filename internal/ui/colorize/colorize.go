// Package colorize highlights x86-64 disassembly listings for terminals.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/x/term"
)

// NoColorEnv disables highlighting when set to any value.
const NoColorEnv = "BINFACTS_NO_COLOR"

const (
	addrColor    = "\033[38;2;79;79;79m"
	bytesColor   = "\033[38;2;110;110;110m"
	commentColor = "\033[38;2;235;194;237m"
	reset        = "\033[0m"
)

// Enabled reports whether output to the file descriptor fd gets colors.
func Enabled(fd uintptr) bool {
	return os.Getenv(NoColorEnv) == "" && term.IsTerminal(fd)
}

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas"} {
		if l := lexers.Get(name); l != nil {
			return chroma.Coalesce(l)
		}
	}
	return nil
}

func disasmStyle() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Instruction highlights Intel syntax text such as "lea rcx, [rip+0x10]".
// Text that fails to tokenize is returned unchanged.
func Instruction(text string) string {
	lexer := assemblyLexer()
	if lexer == nil {
		return text
	}
	it, err := lexer.Tokenise(nil, text)
	if err != nil {
		return text
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle(), it); err != nil {
		return text
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Line highlights one listing line of the form
// "address  bytes  instruction ; comment". The address and raw bytes are
// dimmed, the instruction goes through chroma and the comment is tinted.
func Line(line string) string {
	body, comment, hasComment := strings.Cut(line, " ; ")
	addr, rest, ok := strings.Cut(body, "  ")
	if !ok || !isHex(addr) {
		return Instruction(line)
	}

	// Raw bytes are pairs of hex digits separated by single spaces.
	rest = strings.TrimLeft(rest, " ")
	n := 0
	for n+2 <= len(rest) && isHex(rest[n:n+2]) && (n+2 == len(rest) || rest[n+2] == ' ') {
		n += 3
	}
	raw := strings.TrimRight(rest[:min(n, len(rest))], " ")
	text := strings.TrimLeft(rest[len(raw):], " ")
	pad := rest[len(raw) : len(rest)-len(text)]

	var b strings.Builder
	fmt.Fprintf(&b, "%s%s%s  %s%s%s%s%s", addrColor, addr, reset, bytesColor, raw, reset, pad, Instruction(text))
	if hasComment {
		fmt.Fprintf(&b, " %s; %s%s", commentColor, comment, reset)
	}
	return b.String()
}

// Listing highlights every line of a multi-line listing.
func Listing(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = Line(l)
		}
	}
	return strings.Join(lines, "\n")
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return false
		}
	}
	return true
}

// Strip removes ANSI escape sequences.
func Strip(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
