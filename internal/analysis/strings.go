package analysis

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"binfacts/internal/memory"
)

// MaxStringLength bounds string reads for diagnostics.
const MaxStringLength = 256

// Literal is a string anchor, narrow (8-bit) or wide (UTF-16LE).
type Literal struct {
	Text string
	Wide bool
}

// Narrow returns an 8-bit literal.
func Narrow(s string) Literal { return Literal{Text: s} }

// Wide returns a UTF-16LE literal.
func Wide(s string) Literal { return Literal{Text: s, Wide: true} }

// Bytes returns the encoded literal without a terminator.
func (l Literal) Bytes() []byte {
	if !l.Wide {
		return []byte(l.Text)
	}
	var out []byte
	for _, u := range utf16.Encode([]rune(l.Text)) {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

// Terminated returns the encoded literal followed by its NUL terminator.
func (l Literal) Terminated() []byte {
	if l.Wide {
		return append(l.Bytes(), 0, 0)
	}
	return append(l.Bytes(), 0)
}

func (l Literal) String() string {
	if l.Wide {
		return fmt.Sprintf("L%q", l.Text)
	}
	return fmt.Sprintf("%q", l.Text)
}

// FindString returns the address of the first occurrence of lit, including
// its terminator, in m. Wide literals are only matched on 2-byte boundaries.
func (a *Analyzer) FindString(m *memory.Module, lit Literal) (uint64, bool) {
	needle := lit.Terminated()
	for _, r := range memory.DataRegions(a.mem, m) {
		data := r.Data
		off := 0
		for {
			i := bytes.Index(data[off:], needle)
			if i < 0 {
				break
			}
			addr := r.Start + uint64(off+i)
			if !lit.Wide || addr%2 == 0 {
				return addr, true
			}
			off += i + 1
		}
	}
	return 0, false
}

// MatchesLiteral reports whether the memory at addr starts with lit.
func (a *Analyzer) MatchesLiteral(addr uint64, lit Literal) bool {
	want := lit.Bytes()
	got, ok := a.mem.Read(addr, uint64(len(want)))
	return ok && bytes.Equal(got, want)
}

// ReadString reads a NUL-terminated string of at most maxLen characters.
func ReadString(p memory.Probe, addr uint64, maxLen int, wide bool) (string, bool) {
	if !wide {
		var sb strings.Builder
		for i := 0; i < maxLen; i++ {
			c, ok := memory.ReadU8(p, addr+uint64(i))
			if !ok {
				return "", false
			}
			if c == 0 {
				return sb.String(), true
			}
			sb.WriteByte(c)
		}
		return sb.String(), true
	}
	var units []uint16
	for i := 0; i < maxLen; i++ {
		u, ok := memory.ReadU16(p, addr+uint64(2*i))
		if !ok {
			return "", false
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), true
}

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteString(fmt.Sprintf("\\x%02X", b[0]))
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteString(fmt.Sprintf("\\u%04X", r))
		}
		b = b[size:]
	}
	return sb.String()
}
