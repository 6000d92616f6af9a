package colorize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineKeepsText(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"short", fmt.Sprintf("%x  %-30s %s", 0x140001000, "c3", "ret")},
		{"comment", fmt.Sprintf("%x  %-30s %s ; %s", 0x140001001, "48 8d 0d f9 0f 00 00", "lea rcx, [rip+0xff9]", `L"causeevent="`)},
		{"long encoding", fmt.Sprintf("%x  %-30s %s", 0x140001008, "48 b8 88 77 66 55 44 33 22 11 90 90", "mov rax, 0x1122334455667788")},
		{"not a listing", "; walk stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.line, Strip(Line(tt.line)))
		})
	}
}

func TestLineDimsAddress(t *testing.T) {
	out := Line(fmt.Sprintf("%x  %-30s %s", 0x1000, "90", "nop"))
	assert.Contains(t, out, addrColor+"1000"+reset)
}

func TestEnabled(t *testing.T) {
	t.Setenv(NoColorEnv, "1")
	assert.False(t, Enabled(0))
}

func TestStrip(t *testing.T) {
	assert.Equal(t, "mov", Strip("\033[38;2;1;2;3mmov\033[0m"))
}
