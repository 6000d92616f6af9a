package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binfacts/internal/disasm"
	"binfacts/internal/resolver"
)

const sample = `
log:
  level: debug
modules:
  - path: /games/Shooter/Binaries/Win64/Shooter-Win64-Shipping.exe
  - path: /games/Shooter/Binaries/Win64/Shooter-CoreUObject-Win64-Shipping.dll
    name: CoreUObject
    base: 0x7ff800000000
main_module: Shooter-Win64-Shipping.exe
seeds:
  engine: "0x1d0c0ffee00"
  fly_function: 0x2a0000
apis:
  VirtualAlloc: ["0x7ffb10001000"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "binfacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, disasm.DefaultCacheSize, cfg.DecodeCache)
	assert.Equal(t, DefaultDisasmBudget, cfg.DisasmBudget)
	assert.Equal(t, uint64(resolver.DefaultFunctionFlagsStart), cfg.Seeds.FunctionFlagsStart)
	assert.Empty(t, cfg.Modules)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	cfg, err := Load(writeConfig(t, sample), nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Modules, 2)
	assert.Equal(t, "CoreUObject", cfg.Modules[1].Name)
	assert.Equal(t, uint64(0x7ff800000000), cfg.Modules[1].Base)
	assert.Equal(t, uint64(0x1d0c0ffee00), cfg.Seeds.Engine)
	assert.Equal(t, uint64(0x2a0000), cfg.Seeds.FlyFunction)
	assert.Equal(t, uint64(resolver.DefaultFunctionFlagsStart), cfg.Seeds.FunctionFlagsStart)

	// viper lowercases map keys; the resolver matches them case-insensitively.
	assert.Equal(t, []uint64{0x7ffb10001000}, cfg.APIs["virtualalloc"])

	specs := cfg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "CoreUObject", specs[1].Name)
	assert.Equal(t, uint64(0x7ff800000000), specs[1].Base)

	opts := cfg.EngineOptions(nil)
	assert.Equal(t, "Shooter-Win64-Shipping.exe", opts.MainModule)
	assert.Equal(t, cfg.Seeds, opts.Seeds)
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	path := writeConfig(t, sample)
	t.Setenv("BINFACTS_LOG_LEVEL", "warn")
	t.Setenv("BINFACTS_SEEDS_HUD_DEFAULT", "0xdead0000")
	t.Setenv("BINFACTS_CONCURRENCY", "3")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("concurrency", 0, "")
	flags.Int("budget", 0, "")
	flags.String("emulator", "", "")
	require.NoError(t, flags.Parse([]string{"--budget", "64"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, uint64(0xdead0000), cfg.Seeds.HUDDefault)
	assert.Equal(t, 3, cfg.Concurrency, "unset flags leave the environment alone")
	assert.Equal(t, 64, cfg.DisasmBudget)
	assert.Equal(t, "interp", cfg.Emulator)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad address", "seeds:\n  engine: \"0xnothex\"\n"},
		{"module without path", "modules:\n  - name: Engine\n"},
		{"negative cache", "decode_cache: -1\n"},
		{"unknown emulator", "emulator: qemu\n"},
		{"malformed yaml", "log: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), nil)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err, "an explicit path must exist")
}
