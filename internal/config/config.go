// Package config loads binfacts settings from a YAML file, the environment
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"binfacts/internal/disasm"
	"binfacts/internal/image"
	"binfacts/internal/logging"
	"binfacts/internal/resolver"
)

// EnvPrefix prefixes every environment override, e.g. BINFACTS_LOG_LEVEL.
const EnvPrefix = "BINFACTS"

const (
	DefaultDisasmBudget = 200
	fileName            = "binfacts"
)

// Config is the complete tool configuration.
type Config struct {
	Log          Log                 `json:"log" jsonschema:"title=Logging"`
	Modules      []Module            `json:"modules,omitempty" jsonschema:"title=Modules,description=Images to map; the first is the main executable"`
	MainModule   string              `json:"main_module,omitempty" jsonschema:"title=Main Module,description=Module holding the engine code of a monolithic build"`
	DecodeCache  int                 `json:"decode_cache" jsonschema:"title=Decode Cache,description=Decoded instructions kept in memory,minimum=0"`
	DisasmBudget int                 `json:"disasm_budget" jsonschema:"title=Disassembly Budget,description=Instructions listed by the disasm command,minimum=1"`
	Concurrency  int                 `json:"concurrency,omitempty" jsonschema:"title=Concurrency,description=Facts resolved in parallel; 0 means one per CPU,minimum=0"`
	Emulator     string              `json:"emulator,omitempty" jsonschema:"title=Emulator,enum=interp,enum=unicorn,default=interp"`
	Seeds        resolver.Seeds      `json:"seeds" jsonschema:"title=Seeds,description=Live objects some heuristics start from"`
	APIs         map[string][]uint64 `json:"apis,omitempty" jsonschema:"title=API Addresses,description=Extra addresses of imported routines by symbol name"`
}

// Log configures the charmbracelet logger.
type Log struct {
	Level  string `json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Prefix string `json:"prefix,omitempty"`
	File   string `json:"file,omitempty" jsonschema:"description=Write logs to this file instead of stderr"`
}

// Module is one image to load.
type Module struct {
	Path string `json:"path" jsonschema:"required"`
	Name string `json:"name,omitempty" jsonschema:"description=Module name; defaults to the file name"`
	Base uint64 `json:"base,omitempty" jsonschema:"description=Preferred load address"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Log:          Log{Level: "info", Prefix: "binfacts "},
		DecodeCache:  disasm.DefaultCacheSize,
		DisasmBudget: DefaultDisasmBudget,
		Emulator:     "interp",
		Seeds:        resolver.Seeds{FunctionFlagsStart: resolver.DefaultFunctionFlagsStart},
	}
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"main-module":  "main_module",
	"concurrency":  "concurrency",
	"decode-cache": "decode_cache",
	"budget":       "disasm_budget",
	"emulator":     "emulator",
}

// Load reads the configuration. An explicit path must exist; otherwise
// ./binfacts.yaml and $HOME/.config/binfacts/binfacts.yaml are tried.
// Environment variables override the file and flags that were set
// override both. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", fileName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, decoderOptions...); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Environment variables are only consulted for keys viper knows about.
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.prefix", d.Log.Prefix)
	v.SetDefault("log.file", "")
	v.SetDefault("main_module", "")
	v.SetDefault("decode_cache", d.DecodeCache)
	v.SetDefault("disasm_budget", d.DisasmBudget)
	v.SetDefault("concurrency", 0)
	v.SetDefault("emulator", d.Emulator)
	for _, key := range []string{"object_default", "hud_default", "engine", "viewport_draw", "fly_function"} {
		v.SetDefault("seeds."+key, 0)
	}
	v.SetDefault("seeds.function_flags_start", d.Seeds.FunctionFlagsStart)
	return v
}

var decoderOptions = []viper.DecoderConfigOption{
	func(c *mapstructure.DecoderConfig) { c.TagName = "json" },
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		hexHook,
	)),
}

// hexHook accepts addresses written as "0x7ff6..." strings.
func hexHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Uint64 {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return uint64(0), nil
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", s, err)
	}
	return n, nil
}

// Validate rejects settings no command can work with.
func (c *Config) Validate() error {
	if c.DecodeCache < 0 {
		return fmt.Errorf("decode_cache must not be negative")
	}
	if c.DisasmBudget <= 0 {
		return fmt.Errorf("disasm_budget must be positive")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	switch c.Emulator {
	case "", "interp", "unicorn":
	default:
		return fmt.Errorf("unknown emulator %q", c.Emulator)
	}
	for i, m := range c.Modules {
		if m.Path == "" {
			return fmt.Errorf("module %d has no path", i)
		}
	}
	return nil
}

// Specs lists the configured modules for image.Load.
func (c *Config) Specs() []image.Spec {
	out := make([]image.Spec, 0, len(c.Modules))
	for _, m := range c.Modules {
		out = append(out, image.Spec{Path: m.Path, Options: image.Options{Name: m.Name, Base: m.Base}})
	}
	return out
}

// EngineOptions builds resolver options around lg. The emulator is left
// for the caller to choose.
func (c *Config) EngineOptions(lg *log.Logger) resolver.Options {
	return resolver.Options{
		Logger:      lg,
		Seeds:       c.Seeds,
		APIAddrs:    c.APIs,
		MainModule:  c.MainModule,
		Concurrency: c.Concurrency,
	}
}

// Logger returns a logger at the configured level, writing to the
// configured file or stderr.
func (c *Config) Logger() (*logging.LoggerCloser, error) {
	if c.Log.File == "" {
		lc := logging.NewLogger()
		c.applyLog(lc.Logger)
		return lc, nil
	}
	f, err := os.OpenFile(c.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	lc := logging.NewLoggerWithWriter(f)
	c.applyLog(lc.Logger)
	return lc, nil
}

func (c *Config) applyLog(lg *log.Logger) {
	lg.SetLevel(logging.ParseLevel(c.Log.Level))
	if c.Log.Prefix != "" {
		lg.SetPrefix(c.Log.Prefix)
	}
}
