// Package resolver turns the analysis primitives into named binary facts
// about an Unreal Engine build: allocator globals, FName routines, UObject
// vtable slots, engine tick and HUD entry points.
//
// Every fact is described by an ordered list of heuristics. The first one
// that succeeds wins; when all fail the fact stays unresolved for the life
// of the Engine. Resolution never panics into the caller.
package resolver

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"binfacts/internal/analysis"
	"binfacts/internal/emu"
	"binfacts/internal/facts"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

// Seeds are live objects some heuristics start from. In a running game the
// host supplies them; with a static snapshot they come from configuration
// or stay zero, which leaves the dependent facts unresolved.
type Seeds struct {
	// ObjectDefault is the class default object of UObject.
	ObjectDefault uint64 `json:"object_default,omitempty"`
	// HUDDefault is the class default object of AHUD.
	HUDDefault uint64 `json:"hud_default,omitempty"`
	// Engine is the GEngine instance.
	Engine uint64 `json:"engine,omitempty"`
	// ViewportDraw is UGameViewportClient::Draw.
	ViewportDraw uint64 `json:"viewport_draw,omitempty"`
	// FlyFunction is the UFunction object of CheatManager::Fly.
	FlyFunction uint64 `json:"fly_function,omitempty"`
	// FunctionFlagsStart is the first UFunction offset probed for flags.
	FunctionFlagsStart uint64 `json:"function_flags_start,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Logger *log.Logger
	// Emulator defaults to the pure-Go interpreter.
	Emulator emu.Emulator
	Seeds    Seeds
	// APIAddrs adds live addresses to imported routines by name, for
	// example "VirtualAlloc" resolved through the host's loader.
	APIAddrs map[string][]uint64
	// MainModule names the executable of a monolithic build. Empty means
	// the first module of the space.
	MainModule string
	// Concurrency bounds ResolveAll. Zero means GOMAXPROCS.
	Concurrency int
}

// Engine resolves and caches facts over one address space.
type Engine struct {
	a     *analysis.Analyzer
	emu   emu.Emulator
	cache *facts.Cache
	log   *log.Logger
	opts  Options

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// New returns an engine with every built-in strategy registered.
func New(a *analysis.Analyzer, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Emulator == nil {
		opts.Emulator = emu.NewInterpreter(a.Space(), a.Decoder(), opts.Logger)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Seeds.FunctionFlagsStart == 0 {
		opts.Seeds.FunctionFlagsStart = DefaultFunctionFlagsStart
	}
	e := &Engine{
		a:          a,
		emu:        opts.Emulator,
		cache:      facts.NewCache(opts.Logger),
		log:        opts.Logger,
		opts:       opts,
		strategies: make(map[string]Strategy),
	}
	for _, s := range builtinStrategies() {
		e.strategies[s.Name] = s
	}
	return e
}

// Analyzer returns the analyzer the engine drives.
func (e *Engine) Analyzer() *analysis.Analyzer { return e.a }

// Define registers a strategy for a new fact.
func (e *Engine) Define(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy has no name")
	}
	if len(s.Heuristics) == 0 {
		return fmt.Errorf("strategy %q has no heuristics", s.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[s.Name]; ok {
		return fmt.Errorf("strategy %q already defined", s.Name)
	}
	e.strategies[s.Name] = s
	return nil
}

func (e *Engine) strategy(name string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

// Names returns the registered fact names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the fact called name, resolving it on first use. Unknown
// names are unresolved.
func (e *Engine) Resolve(name string) facts.Fact {
	s, ok := e.strategy(name)
	if !ok {
		e.log.Warn("no strategy for fact", "fact", name)
		return facts.Unresolved(name, facts.Address)
	}
	return e.cache.Resolve(name, s.Kind, func() facts.Outcome { return e.run(s) })
}

// ResolveAll resolves every registered fact concurrently and returns the
// cache contents. It fails only when ctx is cancelled before every fact
// was started; a fact already running is not interrupted.
func (e *Engine) ResolveAll(ctx context.Context) ([]facts.Fact, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, name := range e.Names() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.Resolve(name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve all: %w", err)
	}
	return e.Facts(), nil
}

// Facts returns every fact resolved so far.
func (e *Engine) Facts() []facts.Fact { return e.cache.Snapshot() }

// Peek returns a fact without resolving it.
func (e *Engine) Peek(name string) (facts.Fact, bool) { return e.cache.Peek(name) }

// Close tears the engine down. Later lookups are unresolved.
func (e *Engine) Close() { e.cache.Close() }

// ueModule returns the module an engine subsystem lives in: the matching
// DLL of a modular build, else the main executable of a monolithic one.
func (e *Engine) ueModule(name string) (*memory.Module, bool) {
	sp := e.a.Space()
	mods := sp.Modules()
	for _, m := range mods {
		if memory.MatchesName(m, name) {
			return m, true
		}
	}
	if e.opts.MainModule != "" {
		return sp.ModuleByName(e.opts.MainModule)
	}
	if len(mods) == 0 {
		e.log.Error("no modules loaded", "wanted", name)
		return nil, false
	}
	return mods[0], true
}
