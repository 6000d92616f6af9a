package facts

import (
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"binfacts/internal/logging"
)

// Strategy computes one fact. It may panic; the cache converts a panic
// into an unresolved fact.
type Strategy func() Outcome

type entry struct {
	once sync.Once
	done atomic.Bool
	fact Fact
}

// Cache is a table of facts computed lazily and exactly once. A cache is
// populated while the target modules are attached, read-only afterwards,
// and torn down with Close.
//
// A strategy must not resolve, directly or through other strategies, the
// fact it is computing: the second lookup waits on the first forever.
type Cache struct {
	log *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	derived map[string]Fact
	closed  atomic.Bool
	runs    atomic.Int64
}

// NewCache returns an empty cache. A nil logger discards output.
func NewCache(lg *log.Logger) *Cache {
	if lg == nil {
		lg = logging.Discard()
	}
	return &Cache{
		log:     lg,
		entries: make(map[string]*entry),
		derived: make(map[string]Fact),
	}
}

func (c *Cache) entry(name string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		e = &entry{}
		c.entries[name] = e
	}
	return e
}

// Resolve returns the fact called name, running strategy on first access.
// Concurrent first accesses block until the single run finishes and all
// observe the same fact. A fact already co-derived by another strategy is
// returned without running strategy.
func (c *Cache) Resolve(name string, kind Kind, strategy Strategy) Fact {
	if c.closed.Load() {
		return Unresolved(name, kind)
	}
	e := c.entry(name)
	e.once.Do(func() {
		defer e.done.Store(true)
		if f, ok := c.Derived(name); ok {
			e.fact = f
			return
		}
		e.fact = c.run(name, kind, strategy)
	})
	return e.fact
}

func (c *Cache) run(name string, kind Kind, strategy Strategy) (f Fact) {
	f = Unresolved(name, kind)
	c.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("strategy panicked", "fact", name, "panic", r, "stack", string(debug.Stack()))
			f = Unresolved(name, kind)
		}
	}()

	out := strategy()
	for _, x := range out.Extra {
		c.commitDerived(x)
	}
	if !out.OK {
		c.log.Error("fact unresolved", "fact", name)
		return f
	}
	f = Fact{Name: name, Kind: kind, Value: out.Value, Resolved: true, Source: out.Source}
	c.log.Info("fact resolved", "fact", name, "value", logging.Hex(out.Value), "source", out.Source)
	return f
}

// commitDerived records a co-derived fact. The first value for a name
// wins; later ones are ignored.
func (c *Cache) commitDerived(f Fact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.derived[f.Name]; ok {
		return
	}
	c.derived[f.Name] = f
	if f.Resolved {
		c.log.Info("fact co-derived", "fact", f.Name, "value", logging.Hex(f.Value), "source", f.Source)
	}
}

// Derived returns a fact co-derived by another strategy, if any.
func (c *Cache) Derived(name string) (Fact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.derived[name]
	return f, ok
}

// Peek returns a committed or co-derived fact without running anything.
func (c *Cache) Peek(name string) (Fact, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok && e.done.Load() {
		return e.fact, true
	}
	return c.Derived(name)
}

// Snapshot returns every known fact sorted by name.
func (c *Cache) Snapshot() []Fact {
	c.mu.Lock()
	seen := make(map[string]Fact, len(c.entries)+len(c.derived))
	for name, f := range c.derived {
		seen[name] = f
	}
	for name, e := range c.entries {
		if e.done.Load() {
			seen[name] = e.fact
		}
	}
	c.mu.Unlock()

	out := make([]Fact, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs returns how many strategy bodies have executed.
func (c *Cache) Runs() int64 { return c.runs.Load() }

// Close detaches the cache. Later lookups return unresolved facts without
// running strategies.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.derived = make(map[string]Fact)
	c.mu.Unlock()
}
