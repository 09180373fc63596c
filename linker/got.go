package linker

import (
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
)

// SymbolKind distinguishes function symbols (table indices) from data
// symbols (memory addresses).
type SymbolKind uint8

const (
	SymbolFunc SymbolKind = iota
	SymbolData
)

func (k SymbolKind) String() string {
	if k == SymbolData {
		return "data"
	}
	return "function"
}

// Symbol is a resolved global offset table entry.
type Symbol struct {
	Name   string
	Offset uint32
	Kind   SymbolKind
	Module Handle
}

// Patch writes a resolved offset into a placeholder.
type Patch func(offset uint32) error

type symbolKey struct {
	kind SymbolKind
	name string
}

// PendingEntry is a symbol referenced before any module defined it.
type PendingEntry struct {
	Name       string
	Kind       SymbolKind
	References int
}

// GOT is the global offset table of one sandbox: function and data
// symbol maps plus the pending references awaiting a definition.
type GOT struct {
	mu      sync.Mutex
	funcs   map[string]Symbol
	data    map[string]Symbol
	pending map[symbolKey][]Patch
}

// NewGOT creates an empty table.
func NewGOT() *GOT {
	return &GOT{
		funcs:   make(map[string]Symbol),
		data:    make(map[string]Symbol),
		pending: make(map[symbolKey][]Patch),
	}
}

func (g *GOT) table(kind SymbolKind) map[string]Symbol {
	if kind == SymbolData {
		return g.data
	}
	return g.funcs
}

// Lookup returns a defined symbol.
func (g *GOT) Lookup(kind SymbolKind, name string) (Symbol, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sym, ok := g.table(kind)[name]
	return sym, ok
}

// Offset returns the offset of a defined symbol. A symbol that is only
// referenced is reported as pending.
func (g *GOT) Offset(kind SymbolKind, name string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sym, ok := g.table(kind)[name]; ok {
		return sym.Offset, nil
	}
	_, pending := g.pending[symbolKey{kind, name}]
	return 0, errors.UnknownSymbol(kind.String(), name, pending)
}

// Defer records a reference to a symbol that is not defined yet. If the
// symbol is already defined, patch runs immediately.
func (g *GOT) Defer(kind SymbolKind, name string, patch Patch) error {
	g.mu.Lock()
	sym, ok := g.table(kind)[name]
	if !ok {
		key := symbolKey{kind, name}
		g.pending[key] = append(g.pending[key], patch)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return patch(sym.Offset)
}

// Define records a symbol and back-patches every pending reference to it,
// consuming the pending entry. The first definition of a name wins; later
// ones are ignored and reported false.
func (g *GOT) Define(sym Symbol) (bool, error) {
	g.mu.Lock()
	tbl := g.table(sym.Kind)
	if prev, ok := tbl[sym.Name]; ok {
		g.mu.Unlock()
		if prev.Module != sym.Module {
			Logger().Debug("symbol already defined",
				zap.String("symbol", sym.Name),
				zap.Uint32("module", uint32(prev.Module)),
				zap.Uint32("ignored", uint32(sym.Module)))
		}
		return false, nil
	}
	tbl[sym.Name] = sym
	key := symbolKey{sym.Kind, sym.Name}
	patches := g.pending[key]
	delete(g.pending, key)
	g.mu.Unlock()

	var err error
	for _, p := range patches {
		err = multierr.Append(err, p(sym.Offset))
	}
	if len(patches) > 0 {
		Logger().Debug("resolved pending symbol",
			zap.String("symbol", sym.Name),
			zap.Stringer("kind", sym.Kind),
			zap.Uint32("offset", sym.Offset),
			zap.Int("references", len(patches)))
	}
	return true, err
}

// IsPending reports whether a symbol is referenced but undefined.
func (g *GOT) IsPending(kind SymbolKind, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[symbolKey{kind, name}]
	return ok
}

// Pending lists undefined symbols sorted by name.
func (g *GOT) Pending() []PendingEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingEntry, 0, len(g.pending))
	for k, patches := range g.pending {
		out = append(out, PendingEntry{Name: k.name, Kind: k.kind, References: len(patches)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Len returns the number of defined symbols of a kind.
func (g *GOT) Len(kind SymbolKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.table(kind))
}

// Symbols returns the defined symbols of a kind sorted by offset.
func (g *GOT) Symbols(kind SymbolKind) []Symbol {
	g.mu.Lock()
	defer g.mu.Unlock()

	tbl := g.table(kind)
	out := make([]Symbol, 0, len(tbl))
	for _, s := range tbl {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Name < out[j].Name
	})
	return out
}
