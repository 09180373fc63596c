package linker

import (
	goerrors "errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Source is a linked module whose exports can satisfy imports.
type Source struct {
	Provider string
	Handle   Handle
	Module   api.Module

	defs map[string]api.FunctionDefinition
}

// Linker resolves imports for the modules of one sandbox. Sources are
// searched in the order they were added: the main module first, then
// dynamic modules in load order.
type Linker struct {
	mu         sync.RWMutex
	intrinsics map[string]Source
	sources    []Source
	got        *GOT
}

// New creates a linker over the sandbox's global offset table.
func New(got *GOT) *Linker {
	return &Linker{
		intrinsics: make(map[string]Source),
		got:        got,
	}
}

// GOT returns the global offset table.
func (l *Linker) GOT() *GOT {
	return l.got
}

// AddIntrinsic registers a host module under the import module name it
// serves, such as "env" or "wasi_snapshot_preview1".
func (l *Linker) AddIntrinsic(name string, mod api.Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intrinsics[name] = Source{Provider: name, Module: mod, defs: mod.ExportedFunctionDefinitions()}
}

// AddSource makes a linked module's exports available to later imports.
func (l *Linker) AddSource(h Handle, mod api.Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, Source{
		Provider: ProviderOf(h),
		Handle:   h,
		Module:   mod,
		defs:     mod.ExportedFunctionDefinitions(),
	})
}

// Sources returns linked modules in search order.
func (l *Linker) Sources() []Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Source(nil), l.sources...)
}

// Plan starts resolving the imports of module h. name labels diagnostics.
func (l *Linker) Plan(h Handle, name string) *Plan {
	return &Plan{
		Handle:  h,
		Name:    name,
		l:       l,
		gotIdx:  make(map[string]int),
		stubIdx: make(map[string]int),
	}
}

// GOTEntry is a global offset table slot imported by one module.
type GOTEntry struct {
	Export  string
	Kind    SymbolKind
	Name    string
	Offset  uint32
	Pending bool
}

// Stub is a late-binding function for an import no linked module defines
// yet. It calls through the table index held in its slot global.
type Stub struct {
	Export string
	Slot   string
	Name   string
	Type   wasm.FuncType
}

type deferred struct {
	imp errors.MissingImport
	key symbolKey
}

// Plan is the import resolution of one module. It records the GOT slots
// and stubs its linkage module must provide, the imports bound to pending
// symbols and the imports that cannot be satisfied at all.
type Plan struct {
	Handle Handle
	Name   string

	GOT     []GOTEntry
	Stubs   []Stub
	Missing []errors.MissingImport

	l        *Linker
	gotIdx   map[string]int
	stubIdx  map[string]int
	deferred []deferred
}

var _ Resolver = (*Plan)(nil)

// Resolve picks the provider of one import.
func (p *Plan) Resolve(module, name string, typ TypeDescriptor) (Binding, error) {
	if b, ok, err := p.resolveIntrinsic(module, name, typ); ok || err != nil {
		return b, err
	}
	if module == EnvModule {
		if b, ok := p.resolveCore(name, typ); ok {
			return b, nil
		}
	}
	if module == GOTFunc || module == GOTMem {
		return p.resolveGOT(module, name, typ)
	}
	if b, ok := p.resolveExport(name, typ); ok {
		return b, nil
	}
	if typ.Kind == wasm.KindFunc {
		return p.stub(module, name, typ)
	}
	return Binding{}, p.missing(module, name, typ)
}

// ResolveAll resolves every import of m. Imports bound to pending symbols
// are not failures; unsatisfiable ones are collected into one LinkError.
func (p *Plan) ResolveAll(m *wasm.Module) ([]Binding, error) {
	bindings := make([]Binding, len(m.Imports))
	for i, imp := range m.Imports {
		td, err := Describe(m, imp)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidInput, err, "describe import")
		}
		b, err := p.Resolve(imp.Module, imp.Name, td)
		if err != nil {
			var pe *PendingError
			if !goerrors.As(err, &pe) {
				continue
			}
		}
		bindings[i] = b
	}
	if len(p.Missing) > 0 {
		return bindings, errors.NewLinkError(p.Name, p.Missing)
	}
	return bindings, nil
}

// Unresolved lists imports whose symbols are still undefined.
func (p *Plan) Unresolved() []errors.MissingImport {
	var out []errors.MissingImport
	for _, d := range p.deferred {
		if _, ok := p.l.got.Lookup(d.key.kind, d.key.name); !ok {
			out = append(out, d.imp)
		}
	}
	return out
}

// DeferredImport is an import bound to a placeholder and the symbol it
// waits for.
type DeferredImport struct {
	Import errors.MissingImport
	Symbol string
	Kind   SymbolKind
}

// Deferred lists every import bound to a placeholder, resolved or not.
func (p *Plan) Deferred() []DeferredImport {
	out := make([]DeferredImport, 0, len(p.deferred))
	for _, d := range p.deferred {
		out = append(out, DeferredImport{Import: d.imp, Symbol: d.key.name, Kind: d.key.kind})
	}
	return out
}

// NeedsLinkage reports whether the module needs a linkage module.
func (p *Plan) NeedsLinkage() bool {
	return len(p.GOT) > 0 || len(p.Stubs) > 0
}

func (p *Plan) resolveIntrinsic(module, name string, typ TypeDescriptor) (Binding, bool, error) {
	p.l.mu.RLock()
	src, ok := p.l.intrinsics[module]
	p.l.mu.RUnlock()
	if !ok || typ.Kind != wasm.KindFunc {
		return Binding{}, false, nil
	}
	if def, ok := src.defs[name]; ok && FuncTypeOf(def).Equal(typ.Func) {
		return Binding{Provider: module, Export: name}, true, nil
	}
	if module == EnvModule {
		// env is also the namespace of cross-module symbols
		return Binding{}, false, nil
	}
	return Binding{}, true, p.missing(module, name, typ)
}

func (p *Plan) resolveCore(name string, typ TypeDescriptor) (Binding, bool) {
	switch {
	case name == MemoryExport && typ.Kind == wasm.KindMemory:
		return Binding{Provider: CoreModule, Export: MemoryExport}, true
	case name == TableExport && typ.Kind == wasm.KindTable:
		return Binding{Provider: CoreModule, Export: TableExport}, true
	case name == StackPointer && isGlobal(typ, true):
		return Binding{Provider: BaseModule(p.Handle), Export: StackPointer}, true
	case (name == MemoryBase || name == TableBase) && isGlobal(typ, false):
		return Binding{Provider: BaseModule(p.Handle), Export: name}, true
	}
	return Binding{}, false
}

func isGlobal(typ TypeDescriptor, mutable bool) bool {
	return typ.Kind == wasm.KindGlobal && typ.Global == wasm.GlobalType{ValType: wasm.ValI32, Mutable: mutable}
}

func (p *Plan) resolveGOT(module, name string, typ TypeDescriptor) (Binding, error) {
	if !isGlobal(typ, true) {
		return Binding{}, p.missing(module, name, typ)
	}
	kind := SymbolFunc
	if module == GOTMem {
		kind = SymbolData
	}

	key := module + "." + name
	i, ok := p.gotIdx[key]
	if !ok {
		sym, defined := p.l.got.Lookup(kind, name)
		i = len(p.GOT)
		p.GOT = append(p.GOT, GOTEntry{
			Export:  fmt.Sprintf("got:%d", i),
			Kind:    kind,
			Name:    name,
			Offset:  sym.Offset,
			Pending: !defined,
		})
		p.gotIdx[key] = i
	}

	entry := p.GOT[i]
	b := Binding{Provider: LinkageModule(p.Handle), Export: entry.Export}
	if !entry.Pending {
		return b, nil
	}
	p.addDeferred(module, name, typ, symbolKey{kind, name})
	return b, &PendingError{Module: module, Name: name, Symbol: name}
}

func (p *Plan) resolveExport(name string, typ TypeDescriptor) (Binding, bool) {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()

	for _, src := range p.l.sources {
		switch typ.Kind {
		case wasm.KindFunc:
			if def, ok := src.defs[name]; ok && FuncTypeOf(def).Equal(typ.Func) {
				return Binding{Provider: src.Provider, Export: name}, true
			}
		case wasm.KindGlobal:
			if matchesGlobal(src.Module.ExportedGlobal(name), typ.Global) {
				return Binding{Provider: src.Provider, Export: name}, true
			}
		}
	}
	return Binding{}, false
}

func (p *Plan) stub(module, name string, typ TypeDescriptor) (Binding, error) {
	if _, defined := p.l.got.Lookup(SymbolFunc, name); defined {
		// defined with a different signature
		return Binding{}, p.missing(module, name, typ)
	}

	key := name + " " + typ.Func.String()
	i, ok := p.stubIdx[key]
	if !ok {
		i = len(p.Stubs)
		p.Stubs = append(p.Stubs, Stub{
			Export: fmt.Sprintf("stub:%d", i),
			Slot:   fmt.Sprintf("slot:%d", i),
			Name:   name,
			Type:   typ.Func,
		})
		p.stubIdx[key] = i
	}
	p.addDeferred(module, name, typ, symbolKey{SymbolFunc, name})

	Logger().Debug("deferred import",
		zap.String("module", p.Name),
		zap.String("import", module+"."+name),
		zap.String("type", typ.String()))
	return Binding{Provider: LinkageModule(p.Handle), Export: p.Stubs[i].Export},
		&PendingError{Module: module, Name: name, Symbol: name}
}

func (p *Plan) addDeferred(module, name string, typ TypeDescriptor, key symbolKey) {
	p.deferred = append(p.deferred, deferred{
		imp: errors.MissingImport{Module: module, Name: name, Type: typ.String()},
		key: key,
	})
}

func (p *Plan) missing(module, name string, typ TypeDescriptor) error {
	mi := errors.MissingImport{Module: module, Name: name, Type: typ.String()}
	p.Missing = append(p.Missing, mi)
	return errors.NewLinkError(p.Name, []errors.MissingImport{mi})
}
