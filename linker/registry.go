package linker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/wasm"
)

// Module is one module linked into a sandbox's address space. Its regions
// are assigned once and never move or overlap another module's.
type Module struct {
	Handle Handle
	Path   string

	MemoryBase uint32
	MemorySize uint32
	TableBase  uint32
	TableSize  uint32
	StackBase  uint32
	StackTop   uint32

	Dylink   *wasm.DylinkInfo
	Instance api.Module

	// Funcs maps exported function names to their table indices.
	Funcs map[string]uint32
}

// Registry tracks dynamic modules by path and by handle.
type Registry struct {
	mu      sync.RWMutex
	byPath  map[string]*Module
	modules []*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byPath: make(map[string]*Module)}
}

// Lookup returns the module loaded from path.
func (r *Registry) Lookup(path string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byPath[path]
	return m, ok
}

// NextHandle returns the handle the next added module will receive.
func (r *Registry) NextHandle() Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Handle(len(r.modules) + 1)
}

// Add registers m under its path. The handle must be NextHandle.
func (r *Registry) Add(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPath[m.Path]; ok {
		return fmt.Errorf("module %s already loaded", m.Path)
	}
	if want := Handle(len(r.modules) + 1); m.Handle != want {
		return fmt.Errorf("module %s has handle %d, want %d", m.Path, m.Handle, want)
	}
	r.byPath[m.Path] = m
	r.modules = append(r.modules, m)
	return nil
}

// Module returns the module with handle h.
func (r *Registry) Module(h Handle) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h == MainHandle || int(h) > len(r.modules) {
		return nil, false
	}
	return r.modules[h-1], true
}

// Modules returns modules in load order.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Module(nil), r.modules...)
}

// Count returns the number of dynamic modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// TableEntry describes a function placed in a sandbox table.
type TableEntry struct {
	Module Handle
	Name   string
	Type   wasm.FuncType
}

// TableMirror records what occupies each table slot the sandbox knows
// about, so that calls through a table pointer can be typed.
type TableMirror struct {
	mu      sync.RWMutex
	entries map[uint32]TableEntry
}

// NewTableMirror creates an empty mirror.
func NewTableMirror() *TableMirror {
	return &TableMirror{entries: make(map[uint32]TableEntry)}
}

// Set records the function at idx.
func (t *TableMirror) Set(idx uint32, e TableEntry) {
	t.mu.Lock()
	t.entries[idx] = e
	t.mu.Unlock()
}

// Get returns the function at idx.
func (t *TableMirror) Get(idx uint32) (TableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[idx]
	return e, ok
}

// Len returns the number of known slots.
func (t *TableMirror) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Indices returns the known slots in ascending order.
func (t *TableMirror) Indices() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.entries))
	for idx := range t.entries {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
