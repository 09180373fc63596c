package linker

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm"
)

// CoreLayout is the shape of a sandbox's core memory and table.
type CoreLayout struct {
	Memory    wasm.Limits
	TableSize uint32
}

// MemoryImport returns the limits an importer of the core memory must
// declare so that the engine accepts it at any later memory size.
func (c CoreLayout) MemoryImport() wasm.Limits {
	l := wasm.Limits{Shared: c.Memory.Shared}
	if c.Memory.Shared && c.Memory.Max != nil {
		l.Max = c.Memory.Max
	}
	return l
}

// TableImport returns the table type importers of a sandbox table declare.
func (c CoreLayout) TableImport() wasm.TableType {
	return wasm.TableType{ElemType: wasm.ValFuncRef}
}

// Rewrite redirects every import of m to its binding. Memory and table
// imports take the core's limits.
func Rewrite(m *wasm.Module, bindings []Binding, core CoreLayout) error {
	if len(bindings) != len(m.Imports) {
		return fmt.Errorf("rewrite: %d bindings for %d imports", len(bindings), len(m.Imports))
	}
	for i := range m.Imports {
		imp := m.Imports[i]
		b := bindings[i]
		if b.Provider == "" {
			return fmt.Errorf("rewrite: import %s.%s is unbound", imp.Module, imp.Name)
		}
		imp.Module, imp.Name = b.Provider, b.Export
		switch imp.Kind {
		case wasm.KindMemory:
			l := core.MemoryImport()
			imp.Memory = &l
		case wasm.KindTable:
			tt := core.TableImport()
			tt.ElemType = imp.Table.ElemType
			imp.Table = &tt
		}
		m.Imports[i] = imp
	}
	return nil
}

// Retarget returns a copy of bindings with every binding to from.export
// replaced by to.export.
func Retarget(bindings []Binding, from, to string, exports ...string) []Binding {
	out := append([]Binding(nil), bindings...)
	for i, b := range out {
		if b.Provider != from {
			continue
		}
		for _, e := range exports {
			if b.Export == e {
				out[i].Provider = to
			}
		}
	}
	return out
}
