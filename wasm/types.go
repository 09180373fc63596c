package wasm

import "strings"

// Module is a parsed WebAssembly module. Function bodies are kept as raw
// bytes; every other section is decoded so that it can be rewritten and
// re-encoded.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for declared functions
	Tables   []TableType
	Memories []Limits
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section.
	DataCount *uint32

	// Leading custom sections appear before the first known section
	// (dylink.0 must be first); trailing ones are written at the end.
	LeadingCustom  []CustomSection
	TrailingCustom []CustomSection

	// Tags holds the raw exception-handling tag section, if any.
	Tags []byte
}

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExternRef:
		return "externref"
	default:
		return "unknown"
	}
}

// FuncType represents a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// String renders the signature as "func (i32, i32) -> (i32)".
func (f FuncType) String() string {
	var b strings.Builder
	b.WriteString("func (")
	writeValTypeList(&b, f.Params)
	b.WriteString(") -> (")
	writeValTypeList(&b, f.Results)
	b.WriteByte(')')
	return b.String()
}

func writeValTypeList(b *strings.Builder, types []ValType) {
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// WithMax returns a copy of l with the given maximum.
func (l Limits) WithMax(max uint64) Limits {
	l.Max = &max
	return l
}

// TableType describes a table with element type and size limits.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// GlobalType describes a global's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

func (g GlobalType) String() string {
	if g.Mutable {
		return "global mut " + g.ValType.String()
	}
	return "global " + g.ValType.String()
}

// Global is a defined global with its raw init expression.
type Global struct {
	Type GlobalType
	Init []byte
}

// Import represents an imported function, table, memory or global.
type Import struct {
	Module string
	Name   string
	Kind   byte

	TypeIdx uint32 // KindFunc
	Table   *TableType
	Memory  *Limits
	Global  *GlobalType
}

// Export describes an exported item.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Element represents an element segment. Flags select the encoding:
//   - 0: active, table 0, offset, vec(funcidx)
//   - 1: passive, elemkind, vec(funcidx)
//   - 2: active, table, offset, elemkind, vec(funcidx)
//   - 3: declarative, elemkind, vec(funcidx)
//   - 4: active, table 0, offset, vec(expr)
//   - 5: passive, reftype, vec(expr)
//   - 6: active, table, offset, reftype, vec(expr)
//   - 7: declarative, reftype, vec(expr)
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	ElemKind byte
	RefType  ValType
}

// Active reports whether the segment is applied at instantiation.
func (e *Element) Active() bool {
	return e.Flags&1 == 0
}

// Len returns the number of entries in the segment.
func (e *Element) Len() int {
	if e.Flags&4 != 0 {
		return len(e.Exprs)
	}
	return len(e.FuncIdxs)
}

// FuncBody is a function's raw body: local declarations and code.
type FuncBody struct {
	Raw []byte
}

// DataSegment represents a data segment. Flags: 0 active memory 0,
// 1 passive, 2 active with explicit memory index.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// CustomSection holds a named custom section's payload.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImported returns the number of imports of the given kind.
func (m *Module) NumImported(kind byte) int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Kind == kind {
			count++
		}
	}
	return count
}

// FuncTypeOf returns the signature of a function by index in the module's
// function index space.
func (m *Module) FuncTypeOf(funcIdx uint32) (FuncType, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if funcIdx == 0 {
			return m.typeAt(imp.TypeIdx)
		}
		funcIdx--
	}
	if int(funcIdx) >= len(m.Funcs) {
		return FuncType{}, false
	}
	return m.typeAt(m.Funcs[funcIdx])
}

func (m *Module) typeAt(idx uint32) (FuncType, bool) {
	if int(idx) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[idx], true
}

// ImportType renders the expected type of an import for diagnostics.
func (m *Module) ImportType(imp Import) string {
	switch imp.Kind {
	case KindFunc:
		if ft, ok := m.typeAt(imp.TypeIdx); ok {
			return ft.String()
		}
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		if imp.Memory != nil && imp.Memory.Shared {
			return "shared memory"
		}
		return "memory"
	case KindGlobal:
		if imp.Global != nil {
			return imp.Global.String()
		}
		return "global"
	}
	return "unknown"
}

// Export finds an export by name and kind.
func (m *Module) Export(name string, kind byte) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name && e.Kind == kind {
			return e, true
		}
	}
	return Export{}, false
}

// AddType adds a function type and returns its index, reusing an equal one.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// Custom returns the payload of the first custom section with the name.
func (m *Module) Custom(name string) ([]byte, bool) {
	for _, c := range m.LeadingCustom {
		if c.Name == name {
			return c.Data, true
		}
	}
	for _, c := range m.TrailingCustom {
		if c.Name == name {
			return c.Data, true
		}
	}
	return nil, false
}

// ImportedGlobal returns the import behind a global index, if the global
// is imported.
func (m *Module) ImportedGlobal(globalIdx uint32) (Import, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindGlobal {
			continue
		}
		if globalIdx == 0 {
			return imp, true
		}
		globalIdx--
	}
	return Import{}, false
}
