package wasm

import (
	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// Builder assembles a module from scratch. All imports of a kind must be
// added before definitions of that kind so returned indices stay valid.
type Builder struct {
	m Module
}

// NewBuilder creates an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Type adds (or reuses) a function type and returns its index.
func (b *Builder) Type(ft FuncType) uint32 {
	return b.m.AddType(ft)
}

// ImportFunc imports a function and returns its function index.
func (b *Builder) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(b.m.Funcs) > 0 {
		panic("wasm: function import after function definition")
	}
	idx := uint32(b.m.NumImported(KindFunc))
	b.m.Imports = append(b.m.Imports, Import{Module: module, Name: name, Kind: KindFunc, TypeIdx: b.Type(ft)})
	return idx
}

// ImportGlobal imports a global and returns its global index.
func (b *Builder) ImportGlobal(module, name string, gt GlobalType) uint32 {
	if len(b.m.Globals) > 0 {
		panic("wasm: global import after global definition")
	}
	idx := uint32(b.m.NumImported(KindGlobal))
	b.m.Imports = append(b.m.Imports, Import{Module: module, Name: name, Kind: KindGlobal, Global: &gt})
	return idx
}

// ImportMemory imports a memory.
func (b *Builder) ImportMemory(module, name string, l Limits) uint32 {
	if len(b.m.Memories) > 0 {
		panic("wasm: memory import after memory definition")
	}
	idx := uint32(b.m.NumImported(KindMemory))
	b.m.Imports = append(b.m.Imports, Import{Module: module, Name: name, Kind: KindMemory, Memory: &l})
	return idx
}

// ImportTable imports a table and returns its table index.
func (b *Builder) ImportTable(module, name string, tt TableType) uint32 {
	if len(b.m.Tables) > 0 {
		panic("wasm: table import after table definition")
	}
	idx := uint32(b.m.NumImported(KindTable))
	b.m.Imports = append(b.m.Imports, Import{Module: module, Name: name, Kind: KindTable, Table: &tt})
	return idx
}

// Func defines a function and returns its function index. The body must
// end with an end opcode.
func (b *Builder) Func(ft FuncType, locals []ValType, body Code) uint32 {
	idx := uint32(b.m.NumImported(KindFunc) + len(b.m.Funcs))
	b.m.Funcs = append(b.m.Funcs, b.Type(ft))
	b.m.Code = append(b.m.Code, FuncBody{Raw: encodeBody(locals, body)})
	return idx
}

// Table defines a table and returns its index.
func (b *Builder) Table(tt TableType) uint32 {
	b.m.Tables = append(b.m.Tables, tt)
	return uint32(b.m.NumImported(KindTable) + len(b.m.Tables) - 1)
}

// Memory defines a memory and returns its index.
func (b *Builder) Memory(l Limits) uint32 {
	b.m.Memories = append(b.m.Memories, l)
	return uint32(b.m.NumImported(KindMemory) + len(b.m.Memories) - 1)
}

// Global defines a global with a constant init expression.
func (b *Builder) Global(gt GlobalType, init []byte) uint32 {
	b.m.Globals = append(b.m.Globals, Global{Type: gt, Init: init})
	return uint32(b.m.NumImported(KindGlobal) + len(b.m.Globals) - 1)
}

// Export exports an item by kind and index.
func (b *Builder) Export(name string, kind byte, idx uint32) *Builder {
	b.m.Exports = append(b.m.Exports, Export{Name: name, Kind: kind, Index: idx})
	return b
}

// ActiveElem adds an active element segment for table 0.
func (b *Builder) ActiveElem(offset []byte, funcs ...uint32) {
	b.m.Elements = append(b.m.Elements, Element{Flags: 0, Offset: offset, FuncIdxs: funcs})
}

// ActiveData adds an active data segment for memory 0.
func (b *Builder) ActiveData(offset []byte, data []byte) {
	b.m.Data = append(b.m.Data, DataSegment{Flags: 0, Offset: offset, Init: data})
}

// Start sets the start function.
func (b *Builder) Start(funcIdx uint32) {
	b.m.Start = &funcIdx
}

// Custom appends a trailing custom section.
func (b *Builder) Custom(name string, data []byte) {
	b.m.TrailingCustom = append(b.m.TrailingCustom, CustomSection{Name: name, Data: data})
}

// Dylink marks the module as a shared module with the given metadata.
func (b *Builder) Dylink(info DylinkInfo) {
	b.m.LeadingCustom = append([]CustomSection{{Name: DylinkSection, Data: info.Encode()}}, b.m.LeadingCustom...)
}

// Module returns the module built so far.
func (b *Builder) Module() *Module {
	return &b.m
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	return b.m.Encode()
}

func encodeBody(locals []ValType, body Code) []byte {
	w := binary.NewWriter()

	type group struct {
		count uint32
		typ   ValType
	}
	var groups []group
	for _, l := range locals {
		if n := len(groups); n > 0 && groups[n-1].typ == l {
			groups[n-1].count++
			continue
		}
		groups = append(groups, group{count: 1, typ: l})
	}

	w.WriteU32(uint32(len(groups)))
	for _, g := range groups {
		w.WriteU32(g.count)
		w.Byte(byte(g.typ))
	}
	w.WriteBytes(body)
	return w.Bytes()
}
