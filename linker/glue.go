package linker

import (
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Exports of synthesized modules.
const (
	TrampolineExport = "call"
)

var mutI32 = wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}

// CoreBinary synthesizes the module owning a sandbox's memory and table.
func CoreBinary(layout CoreLayout) []byte {
	b := wasm.NewBuilder()
	mem := b.Memory(layout.Memory)
	tbl := b.Table(wasm.TableType{
		ElemType: wasm.ValFuncRef,
		Limits:   wasm.Limits{Min: uint64(layout.TableSize)},
	})
	b.Export(MemoryExport, wasm.KindMemory, mem).
		Export(TableExport, wasm.KindTable, tbl)
	return b.Bytes()
}

// BaseBinary synthesizes the module exporting a module's memory base,
// table base and its own stack pointer.
func BaseBinary(memoryBase, tableBase, stackTop uint32) []byte {
	b := wasm.NewBuilder()
	i32 := wasm.GlobalType{ValType: wasm.ValI32}
	mb := b.Global(i32, wasm.I32ConstExpr(int32(memoryBase)))
	tb := b.Global(i32, wasm.I32ConstExpr(int32(tableBase)))
	sp := b.Global(mutI32, wasm.I32ConstExpr(int32(stackTop)))
	b.Export(MemoryBase, wasm.KindGlobal, mb).
		Export(TableBase, wasm.KindGlobal, tb).
		Export(StackPointer, wasm.KindGlobal, sp)
	return b.Bytes()
}

// LinkageBinary synthesizes the GOT slots and stubs of a plan. Each stub
// forwards its arguments to the table index in its slot; an unpatched
// slot is 0, which no function occupies, so calling it traps.
func LinkageBinary(p *Plan) []byte {
	b := wasm.NewBuilder()
	if len(p.Stubs) > 0 {
		b.ImportTable(CoreModule, TableExport, wasm.TableType{ElemType: wasm.ValFuncRef})
	}
	for _, e := range p.GOT {
		g := b.Global(mutI32, wasm.I32ConstExpr(int32(e.Offset)))
		b.Export(e.Export, wasm.KindGlobal, g)
	}
	for _, s := range p.Stubs {
		slot := b.Global(mutI32, wasm.I32ConstExpr(0))
		typeIdx := b.Type(s.Type)
		body := forwardParams(s.Type).GlobalGet(slot).CallIndirect(typeIdx, 0).End()
		fn := b.Func(s.Type, nil, body)
		b.Export(s.Export, wasm.KindFunc, fn).
			Export(s.Slot, wasm.KindGlobal, slot)
	}
	return b.Bytes()
}

// FillEntry is a function to place in a table.
type FillEntry struct {
	Provider string
	Name     string
	Type     wasm.FuncType
}

// FillerBinary synthesizes a module whose instantiation writes entries
// into the table exported by tableProvider, starting at offset.
func FillerBinary(tableProvider string, offset uint32, entries []FillEntry) []byte {
	b := wasm.NewBuilder()
	funcs := make([]uint32, len(entries))
	for i, e := range entries {
		funcs[i] = b.ImportFunc(e.Provider, e.Name, e.Type)
	}
	b.ImportTable(tableProvider, TableExport, wasm.TableType{ElemType: wasm.ValFuncRef})
	b.ActiveElem(wasm.I32ConstExpr(int32(offset)), funcs...)
	return b.Bytes()
}

// TrampolineBinary synthesizes a function calling through the table of
// tableProvider: it takes ft's parameters followed by the table index.
func TrampolineBinary(tableProvider string, ft wasm.FuncType) []byte {
	b := wasm.NewBuilder()
	b.ImportTable(tableProvider, TableExport, wasm.TableType{ElemType: wasm.ValFuncRef})
	target := b.Type(ft)

	params := append(append([]wasm.ValType(nil), ft.Params...), wasm.ValI32)
	body := forwardParams(ft).LocalGet(uint32(len(ft.Params))).CallIndirect(target, 0).End()
	fn := b.Func(wasm.FuncType{Params: params, Results: ft.Results}, nil, body)
	b.Export(TrampolineExport, wasm.KindFunc, fn)
	return b.Bytes()
}

// ContextBinary synthesizes the core of an execution context: the shared
// memory re-exported, plus a private table and stack pointer.
func ContextBinary(layout CoreLayout, stackTop uint32) []byte {
	b := wasm.NewBuilder()
	mem := b.ImportMemory(CoreModule, MemoryExport, layout.MemoryImport())
	tbl := b.Table(wasm.TableType{
		ElemType: wasm.ValFuncRef,
		Limits:   wasm.Limits{Min: uint64(layout.TableSize)},
	})
	sp := b.Global(mutI32, wasm.I32ConstExpr(int32(stackTop)))
	b.Export(MemoryExport, wasm.KindMemory, mem).
		Export(TableExport, wasm.KindTable, tbl).
		Export(StackPointer, wasm.KindGlobal, sp)
	return b.Bytes()
}

func forwardParams(ft wasm.FuncType) wasm.Code {
	var c wasm.Code
	for i := range ft.Params {
		c = c.LocalGet(uint32(i))
	}
	return c
}
