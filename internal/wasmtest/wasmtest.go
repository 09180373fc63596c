// Package wasmtest synthesizes the modules the sandbox tests bind and
// load, so tests need no prebuilt binaries.
package wasmtest

import (
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Addresses and slots the fixtures use.
const (
	CtorAddr   = 1024 // __wasm_call_ctors stores 1 here
	ZygoteAddr = 1028 // __zygote stores 7 here
	DataAddr   = 2048 // Main.Data is placed here
	AddSlot    = 1    // main's "add" sits in this table slot

	// Side module data layout, relative to its memory base.
	SideTagOffset  = 0
	SideCtorOffset = 4
)

var (
	i32 = wasm.ValI32
	f64 = wasm.ValF64

	mutI32   = wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}
	constI32 = wasm.GlobalType{ValType: wasm.ValI32}
)

// Func builds a signature.
func Func(params []wasm.ValType, results ...wasm.ValType) wasm.FuncType {
	return wasm.FuncType{Params: params, Results: results}
}

// Params lists parameter types.
func Params(types ...wasm.ValType) []wasm.ValType {
	return types
}

// Import is a function import a fixture declares and re-exports as
// "use_" + Name.
type Import struct {
	Module string
	Name   string
	Type   wasm.FuncType
}

// GlobalImport is a global import a fixture declares.
type GlobalImport struct {
	Module string
	Name   string
	Type   wasm.GlobalType
}

// Intrinsics are the env functions Main imports when asked to; each is
// re-exported as "x_" + name.
var Intrinsics = []Import{
	{"env", "dlopen", Func(Params(i32, i32), i32)},
	{"env", "dlsym", Func(Params(i32, i32), i32)},
	{"env", "dlclose", Func(Params(i32), i32)},
	{"env", "dlerror", Func(Params(i32, i32), i32)},
	{"env", "mmap", Func(Params(i32, i32, i32, i32, i32, i32), i32)},
	{"env", "munmap", Func(Params(i32, i32), i32)},
	{"env", "sandbox_open", Func(Params(i32, i32), i32)},
	{"env", "sandbox_close", Func(Params(i32), i32)},
	{"env", "sandbox_log", Func(Params(i32, i32))},
}

// Main describes a main (user function) module. It always defines its
// own memory and table and exports answer, store, load, grow, fail,
// divide, add and exit.
type Main struct {
	MinPages uint32
	MaxPages uint32 // 0 for none
	Shared   bool
	TableMin uint32 // 0 means 2

	Ctors        bool
	Zygote       bool
	ZygoteResult int32

	// StackPointer imports env.__stack_pointer; ExportStackPointer
	// defines and exports it instead. Either adds "stack_top".
	StackPointer       bool
	ExportStackPointer bool

	Intrinsics bool
	Imports    []Import
	Globals    []GlobalImport
	Data       []byte
}

// Bytes encodes the module.
func (m Main) Bytes() []byte {
	b := wasm.NewBuilder()

	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", Func(Params(i32)))
	if m.Intrinsics {
		for _, imp := range Intrinsics {
			idx := b.ImportFunc(imp.Module, imp.Name, imp.Type)
			b.Export("x_"+imp.Name, wasm.KindFunc, idx)
		}
	}
	for _, imp := range m.Imports {
		idx := b.ImportFunc(imp.Module, imp.Name, imp.Type)
		b.Export("use_"+imp.Name, wasm.KindFunc, idx)
	}

	for _, g := range m.Globals {
		b.ImportGlobal(g.Module, g.Name, g.Type)
	}
	var sp uint32
	hasSP := m.StackPointer || m.ExportStackPointer
	if m.StackPointer {
		sp = b.ImportGlobal("env", "__stack_pointer", mutI32)
	}

	limits := wasm.Limits{Min: uint64(m.MinPages), Shared: m.Shared}
	if m.MaxPages > 0 {
		limits = limits.WithMax(uint64(m.MaxPages))
	}
	b.Export("memory", wasm.KindMemory, b.Memory(limits))

	tableMin := m.TableMin
	if tableMin == 0 {
		tableMin = 2
	}
	b.Table(wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: uint64(tableMin)}})

	if m.ExportStackPointer {
		sp = b.Global(mutI32, wasm.I32ConstExpr(int32(m.MinPages*wasm.PageSize)))
		b.Export("__stack_pointer", wasm.KindGlobal, sp)
	}

	var c wasm.Code
	b.Export("answer", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.I32Const(42).End()))
	b.Export("store", wasm.KindFunc, b.Func(Func(Params(i32, i32)), nil,
		c.LocalGet(0).LocalGet(1).I32Store(0).End()))
	b.Export("load", wasm.KindFunc, b.Func(Func(Params(i32), i32), nil,
		c.LocalGet(0).I32Load(0).End()))
	b.Export("grow", wasm.KindFunc, b.Func(Func(Params(i32), i32), nil,
		c.LocalGet(0).MemoryGrow().End()))
	b.Export("fail", wasm.KindFunc, b.Func(Func(nil), nil, c.Unreachable().End()))
	b.Export("divide", wasm.KindFunc, b.Func(Func(Params(i32, i32), i32), nil,
		c.LocalGet(0).LocalGet(1).I32DivS().End()))
	add := b.Func(Func(Params(i32, i32), i32), nil, c.LocalGet(0).LocalGet(1).I32Add().End())
	b.Export("add", wasm.KindFunc, add)
	b.ActiveElem(wasm.I32ConstExpr(AddSlot), add)
	b.Export("exit", wasm.KindFunc, b.Func(Func(Params(i32)), nil, c.LocalGet(0).Call(exit).End()))

	if hasSP {
		b.Export("stack_top", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.GlobalGet(sp).End()))
	}
	if m.Ctors {
		b.Export("__wasm_call_ctors", wasm.KindFunc, b.Func(Func(nil), nil,
			c.I32Const(CtorAddr).I32Const(1).I32Store(0).End()))
	}
	if m.Zygote {
		b.Export("__zygote", wasm.KindFunc, b.Func(Func(nil, i32), nil,
			c.I32Const(ZygoteAddr).I32Const(7).I32Store(0).I32Const(m.ZygoteResult).End()))
	}
	if len(m.Data) > 0 {
		b.ActiveData(wasm.I32ConstExpr(DataAddr), m.Data)
	}
	return b.Bytes()
}

// Side describes a shared module in the style of a libm: it imports the
// sandbox memory, table and bases and exports "sin" (identity, standing in
// for the small-angle approximation), "sin_slot" (its own table slot) and
// the data symbol "libm_tag".
type Side struct {
	// ImportAnswer imports env.answer and exports "lib_answer" calling it.
	ImportAnswer bool
	// GOTAnswer imports GOT.func.answer and exports "answer_ptr".
	GOTAnswer bool
	// StackPointer imports env.__stack_pointer and exports "lib_stack_top".
	StackPointer bool
	Ctors        bool
	Imports      []Import
	Exports      []string // extra functions () -> i32 returning their position
	NoDylink     bool
	DefineMemory bool
	Tag          []byte // bytes of libm_tag; defaults to "LIBM"
}

// Bytes encodes the module.
func (s Side) Bytes() []byte {
	b := wasm.NewBuilder()

	var answer uint32
	if s.ImportAnswer {
		answer = b.ImportFunc("env", "answer", Func(nil, i32))
	}
	for _, imp := range s.Imports {
		idx := b.ImportFunc(imp.Module, imp.Name, imp.Type)
		b.Export("use_"+imp.Name, wasm.KindFunc, idx)
	}

	memBase := b.ImportGlobal("env", "__memory_base", constI32)
	tableBase := b.ImportGlobal("env", "__table_base", constI32)
	var sp, gotAnswer uint32
	if s.StackPointer {
		sp = b.ImportGlobal("env", "__stack_pointer", mutI32)
	}
	if s.GOTAnswer {
		gotAnswer = b.ImportGlobal("GOT.func", "answer", mutI32)
	}

	if s.DefineMemory {
		b.Memory(wasm.Limits{Min: 1})
	} else {
		b.ImportMemory("env", "memory", wasm.Limits{})
	}
	b.ImportTable("env", "__indirect_function_table", wasm.TableType{ElemType: wasm.ValFuncRef})

	tag := s.Tag
	if tag == nil {
		tag = []byte("LIBM")
	}
	data := make([]byte, SideCtorOffset+4)
	copy(data[SideTagOffset:], tag)

	if !s.NoDylink {
		b.Dylink(wasm.DylinkInfo{MemorySize: uint32(len(data)), MemoryAlign: 2, TableSize: 1})
	}

	var c wasm.Code
	sin := b.Func(Func(Params(f64), f64), nil, c.LocalGet(0).End())
	b.Export("sin", wasm.KindFunc, sin)
	b.ActiveElem(wasm.GlobalGetExpr(tableBase), sin)
	b.Export("sin_slot", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.GlobalGet(tableBase).End()))

	if s.ImportAnswer {
		b.Export("lib_answer", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.Call(answer).End()))
	}
	if s.GOTAnswer {
		b.Export("answer_ptr", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.GlobalGet(gotAnswer).End()))
	}
	if s.StackPointer {
		b.Export("lib_stack_top", wasm.KindFunc, b.Func(Func(nil, i32), nil, c.GlobalGet(sp).End()))
	}
	if s.Ctors {
		b.Export("__wasm_call_ctors", wasm.KindFunc, b.Func(Func(nil), nil,
			c.GlobalGet(memBase).I32Const(1).I32Store(SideCtorOffset).End()))
	}
	for i, name := range s.Exports {
		b.Export(name, wasm.KindFunc, b.Func(Func(nil, i32), nil, c.I32Const(int32(i)).End()))
	}

	b.Export("libm_tag", wasm.KindGlobal, b.Global(constI32, wasm.I32ConstExpr(SideTagOffset)))
	b.ActiveData(wasm.GlobalGetExpr(memBase), data)
	return b.Bytes()
}
