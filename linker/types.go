package linker

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/wasm"
)

// Handle identifies a module linked into a sandbox. The main module is
// handle 0; dynamic modules are numbered from 1 in load order.
type Handle uint32

// MainHandle is the handle of the bound user module.
const MainHandle Handle = 0

// Provider module names. Every rewritten import names one of these (or an
// intrinsic module) so that it resolves to exactly one instance.
const (
	CoreModule = "sandbox:core"
	MainModule = "sandbox:main"

	MemoryExport = "memory"
	TableExport  = "__indirect_function_table"
	StackPointer = "__stack_pointer"
	MemoryBase   = "__memory_base"
	TableBase    = "__table_base"
	EnvModule    = "env"
	GOTFunc      = "GOT.func"
	GOTMem       = "GOT.mem"
)

// BaseModule names the module exporting h's memory and table bases.
func BaseModule(h Handle) string { return fmt.Sprintf("sandbox:base:%d", h) }

// LinkageModule names the module holding h's GOT globals and stubs.
func LinkageModule(h Handle) string { return fmt.Sprintf("sandbox:got:%d", h) }

// ContextModule names the core module of the execution context at a pool index.
func ContextModule(index int) string { return fmt.Sprintf("sandbox:ctx:%d", index) }

// ProviderOf names the instance of module h.
func ProviderOf(h Handle) string {
	if h == MainHandle {
		return MainModule
	}
	return fmt.Sprintf("sandbox:lib:%d", h)
}

// TypeDescriptor is the type an import expects from its provider.
type TypeDescriptor struct {
	Kind   byte
	Func   wasm.FuncType
	Global wasm.GlobalType
	Memory wasm.Limits
	Table  wasm.TableType
}

// Describe returns the expected type of an import of m.
func Describe(m *wasm.Module, imp wasm.Import) (TypeDescriptor, error) {
	td := TypeDescriptor{Kind: imp.Kind}
	switch imp.Kind {
	case wasm.KindFunc:
		if int(imp.TypeIdx) >= len(m.Types) {
			return td, fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.TypeIdx)
		}
		td.Func = m.Types[imp.TypeIdx]
	case wasm.KindGlobal:
		td.Global = *imp.Global
	case wasm.KindMemory:
		td.Memory = *imp.Memory
	case wasm.KindTable:
		td.Table = *imp.Table
	default:
		return td, fmt.Errorf("import %s.%s: unknown kind 0x%02x", imp.Module, imp.Name, imp.Kind)
	}
	return td, nil
}

// FuncDescriptor describes a function import of the given signature.
func FuncDescriptor(ft wasm.FuncType) TypeDescriptor {
	return TypeDescriptor{Kind: wasm.KindFunc, Func: ft}
}

// GlobalDescriptor describes a global import.
func GlobalDescriptor(vt wasm.ValType, mutable bool) TypeDescriptor {
	return TypeDescriptor{Kind: wasm.KindGlobal, Global: wasm.GlobalType{ValType: vt, Mutable: mutable}}
}

func (t TypeDescriptor) String() string {
	switch t.Kind {
	case wasm.KindFunc:
		return t.Func.String()
	case wasm.KindGlobal:
		return t.Global.String()
	case wasm.KindMemory:
		return "memory"
	case wasm.KindTable:
		return "table " + t.Table.ElemType.String()
	}
	return "unknown"
}

// FuncTypeOf converts an engine function definition to a signature.
func FuncTypeOf(def api.FunctionDefinition) wasm.FuncType {
	return wasm.FuncType{
		Params:  valTypes(def.ParamTypes()),
		Results: valTypes(def.ResultTypes()),
	}
}

// ValueTypes converts signature types to engine value types.
func ValueTypes(types []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(types))
	for i, t := range types {
		out[i] = api.ValueType(t)
	}
	return out
}

func valTypes(types []api.ValueType) []wasm.ValType {
	out := make([]wasm.ValType, len(types))
	for i, t := range types {
		out[i] = wasm.ValType(t)
	}
	return out
}

// matchesGlobal reports whether an exported engine global has type gt.
func matchesGlobal(g api.Global, gt wasm.GlobalType) bool {
	if g == nil || wasm.ValType(g.Type()) != gt.ValType {
		return false
	}
	_, mutable := g.(api.MutableGlobal)
	return mutable == gt.Mutable
}

// Binding names the provider instance and export satisfying one import.
type Binding struct {
	Provider string
	Export   string
}

// Resolver implements the import-resolution contract: given an import's
// module, name and expected type, it returns the provider or fails.
type Resolver interface {
	Resolve(module, name string, typ TypeDescriptor) (Binding, error)
}

// PendingError reports an import bound to a placeholder awaiting a symbol
// that no loaded module defines yet.
type PendingError struct {
	Module string
	Name   string
	Symbol string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s.%s: symbol %s pending", e.Module, e.Name, e.Symbol)
}
