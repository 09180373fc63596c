// Package wasm reads, rewrites and synthesizes WebAssembly binary modules.
//
// It decodes every section except function bodies, which are kept raw, so
// modules can be rewritten and re-encoded without touching their code:
//
//	m, err := wasm.Parse(data)
//	m.ImportDefinedMemory("env", "memory")
//	out := m.Encode()
//
// The Builder and Code types assemble small glue modules:
//
//	b := wasm.NewBuilder()
//	add := b.Func(wasm.FuncType{
//		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
//		Results: []wasm.ValType{wasm.ValI32},
//	}, nil, wasm.Code{}.LocalGet(0).LocalGet(1).I32Add().End())
//	b.Export("add", wasm.KindFunc, add)
//	bin := b.Bytes()
//
// Shared-module metadata from the dylink.0 custom section is available
// through Module.Dylink.
package wasm
