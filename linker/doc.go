// Package linker holds the dynamic-linking bookkeeping of a sandbox.
//
// Every guest module bound into a sandbox is rewritten so that each of
// its imports names a concrete provider instance in the sandbox's
// compartment. The Linker decides the provider for each import, in order:
//
//  1. Intrinsic host modules (env, wasi_snapshot_preview1), type checked.
//  2. Core linkage in env: memory, __indirect_function_table,
//     __stack_pointer, __memory_base and __table_base.
//  3. GOT.func and GOT.mem entries, resolved from the global offset table
//     or bound to a placeholder that is patched when the symbol appears.
//  4. Exports of the main module, then of dynamic modules in load order.
//  5. For functions, a late-binding stub dispatching through a patchable
//     table slot. Anything else is a missing import.
//
// The GOT records function symbols (table indices) and data symbols
// (memory addresses). A symbol is immutable once defined, and every
// pending reference to it is patched exactly once when it is defined.
//
// The glue modules that make this work (core, base, linkage, filler,
// trampoline and context modules) are synthesized here as wasm binaries.
package linker
