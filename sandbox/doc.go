// Package sandbox binds a user function into an isolated WebAssembly
// address space and executes it.
//
// An Instance owns one engine compartment: a single linear memory and
// function table shared by the main module and every shared module it
// loads at runtime. Bind links and initializes the main module, runs its
// constructors and optional zygote, and records a snapshot that Reset
// returns to between invocations.
//
// Invocations hold the instance read lock and may run concurrently.
// Reset, Bind and Close take the write lock. Logical threads run on
// per-pool-index execution contexts with a private table, stack pointer
// and main-module instance over the shared memory.
//
// Guest code reaches the sandbox through env intrinsics: dlopen, dlsym,
// dlclose and dlerror for dynamic loading, mmap and munmap for file
// mapping and anonymous growth, and sandbox_open, sandbox_close and
// sandbox_log.
package sandbox
