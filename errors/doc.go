// Package errors provides the structured error taxonomy of the sandbox.
//
// Errors are categorized by Phase (where in the sandbox lifecycle the error
// occurred) and Kind (link, out_of_memory, trap, dynamic_load, snapshot,
// thread and so on). Use the Builder for structured construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindDynamicLoad).
//		Path("libm.wasm").
//		Detail("missing dylink.0 section").
//		Build()
//
// Match by kind with the package sentinels:
//
//	if errors.Is(err, sberrors.ErrOutOfMemory) { ... }
//
// LinkError lists every import left unresolved by a bind.
package errors
