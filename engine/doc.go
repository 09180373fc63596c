// Package engine adapts wazero into the execution engine used by sandboxes.
//
// An Engine owns a compilation cache shared by every Compartment it
// creates. A Compartment is one wazero runtime: an isolated namespace for
// one sandbox's memory, table and instances. Guest modules are
// instantiated anonymously, with imports satisfied from an explicit
// Providers map, so the same rewritten binary can be instantiated many
// times in one compartment.
//
// Memory wraps a guest memory with a page cap and atomic growth. Classify
// maps engine errors (traps, proc_exit) onto the sandbox error taxonomy.
package engine
