package sandbox

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/resource"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Defaults applied to zero descriptor fields.
const (
	DefaultTableReserve   = 4096
	DefaultStackSize      = 64 * 1024
	DefaultThreadPoolSize = 8
	DefaultZygoteEntry    = "__zygote"
)

// Sandbox is the capability set of a bound function: bind, reset, memory
// operations, execution, dynamic loading and logical threads.
type Sandbox interface {
	Bind(ctx context.Context, d Descriptor, bytecode []byte, useCache bool) error
	Descriptor() Descriptor
	BindSnapshot() string

	Reset(key string) error
	RegisterSnapshot() (string, error)

	OpenFile(path string) (resource.Handle, error)
	CloseFile(fd resource.Handle) error
	MapFile(fd resource.Handle, length uint32) (uint32, error)
	Translate(offset, length uint32) ([]byte, error)
	GrowMemory(delta uint32) (uint32, error)
	MemorySizeBytes() uint64
	MemoryPages() uint32

	Invoke(ctx context.Context, target Target, args ...uint64) ([]uint64, error)
	SpawnLogicalThread(ctx context.Context, poolIndex int, stackTop uint32, entry Entry) (uint32, error)

	LoadModule(ctx context.Context, path string) (linker.Handle, error)
	FunctionOffset(name string) (uint32, error)
	DataOffset(name string) (uint32, error)
	ModuleCount() int

	DebugInfo() DebugInfo
	Close(ctx context.Context) error
}

// Descriptor identifies a user function and the limits it is bound with.
type Descriptor struct {
	User     string
	Function string

	// MaxMemoryPages caps linear memory. 0 uses the engine limit.
	MaxMemoryPages uint32
	// TableReserve is the number of table slots available to dynamic
	// modules beyond the main module's own.
	TableReserve uint32
	// StackSize is the stack carved for each module importing
	// __stack_pointer.
	StackSize uint32
	// ThreadPoolSize bounds the pool indices of logical threads.
	ThreadPoolSize int
	// ZygoteEntry names the optional export run once after constructors.
	ZygoteEntry string
	// SharedModules are loaded during bind, before pending symbols are
	// checked.
	SharedModules []string
	// SnapshotCompression stores snapshot images zstd compressed.
	SnapshotCompression bool
}

// Key returns the function identity "user/function".
func (d Descriptor) Key() string {
	return d.User + "/" + d.Function
}

// WithDefaults fills zero fields with package defaults.
func (d Descriptor) WithDefaults() Descriptor {
	if d.TableReserve == 0 {
		d.TableReserve = DefaultTableReserve
	}
	if d.StackSize == 0 {
		d.StackSize = DefaultStackSize
	}
	if d.ThreadPoolSize <= 0 {
		d.ThreadPoolSize = DefaultThreadPoolSize
	}
	if d.ZygoteEntry == "" {
		d.ZygoteEntry = DefaultZygoteEntry
	}
	return d
}

// Target selects a function to invoke: an export of the main module (or
// any function symbol) by name, or a table pointer.
type Target struct {
	Name    string
	Pointer uint32
	// Type is the signature of Pointer when the sandbox did not place the
	// function itself.
	Type *wasm.FuncType
}

// Export targets a function by name.
func Export(name string) Target {
	return Target{Name: name}
}

// Pointer targets the function at a table index.
func Pointer(idx uint32) Target {
	return Target{Pointer: idx}
}

func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("table[%d]", t.Pointer)
}

// Entry is the function a logical thread runs and its arguments.
type Entry struct {
	Target
	Args []uint64
}

// ModuleSource supplies shared-module bytecode by path.
type ModuleSource interface {
	ReadModule(path string) ([]byte, error)
}

// Publisher receives sandboxes bound with useCache.
type Publisher interface {
	Insert(d Descriptor, sb Sandbox, snapshotKey string)
}

// Options configure an Instance.
type Options struct {
	Engine    *engine.Engine
	Modules   ModuleSource
	Files     afero.Fs
	Sys       engine.SysConfig
	Publisher Publisher
}
