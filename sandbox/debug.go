package sandbox

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-sandbox/linker"
)

// ModuleInfo describes one linked module.
type ModuleInfo struct {
	Handle     linker.Handle
	Path       string
	MemoryBase uint32
	MemorySize uint32
	TableBase  uint32
	TableSize  uint32
	StackTop   uint32
	Functions  int
}

// DebugInfo is a point-in-time summary of an instance.
type DebugInfo struct {
	Function    string
	Bound       bool
	Pages       uint32
	MaxPages    uint32
	Bytes       uint64
	TableSize   uint32
	TableCursor uint32
	Modules     []ModuleInfo
	FuncSymbols int
	DataSymbols int
	Pending     []linker.PendingEntry
	Snapshots   int
	Contexts    int
}

// DebugInfo reports memory, table, module and symbol state.
func (s *Instance) DebugInfo() DebugInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := DebugInfo{
		Function:    s.desc.Key(),
		Bound:       s.state.Load() == stateBound,
		FuncSymbols: s.got.Len(linker.SymbolFunc),
		DataSymbols: s.got.Len(linker.SymbolData),
		Pending:     s.got.Pending(),
		Snapshots:   s.snapshots.len(),
		Contexts:    s.contextCount(),
		TableSize:   s.layout.TableSize,
	}
	if s.mem != nil {
		s.growMu.Lock()
		info.Pages = s.mem.Pages()
		info.MaxPages = s.mem.MaxPages()
		info.Bytes = s.mem.Size()
		s.growMu.Unlock()
	}
	if s.arena != nil {
		info.TableCursor = s.arena.Cursor()
	}
	if main, ok := s.Module(linker.MainHandle); ok {
		info.Modules = append(info.Modules, moduleInfo(main))
	}
	for _, m := range s.registry.Modules() {
		info.Modules = append(info.Modules, moduleInfo(m))
	}
	return info
}

func moduleInfo(m *linker.Module) ModuleInfo {
	return ModuleInfo{
		Handle:     m.Handle,
		Path:       m.Path,
		MemoryBase: m.MemoryBase,
		MemorySize: m.MemorySize,
		TableBase:  m.TableBase,
		TableSize:  m.TableSize,
		StackTop:   m.StackTop,
		Functions:  len(m.Funcs),
	}
}

func (d DebugInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s (bound=%t)\n", d.Function, d.Bound)
	fmt.Fprintf(&b, "memory: %d/%d pages, %d bytes\n", d.Pages, d.MaxPages, d.Bytes)
	fmt.Fprintf(&b, "table: cursor %d of %d\n", d.TableCursor, d.TableSize)
	fmt.Fprintf(&b, "symbols: %d functions, %d data, %d pending\n", d.FuncSymbols, d.DataSymbols, len(d.Pending))
	for _, p := range d.Pending {
		fmt.Fprintf(&b, "  pending %s %s (%d refs)\n", p.Kind, p.Name, p.References)
	}
	fmt.Fprintf(&b, "snapshots: %d, contexts: %d\n", d.Snapshots, d.Contexts)
	for _, m := range d.Modules {
		fmt.Fprintf(&b, "  [%d] %s mem=%#x+%d table=%d+%d stack=%#x funcs=%d\n",
			m.Handle, m.Path, m.MemoryBase, m.MemorySize, m.TableBase, m.TableSize, m.StackTop, m.Functions)
	}
	return b.String()
}
