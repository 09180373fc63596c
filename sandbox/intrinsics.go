package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/resource"
)

// maxPathLen bounds C strings read from the guest.
const maxPathLen = 4096

const failed32 = ^uint64(0) >> 32

const valI32 = api.ValueTypeI32

func values(types ...api.ValueType) []api.ValueType {
	return types
}

// intrinsics is the env namespace every module may import from. Its
// functions run inside guest calls, so they use the internal helpers that
// do not take the instance lock.
func (s *Instance) intrinsics() *linker.Namespace {
	ns := linker.NewNamespace(linker.EnvModule)
	ns.DefineFunc("abort", s.abort, nil, nil)
	ns.DefineFunc("emscripten_notify_memory_growth", s.notifyGrowth, values(valI32), nil)
	ns.DefineFunc("sandbox_log", s.guestLog, values(valI32, valI32), nil)
	ns.DefineFunc("sandbox_open", s.guestOpen, values(valI32, valI32), values(valI32))
	ns.DefineFunc("sandbox_close", s.guestClose, values(valI32), values(valI32))
	ns.DefineFunc("mmap", s.mmap, values(valI32, valI32, valI32, valI32, valI32, valI32), values(valI32))
	ns.DefineFunc("munmap", s.munmap, values(valI32, valI32), values(valI32))
	ns.DefineFunc("dlopen", s.dlopen, values(valI32, valI32), values(valI32))
	ns.DefineFunc("dlsym", s.dlsym, values(valI32, valI32), values(valI32))
	ns.DefineFunc("dlclose", s.dlclose, values(valI32), values(valI32))
	ns.DefineFunc("dlerror", s.dlerror, values(valI32, valI32), values(valI32))
	return ns
}

func hostFuncs(ns *linker.Namespace) []engine.HostFunc {
	defs := ns.Funcs()
	out := make([]engine.HostFunc, len(defs))
	for i, d := range defs {
		out[i] = engine.HostFunc{Name: d.Name, Params: d.ParamTypes, Results: d.ResultTypes, Fn: d.Handler}
	}
	return out
}

func (s *Instance) abort(context.Context, api.Module, []uint64) {
	panic(engine.ErrAbort)
}

func (s *Instance) notifyGrowth(_ context.Context, _ api.Module, stack []uint64) {
	Logger().Debug("guest grew memory",
		zap.String("function", s.desc.Key()),
		zap.Uint32("memory_index", api.DecodeU32(stack[0])),
		zap.Uint32("pages", s.mem.Pages()))
}

func (s *Instance) guestLog(_ context.Context, _ api.Module, stack []uint64) {
	msg, err := s.mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		Logger().Warn("guest log outside memory", zap.String("function", s.desc.Key()))
		return
	}
	Logger().Info(string(msg), zap.String("function", s.desc.Key()))
}

func (s *Instance) guestOpen(_ context.Context, _ api.Module, stack []uint64) {
	path, err := s.mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		stack[0] = failed32
		return
	}
	fd, err := s.OpenFile(string(path))
	if err != nil {
		Logger().Debug("guest open failed", zap.String("path", string(path)), zap.Error(err))
		stack[0] = failed32
		return
	}
	stack[0] = uint64(fd)
}

func (s *Instance) guestClose(_ context.Context, _ api.Module, stack []uint64) {
	if err := s.CloseFile(resource.Handle(api.DecodeU32(stack[0]))); err != nil {
		stack[0] = failed32
		return
	}
	stack[0] = 0
}

// mmap maps a file at a fresh region past the current end of memory, or
// reserves anonymous memory when fd is negative. The address hint,
// protection and flags are ignored; non-zero offsets are unsupported.
func (s *Instance) mmap(_ context.Context, _ api.Module, stack []uint64) {
	length := api.DecodeU32(stack[1])
	fd := api.DecodeI32(stack[4])
	off := api.DecodeU32(stack[5])

	var addr uint32
	var err error
	switch {
	case off != 0:
		stack[0] = failed32
		return
	case fd < 0:
		addr, err = s.reserve(uint64(length))
	default:
		addr, err = s.mapFile(resource.Handle(fd), length)
	}
	if err != nil {
		Logger().Debug("guest mmap failed", zap.Int32("fd", fd), zap.Uint32("length", length), zap.Error(err))
		stack[0] = failed32
		return
	}
	stack[0] = uint64(addr)
}

// munmap is a no-op: mapped regions live until the next reset.
func (s *Instance) munmap(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = 0
}

func (s *Instance) dlopen(ctx context.Context, _ api.Module, stack []uint64) {
	path, err := s.mem.ReadCString(api.DecodeU32(stack[0]), maxPathLen)
	if err != nil {
		s.setDLError(err.Error())
		stack[0] = 0
		return
	}
	h, err := s.loadModule(ctx, path)
	if err != nil {
		s.setDLError(err.Error())
		stack[0] = 0
		return
	}
	stack[0] = uint64(h)
}

// dlsym resolves a function to its table index or a data symbol to its
// address. Handle 0 searches every loaded module.
func (s *Instance) dlsym(_ context.Context, _ api.Module, stack []uint64) {
	h := linker.Handle(api.DecodeU32(stack[0]))
	name, err := s.mem.ReadCString(api.DecodeU32(stack[1]), maxPathLen)
	if err != nil {
		s.setDLError(err.Error())
		stack[0] = 0
		return
	}

	if h == linker.MainHandle {
		if sym, ok := s.got.Lookup(linker.SymbolFunc, name); ok {
			stack[0] = uint64(sym.Offset)
			return
		}
		if sym, ok := s.got.Lookup(linker.SymbolData, name); ok {
			stack[0] = uint64(sym.Offset)
			return
		}
		s.setDLError("undefined symbol: " + name)
		stack[0] = 0
		return
	}
	off, err := s.ModuleFunctionOffset(h, name)
	if err != nil {
		s.setDLError(err.Error())
		stack[0] = 0
		return
	}
	stack[0] = uint64(off)
}

// dlclose keeps the module loaded.
func (s *Instance) dlclose(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = 0
}

// dlerror copies the last dynamic-loading error into buf, truncated and
// NUL terminated, clears it and returns the bytes written. It returns 0
// when there is no error.
func (s *Instance) dlerror(_ context.Context, _ api.Module, stack []uint64) {
	buf, size := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])

	s.linkMu.Lock()
	msg := s.dlerr
	s.dlerr = ""
	s.linkMu.Unlock()

	if msg == "" || size == 0 {
		stack[0] = 0
		return
	}
	out := []byte(msg)
	if uint32(len(out)) >= size {
		out = out[:size-1]
	}
	if err := s.mem.Write(buf, append(out, 0)); err != nil {
		stack[0] = 0
		return
	}
	stack[0] = uint64(len(out))
}

func (s *Instance) setDLError(msg string) {
	s.linkMu.Lock()
	s.dlerr = msg
	s.linkMu.Unlock()
}
