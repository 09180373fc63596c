package sandbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// LoadModule links the shared module at path into the sandbox and returns
// its handle. Loading a path again returns the handle assigned the first
// time.
func (s *Instance) LoadModule(ctx context.Context, path string) (linker.Handle, error) {
	if err := s.checkBound(errors.PhaseLoad); err != nil {
		return 0, err
	}
	return s.loadModule(ctx, path)
}

func (s *Instance) loadModule(ctx context.Context, path string) (h linker.Handle, err error) {
	s.linkMu.Lock()
	if rec, ok := s.registry.Lookup(path); ok {
		s.linkMu.Unlock()
		return rec.Handle, nil
	}
	if err, ok := s.failed[path]; ok {
		s.linkMu.Unlock()
		return 0, err
	}
	rec, err := s.linkShared(ctx, path)
	s.linkMu.Unlock()

	defer func() {
		metrics.DynamicLoads.WithLabelValues(metrics.Status(err)).Inc()
	}()
	if err != nil {
		return 0, err
	}

	if err := s.callIfExported(ctx, rec.Instance, startExport, path); err != nil {
		return 0, s.markFailed(path, err)
	}
	if err := s.construct(ctx, rec.Instance, path); err != nil {
		return 0, s.markFailed(path, err)
	}

	Logger().Info("loaded module",
		zap.String("function", s.desc.Key()),
		zap.String("path", path),
		zap.Uint32("handle", uint32(rec.Handle)))
	return rec.Handle, nil
}

// linkShared reads, checks and links a shared module. linkMu must be held.
func (s *Instance) linkShared(ctx context.Context, path string) (*linker.Module, error) {
	if s.opts.Modules == nil {
		return nil, errors.DynamicLoad(path, "no shared-module store configured", nil)
	}
	bin, err := s.opts.Modules.ReadModule(path)
	if err != nil {
		return nil, errors.DynamicLoad(path, "read module", err)
	}
	m, err := wasm.Parse(bin)
	if err != nil {
		return nil, errors.DynamicLoad(path, "invalid module", err)
	}
	info, err := m.Dylink()
	if err != nil {
		return nil, errors.DynamicLoad(path, "invalid dylink.0 section", err)
	}
	if info == nil && len(m.Data) > 0 {
		return nil, errors.DynamicLoad(path, "not a shared module: data without a dylink.0 section", nil)
	}
	if len(m.Memories) > 0 || len(m.Tables) > 0 {
		return nil, errors.DynamicLoad(path, "shared module defines its own memory or table", nil)
	}

	h := s.registry.NextHandle()
	rec, plan, _, err := s.linkModule(ctx, h, path, m, !s.binding)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(rec); err != nil {
		return nil, errors.DynamicLoad(path, "register module", err)
	}
	if s.binding {
		s.plans = append(s.plans, plan)
	}
	return rec, nil
}

func (s *Instance) markFailed(path string, err error) error {
	err = errors.DynamicLoad(path, "initialize module", err)
	s.linkMu.Lock()
	s.failed[path] = err
	s.linkMu.Unlock()
	return err
}

// FunctionOffset returns the table index of a function symbol.
func (s *Instance) FunctionOffset(name string) (uint32, error) {
	return s.got.Offset(linker.SymbolFunc, name)
}

// DataOffset returns the memory address of a data symbol.
func (s *Instance) DataOffset(name string) (uint32, error) {
	return s.got.Offset(linker.SymbolData, name)
}

// ModuleFunctionOffset returns the table index of a function exported by
// one module.
func (s *Instance) ModuleFunctionOffset(h linker.Handle, name string) (uint32, error) {
	rec, ok := s.Module(h)
	if !ok {
		return 0, errors.DynamicLoad("", "unknown module handle", nil)
	}
	idx, ok := rec.Funcs[name]
	if !ok {
		return 0, errors.UnknownSymbol("function", name, false)
	}
	return idx, nil
}

// ModuleCount returns the number of dynamic modules loaded.
func (s *Instance) ModuleCount() int {
	return s.registry.Count()
}

// Module returns a loaded module by handle; handle 0 is the main module.
func (s *Instance) Module(h linker.Handle) (*linker.Module, bool) {
	if h == linker.MainHandle {
		s.linkMu.Lock()
		defer s.linkMu.Unlock()
		return s.main, s.main != nil
	}
	return s.registry.Module(h)
}
