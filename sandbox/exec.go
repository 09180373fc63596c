package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// call runs a resolved target.
type call func(ctx context.Context, args ...uint64) ([]uint64, error)

// Invoke calls a function of the main execution context. A zero
// proc_exit returns no results and no error.
func (s *Instance) Invoke(ctx context.Context, target Target, args ...uint64) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseExec); err != nil {
		return nil, err
	}

	metrics.ActiveInvocations.Inc()
	defer metrics.ActiveInvocations.Dec()

	fn, name, err := s.resolve(ctx, s.main.Instance, linker.CoreModule, target)
	if err != nil {
		return nil, err
	}
	res, err := fn(ctx, args...)
	if err != nil {
		err = engine.Classify(errors.PhaseExec, name, err)
		metrics.InvocationsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.InvocationsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func outcome(err error) string {
	switch errors.KindOf(err) {
	case "":
		return "ok"
	case errors.KindTrap:
		return "trap"
	case errors.KindExecution:
		return "exit"
	}
	return "error"
}

// resolve finds target in an execution context: exports of the context's
// main instance by name, then function symbols of any module, then table
// pointers called through the context's table.
func (s *Instance) resolve(ctx context.Context, main api.Module, tableProvider string, t Target) (call, string, error) {
	if t.Name != "" {
		if fn := main.ExportedFunction(t.Name); fn != nil {
			return fn.Call, t.Name, nil
		}
		off, err := s.got.Offset(linker.SymbolFunc, t.Name)
		if err != nil {
			return nil, t.Name, errors.NotFound(errors.PhaseExec, "function", t.Name)
		}
		t = Target{Pointer: off}
	}

	var ft wasm.FuncType
	name := t.String()
	switch e, ok := s.mirror.Get(t.Pointer); {
	case t.Type != nil:
		ft = *t.Type
	case ok:
		ft = e.Type
		if e.Name != "" {
			name = e.Name
		}
	default:
		return nil, name, errors.InvalidInput(errors.PhaseExec, "no signature known for "+name)
	}

	tramp, err := s.trampoline(ctx, tableProvider, ft)
	if err != nil {
		return nil, name, err
	}
	ptr := uint64(t.Pointer)
	return func(ctx context.Context, args ...uint64) ([]uint64, error) {
		fn := tramp.ExportedFunction(linker.TrampolineExport)
		return fn.Call(ctx, append(append(make([]uint64, 0, len(args)+1), args...), ptr)...)
	}, name, nil
}

// trampoline returns the module calling through tableProvider's table with
// signature ft, creating it on first use.
func (s *Instance) trampoline(ctx context.Context, tableProvider string, ft wasm.FuncType) (api.Module, error) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	key := tableProvider + " " + ft.String()
	if mod, ok := s.trampolines[key]; ok {
		return mod, nil
	}
	mod, err := s.comp.Load(ctx, linker.TrampolineBinary(tableProvider, ft), s.providers)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseExec, errors.KindLink, err, "create trampoline for "+ft.String())
	}
	s.trampolines[key] = mod
	return mod, nil
}
