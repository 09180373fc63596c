package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/metrics"
)

// execContext runs logical threads for one pool index: a private table,
// stack pointer and main module instance over the shared memory.
type execContext struct {
	index    int
	provider string
	mainKey  string
	main     api.Module
	sp       api.MutableGlobal
	fills    int

	// mu admits one logical thread at a time.
	mu sync.Mutex
}

// SpawnLogicalThread runs entry on the context of poolIndex with its stack
// pointer set to stackTop, and returns the guest exit code: the first
// result, or the proc_exit code.
func (s *Instance) SpawnLogicalThread(ctx context.Context, poolIndex int, stackTop uint32, entry Entry) (code uint32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseThread); err != nil {
		return 0, err
	}
	if poolIndex < 0 || poolIndex >= s.desc.ThreadPoolSize {
		return 0, errors.PoolIndexOutOfRange(poolIndex, s.desc.ThreadPoolSize)
	}
	if uint64(stackTop) > s.mem.Size() {
		return 0, errors.InvalidInput(errors.PhaseThread, fmt.Sprintf("stack top %d outside memory", stackTop))
	}

	defer func() {
		metrics.ThreadsSpawned.WithLabelValues(outcome(err)).Inc()
	}()

	c, err := s.context(ctx, poolIndex)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.syncContext(ctx, c); err != nil {
		return 0, err
	}
	if c.sp != nil {
		c.sp.Set(uint64(stackTop))
	}

	fn, name, err := s.resolve(ctx, c.main, c.provider, entry.Target)
	if err != nil {
		return 0, err
	}
	res, err := fn(ctx, entry.Args...)
	if err != nil {
		if code, ok := engine.ExitCode(err); ok {
			return code, nil
		}
		return 0, engine.Classify(errors.PhaseThread, name, err)
	}
	if len(res) > 0 {
		return uint32(res[0]), nil
	}
	return 0, nil
}

// context returns the execution context of a pool index, creating it on
// first use.
func (s *Instance) context(ctx context.Context, index int) (*execContext, error) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	if c, ok := s.contexts[index]; ok {
		return c, nil
	}

	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	c := &execContext{
		index:    index,
		provider: linker.ContextModule(index),
		mainKey:  linker.ContextModule(index) + ":main",
	}
	core, err := s.comp.Load(ctx, linker.ContextBinary(s.layout, 0), s.providers)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseThread, errors.KindThread, err, "create context core")
	}
	s.providers[c.provider] = core

	m := s.mainModule.Clone()
	m.Passivate()
	bindings := linker.Retarget(s.mainBindings, linker.CoreModule, c.provider, linker.TableExport)
	bindings = linker.Retarget(bindings, linker.BaseModule(linker.MainHandle), c.provider, linker.StackPointer)
	if err := linker.Rewrite(m, bindings, s.layout); err != nil {
		return nil, errors.Wrap(errors.PhaseThread, errors.KindThread, err, "rewrite context main")
	}
	main, err := s.comp.Load(ctx, m.Encode(), s.providers)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseThread, errors.KindThread, err, "instantiate context main")
	}
	s.providers[c.mainKey] = main
	c.main = main

	if bound(bindings, c.provider, linker.StackPointer) {
		c.sp, _ = core.ExportedGlobal(linker.StackPointer).(api.MutableGlobal)
	} else {
		c.sp, _ = main.ExportedGlobal(linker.StackPointer).(api.MutableGlobal)
	}
	if c.sp == nil {
		Logger().Warn("main module has no stack pointer; logical threads share its stack",
			zap.String("function", s.desc.Key()),
			zap.Int("pool_index", index))
	}

	s.contexts[index] = c
	Logger().Debug("created context",
		zap.String("function", s.desc.Key()),
		zap.Int("pool_index", index))
	return c, nil
}

// syncContext copies table placements made since the context last ran.
func (s *Instance) syncContext(ctx context.Context, c *execContext) error {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	for ; c.fills < len(s.fills); c.fills++ {
		f := s.fills[c.fills]
		entries := make([]linker.FillEntry, len(f.entries))
		for i, e := range f.entries {
			if e.Provider == linker.MainModule {
				e.Provider = c.mainKey
			}
			entries[i] = e
		}
		if _, err := s.comp.Load(ctx, linker.FillerBinary(c.provider, f.offset, entries), s.providers); err != nil {
			return errors.Wrap(errors.PhaseThread, errors.KindThread, err, "fill context table")
		}
	}
	return nil
}

func bound(bindings []linker.Binding, provider, export string) bool {
	for _, b := range bindings {
		if b.Provider == provider && b.Export == export {
			return true
		}
	}
	return false
}

func (s *Instance) contextCount() int {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return len(s.contexts)
}
