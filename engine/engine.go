package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"
)

// MaxPages is the largest 32-bit linear memory in pages (4GB).
const MaxPages = 65536

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages caps every compartment's memory in pages (64KB each).
	// 0 means MaxPages. A compartment may lower but never raise it.
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal so guest
	// modules can declare shared memories and use atomics.
	EnableThreads bool

	// CacheDir persists compiled machine code across processes. Empty keeps
	// the compilation cache in memory for the engine's lifetime.
	CacheDir string
}

// SysConfig is the syscall-emulation view given to guest modules.
type SysConfig struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Env    map[string]string
	Args   []string
}

// Engine creates isolated compartments sharing one compilation cache, so
// a module compiled for one sandbox is not recompiled for the next.
type Engine struct {
	cfg   Config
	cache wazero.CompilationCache

	mu     sync.Mutex
	closed bool
}

// New creates an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.MemoryLimitPages == 0 || cfg.MemoryLimitPages > MaxPages {
		cfg.MemoryLimitPages = MaxPages
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache %s: %w", cfg.CacheDir, err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Engine{cfg: cfg, cache: cache}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) runtimeConfig(limitPages uint32) wazero.RuntimeConfig {
	rc := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithMemoryLimitPages(limitPages).
		WithCustomSections(true)
	if e.cfg.EnableThreads {
		rc = rc.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	return rc
}

// NewCompartment creates an isolated namespace for one sandbox. limitPages
// lowers the engine-wide memory cap for this compartment; 0 keeps it.
func (e *Engine) NewCompartment(ctx context.Context, limitPages uint32, sys SysConfig) (*Compartment, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("engine closed")
	}

	if limitPages == 0 || limitPages > e.cfg.MemoryLimitPages {
		limitPages = e.cfg.MemoryLimitPages
	}

	rt := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig(limitPages))
	return &Compartment{
		rt:         rt,
		limitPages: limitPages,
		threads:    e.cfg.EnableThreads,
		sys:        sys,
	}, nil
}

// Precompile compiles bytecode into the compilation cache without
// instantiating it. With a CacheDir this is ahead-of-time code generation.
func (e *Engine) Precompile(ctx context.Context, bin []byte) error {
	rt := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig(e.cfg.MemoryLimitPages))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	Logger().Debug("precompiled module",
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return compiled.Close(ctx)
}

// Close releases the compilation cache. Compartments created from the
// engine must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.cache.Close(ctx)
}
