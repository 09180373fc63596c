package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Providers maps the module names a rewritten binary imports from to the
// instances that satisfy them.
type Providers map[string]api.Module

func (p Providers) resolve(name string) api.Module {
	if m, ok := p[name]; ok {
		return m
	}
	return nil
}

// Compartment is an isolated namespace holding one sandbox's memory,
// table and module instances. It owns every instance created in it and
// releases them, newest first, on Close.
type Compartment struct {
	rt         wazero.Runtime
	limitPages uint32
	threads    bool
	sys        SysConfig

	mu        sync.Mutex
	instances []api.Module
	compiled  []wazero.CompiledModule
	closed    bool
}

// LimitPages returns the compartment's memory cap in pages.
func (c *Compartment) LimitPages() uint32 {
	return c.limitPages
}

// Threads reports whether shared memories and atomics are enabled.
func (c *Compartment) Threads() bool {
	return c.threads
}

// Compile compiles bytecode for instantiation in this compartment.
// Compiled code is shared through the engine's compilation cache.
func (c *Compartment) Compile(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("compartment closed")
	}

	compiled, err := c.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}
	c.compiled = append(c.compiled, compiled)
	return compiled, nil
}

// Instantiate creates an anonymous instance of compiled. Each import module
// name is looked up in providers first, then among named host modules.
// Start functions are never run implicitly.
func (c *Compartment) Instantiate(ctx context.Context, compiled wazero.CompiledModule, providers Providers) (api.Module, error) {
	if len(providers) > 0 {
		ctx = experimental.WithImportResolver(ctx, providers.resolve)
	}

	mod, err := c.rt.InstantiateModule(ctx, compiled, c.moduleConfig())
	if err != nil {
		return nil, err
	}
	c.track(mod)
	return mod, nil
}

// Load compiles and instantiates bytecode in one step.
func (c *Compartment) Load(ctx context.Context, bin []byte, providers Providers) (api.Module, error) {
	compiled, err := c.Compile(ctx, bin)
	if err != nil {
		return nil, err
	}
	return c.Instantiate(ctx, compiled, providers)
}

func (c *Compartment) moduleConfig() wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	if c.sys.Stdin != nil {
		mc = mc.WithStdin(c.sys.Stdin)
	}
	if c.sys.Stdout != nil {
		mc = mc.WithStdout(c.sys.Stdout)
	}
	if c.sys.Stderr != nil {
		mc = mc.WithStderr(c.sys.Stderr)
	}
	if len(c.sys.Args) > 0 {
		mc = mc.WithArgs(c.sys.Args...)
	}
	for k, v := range c.sys.Env {
		mc = mc.WithEnv(k, v)
	}
	return mc
}

func (c *Compartment) track(mod api.Module) {
	c.mu.Lock()
	c.instances = append(c.instances, mod)
	c.mu.Unlock()
}

// HostFunc is a Go function exported to guests by a host module.
type HostFunc struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// InstantiateHost builds and instantiates a named host module. The memory
// seen by each function is the calling module's memory.
func (c *Compartment) InstantiateHost(ctx context.Context, name string, funcs []HostFunc) (api.Module, error) {
	builder := c.rt.NewHostModuleBuilder(name)
	for _, f := range funcs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			Export(f.Name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module %s: %w", name, err)
	}
	c.track(mod)
	return mod, nil
}

// InstantiateWASI instantiates wasi_snapshot_preview1. proc_exit unwinds
// the calling invocation with the exit code instead of closing the
// instance, so a sandbox stays usable after its guest exits.
func (c *Compartment) InstantiateWASI(ctx context.Context) (api.Module, error) {
	builder := c.rt.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			panic(sys.NewExitError(uint32(stack[0])))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		WithParameterNames("rval").
		Export("proc_exit")

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	c.track(mod)
	return mod, nil
}

// Close releases every instance, newest first, then compiled code and the
// runtime itself.
func (c *Compartment) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	instances := c.instances
	compiled := c.compiled
	c.instances = nil
	c.compiled = nil
	c.mu.Unlock()

	var err error
	for i := len(instances) - 1; i >= 0; i-- {
		err = multierr.Append(err, instances[i].Close(ctx))
	}
	for _, cm := range compiled {
		err = multierr.Append(err, cm.Close(ctx))
	}
	err = multierr.Append(err, c.rt.Close(ctx))
	if err != nil {
		Logger().Warn("compartment close", zap.Error(err))
	}
	return err
}
