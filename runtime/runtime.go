package runtime

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/sandbox"
	"github.com/wippyai/wasm-sandbox/storage"
	"github.com/wippyai/wasm-sandbox/threads"
)

// Call addresses one function invocation.
type Call struct {
	User     string
	Function string
	Target   sandbox.Target
	Args     []uint64
}

// Descriptor returns the descriptor of the called function.
func (r *Runtime) Descriptor(c Call) sandbox.Descriptor {
	return r.cfg.Descriptor(c.User, c.Function)
}

// Runtime dispatches calls to cached sandboxes bound from storage.
type Runtime struct {
	cfg    config.Config
	engine *engine.Engine
	store  *storage.Store
	cache  *cache.Cache
	sys    engine.SysConfig

	closeOnce sync.Once
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithStore reads bytecode and data files from store instead of the
// configured directory.
func WithStore(store *storage.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithSys sets the syscall-emulation view of every sandbox.
func WithSys(sys engine.SysConfig) Option {
	return func(r *Runtime) { r.sys = sys }
}

// New creates a runtime and its engine.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eng, err := engine.New(cfg.EngineConfig())
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "create engine")
	}
	r := &Runtime{cfg: cfg, engine: eng, cache: cache.New()}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = storage.NewOS(cfg.Storage.Dir)
	}
	return r, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Store returns the bytecode store.
func (r *Runtime) Store() *storage.Store {
	return r.store
}

// Cache returns the sandbox cache.
func (r *Runtime) Cache() *cache.Cache {
	return r.cache
}

// Bind binds a new sandbox for d from stored bytecode. The caller owns it.
func (r *Runtime) Bind(ctx context.Context, d sandbox.Descriptor) (*sandbox.Instance, error) {
	bin, err := r.store.ReadFunction(d.User, d.Function)
	if err != nil {
		return nil, err
	}
	s := sandbox.New(sandbox.Options{
		Engine:  r.engine,
		Modules: r.store,
		Files:   r.store.DataFs(),
		Sys:     r.sys,
	})
	if err := s.Bind(ctx, d, bin, false); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Warm compiles the bytecode of a function ahead of its first bind.
func (r *Runtime) Warm(ctx context.Context, user, function string) error {
	bin, err := r.store.ReadFunction(user, function)
	if err != nil {
		return err
	}
	if err := r.engine.Precompile(ctx, bin); err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindInvalidInput, err, "compile "+user+"/"+function)
	}
	return nil
}

// acquire returns the sandbox for d and its release function. With the
// cache enabled the sandbox is shared; otherwise it is bound for this call
// and closed on release.
func (r *Runtime) acquire(ctx context.Context, d sandbox.Descriptor) (sandbox.Sandbox, string, func(), error) {
	if !r.cfg.Runtime.UseCache {
		s, err := r.Bind(ctx, d)
		if err != nil {
			return nil, "", nil, err
		}
		return s, s.BindSnapshot(), func() { _ = s.Close(context.Background()) }, nil
	}
	g, err := r.cache.GetOrBind(ctx, d, func(ctx context.Context) (sandbox.Sandbox, error) {
		return r.Bind(ctx, d)
	})
	if err != nil {
		return nil, "", nil, err
	}
	return g.Sandbox, g.Snapshot, g.Release, nil
}

// prepare resets a cached sandbox to its bind snapshot when configured.
func (r *Runtime) prepare(sb sandbox.Sandbox, snapshot string) error {
	if !r.cfg.Runtime.UseCache || !r.cfg.Runtime.ResetAfterInvoke || snapshot == "" {
		return nil
	}
	return sb.Reset(snapshot)
}

// Invoke runs one call on the function's sandbox.
func (r *Runtime) Invoke(ctx context.Context, c Call) ([]uint64, error) {
	d := r.Descriptor(c)
	sb, snapshot, release, err := r.acquire(ctx, d)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.prepare(sb, snapshot); err != nil {
		return nil, err
	}
	res, err := sb.Invoke(ctx, c.Target, c.Args...)
	if err != nil {
		Logger().Debug("invoke failed",
			zap.String("function", d.Key()),
			zap.Stringer("target", c.Target),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// RunThreads runs logical threads on the function's sandbox, bounded by
// its thread pool size.
func (r *Runtime) RunThreads(ctx context.Context, c Call, reqs []threads.Request) ([]threads.Result, error) {
	d := r.Descriptor(c)
	sb, snapshot, release, err := r.acquire(ctx, d)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.prepare(sb, snapshot); err != nil {
		return nil, err
	}
	return threads.Run(ctx, sb, d.WithDefaults().ThreadPoolSize, reqs)
}

// Evict closes the cached sandbox of a function.
func (r *Runtime) Evict(ctx context.Context, user, function string) error {
	return r.cache.Evict(ctx, r.cfg.Descriptor(user, function))
}

// Clear closes every cached sandbox.
func (r *Runtime) Clear(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// Close clears the cache and releases the engine.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		err = multierr.Combine(r.cache.Clear(ctx), r.engine.Close(ctx))
	})
	return err
}
