package cache

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

type entry struct {
	sb       sandbox.Sandbox
	snapshot string
}

// Cache holds one bound sandbox per function identity.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	binds   singleflight.Group
}

var _ sandbox.Publisher = (*Cache)(nil)

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Guard is a cache hit. The sandbox stays cached until Release.
type Guard struct {
	Sandbox  sandbox.Sandbox
	Snapshot string

	once    sync.Once
	release func()
}

// Release drops the guard's hold on the cache. It is safe to call more
// than once.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// Get returns a guard for the cached sandbox of d.
func (c *Cache) Get(d sandbox.Descriptor) (*Guard, bool) {
	c.mu.RLock()
	e, ok := c.entries[d.Key()]
	if !ok {
		c.mu.RUnlock()
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &Guard{Sandbox: e.sb, Snapshot: e.snapshot, release: c.mu.RUnlock}, true
}

// Insert caches sb under d's identity with the snapshot key recorded by
// its bind. A different sandbox cached under the same identity is closed.
func (c *Cache) Insert(d sandbox.Descriptor, sb sandbox.Sandbox, snapshotKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := d.Key()
	if prev, ok := c.entries[key]; ok && prev.sb != sb {
		if err := prev.sb.Close(context.Background()); err != nil {
			Logger().Warn("close replaced sandbox", zap.String("function", key), zap.Error(err))
		}
	}
	c.entries[key] = &entry{sb: sb, snapshot: snapshotKey}
	metrics.CacheSize.Set(float64(len(c.entries)))
	Logger().Debug("cached sandbox", zap.String("function", key), zap.String("snapshot", snapshotKey))
}

// RegisterSnapshot records a new snapshot of sb.
func (c *Cache) RegisterSnapshot(sb sandbox.Sandbox) (string, error) {
	return sb.RegisterSnapshot()
}

// BindFunc binds a sandbox on a cache miss.
type BindFunc func(ctx context.Context) (sandbox.Sandbox, error)

// GetOrBind returns a guard for d, binding and inserting a sandbox on a
// miss. Concurrent misses for one identity share a single bind.
func (c *Cache) GetOrBind(ctx context.Context, d sandbox.Descriptor, bind BindFunc) (*Guard, error) {
	if g, ok := c.Get(d); ok {
		return g, nil
	}

	key := d.Key()
	_, err, shared := c.binds.Do(key, func() (any, error) {
		c.mu.RLock()
		_, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return nil, nil
		}

		sb, err := bind(ctx)
		if err != nil {
			return nil, err
		}
		c.Insert(d, sb, sb.BindSnapshot())
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		Logger().Debug("shared bind", zap.String("function", key))
	}

	g, ok := c.Get(d)
	if !ok {
		return nil, errors.NotFound(errors.PhaseBind, "cached sandbox", key)
	}
	return g, nil
}

// Evict removes and closes the sandbox of d, if cached.
func (c *Cache) Evict(ctx context.Context, d sandbox.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[d.Key()]
	if !ok {
		return nil
	}
	delete(c.entries, d.Key())
	metrics.CacheSize.Set(float64(len(c.entries)))
	return e.sb.Close(ctx)
}

// Clear closes and removes every cached sandbox.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for key, e := range c.entries {
		err = multierr.Append(err, e.sb.Close(ctx))
		delete(c.entries, key)
	}
	metrics.CacheSize.Set(0)
	Logger().Debug("cache cleared")
	return err
}

// Count returns the number of cached sandboxes.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
