// Package config loads the sandbox host configuration: defaults, then a
// TOML file, then SANDBOX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mstoykov/envconfig"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

// Config is the full host configuration.
type Config struct {
	Engine  Engine  `toml:"engine"`
	Sandbox Sandbox `toml:"sandbox"`
	Storage Storage `toml:"storage"`
	Runtime Runtime `toml:"runtime"`
	Log     Log     `toml:"log"`
	Metrics Metrics `toml:"metrics"`
}

// Engine configures the shared execution engine.
type Engine struct {
	MemoryLimitPages uint32 `toml:"memory_limit_pages" envconfig:"SANDBOX_MEMORY_LIMIT_PAGES"`
	EnableThreads    bool   `toml:"enable_threads" envconfig:"SANDBOX_ENABLE_THREADS"`
	CacheDir         string `toml:"cache_dir" envconfig:"SANDBOX_CACHE_DIR"`
}

// Sandbox is the descriptor template applied to every function.
type Sandbox struct {
	MaxMemoryPages      uint32   `toml:"max_memory_pages" envconfig:"SANDBOX_MAX_MEMORY_PAGES"`
	TableReserve        uint32   `toml:"table_reserve" envconfig:"SANDBOX_TABLE_RESERVE"`
	StackSize           uint32   `toml:"stack_size" envconfig:"SANDBOX_STACK_SIZE"`
	ThreadPoolSize      int      `toml:"thread_pool_size" envconfig:"SANDBOX_THREAD_POOL_SIZE"`
	ZygoteEntry         string   `toml:"zygote_entry" envconfig:"SANDBOX_ZYGOTE_ENTRY"`
	SharedModules       []string `toml:"shared_modules" envconfig:"SANDBOX_SHARED_MODULES"`
	SnapshotCompression bool     `toml:"snapshot_compression" envconfig:"SANDBOX_SNAPSHOT_COMPRESSION"`
}

// Storage locates function and shared-module bytecode.
type Storage struct {
	Dir string `toml:"dir" envconfig:"SANDBOX_STORAGE_DIR"`
}

// Runtime configures the dispatcher.
type Runtime struct {
	UseCache         bool `toml:"use_cache" envconfig:"SANDBOX_USE_CACHE"`
	ResetAfterInvoke bool `toml:"reset_after_invoke" envconfig:"SANDBOX_RESET_AFTER_INVOKE"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `toml:"level" envconfig:"SANDBOX_LOG_LEVEL"`
	Development bool   `toml:"development" envconfig:"SANDBOX_LOG_DEVELOPMENT"`
}

// Metrics configures the Prometheus endpoint. An empty address disables
// it.
type Metrics struct {
	Addr string `toml:"addr" envconfig:"SANDBOX_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: Engine{MemoryLimitPages: 16384},
		Sandbox: Sandbox{
			MaxMemoryPages: 1024,
			TableReserve:   sandbox.DefaultTableReserve,
			StackSize:      sandbox.DefaultStackSize,
			ThreadPoolSize: sandbox.DefaultThreadPoolSize,
			ZygoteEntry:    sandbox.DefaultZygoteEntry,
		},
		Storage: Storage{Dir: "."},
		Runtime: Runtime{UseCache: true, ResetAfterInvoke: true},
		Log:     Log{Level: "info"},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the TOML file at path (if
// not empty) and the environment read through lookup (os.LookupEnv if
// nil).
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read "+path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, errors.InvalidInput(errors.PhaseConfig,
				fmt.Sprintf("unknown keys in %s: %s", path, strings.Join(keys, ", ")))
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, section := range []any{&c.Engine, &c.Sandbox, &c.Storage, &c.Runtime, &c.Log, &c.Metrics} {
		if err := envconfig.Process("", section, lookup); err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read environment")
		}
	}
	return nil
}

// Validate checks limits against each other.
func (c Config) Validate() error {
	switch {
	case c.Engine.MemoryLimitPages > engine.MaxPages:
		return errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("memory_limit_pages %d exceeds %d", c.Engine.MemoryLimitPages, engine.MaxPages))
	case c.Engine.MemoryLimitPages != 0 && c.Sandbox.MaxMemoryPages > c.Engine.MemoryLimitPages:
		return errors.InvalidInput(errors.PhaseConfig,
			fmt.Sprintf("max_memory_pages %d exceeds the engine limit %d", c.Sandbox.MaxMemoryPages, c.Engine.MemoryLimitPages))
	case c.Sandbox.ThreadPoolSize < 0:
		return errors.InvalidInput(errors.PhaseConfig, "thread_pool_size is negative")
	case c.Storage.Dir == "":
		return errors.InvalidInput(errors.PhaseConfig, "storage dir is empty")
	}
	return nil
}

// EngineConfig converts the engine section.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		MemoryLimitPages: c.Engine.MemoryLimitPages,
		EnableThreads:    c.Engine.EnableThreads,
		CacheDir:         c.Engine.CacheDir,
	}
}

// Descriptor applies the sandbox template to a function.
func (c Config) Descriptor(user, function string) sandbox.Descriptor {
	return sandbox.Descriptor{
		User:                user,
		Function:            function,
		MaxMemoryPages:      c.Sandbox.MaxMemoryPages,
		TableReserve:        c.Sandbox.TableReserve,
		StackSize:           c.Sandbox.StackSize,
		ThreadPoolSize:      c.Sandbox.ThreadPoolSize,
		ZygoteEntry:         c.Sandbox.ZygoteEntry,
		SharedModules:       append([]string(nil), c.Sandbox.SharedModules...),
		SnapshotCompression: c.Sandbox.SnapshotCompression,
	}
}
