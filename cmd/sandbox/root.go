package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/runtime"
	"github.com/wippyai/wasm-sandbox/sandbox"
	"github.com/wippyai/wasm-sandbox/storage"
	"github.com/wippyai/wasm-sandbox/threads"
)

type globalOptions struct {
	configPath  string
	logLevel    string
	storageDir  string
	metricsAddr string
}

// sandboxCli carries state shared by every subcommand.
type sandboxCli struct {
	opts globalOptions
	out  io.Writer
	err  io.Writer

	cfg     config.Config
	log     *zap.Logger
	rt      *runtime.Runtime
	metrics *http.Server
}

func newCli(out, err io.Writer) *sandboxCli {
	return &sandboxCli{out: out, err: err}
}

func newRootCommand(c *sandboxCli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sandbox",
		Short:         "Run functions in WebAssembly sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&c.opts.configPath, "config", "c", "", "Path to a TOML configuration file")
	flags.StringVar(&c.opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&c.opts.storageDir, "storage", "", "Storage directory (overrides the configuration)")
	flags.StringVar(&c.opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		newPutCommand(c),
		newListCommand(c),
		newRunCommand(c),
		newInspectCommand(c),
		newInteractiveCommand(c),
	)
	return cmd
}

func (c *sandboxCli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.opts.configPath, nil)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = c.opts.logLevel
	}
	if flags.Changed("storage") {
		cfg.Storage.Dir = c.opts.storageDir
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = c.opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	c.log = log
	engine.SetLogger(log.Named("engine"))
	linker.SetLogger(log.Named("linker"))
	sandbox.SetLogger(log.Named("sandbox"))
	storage.SetLogger(log.Named("storage"))
	cache.SetLogger(log.Named("cache"))
	threads.SetLogger(log.Named("threads"))
	runtime.SetLogger(log.Named("runtime"))

	if cfg.Metrics.Addr != "" {
		return c.serveMetrics(cfg.Metrics.Addr)
	}
	return nil
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func (c *sandboxCli) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "listen on "+addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	c.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := c.metrics.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	c.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// dispatcher creates the runtime on first use.
func (c *sandboxCli) dispatcher() (*runtime.Runtime, error) {
	if c.rt != nil {
		return c.rt, nil
	}
	rt, err := runtime.New(c.cfg)
	if err != nil {
		return nil, err
	}
	c.rt = rt
	return rt, nil
}

func (c *sandboxCli) store() *storage.Store {
	if c.rt != nil {
		return c.rt.Store()
	}
	return storage.NewOS(c.cfg.Storage.Dir)
}

// teardown closes what setup and the subcommand opened.
func (c *sandboxCli) teardown() error {
	var err error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.rt != nil {
		err = multierr.Append(err, c.rt.Close(ctx))
	}
	if c.metrics != nil {
		err = multierr.Append(err, c.metrics.Shutdown(ctx))
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
	return err
}

// splitFunction parses "user/function".
func splitFunction(s string) (string, string, error) {
	user, function, ok := strings.Cut(s, "/")
	if !ok || user == "" || function == "" {
		return "", "", errors.InvalidInput(errors.PhaseConfig, "expected USER/FUNCTION, got "+s)
	}
	return user, function, nil
}
