package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/callmon"
	"github.com/nikiz24/callmon/backend/influx"
	"github.com/nikiz24/callmon/backend/journal"
	"github.com/nikiz24/callmon/backend/oteltrace"
	"github.com/nikiz24/callmon/backend/prom"
	"github.com/nikiz24/callmon/backend/stream"
	"github.com/nikiz24/callmon/backend/zaplog"
	"github.com/nikiz24/callmon/mgmt"
)

// FanoutKey is the registry key of the configured fanout backend
const FanoutKey = "fanout"

type serveOptions struct {
	configPath   string
	listen       string
	debug        bool
	demo         bool
	demoSelector string
	demoInterval time.Duration
}

// backendsConfig is the "backends" section of the config file. The core
// sections are read by callmon.LoadConfig from the same file.
type backendsConfig struct {
	Log struct {
		Level         string  `yaml:"level"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"log"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Influx influx.Config `yaml:"influx"`
	Fanout []string      `yaml:"fanout"`
}

func loadBackendsConfig(path string) (backendsConfig, error) {
	var file struct {
		Backends backendsConfig `yaml:"backends"`
	}
	file.Backends.Log.RatePerSecond = 1000
	file.Backends.Log.Burst = 100
	if path == "" {
		return file.Backends, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return file.Backends, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file.Backends, fmt.Errorf("parse backends section of %s: %w", path, err)
	}
	return file.Backends, nil
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a monitoring engine with its management API",
		Long: `serve builds every backend named in the config file, starts the engine
and serves the management API. Edits to the interceptor section of the config
file are applied while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "management API listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "development logging")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "drive a simulated workload through the engine")
	cmd.Flags().StringVar(&opts.demoSelector, "demo-selector", "all", "named selector choosing which demo sites are monitored")
	cmd.Flags().DurationVar(&opts.demoInterval, "demo-interval", 100*time.Millisecond, "pause between demo rounds")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// engineParts holds what serve builds besides the global engine
type engineParts struct {
	backends []callmon.Backend
	hub      *stream.Hub
	registry *prometheus.Registry
	closers  []io.Closer
}

func (p *engineParts) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i].Close())
	}
	return errors.Join(errs...)
}

func buildBackends(cfg callmon.Config, bcfg backendsConfig, logger *zap.Logger) (*engineParts, error) {
	parts := &engineParts{registry: prometheus.NewRegistry()}
	parts.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	level := zapcore.InfoLevel
	if bcfg.Log.Level != "" {
		l, err := zapcore.ParseLevel(bcfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log backend level: %w", err)
		}
		level = l
	}
	logBackend := zaplog.New(logger, zaplog.WithLevel(level), zaplog.WithRateLimit(bcfg.Log.RatePerSecond, bcfg.Log.Burst))

	promBackend, err := prom.New(parts.registry, prom.Options{Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("prometheus backend: %w", err)
	}

	parts.hub = stream.NewHub(logger)
	parts.closers = append(parts.closers, parts.hub)
	parts.backends = append(parts.backends, logBackend, promBackend, oteltrace.New(nil), parts.hub)

	if bcfg.Journal.Path != "" {
		j, err := journal.Open(bcfg.Journal.Path, logger, journal.Options{})
		if err != nil {
			parts.Close()
			return nil, err
		}
		parts.closers = append(parts.closers, j)
		parts.backends = append(parts.backends, j)
	}

	if bcfg.Influx.URL != "" {
		b, err := influx.New(bcfg.Influx, logger)
		if err != nil {
			parts.Close()
			return nil, err
		}
		parts.closers = append(parts.closers, b)
		parts.backends = append(parts.backends, b)
	}

	if len(bcfg.Fanout) > 0 {
		byName := make(map[string]callmon.Backend, len(parts.backends))
		for _, b := range parts.backends {
			byName[b.Name()] = b
		}
		children := make([]callmon.Backend, 0, len(bcfg.Fanout))
		for _, key := range bcfg.Fanout {
			b, ok := byName[key]
			if !ok {
				parts.Close()
				return nil, fmt.Errorf("fanout: %w", &callmon.UnknownKeyError{Key: key})
			}
			children = append(children, b)
		}
		parts.backends = append(parts.backends, callmon.NewFanout(FanoutKey, children...))
	}
	return parts, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := callmon.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = callmon.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}
	if opts.listen != "" {
		cfg.Management.Listen = opts.listen
	}
	cfg.Logger = logger

	bcfg, err := loadBackendsConfig(opts.configPath)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	parts, err := buildBackends(cfg, bcfg, logger)
	if err != nil {
		return err
	}
	defer parts.Close()

	if err := callmon.Init(cfg, parts.backends...); err != nil {
		return err
	}
	defer callmon.Shutdown()
	ctrl := callmon.Default()

	server := mgmt.NewServer(ctrl,
		mgmt.WithLogger(logger),
		mgmt.WithMetricsHandler(promhttp.HandlerFor(parts.registry, promhttp.HandlerOpts{})),
		mgmt.WithStream(parts.hub))

	var demoSelector callmon.Selector
	if opts.demo {
		var ok bool
		if demoSelector, ok = callmon.Lookup(opts.demoSelector); !ok {
			return fmt.Errorf("unknown selector %q, known: %v", opts.demoSelector, callmon.SelectorNames())
		}
	}
	var watcher *callmon.Watcher
	if opts.configPath != "" {
		if watcher, err = callmon.NewWatcher(opts.configPath, ctrl, logger); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(cfg.Management.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return watcher.Close()
		})
	}
	if demoSelector != nil {
		g.Go(func() error {
			return runDemo(gctx, ctrl, demoSelector, opts.demoInterval)
		})
	}

	logger.Info("callmonctl serving",
		zap.String("listen", cfg.Management.Listen),
		zap.String("backend", ctrl.ActiveBackendKey()),
		zap.Strings("backends", ctrl.ValidBackendKeys()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
