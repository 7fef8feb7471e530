package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/config"
	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/loader"
	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/storage"
)

// App is the composition root of the CLI. Components are built on first
// use from the loaded configuration and closed by Close.
type App struct {
	version string
	stdout  io.Writer
	stderr  io.Writer

	// flags
	configPath string
	jsonOutput bool
	serverURL  string

	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	packages  *bpkg.Engine
	store     *storage.SQLiteStore
	configs   *storage.PluginConfigs
	loader    *loader.Loader
	downloads *download.Engine
	repos     *repository.Manager
	plugins   *lifecycle.Manager

	closers []func(context.Context) error
}

// NewApp creates an App writing command output to stdout and logs to stderr
func NewApp(version string, stdout, stderr io.Writer) *App {
	return &App{version: version, stdout: stdout, stderr: stderr}
}

// Config loads the configuration once
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// Logger builds the process logger from the log section
func (a *App) Logger() (*logrus.Logger, error) {
	if a.log != nil {
		return a.log, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, a.stderr)
	if err != nil {
		return nil, err
	}
	a.log = log
	return log, nil
}

// Metrics returns the process registry and collectors
func (a *App) Metrics() (*prometheus.Registry, *observability.Metrics) {
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}
	return a.registry, a.metrics
}

// Packages builds the package engine, trusting the certificates in the
// configured directory
func (a *App) Packages() (*bpkg.Engine, error) {
	if a.packages != nil {
		return a.packages, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	log, err := a.Logger()
	if err != nil {
		return nil, err
	}

	opts := bpkg.Options{
		RequireSignatures: cfg.Security.RequireSignatures,
		ToolVersion:       a.version,
	}
	if cfg.Security.TrustedCertsDir != "" {
		roots, err := bpkg.LoadCertPool(cfg.Security.TrustedCertsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load trusted certificates: %w", err)
		}
		opts.Roots = roots
	}
	a.packages = bpkg.NewEngine(opts, log)
	return a.packages, nil
}

// Repositories builds the repository manager from the persisted descriptors
func (a *App) Repositories(ctx context.Context) (*repository.Manager, error) {
	if a.repos != nil {
		return a.repos, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	log, err := a.Logger()
	if err != nil {
		return nil, err
	}
	_, metrics := a.Metrics()

	repos, err := repository.NewManager(ctx, repository.ManagerOptions{
		ConfigDir:       cfg.Paths.Config,
		CacheTTL:        cfg.Repository.CacheTTL,
		SearchCacheSize: cfg.Repository.SearchCacheSize,
		HTTPClient:      a.httpClient(cfg),
		Metrics:         metrics,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open repositories: %w", err)
	}
	a.repos = repos
	return repos, nil
}

// Downloads builds the download engine. Background cleanup only runs when
// serving.
func (a *App) Downloads(serving bool) (*download.Engine, error) {
	if a.downloads != nil {
		return a.downloads, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	log, err := a.Logger()
	if err != nil {
		return nil, err
	}
	_, metrics := a.Metrics()

	opts := download.Options{
		TempDir:          cfg.Paths.Temp,
		Concurrency:      cfg.Download.Concurrency,
		MaxRetries:       cfg.Download.MaxRetries,
		ProgressInterval: cfg.Download.ProgressInterval,
		Retention:        cfg.Download.Retention,
		Client:           a.httpClient(cfg),
		Metrics:          metrics,
	}
	if opts.TempDir != "" {
		opts.TempDir = filepath.Join(opts.TempDir, "downloads")
	}
	if cfg.Download.MaxRetries == 0 {
		opts.MaxRetries = -1
	}
	if serving {
		opts.CleanupSchedule = cfg.Download.CleanupSchedule
	}

	engine, err := download.NewEngine(opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start download engine: %w", err)
	}
	a.downloads = engine
	a.onClose(func(context.Context) error { return engine.Close() })
	return engine, nil
}

// Lifecycle builds the full component graph and starts the lifecycle
// manager. A serving manager loads auto-start plugins, watches the install
// root and runs the background schedules; otherwise it only registers what
// is installed.
func (a *App) Lifecycle(ctx context.Context, serving bool) (*lifecycle.Manager, error) {
	if a.plugins != nil {
		return a.plugins, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	log, err := a.Logger()
	if err != nil {
		return nil, err
	}
	_, metrics := a.Metrics()

	packages, err := a.Packages()
	if err != nil {
		return nil, err
	}
	repos, err := a.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	downloads, err := a.Downloads(serving)
	if err != nil {
		return nil, err
	}

	store, err := storage.OpenSQLite(ctx, cfg.Storage())
	if err != nil {
		return nil, err
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })

	configs, err := storage.NewPluginConfigs(cfg.Storage().PluginConfigDir())
	if err != nil {
		return nil, err
	}
	a.configs = configs

	ld := loader.New(loader.Options{
		HostVersion:     cfg.Host.Version,
		ReclaimAttempts: cfg.Loader.ReclaimAttempts,
		ReclaimDelay:    cfg.Loader.ReclaimDelay,
		Metrics:         metrics,
	}, log)
	a.loader = ld
	a.onClose(ld.Close)

	opts := lifecycle.Options{
		InstallRoot:       cfg.Paths.Install,
		PackageDir:        cfg.PackageDir(),
		HostVersion:       cfg.Host.Version,
		IncludePrerelease: cfg.Lifecycle.IncludePrerelease,
		OperationTimeout:  cfg.Lifecycle.OperationTimeout,
		AutoStartWorkers:  cfg.Lifecycle.AutoStartWorkers,
		Passive:           !serving,
		Metrics:           metrics,
	}
	if serving {
		opts.Watch = cfg.Lifecycle.Watch
		opts.WatchDebounce = cfg.Lifecycle.WatchDebounce
		opts.SyncSchedule = cfg.Lifecycle.SyncSchedule
		opts.UpdateSchedule = cfg.Lifecycle.UpdateSchedule
	}

	m, err := lifecycle.NewManager(opts, lifecycle.Deps{
		Packages:     packages,
		Loader:       ld,
		Installed:    store,
		Configs:      configs,
		Repositories: repos,
		Downloads:    downloads,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	a.plugins = m
	a.onClose(m.Close)

	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	return m, nil
}

// Close releases every component in reverse construction order
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// httpClient is the instrumented client shared by repositories and downloads
func (a *App) httpClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Download.Timeout,
	}
}
