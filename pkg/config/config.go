package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/storage"
	"github.com/platinummonkey/berth/pkg/version"
)

// EnvPrefix prefixes every environment override, e.g. BERTH_LOG_LEVEL
const EnvPrefix = "BERTH"

// Config holds all application configuration
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Host       HostConfig       `mapstructure:"host"`
	Download   DownloadConfig   `mapstructure:"download"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Loader     LoaderConfig     `mapstructure:"loader"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Security   SecurityConfig   `mapstructure:"security"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PathsConfig holds on-disk locations
type PathsConfig struct {
	// Install is the plugin install root
	Install string `mapstructure:"install"`
	// Data holds berth.db
	Data string `mapstructure:"data"`
	// Config holds per-plugin and repository YAML files
	Config string `mapstructure:"config"`
	// Temp holds partial downloads; empty means the OS temp dir
	Temp string `mapstructure:"temp"`
	// Cache holds downloaded packages awaiting install
	Cache string `mapstructure:"cache"`
}

// HostConfig describes the host application
type HostConfig struct {
	Version string `mapstructure:"version"`
}

// DownloadConfig tunes the download engine
type DownloadConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxRetries       int           `mapstructure:"maxRetries"`
	Retention        time.Duration `mapstructure:"retention"`
	ProgressInterval time.Duration `mapstructure:"progressInterval"`
	CleanupSchedule  string        `mapstructure:"cleanupSchedule"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// RepositoryConfig tunes repository caching
type RepositoryConfig struct {
	CacheTTL        time.Duration `mapstructure:"cacheTTL"`
	SearchCacheSize int           `mapstructure:"searchCacheSize"`
}

// LoaderConfig tunes unload reclamation
type LoaderConfig struct {
	ReclaimAttempts int           `mapstructure:"reclaimAttempts"`
	ReclaimDelay    time.Duration `mapstructure:"reclaimDelay"`
}

// LifecycleConfig holds manager behavior and background schedules
type LifecycleConfig struct {
	Watch             bool          `mapstructure:"watch"`
	WatchDebounce     time.Duration `mapstructure:"watchDebounce"`
	SyncSchedule      string        `mapstructure:"syncSchedule"`
	UpdateSchedule    string        `mapstructure:"updateSchedule"`
	IncludePrerelease bool          `mapstructure:"includePrerelease"`
	OperationTimeout  time.Duration `mapstructure:"operationTimeout"`
	AutoStartWorkers  int           `mapstructure:"autoStartWorkers"`
}

// SecurityConfig controls package signature enforcement
type SecurityConfig struct {
	RequireSignatures bool   `mapstructure:"requireSignatures"`
	TrustedCertsDir   string `mapstructure:"trustedCertsDir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// LogConfig selects the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"serviceName"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

var defaults = map[string]any{
	"paths.install": "plugins",
	"paths.data":    "data",
	"paths.config":  "config",
	"paths.temp":    "",
	"paths.cache":   "cache",

	"host.version": "1.0.0",

	"download.concurrency":      3,
	"download.maxRetries":       3,
	"download.retention":        "24h",
	"download.progressInterval": "500ms",
	"download.cleanupSchedule":  "@hourly",
	"download.timeout":          "10m",

	"repository.cacheTTL":        "1h",
	"repository.searchCacheSize": 256,

	"loader.reclaimAttempts": 5,
	"loader.reclaimDelay":    "20ms",

	"lifecycle.watch":             false,
	"lifecycle.watchDebounce":     "500ms",
	"lifecycle.syncSchedule":      "",
	"lifecycle.updateSchedule":    "",
	"lifecycle.includePrerelease": false,
	"lifecycle.operationTimeout":  "10m",
	"lifecycle.autoStartWorkers":  4,

	"security.requireSignatures": false,
	"security.trustedCertsDir":   "",

	"server.addr":            "127.0.0.1:7420",
	"server.readTimeout":     "15s",
	"server.writeTimeout":    "15m",
	"server.idleTimeout":     "60s",
	"server.shutdownTimeout": "30s",

	"log.level":  "info",
	"log.format": observability.FormatText,

	"tracing.enabled":     false,
	"tracing.endpoint":    "localhost:4317",
	"tracing.serviceName": "berth",
	"tracing.insecure":    true,
	"tracing.sampleRatio": 1.0,
}

// Load reads configuration from path, or from berth.yaml in the working
// directory when path is empty. A missing berth.yaml is not an error; a
// missing explicit path is. BERTH_* environment variables override the file,
// e.g. BERTH_DOWNLOAD_CONCURRENCY overrides download.concurrency.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("berth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Paths.Install == "" {
		return fmt.Errorf("install path is required")
	}
	if c.Paths.Data == "" {
		return fmt.Errorf("data path is required")
	}
	if c.Paths.Config == "" {
		return fmt.Errorf("config path is required")
	}

	if _, err := version.Parse(c.Host.Version); err != nil {
		return fmt.Errorf("host version: %w", err)
	}

	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download concurrency must be positive")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download max retries must not be negative")
	}
	if err := validSchedule(c.Download.CleanupSchedule); err != nil {
		return fmt.Errorf("download cleanup schedule: %w", err)
	}
	if err := validSchedule(c.Lifecycle.SyncSchedule); err != nil {
		return fmt.Errorf("lifecycle sync schedule: %w", err)
	}
	if err := validSchedule(c.Lifecycle.UpdateSchedule); err != nil {
		return fmt.Errorf("lifecycle update schedule: %w", err)
	}

	if c.Repository.CacheTTL < 0 {
		return fmt.Errorf("repository cache TTL must not be negative")
	}
	if c.Loader.ReclaimAttempts < 0 {
		return fmt.Errorf("loader reclaim attempts must not be negative")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case observability.FormatText, observability.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when tracing is enabled")
		}
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when tracing is enabled")
		}
	}

	return nil
}

func validSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Storage returns the storage backend configuration
func (c *Config) Storage() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.DataDir = c.Paths.Data
	cfg.ConfigDir = c.Paths.Config
	return cfg
}

// PackageDir is where downloaded packages wait for install
func (c *Config) PackageDir() string {
	return filepath.Join(c.Paths.Cache, "packages")
}

// TracingOptions returns the OpenTelemetry exporter configuration
func (c *Config) TracingOptions(serviceVersion string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        c.Tracing.Enabled,
		Endpoint:       c.Tracing.Endpoint,
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: serviceVersion,
		Insecure:       c.Tracing.Insecure,
		SampleRatio:    c.Tracing.SampleRatio,
	}
}
