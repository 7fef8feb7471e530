package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// InstalledStore persists the records of installed plugins
type InstalledStore interface {
	// Put inserts or replaces the record for rec.ID, keeping the original
	// InstalledAt of an existing record
	Put(ctx context.Context, rec *plugins.InstalledRecord) error
	Get(ctx context.Context, id string) (*plugins.InstalledRecord, error)
	List(ctx context.Context) ([]*plugins.InstalledRecord, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// ConfigStore persists per-plugin configuration
type ConfigStore interface {
	// Load returns the stored configuration, or the defaults when none exists
	Load(id string) (*plugins.Config, error)
	Save(id string, cfg *plugins.Config) error
	Delete(id string) error
}

// Config for storage backends
type Config struct {
	// DataDir holds the SQLite database
	DataDir string
	// ConfigDir holds per-plugin YAML configuration under plugins/
	ConfigDir string

	// SQLite tuning
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:      "data",
		ConfigDir:    "config",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// DatabasePath is the SQLite file inside DataDir
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "berth.db")
}

// PluginConfigDir is where per-plugin YAML files live
func (c Config) PluginConfigDir() string {
	return filepath.Join(c.ConfigDir, "plugins")
}

// PluginConfigs stores one YAML file per plugin
type PluginConfigs struct {
	files *FileStore[plugins.Config]
	now   func() time.Time
}

// NewPluginConfigs creates a config store rooted at dir
func NewPluginConfigs(dir string) (*PluginConfigs, error) {
	files, err := NewFileStore[plugins.Config](dir)
	if err != nil {
		return nil, err
	}
	return &PluginConfigs{files: files, now: time.Now}, nil
}

// Load implements ConfigStore
func (c *PluginConfigs) Load(id string) (*plugins.Config, error) {
	cfg, err := c.files.Get(id)
	if err != nil {
		if plugins.IsNotFound(err) {
			return plugins.DefaultConfig(), nil
		}
		return nil, err
	}
	if cfg.Settings == nil {
		cfg.Settings = make(map[string]string)
	}
	return cfg, nil
}

// Save implements ConfigStore and stamps LastUpdated
func (c *PluginConfigs) Save(id string, cfg *plugins.Config) error {
	cfg.LastUpdated = c.now().UTC()
	return c.files.Save(id, cfg)
}

// Delete implements ConfigStore. A missing file is not an error.
func (c *PluginConfigs) Delete(id string) error {
	if err := c.files.Delete(id); err != nil && !plugins.IsNotFound(err) {
		return err
	}
	return nil
}
