package plugins

import (
	"context"
	"time"
)

// Plugin is the capability every loaded plugin exposes to the host
type Plugin interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Identity is the immutable identity of a plugin version
type Identity struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (i Identity) String() string {
	return i.ID + "@" + i.Version
}

// RuntimeKind selects the loader backend for a plugin's entry module
type RuntimeKind string

const (
	RuntimeJS   RuntimeKind = "js"
	RuntimeWASM RuntimeKind = "wasm"
)

// Dependency is a direct dependency on another plugin
type Dependency struct {
	Name       string `json:"name" yaml:"name"`
	MinVersion string `json:"minVersion,omitempty" yaml:"min_version,omitempty"`
	MaxVersion string `json:"maxVersion,omitempty" yaml:"max_version,omitempty"`
	Optional   bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Metadata describes a plugin version. It is authored with the plugin,
// embedded in its package and immutable once packaged.
type Metadata struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Version        string            `json:"version" yaml:"version"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Author         string            `json:"author,omitempty" yaml:"author,omitempty"`
	License        string            `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage       string            `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	Category       string            `json:"category,omitempty" yaml:"category,omitempty"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Runtime        RuntimeKind       `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Entry          string            `json:"entry,omitempty" yaml:"entry,omitempty"`
	Dependencies   []Dependency      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	MinHostVersion string            `json:"minHostVersion,omitempty" yaml:"min_host_version,omitempty"`
	MaxHostVersion string            `json:"maxHostVersion,omitempty" yaml:"max_host_version,omitempty"`
	Permissions    []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Checksum       string            `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Size           int64             `json:"size,omitempty" yaml:"size,omitempty"`
	Properties     map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Identity returns the identity tuple of the metadata
func (m *Metadata) Identity() Identity {
	return Identity{ID: m.ID, Name: m.Name, Version: m.Version}
}

// InstalledRecord is the source of truth for what is installed on disk
type InstalledRecord struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Repository  string    `json:"repository,omitempty"`
	InstallPath string    `json:"installPath"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Config is the persisted per-plugin configuration
type Config struct {
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	AutoStart   bool              `yaml:"autoStart" json:"autoStart"`
	Settings    map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
	LastUpdated time.Time         `yaml:"lastUpdated" json:"lastUpdated"`
}

// DefaultConfig returns the configuration assigned to newly installed plugins
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		AutoStart: true,
		Settings:  make(map[string]string),
	}
}

// ValidationError represents a metadata validation problem
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}
