package api

import (
	"context"

	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/version"
)

// PluginManager is the lifecycle surface served under /api/v1/plugins.
// *lifecycle.Manager implements it.
type PluginManager interface {
	List() []lifecycle.Status
	Status(pluginID string) (*lifecycle.Status, error)
	Install(ctx context.Context, pluginID, versionRange string) (*lifecycle.Status, error)
	InstallAsync(pluginID, versionRange string) <-chan lifecycle.AsyncResult
	Uninstall(ctx context.Context, pluginID string) error
	Load(ctx context.Context, pluginID string) error
	Unload(ctx context.Context, pluginID string) error
	Reload(ctx context.Context, pluginID string) error
	Enable(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID string) error
	CheckUpdates(ctx context.Context) ([]version.UpdateResult, error)
	Update(ctx context.Context, pluginID string) (*version.UpdateResult, error)
	Subscribe(buffer int) (<-chan lifecycle.StatusChanged, func())
}

// RepositoryManager is the catalog surface. *repository.Manager implements it.
type RepositoryManager interface {
	List() []repository.Descriptor
	Add(ctx context.Context, desc repository.Descriptor) (*repository.Repository, error)
	Remove(id string) error
	SetEnabled(id string, enabled bool) error
	Sync(ctx context.Context, id string, force bool) error
	SyncAll(ctx context.Context, force bool) []repository.SyncResult
	Search(ctx context.Context, query string, filters repository.Filters) (repository.Page, error)
	FindPlugin(ctx context.Context, id string) (*repository.Plugin, error)
}

// DownloadManager is the transfer surface. *download.Engine implements it.
type DownloadManager interface {
	List() []download.Task
	Get(id string) (*download.Task, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Retry(id string) error
}

// InstallRequest is the body of POST /api/v1/plugins/{id}/install
type InstallRequest struct {
	// Version is a version range; empty selects the newest compatible release
	Version string `json:"version,omitempty"`
	// Async returns 202 immediately and installs in the background
	Async bool `json:"async,omitempty"`
}

// AddRepositoryRequest is the body of POST /api/v1/repositories. Credentials
// are accepted here but never echoed back.
type AddRepositoryRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
	Type     string `json:"type,omitempty"`
	Priority int    `json:"priority"`
	Disabled bool   `json:"disabled,omitempty"`

	AuthType     string   `json:"authType,omitempty"`
	Token        string   `json:"token,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Region       string   `json:"region,omitempty"`
	AccessKey    string   `json:"accessKey,omitempty"`
	SecretKey    string   `json:"secretKey,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
}

// Descriptor converts the request to a repository descriptor
func (r AddRepositoryRequest) Descriptor() repository.Descriptor {
	return repository.Descriptor{
		ID:       r.ID,
		Name:     r.Name,
		URL:      r.URL,
		Type:     repository.SourceType(r.Type),
		Priority: r.Priority,
		Enabled:  !r.Disabled,
		Auth: repository.Auth{
			Type:         repository.AuthType(r.AuthType),
			Token:        r.Token,
			Username:     r.Username,
			Password:     r.Password,
			ClientID:     r.ClientID,
			ClientSecret: r.ClientSecret,
			TokenURL:     r.TokenURL,
			Scopes:       r.Scopes,
			Region:       r.Region,
			AccessKey:    r.AccessKey,
			SecretKey:    r.SecretKey,
			Endpoint:     r.Endpoint,
		},
	}
}

// EnabledRequest toggles a repository
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SyncResult is one entry of a sync-all reply
type SyncResult struct {
	ID      string `json:"id"`
	Plugins int    `json:"plugins"`
	Error   string `json:"error,omitempty"`
}

// AsyncAccepted is the 202 body of a background install
type AsyncAccepted struct {
	PluginID string `json:"pluginId"`
	Version  string `json:"version,omitempty"`
	Status   string `json:"status"`
}
