package repository

import (
	"time"

	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/version"
)

// SourceType selects the provider used to fetch a repository manifest
type SourceType string

const (
	SourceHTTP SourceType = "http"
	SourceFile SourceType = "file"
	SourceS3   SourceType = "s3"
)

// AuthType selects how HTTP sources authenticate
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

// Auth holds credentials for a repository
type Auth struct {
	Type         AuthType `yaml:"type,omitempty" json:"type,omitempty"`
	Token        string   `yaml:"token,omitempty" json:"-"`
	Username     string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password     string   `yaml:"password,omitempty" json:"-"`
	ClientID     string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty" json:"-"`
	TokenURL     string   `yaml:"tokenUrl,omitempty" json:"tokenUrl,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	// Region, AccessKey and SecretKey configure S3 sources
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty" json:"-"`
	SecretKey string `yaml:"secretKey,omitempty" json:"-"`
	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// SyncStatus is the outcome of the most recent sync
type SyncStatus string

const (
	SyncNever   SyncStatus = "never"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// Descriptor configures one repository. It is persisted as
// <configDir>/repositories/<id>.yaml.
type Descriptor struct {
	ID       string     `yaml:"id" json:"id"`
	Name     string     `yaml:"name,omitempty" json:"name,omitempty"`
	URL      string     `yaml:"url" json:"url"`
	Type     SourceType `yaml:"type,omitempty" json:"type,omitempty"`
	Priority int        `yaml:"priority" json:"priority"`
	Enabled  bool       `yaml:"enabled" json:"enabled"`
	Auth     Auth       `yaml:"auth,omitempty" json:"auth,omitempty"`

	SyncStatus SyncStatus `yaml:"syncStatus,omitempty" json:"syncStatus,omitempty"`
	LastSync   *time.Time `yaml:"lastSync,omitempty" json:"lastSync,omitempty"`
	LastError  string     `yaml:"lastError,omitempty" json:"lastError,omitempty"`
}

// ReleaseStatus is the maturity a publisher assigns to a plugin
type ReleaseStatus string

const (
	ReleaseStable     ReleaseStatus = "stable"
	ReleaseBeta       ReleaseStatus = "beta"
	ReleaseAlpha      ReleaseStatus = "alpha"
	ReleaseDeprecated ReleaseStatus = "deprecated"
)

// Verification is the review state a repository assigns to a plugin
type Verification string

const (
	VerificationUnverified Verification = "unverified"
	VerificationVerified   Verification = "verified"
	VerificationOfficial   Verification = "official"
)

// Manifest is the document served at <base>/manifest.json
type Manifest struct {
	FormatVersion string         `json:"formatVersion"`
	Repository    RepositoryInfo `json:"repository"`
	Plugins       []Plugin       `json:"plugins"`
}

// RepositoryInfo is optional publisher metadata
type RepositoryInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Maintainer  string `json:"maintainer,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// Plugin is a catalog record for one plugin
type Plugin struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Author        string        `json:"author,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Category      string        `json:"category,omitempty"`
	Rating        float64       `json:"rating,omitempty"`
	RatingCount   int           `json:"ratingCount,omitempty"`
	Downloads     int64         `json:"downloads,omitempty"`
	ReleaseStatus ReleaseStatus `json:"releaseStatus,omitempty"`
	Verification  Verification  `json:"verification,omitempty"`
	Paid          bool          `json:"paid,omitempty"`
	Price         float64       `json:"price,omitempty"`
	PublishedAt   time.Time     `json:"publishedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
	Versions      []Version     `json:"versions"`

	// Repository is set to the id of the repository that served the record
	Repository string `json:"repository,omitempty"`
	// Priority is the serving repository's priority
	Priority int `json:"-"`
}

// Version is one published release of a plugin
type Version struct {
	Version      string    `json:"version"`
	DownloadURL  string    `json:"downloadUrl"`
	Checksum     string    `json:"checksum,omitempty"`
	Size         int64     `json:"size,omitempty"`
	HostRange    string    `json:"hostRange,omitempty"`
	Prerelease   bool      `json:"prerelease,omitempty"`
	ReleaseNotes string    `json:"releaseNotes,omitempty"`
	PublishedAt  time.Time `json:"publishedAt,omitempty"`
}

// LatestVersion returns the newest stable version, or the newest
// prerelease when no stable version exists
func (p *Plugin) LatestVersion() string {
	var stable, all []string
	for _, v := range p.Versions {
		all = append(all, v.Version)
		if !v.Prerelease && !version.IsPrerelease(v.Version) {
			stable = append(stable, v.Version)
		}
	}
	if latest := version.Latest(stable); latest != "" {
		return latest
	}
	return version.Latest(all)
}

// Releases converts the version list for update resolution
func (p *Plugin) Releases() []version.Release {
	out := make([]version.Release, 0, len(p.Versions))
	for _, v := range p.Versions {
		out = append(out, version.Release{
			PluginID:     p.ID,
			Version:      v.Version,
			HostRange:    v.HostRange,
			Prerelease:   v.Prerelease || version.IsPrerelease(v.Version),
			DownloadURL:  v.DownloadURL,
			Checksum:     v.Checksum,
			Size:         v.Size,
			ReleaseNotes: v.ReleaseNotes,
			Repository:   p.Repository,
			PublishedAt:  v.PublishedAt,
		})
	}
	return out
}

// SortField selects the search ordering
type SortField string

const (
	SortName      SortField = "name"
	SortDownloads SortField = "downloads"
	SortRating    SortField = "rating"
	SortUpdated   SortField = "updated"
	SortPublished SortField = "published"
)

// PaidFilter restricts results by price
type PaidFilter string

const (
	PaidAny  PaidFilter = ""
	PaidOnly PaidFilter = "paid"
	FreeOnly PaidFilter = "free"
)

// Filters narrow a search. Zero values match everything.
type Filters struct {
	Category      string          `json:"category,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Author        string          `json:"author,omitempty"`
	MinRating     float64         `json:"minRating,omitempty"`
	ReleaseStatus []ReleaseStatus `json:"releaseStatus,omitempty"`
	Verification  []Verification  `json:"verification,omitempty"`
	Paid          PaidFilter      `json:"paid,omitempty"`

	SortBy     SortField `json:"sortBy,omitempty"`
	Descending bool      `json:"descending,omitempty"`

	// Page is 1-based; PageSize <= 0 uses DefaultPageSize
	Page     int `json:"page,omitempty"`
	PageSize int `json:"pageSize,omitempty"`
}

const (
	// DefaultPageSize is used when Filters.PageSize is unset
	DefaultPageSize = 20
	// MaxPageSize bounds Filters.PageSize
	MaxPageSize = 500
)

// Validate rejects page sizes above MaxPageSize
func (f Filters) Validate() error {
	if f.PageSize > MaxPageSize {
		return plugins.Errorf(plugins.ValidationFailure, "search", "page size %d exceeds the maximum of %d", f.PageSize, MaxPageSize)
	}
	return nil
}

// Page is one page of search results
type Page struct {
	Plugins  []Plugin `json:"plugins"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}

// clone copies the plugin slice so cached pages are not shared with callers
func (p Page) clone() Page {
	items := make([]Plugin, len(p.Plugins))
	copy(items, p.Plugins)
	p.Plugins = items
	return p
}
