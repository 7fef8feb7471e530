package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/version"
)

var repositoryTracer = otel.Tracer("berth/repository")

// DefaultCacheTTL is how long a synced catalog is reused
const DefaultCacheTTL = time.Hour

// Options configure a Repository
type Options struct {
	CacheTTL time.Duration
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Repository caches the catalog of one source
type Repository struct {
	source  Source
	ttl     time.Duration
	log     *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// syncMu serializes Sync calls
	syncMu sync.Mutex

	mu       sync.RWMutex
	desc     Descriptor
	info     RepositoryInfo
	plugins  []Plugin
	byID     map[string]int
	syncedAt time.Time
}

// New creates a repository over a source. The cache starts empty.
func New(desc Descriptor, source Source, opts Options, log *logrus.Logger) *Repository {
	if log == nil {
		log = logrus.New()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if desc.SyncStatus == "" {
		desc.SyncStatus = SyncNever
	}
	return &Repository{
		source:  source,
		ttl:     opts.CacheTTL,
		log:     log,
		metrics: opts.Metrics,
		now:     opts.Now,
		desc:    desc,
		byID:    make(map[string]int),
	}
}

// ID returns the repository id
func (r *Repository) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desc.ID
}

// Descriptor returns a copy of the descriptor including sync status
func (r *Repository) Descriptor() Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desc
}

// Info returns the publisher metadata of the last successful sync
func (r *Repository) Info() RepositoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *Repository) setEnabled(enabled bool) {
	r.mu.Lock()
	r.desc.Enabled = enabled
	r.mu.Unlock()
}

// Fresh reports whether the cached catalog is younger than the cache TTL
func (r *Repository) Fresh() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.syncedAt.IsZero() && r.now().Sub(r.syncedAt) < r.ttl
}

// Sync fetches and parses the manifest and swaps the cached catalog. A fresh
// cache is reused unless force is set. A failed sync keeps the stale catalog.
func (r *Repository) Sync(ctx context.Context, force bool) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	if !force && r.Fresh() {
		return nil
	}

	id := r.ID()
	ctx, span := repositoryTracer.Start(ctx, "Repository.Sync",
		trace.WithAttributes(
			attribute.String("repository.id", id),
			attribute.String("repository.location", r.source.Location()),
			attribute.Bool("sync.force", force),
		),
	)
	defer span.End()

	r.mu.Lock()
	r.desc.SyncStatus = SyncSyncing
	r.mu.Unlock()

	manifest, err := r.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")

		r.mu.Lock()
		r.desc.SyncStatus = SyncFailed
		r.desc.LastError = err.Error()
		stale := len(r.plugins)
		r.mu.Unlock()

		r.metrics.RepositorySync(id, 0, err)
		r.log.WithField("repository", id).Warnf("Sync failed, keeping %d cached plugins: %v", stale, err)
		return err
	}

	listed := make([]Plugin, 0, len(manifest.Plugins))
	byID := make(map[string]int, len(manifest.Plugins))
	r.mu.RLock()
	priority := r.desc.Priority
	r.mu.RUnlock()
	for _, p := range manifest.Plugins {
		p.Repository = id
		p.Priority = priority
		byID[p.ID] = len(listed)
		listed = append(listed, p)
	}

	now := r.now()
	r.mu.Lock()
	r.plugins = listed
	r.byID = byID
	r.info = manifest.Repository
	r.syncedAt = now
	r.desc.SyncStatus = SyncSuccess
	r.desc.LastSync = &now
	r.desc.LastError = ""
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("repository.plugins", len(listed)))
	r.metrics.RepositorySync(id, len(listed), nil)
	r.log.WithField("repository", id).Infof("Synced %d plugins", len(listed))
	return nil
}

func (r *Repository) fetch(ctx context.Context) (*Manifest, error) {
	data, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// Plugins returns a copy of the cached catalog
func (r *Repository) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Plugin returns a cached plugin record by id
func (r *Repository) Plugin(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	p := r.plugins[i]
	return &p, true
}

// Search runs a query over the cached catalog
func (r *Repository) Search(query string, filters Filters) Page {
	return NewPage(Match(r.Plugins(), query, filters), filters)
}

// ParseManifest decodes and validates a manifest document
func ParseManifest(data []byte) (*Manifest, error) {
	const op = "parse manifest"

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, err, "malformed manifest")
	}
	if m.FormatVersion == "" {
		m.FormatVersion = "1"
	}

	seen := make(map[string]bool, len(m.Plugins))
	for i := range m.Plugins {
		p := &m.Plugins[i]
		if p.ID == "" {
			return nil, plugins.Errorf(plugins.ValidationFailure, op, "plugin %d has no id", i)
		}
		if seen[p.ID] {
			return nil, plugins.Errorf(plugins.ValidationFailure, op, "duplicate plugin id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			p.Name = p.ID
		}
		for _, v := range p.Versions {
			if _, err := version.Parse(v.Version); err != nil {
				return nil, plugins.Wrap(plugins.ValidationFailure, op, err, "plugin %q", p.ID)
			}
			if v.DownloadURL == "" {
				return nil, plugins.Errorf(plugins.ValidationFailure, op, "plugin %q version %s has no downloadUrl", p.ID, v.Version)
			}
		}
		sort.SliceStable(p.Versions, func(a, b int) bool {
			c, _ := version.Compare(p.Versions[a].Version, p.Versions[b].Version)
			return c > 0
		})
	}
	return &m, nil
}

// String implements fmt.Stringer
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s, priority %d)", d.ID, d.URL, d.Priority)
}
