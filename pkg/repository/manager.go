package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/storage"
	"github.com/platinummonkey/berth/pkg/version"
)

// SourceFactory builds the provider for a descriptor
type SourceFactory func(ctx context.Context, desc Descriptor) (Source, error)

// ManagerOptions configure a Manager
type ManagerOptions struct {
	// ConfigDir holds descriptors under <ConfigDir>/repositories
	ConfigDir string
	// CacheTTL is the per-repository catalog lifetime
	CacheTTL time.Duration
	// SearchCacheSize bounds cached merged search pages; defaults to 256
	SearchCacheSize int
	// SearchCacheTTL defaults to CacheTTL
	SearchCacheTTL time.Duration
	// HTTPClient is used by HTTP sources
	HTTPClient *http.Client
	// Sources overrides provider construction
	Sources SourceFactory
	Metrics *observability.Metrics
	Now     func() time.Time
}

// SyncResult is the outcome of one repository sync in SyncAll
type SyncResult struct {
	ID      string `json:"id"`
	Plugins int    `json:"plugins"`
	Err     error  `json:"-"`
}

// Manager owns the configured repositories and merges their catalogs
type Manager struct {
	opts  ManagerOptions
	log   *logrus.Logger
	store *storage.FileStore[Descriptor]
	cache *lru.LRU[string, Page]

	mu    sync.RWMutex
	repos map[string]*Repository
}

// NewManager loads persisted descriptors. Repositories whose source cannot
// be built are logged and skipped.
func NewManager(ctx context.Context, opts ManagerOptions, log *logrus.Logger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.SearchCacheSize <= 0 {
		opts.SearchCacheSize = 256
	}
	if opts.SearchCacheTTL <= 0 {
		opts.SearchCacheTTL = opts.CacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sources == nil {
		client := opts.HTTPClient
		opts.Sources = func(ctx context.Context, desc Descriptor) (Source, error) {
			return NewSource(ctx, desc, client)
		}
	}

	store, err := storage.NewFileStore[Descriptor](filepath.Join(opts.ConfigDir, "repositories"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:  opts,
		log:   log,
		store: store,
		cache: lru.NewLRU[string, Page](opts.SearchCacheSize, nil, opts.SearchCacheTTL),
		repos: make(map[string]*Repository),
	}

	descs, err := store.List()
	if err != nil {
		return nil, err
	}
	for id, desc := range descs {
		desc.ID = id
		repo, err := m.build(ctx, *desc)
		if err != nil {
			log.WithField("repository", id).Warnf("Skipping repository: %v", err)
			continue
		}
		m.repos[id] = repo
	}
	log.Debugf("Loaded %d repositories", len(m.repos))
	return m, nil
}

func (m *Manager) build(ctx context.Context, desc Descriptor) (*Repository, error) {
	src, err := m.opts.Sources(ctx, desc)
	if err != nil {
		return nil, err
	}
	return New(desc, src, Options{CacheTTL: m.opts.CacheTTL, Metrics: m.opts.Metrics, Now: m.opts.Now}, m.log), nil
}

// Add registers and persists a repository
func (m *Manager) Add(ctx context.Context, desc Descriptor) (*Repository, error) {
	const op = "add repository"

	desc.ID = strings.TrimSpace(desc.ID)
	if !storage.ValidID(desc.ID) {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "invalid repository id %q", desc.ID)
	}
	if desc.URL == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "url is required").WithID(desc.ID)
	}
	if desc.Type == "" {
		desc.Type = inferType(desc.URL)
	}
	if desc.Auth.Type == "" {
		desc.Auth.Type = AuthNone
	}
	desc.SyncStatus = SyncNever
	desc.LastSync = nil
	desc.LastError = ""

	repo, err := m.build(ctx, desc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.repos[desc.ID]; exists {
		return nil, plugins.Errorf(plugins.StateConflict, op, "repository already exists").WithID(desc.ID)
	}
	if err := m.store.Save(desc.ID, &desc); err != nil {
		return nil, err
	}
	m.repos[desc.ID] = repo
	m.cache.Purge()

	m.log.WithField("repository", desc.ID).Infof("Added repository %s", desc.URL)
	return repo, nil
}

// Remove deletes a repository and its descriptor
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[id]; !ok {
		return plugins.Errorf(plugins.NotFound, "remove repository", "repository not found").WithID(id)
	}
	if err := m.store.Delete(id); err != nil && !plugins.IsNotFound(err) {
		return err
	}
	delete(m.repos, id)
	m.cache.Purge()

	m.log.WithField("repository", id).Info("Removed repository")
	return nil
}

// SetEnabled enables or disables a repository
func (m *Manager) SetEnabled(id string, enabled bool) error {
	repo, err := m.Get(id)
	if err != nil {
		return err
	}
	repo.setEnabled(enabled)
	m.cache.Purge()
	return m.persist(repo)
}

// Get returns a repository by id
func (m *Manager) Get(id string) (*Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, plugins.Errorf(plugins.NotFound, "repository", "repository not found").WithID(id)
	}
	return repo, nil
}

// List returns descriptors ordered by priority then id
func (m *Manager) List() []Descriptor {
	repos := m.all(false)
	out := make([]Descriptor, 0, len(repos))
	for _, r := range repos {
		out = append(out, r.Descriptor())
	}
	return out
}

// all returns repositories ordered by priority then id
func (m *Manager) all(enabledOnly bool) []*Repository {
	m.mu.RLock()
	repos := make([]*Repository, 0, len(m.repos))
	for _, r := range m.repos {
		if enabledOnly && !r.Descriptor().Enabled {
			continue
		}
		repos = append(repos, r)
	}
	m.mu.RUnlock()

	sort.Slice(repos, func(i, j int) bool {
		a, b := repos[i].Descriptor(), repos[j].Descriptor()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return repos
}

func (m *Manager) persist(repo *Repository) error {
	desc := repo.Descriptor()

	m.mu.RLock()
	_, current := m.repos[desc.ID]
	m.mu.RUnlock()
	if !current {
		return nil
	}
	return m.store.Save(desc.ID, &desc)
}

// Sync syncs one repository and persists its status
func (m *Manager) Sync(ctx context.Context, id string, force bool) error {
	repo, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.sync(ctx, repo, force)
}

func (m *Manager) sync(ctx context.Context, repo *Repository, force bool) error {
	wasFresh := repo.Fresh()
	err := repo.Sync(ctx, force)
	if err == nil && (force || !wasFresh) {
		m.cache.Purge()
	}
	if perr := m.persist(repo); perr != nil {
		m.log.WithField("repository", repo.ID()).Warnf("Failed to persist sync status: %v", perr)
	}
	return err
}

// SyncAll syncs every enabled repository in parallel. A failing repository
// never cancels its siblings; failures are reported per repository.
func (m *Manager) SyncAll(ctx context.Context, force bool) []SyncResult {
	repos := m.all(true)
	results := make([]SyncResult, len(repos))

	var g errgroup.Group
	for i, repo := range repos {
		g.Go(func() error {
			err := m.sync(ctx, repo, force)
			results[i] = SyncResult{ID: repo.ID(), Plugins: len(repo.Plugins()), Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// ensureSynced refreshes stale repositories, leaving failures to degrade
// to the stale catalog
func (m *Manager) ensureSynced(ctx context.Context, repos []*Repository) {
	var g errgroup.Group
	for _, repo := range repos {
		if repo.Fresh() {
			continue
		}
		g.Go(func() error {
			if err := m.sync(ctx, repo, false); err != nil {
				m.log.WithField("repository", repo.ID()).Warnf("Using stale catalog: %v", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Search queries every enabled repository in parallel and merges the
// results. A plugin listed by several repositories is returned once, from
// the repository with the lowest priority number.
func (m *Manager) Search(ctx context.Context, query string, filters Filters) (Page, error) {
	ctx, span := repositoryTracer.Start(ctx, "Manager.Search",
		trace.WithAttributes(attribute.String("search.query", query)),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if err := filters.Validate(); err != nil {
		return Page{}, err
	}

	key := searchKey(query, filters)
	if page, ok := m.cache.Get(key); ok {
		m.opts.Metrics.CacheLookup("search", true)
		return page.clone(), nil
	}
	m.opts.Metrics.CacheLookup("search", false)

	repos := m.all(true)
	m.ensureSynced(ctx, repos)

	matches := make([][]Plugin, len(repos))
	var g errgroup.Group
	for i, repo := range repos {
		g.Go(func() error {
			matches[i] = Match(repo.Plugins(), query, filters)
			return nil
		})
	}
	g.Wait()

	page := NewPage(merge(matches), filters)
	span.SetAttributes(attribute.Int("search.total", page.Total))
	m.cache.Add(key, page.clone())
	return page, nil
}

// merge unions per-repository results keeping, for each id, the record
// with the lowest priority number. Inputs are ordered by priority.
func merge(perRepo [][]Plugin) []Plugin {
	best := make(map[string]int)
	var out []Plugin
	for _, list := range perRepo {
		for _, p := range list {
			if i, seen := best[p.ID]; seen {
				if p.Priority < out[i].Priority {
					out[i] = p
				}
				continue
			}
			best[p.ID] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func searchKey(query string, f Filters) string {
	data, _ := json.Marshal(f)
	return strings.ToLower(strings.TrimSpace(query)) + "|" + string(data)
}

// FindPlugin returns the catalog record for id from the highest-precedence
// enabled repository listing it
func (m *Manager) FindPlugin(ctx context.Context, id string) (*Plugin, error) {
	repos := m.all(true)
	m.ensureSynced(ctx, repos)

	for _, repo := range repos {
		if p, ok := repo.Plugin(id); ok {
			return p, nil
		}
	}
	return nil, plugins.Errorf(plugins.NotFound, "find plugin", "no enabled repository lists this plugin").WithID(id)
}

// Versions implements version.Source
func (m *Manager) Versions(ctx context.Context, pluginID string) ([]version.Release, error) {
	p, err := m.FindPlugin(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	return p.Releases(), nil
}

// Release returns the published release of id matching v exactly
func (m *Manager) Release(ctx context.Context, pluginID, v string) (*version.Release, error) {
	releases, err := m.Versions(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if c, err := version.Compare(releases[i].Version, v); err == nil && c == 0 {
			return &releases[i], nil
		}
	}
	return nil, plugins.Errorf(plugins.NotFound, "find release", "version %s not published", v).WithID(pluginID)
}
