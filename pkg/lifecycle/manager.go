package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/async"
	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/events"
	"github.com/platinummonkey/berth/pkg/loader"
	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/storage"
	"github.com/platinummonkey/berth/pkg/version"
)

var lifecycleTracer = otel.Tracer("berth/lifecycle")

// MinSubscribeBuffer is the smallest buffer Subscribe hands out. It holds
// every transition of a full install, load and unload cycle.
const MinSubscribeBuffer = 16

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the plugin's current state
	ErrInvalidTransition = errors.New("invalid plugin state transition")
	// ErrAlreadyInstalled is returned by Install for a plugin that is
	// already on disk; use Update instead
	ErrAlreadyInstalled = errors.New("plugin already installed")
	// ErrNoCatalog is returned by repository-backed operations when the
	// manager has no repositories or downloader
	ErrNoCatalog = errors.New("no repositories configured")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("lifecycle manager closed")
)

// Catalog is the view of the configured repositories the manager needs.
// *repository.Manager satisfies it.
type Catalog interface {
	version.Source
	SyncAll(ctx context.Context, force bool) []repository.SyncResult
}

// Downloader fetches packages. *download.Engine satisfies it.
type Downloader interface {
	Enqueue(ctx context.Context, req download.Request) (*download.Task, error)
	Wait(ctx context.Context, id string) (*download.Task, error)
	Cancel(id string) error
}

// Options configure a Manager
type Options struct {
	// InstallRoot holds one directory per installed plugin
	InstallRoot string
	// PackageDir receives downloaded packages; defaults to <os temp>/berth-packages
	PackageDir string
	// HostVersion is checked against plugin host bounds
	HostVersion string
	// IncludePrerelease lets installs and update checks pick prereleases
	IncludePrerelease bool
	// Watch reloads loaded plugins when their installed manifest changes
	Watch bool
	// WatchDebounce defaults to 500ms
	WatchDebounce time.Duration
	// SyncSchedule is a cron spec for repository syncs; empty disables it
	SyncSchedule string
	// UpdateSchedule is a cron spec for update checks; empty disables it
	UpdateSchedule string
	// OperationTimeout bounds background work; defaults to 10m
	OperationTimeout time.Duration
	// AutoStartWorkers bounds concurrent loads in Start; defaults to 4
	AutoStartWorkers int
	// Passive makes Start and Enable register plugins without loading any
	Passive bool
	// Metrics is optional
	Metrics *observability.Metrics
	// Now overrides the clock
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.PackageDir == "" {
		o.PackageDir = filepath.Join(os.TempDir(), "berth-packages")
	}
	if o.WatchDebounce <= 0 {
		o.WatchDebounce = 500 * time.Millisecond
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Minute
	}
	if o.AutoStartWorkers <= 0 {
		o.AutoStartWorkers = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the components a Manager composes. Packages, Loader, Installed
// and Configs are required. Without Repositories and Downloads only local
// package files can be installed.
type Deps struct {
	Packages     *bpkg.Engine
	Loader       *loader.Loader
	Installed    storage.InstalledStore
	Configs      storage.ConfigStore
	Repositories Catalog
	Downloads    Downloader
}

// StatusChanged is published for every state transition
type StatusChanged struct {
	PluginID string    `json:"pluginId"`
	Old      State     `json:"old"`
	New      State     `json:"new"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Status is a snapshot of one managed plugin
type Status struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Version       string              `json:"version,omitempty"`
	Runtime       plugins.RuntimeKind `json:"runtime,omitempty"`
	State         State               `json:"state"`
	Enabled       bool                `json:"enabled"`
	AutoStart     bool                `json:"autoStart"`
	Repository    string              `json:"repository,omitempty"`
	InstallPath   string              `json:"installPath,omitempty"`
	Error         string              `json:"error,omitempty"`
	LatestVersion string              `json:"latestVersion,omitempty"`
	InstalledAt   time.Time           `json:"installedAt,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt,omitempty"`
	ChangedAt     time.Time           `json:"changedAt"`
}

// entry is the manager-owned state of one plugin
type entry struct {
	id string
	// op serializes operations on the plugin
	op sync.Mutex

	mu          sync.Mutex
	interp      *statekit.Interpreter[machineContext]
	removed     bool
	state       State
	meta        plugins.Metadata
	repository  string
	installedAt time.Time
	updatedAt   time.Time
	err         string
	changedAt   time.Time
	latest      string
	plugin      plugins.Plugin
	fingerprint string
}

func (e *entry) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Manager drives installed plugins through their lifecycle
type Manager struct {
	opts    Options
	deps    Deps
	log     *logrus.Logger
	bus     *events.Bus[StatusChanged]
	metrics *observability.Metrics
	cron    *cron.Cron
	watcher *watcher

	mu      sync.RWMutex
	entries map[string]*entry
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	bg     async.Group
}

// NewManager validates deps and prepares the background schedules. Nothing
// runs until Start.
func NewManager(opts Options, deps Deps, log *logrus.Logger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	opts.setDefaults()

	switch {
	case deps.Packages == nil:
		return nil, fmt.Errorf("package engine is required")
	case deps.Loader == nil:
		return nil, fmt.Errorf("loader is required")
	case deps.Installed == nil:
		return nil, fmt.Errorf("installed plugin store is required")
	case deps.Configs == nil:
		return nil, fmt.Errorf("plugin config store is required")
	case opts.InstallRoot == "":
		return nil, fmt.Errorf("install root is required")
	}

	root, err := filepath.Abs(opts.InstallRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve install root: %w", err)
	}
	opts.InstallRoot = root
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install root: %w", err)
	}
	if err := os.MkdirAll(opts.PackageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		deps:    deps,
		log:     log,
		bus:     events.NewBus[StatusChanged](),
		metrics: opts.Metrics,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.bus.OnDrop(func() { m.metrics.EventDropped("lifecycle") })

	if err := m.setupSchedules(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// Start discovers installed plugins, loads the enabled auto-start ones and
// starts the watcher and background schedules
func (m *Manager) Start(ctx context.Context) (err error) {
	const op = "start"
	defer m.recoverInto(op, "", &err)

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return plugins.Wrap(plugins.StateConflict, op, ErrClosed, "")
	case m.started:
		m.mu.Unlock()
		return plugins.Errorf(plugins.StateConflict, op, "lifecycle manager already started")
	}
	m.started = true
	m.mu.Unlock()

	autostart, err := m.discover(ctx)
	if err != nil {
		return err
	}

	if len(autostart) > 0 && !m.opts.Passive {
		m.log.Infof("Auto-starting %d plugins", len(autostart))
		errs := async.Batch(ctx, autostart, m.opts.AutoStartWorkers, "plugin autostart", m.opts.OperationTimeout,
			func(ctx context.Context, id string) error {
				return m.Load(ctx, id)
			})
		for _, err := range errs {
			m.log.Warnf("Auto-start failed: %v", err)
		}
	}

	if m.opts.Watch {
		w, err := newWatcher(m.opts.InstallRoot, m.opts.WatchDebounce, m.hotReload, m.log)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.watcher = w
		m.mu.Unlock()
	}

	if m.cron != nil {
		m.cron.Start()
	}

	m.log.Infof("Lifecycle manager started with %d plugins", len(m.List()))
	return nil
}

// discover registers every installed plugin and returns the ids to
// auto-start. Install directories without a record are adopted.
func (m *Manager) discover(ctx context.Context) ([]string, error) {
	records, err := m.deps.Installed.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed plugins: %w", err)
	}

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
	}

	dirs, err := os.ReadDir(m.opts.InstallRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read install root: %w", err)
	}
	for _, d := range dirs {
		name := d.Name()
		if !d.IsDir() || !pluginDirName(name) || known[name] {
			continue
		}
		manifest, err := m.deps.Packages.ReadInstalled(m.opts.InstallRoot, name)
		if err != nil {
			m.log.Debugf("Ignoring %s in install root: %v", name, err)
			continue
		}
		if manifest.Metadata.ID != name {
			m.log.Warnf("Ignoring %s in install root: manifest names plugin %q", name, manifest.Metadata.ID)
			continue
		}
		now := m.opts.Now()
		rec := &plugins.InstalledRecord{
			ID:          name,
			Version:     manifest.Metadata.Version,
			InstallPath: filepath.Join(m.opts.InstallRoot, name),
			InstalledAt: now,
			UpdatedAt:   now,
		}
		if err := m.deps.Installed.Put(ctx, rec); err != nil {
			m.log.Warnf("Failed to record plugin %s found in install root: %v", name, err)
			continue
		}
		m.log.Infof("Adopted plugin %s %s found in install root", name, rec.Version)
		records = append(records, rec)
	}

	var autostart []string
	for _, rec := range records {
		if m.register(rec) {
			autostart = append(autostart, rec.ID)
		}
	}
	sort.Strings(autostart)
	return autostart, nil
}

// register adds an entry for an installed record and reports whether the
// plugin should auto-start
func (m *Manager) register(rec *plugins.InstalledRecord) bool {
	e, err := newEntry(rec.ID)
	if err != nil {
		m.log.Errorf("Failed to create state machine for %s: %v", rec.ID, err)
		return false
	}
	e.op.Lock()
	defer e.op.Unlock()

	e.meta = plugins.Metadata{ID: rec.ID, Version: rec.Version}
	e.repository = rec.Repository
	e.installedAt = rec.InstalledAt
	e.updatedAt = rec.UpdatedAt

	m.mu.Lock()
	if _, exists := m.entries[rec.ID]; exists {
		m.mu.Unlock()
		return false
	}
	m.entries[rec.ID] = e
	m.mu.Unlock()

	manifest, err := m.deps.Packages.ReadInstalled(m.opts.InstallRoot, rec.ID)
	if err != nil {
		_ = m.transition(e, eventFail, fmt.Sprintf("install directory unusable: %v", err))
		return false
	}
	e.mu.Lock()
	e.meta = manifest.Metadata
	e.mu.Unlock()

	_ = m.transition(e, eventFound, "discovered on disk")

	cfg := m.config(rec.ID)
	if !cfg.Enabled {
		_ = m.transition(e, eventDisable, "disabled in configuration")
		return false
	}
	return cfg.AutoStart
}

func newEntry(id string) (*entry, error) {
	interp, err := newPluginInterpreter()
	if err != nil {
		return nil, err
	}
	return &entry{
		id:     id,
		interp: interp,
		state:  StateDiscovered,
	}, nil
}

// acquire returns the entry for id with its operation lock held. With
// create, a missing entry is created in Discovered.
func (m *Manager) acquire(op, id string, create bool) (*entry, error) {
	if id == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "plugin id is required")
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, plugins.Wrap(plugins.StateConflict, op, ErrClosed, "").WithID(id)
		}
		e, ok := m.entries[id]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil, plugins.Errorf(plugins.NotFound, op, "plugin is not installed").WithID(id)
			}
			var err error
			if e, err = newEntry(id); err != nil {
				m.mu.Unlock()
				return nil, fmt.Errorf("failed to create state machine: %w", err)
			}
			m.entries[id] = e
		}
		m.mu.Unlock()

		e.op.Lock()
		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if !removed {
			return e, nil
		}
		e.op.Unlock()
	}
}

// release drops entries that never got installed or were uninstalled and
// unlocks the entry
func (m *Manager) release(e *entry) {
	e.mu.Lock()
	drop := e.state == StateDiscovered || e.state == StateUninstalled
	if drop {
		e.removed = true
	}
	e.mu.Unlock()

	if drop {
		m.mu.Lock()
		if m.entries[e.id] == e {
			delete(m.entries, e.id)
		}
		m.mu.Unlock()
	}
	e.op.Unlock()
}

// transition fires a machine event and publishes the resulting change. An
// event not accepted in the current state returns StateConflict.
func (m *Manager) transition(e *entry, event, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := State(e.interp.State().Value)
	e.interp.Send(statekit.Event{Type: event})
	next := State(e.interp.State().Value)
	if next == old {
		return plugins.Wrap(plugins.StateConflict, "lifecycle", ErrInvalidTransition,
			"cannot %s plugin in state %s", strings.ToLower(event), old).WithID(e.id)
	}

	now := m.opts.Now()
	e.state = next
	e.changedAt = now
	if next == StateFailed {
		e.err = reason
	} else {
		e.err = ""
	}

	m.bus.Publish(StatusChanged{
		PluginID: e.id,
		Old:      old,
		New:      next,
		Reason:   reason,
		Time:     now,
	})

	fields := logrus.Fields{"plugin": e.id}
	if next == StateFailed {
		m.log.WithFields(fields).Warnf("Plugin %s -> %s: %s", old, next, reason)
	} else {
		m.log.WithFields(fields).Debugf("Plugin %s -> %s", old, next)
	}
	return nil
}

// fail moves e to Failed with err as the reason and returns err
func (m *Manager) fail(e *entry, err error) error {
	_ = m.transition(e, eventFail, err.Error())
	return err
}

// config returns the stored configuration of id, or the defaults
func (m *Manager) config(id string) *plugins.Config {
	cfg, err := m.deps.Configs.Load(id)
	if err != nil {
		m.log.Warnf("Failed to load configuration of %s, using defaults: %v", id, err)
		return plugins.DefaultConfig()
	}
	return cfg
}

// installedVersions maps every installed plugin other than exclude to its
// version, for dependency checks
func (m *Manager) installedVersions(exclude string) map[string]string {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		if id != exclude {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		switch e.state {
		case StateDiscovered, StateInstalling, StateUninstalling, StateUninstalled:
		default:
			if e.meta.Version != "" {
				out[e.id] = e.meta.Version
			}
		}
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) isStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started && !m.closed
}

// autoLoads reports whether enabled auto-start plugins should be loaded
func (m *Manager) autoLoads() bool {
	return m.isStarted() && !m.opts.Passive
}

// background runs fn on the manager's group unless the manager is closed
func (m *Manager) background(name string, fn func(context.Context) error) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	m.bg.Go(m.ctx, m.opts.OperationTimeout, name, fn)
	return true
}

// Status returns the snapshot of one plugin
func (m *Manager) Status(pluginID string) (*Status, error) {
	m.mu.RLock()
	e, ok := m.entries[pluginID]
	m.mu.RUnlock()
	if !ok {
		return nil, plugins.Errorf(plugins.NotFound, "status", "plugin is not installed").WithID(pluginID)
	}
	st := m.snapshot(e)
	return &st, nil
}

// List returns the snapshot of every managed plugin ordered by id
func (m *Manager) List() []Status {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) snapshot(e *entry) Status {
	cfg := m.config(e.id)

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		ID:            e.id,
		Name:          e.meta.Name,
		Version:       e.meta.Version,
		Runtime:       e.meta.Runtime,
		State:         e.state,
		Enabled:       cfg.Enabled,
		AutoStart:     cfg.AutoStart,
		Repository:    e.repository,
		Error:         e.err,
		LatestVersion: e.latest,
		InstalledAt:   e.installedAt,
		UpdatedAt:     e.updatedAt,
		ChangedAt:     e.changedAt,
	}
	if e.meta.Version != "" {
		st.InstallPath = filepath.Join(m.opts.InstallRoot, e.id)
	}
	return st
}

// Subscribe returns a stream of state changes and a cancel func. Events of
// one plugin arrive in transition order. Publishing never blocks: when the
// buffer is full further events are dropped and counted in
// berth_events_dropped_total, so size it for bursts (MinSubscribeBuffer or
// more) and read Status for the authoritative state.
func (m *Manager) Subscribe(buffer int) (<-chan StatusChanged, func()) {
	return m.bus.Subscribe(max(buffer, MinSubscribeBuffer))
}

// Close stops the schedules and the watcher, waits for background work and
// unloads every loaded plugin. The stores, loader and engines stay open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	w := m.watcher
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.cancel()
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if w != nil {
		w.close()
	}

	var errs []error
	if err := m.bg.Wait(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, e := range entries {
		e.op.Lock()
		switch e.current() {
		case StateLoaded, StateRunning:
			if err := m.unload(ctx, e, "manager closed"); err != nil {
				errs = append(errs, err)
			}
		}
		e.op.Unlock()
	}

	m.bus.Close()
	m.log.Info("Lifecycle manager closed")
	return errors.Join(errs...)
}

// recoverInto turns a panic in a public operation into an error
func (m *Manager) recoverInto(op, pluginID string, err *error) {
	if r := recover(); r != nil {
		m.log.WithFields(logrus.Fields{
			"plugin":    pluginID,
			"operation": op,
			"stack":     string(debug.Stack()),
		}).Errorf("Recovered panic in %s: %v", op, r)
		*err = fmt.Errorf("%s %s: %w", op, pluginID, observability.MustRecover(r))
	}
}

// endSpan records err on span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// pluginDirName reports whether name in the install root can be a plugin
// directory rather than a staging dir or backup
func pluginDirName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".previous")
}

// fingerprint identifies the installed build of a plugin
func fingerprint(m *bpkg.Manifest) string {
	return m.Metadata.Version + "|" + m.Checksum + "|" + m.Build.BuiltAt.UTC().Format(time.RFC3339Nano)
}
