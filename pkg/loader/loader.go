package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
)

var loaderTracer = otel.Tracer("berth/loader")

// HostPrefix marks host-shared modules. Files whose name starts with it are
// never picked as a plugin's entry or dependency.
const HostPrefix = "berth."

// hostModule is the name plugins use to reach host services
const hostModule = "berth"

const (
	defaultReclaimAttempts = 5
	defaultReclaimDelay    = 20 * time.Millisecond
)

// Options configures a Loader
type Options struct {
	// HostVersion is exposed to plugins through the host module
	HostVersion string

	// ReclaimAttempts bounds the collections run after an unload
	ReclaimAttempts int
	// ReclaimDelay is the pause between collections
	ReclaimDelay time.Duration

	Metrics *observability.Metrics
}

// Info describes a loaded plugin handle
type Info struct {
	ID       string              `json:"id"`
	Dir      string              `json:"dir"`
	Entry    string              `json:"entry"`
	Runtime  plugins.RuntimeKind `json:"runtime"`
	LoadedAt time.Time           `json:"loadedAt"`
}

// module is a plugin instance produced by a runtime backend
type module interface {
	plugins.Plugin
	close(ctx context.Context) error
}

// handle is the load context of one plugin. Instances handed to callers
// point back at it, so a caller that keeps an instance keeps the context.
type handle struct {
	info    Info
	module  module
	running atomic.Bool
}

// instance is the plugins.Plugin returned to callers
type instance struct {
	h *handle
}

func (i *instance) ID() string {
	return i.h.module.ID()
}

func (i *instance) Start(ctx context.Context) error {
	if err := i.h.module.Start(ctx); err != nil {
		return err
	}
	i.h.running.Store(true)
	return nil
}

func (i *instance) Stop(ctx context.Context) error {
	if err := i.h.module.Stop(ctx); err != nil {
		return err
	}
	i.h.running.Store(false)
	return nil
}

// host carries the services shared with every plugin runtime
type host struct {
	version string
	log     *logrus.Entry
}

// Loader creates and tears down isolated plugin handles. Each plugin gets
// its own JavaScript or WebAssembly runtime; only the host module is
// shared between them.
type Loader struct {
	opts    Options
	log     *logrus.Logger
	mu      sync.RWMutex
	handles map[string]*handle
	busy    map[string]struct{}
}

// New creates a loader
func New(opts Options, log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
	}
	if opts.ReclaimAttempts <= 0 {
		opts.ReclaimAttempts = defaultReclaimAttempts
	}
	if opts.ReclaimDelay <= 0 {
		opts.ReclaimDelay = defaultReclaimDelay
	}

	return &Loader{
		opts:    opts,
		log:     log,
		handles: make(map[string]*handle),
		busy:    make(map[string]struct{}),
	}
}

// Load resolves the entry module in dir and instantiates the plugin it
// registers. entry may be empty, in which case the first .js or .wasm file
// in lexical order that is not a host module is used.
func (l *Loader) Load(ctx context.Context, pluginID, dir, entry string) (plugins.Plugin, error) {
	ctx, span := loaderTracer.Start(ctx, "Loader.Load",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("plugin.dir", dir),
		),
	)
	defer span.End()

	if pluginID == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, "load", "plugin id is required")
	}

	if err := l.reserve(pluginID, "load"); err != nil {
		span.SetStatus(codes.Error, "already loaded")
		return nil, err
	}

	h, err := l.open(ctx, pluginID, dir, entry)

	l.mu.Lock()
	delete(l.busy, pluginID)
	if err == nil {
		l.handles[pluginID] = h
	}
	l.mu.Unlock()

	if err != nil {
		runtimeKind := "unknown"
		var kindErr *runtimeError
		if errors.As(err, &kindErr) {
			runtimeKind = string(kindErr.kind)
		}
		l.opts.Metrics.PluginLoad(runtimeKind, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		l.log.WithField("plugin", pluginID).Warnf("Failed to load plugin from %s: %v", dir, err)
		return nil, err
	}

	l.opts.Metrics.PluginLoad(string(h.info.Runtime), nil)
	span.SetAttributes(attribute.String("plugin.runtime", string(h.info.Runtime)))
	l.log.WithField("plugin", pluginID).Infof("Loaded plugin %s (%s, entry %s)", pluginID, h.info.Runtime, h.info.Entry)

	return &instance{h: h}, nil
}

// reserve claims id for a load or unload in progress
func (l *Loader) reserve(id, op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.busy[id]; busy {
		return plugins.Wrap(plugins.StateConflict, op, ErrAlreadyLoaded, "another load or unload is in progress").WithID(id)
	}
	if op == "load" {
		if _, loaded := l.handles[id]; loaded {
			return plugins.Wrap(plugins.StateConflict, op, ErrAlreadyLoaded, "").WithID(id)
		}
	}
	l.busy[id] = struct{}{}
	return nil
}

// runtimeError tags a load failure with the backend that produced it
type runtimeError struct {
	kind plugins.RuntimeKind
	err  error
}

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func (l *Loader) open(ctx context.Context, id, dir, entry string) (*handle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "load", err, "invalid plugin path").WithID(id)
	}

	entryPath, err := resolveEntry(abs, entry)
	if err != nil {
		return nil, withID(err, id)
	}

	kind, err := runtimeFor(entryPath)
	if err != nil {
		return nil, withID(err, id)
	}

	h := host{
		version: l.opts.HostVersion,
		log:     l.log.WithField("plugin", id),
	}

	var mod module
	switch kind {
	case plugins.RuntimeJS:
		mod, err = loadJS(ctx, id, abs, entryPath, h)
	case plugins.RuntimeWASM:
		mod, err = loadWASM(ctx, id, abs, entryPath, h)
	}
	if err != nil {
		return nil, &runtimeError{kind: kind, err: withID(err, id)}
	}

	return &handle{
		info: Info{
			ID:       id,
			Dir:      abs,
			Entry:    filepath.Base(entryPath),
			Runtime:  kind,
			LoadedAt: time.Now(),
		},
		module: mod,
	}, nil
}

// resolveEntry finds the entry module inside dir
func resolveEntry(dir, entry string) (string, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", plugins.Wrap(plugins.NotFound, "load", ErrPathNotFound, "%s", dir)
	}

	if entry != "" {
		p := filepath.Join(dir, filepath.FromSlash(entry))
		if !within(dir, p) {
			return "", plugins.Wrap(plugins.NotFound, "load", ErrEntryNotFound, "entry %q is outside the plugin directory", entry)
		}
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			return "", plugins.Wrap(plugins.NotFound, "load", ErrEntryNotFound, "entry %q does not exist", entry)
		}
		return p, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read plugin directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, HostPrefix) {
			continue
		}
		switch filepath.Ext(name) {
		case ".js", ".wasm":
			return filepath.Join(dir, name), nil
		}
	}
	return "", plugins.Wrap(plugins.NotFound, "load", ErrEntryNotFound, "no .js or .wasm module in %s", dir)
}

// withID tags the outermost *plugins.Error in err with id
func withID(err error, id string) error {
	var e *plugins.Error
	if errors.As(err, &e) && e.ID == "" {
		e.WithID(id)
	}
	return err
}

func runtimeFor(path string) (plugins.RuntimeKind, error) {
	switch filepath.Ext(path) {
	case ".js":
		return plugins.RuntimeJS, nil
	case ".wasm":
		return plugins.RuntimeWASM, nil
	default:
		return "", plugins.Wrap(plugins.ValidationFailure, "load", ErrUnsupportedRuntime, "%s", filepath.Base(path))
	}
}

// within reports whether path is dir or below it
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Unload stops the plugin if it is running, closes its runtime and waits a
// bounded number of collections for the load context to be reclaimed.
func (l *Loader) Unload(ctx context.Context, pluginID string) error {
	ctx, span := loaderTracer.Start(ctx, "Loader.Unload",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)),
	)
	defer span.End()

	l.mu.Lock()
	h, ok := l.handles[pluginID]
	if !ok {
		l.mu.Unlock()
		return plugins.Wrap(plugins.NotFound, "unload", ErrNotLoaded, "").WithID(pluginID)
	}
	if _, busy := l.busy[pluginID]; busy {
		l.mu.Unlock()
		return plugins.Wrap(plugins.StateConflict, "unload", ErrAlreadyLoaded, "another load or unload is in progress").WithID(pluginID)
	}
	delete(l.handles, pluginID)
	l.busy[pluginID] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.busy, pluginID)
		l.mu.Unlock()
	}()

	log := l.log.WithField("plugin", pluginID)

	var errs []error
	if h.running.Load() {
		if err := h.module.Stop(ctx); err != nil {
			log.Warnf("Plugin stop failed during unload: %v", err)
			errs = append(errs, err)
		}
		h.running.Store(false)
	}
	if err := h.module.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close runtime: %w", err))
	}

	wp := weak.Make(h)

	if reclaim(ctx, wp, l.opts.ReclaimAttempts, l.opts.ReclaimDelay) {
		log.Debugf("Plugin %s load context reclaimed", pluginID)
	} else {
		log.Warnf("Plugin %s unloaded but its load context is still referenced after %d collections", pluginID, l.opts.ReclaimAttempts)
		span.SetAttributes(attribute.Bool("plugin.reclaimed", false))
	}

	l.opts.Metrics.PluginUnload()
	log.Infof("Unloaded plugin %s", pluginID)

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unload plugin %s: %w", pluginID, err)
	}
	return nil
}

// reclaim runs up to attempts collections until wp no longer resolves
func reclaim[T any](ctx context.Context, wp weak.Pointer[T], attempts int, delay time.Duration) bool {
	for i := 0; i < attempts; i++ {
		runtime.GC()
		if wp.Value() == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return wp.Value() == nil
}

// Loaded returns the instance for id if it is loaded
func (l *Loader) Loaded(pluginID string) (plugins.Plugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.handles[pluginID]
	if !ok {
		return nil, false
	}
	return &instance{h: h}, true
}

// Info returns the handle description for id
func (l *Loader) Info(pluginID string) (Info, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.handles[pluginID]
	if !ok {
		return Info{}, false
	}
	return h.info, true
}

// List describes every loaded handle ordered by id
func (l *Loader) List() []Info {
	l.mu.RLock()
	infos := make([]Info, 0, len(l.handles))
	for _, h := range l.handles {
		infos = append(infos, h.info)
	}
	l.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close unloads every plugin
func (l *Loader) Close(ctx context.Context) error {
	var errs []error
	for _, info := range l.List() {
		if err := l.Unload(ctx, info.ID); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
