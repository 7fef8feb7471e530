package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/version"
)

// Load loads an installed plugin into its isolated runtime and starts it.
// A Failed plugin is retried.
func (m *Manager) Load(ctx context.Context, pluginID string) (err error) {
	const op = "load"
	defer m.recoverInto(op, pluginID, &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.Load",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)),
	)
	defer func() { endSpan(span, err) }()

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)
	return m.load(ctx, e)
}

// Unload stops a running plugin and releases its runtime
func (m *Manager) Unload(ctx context.Context, pluginID string) (err error) {
	const op = "unload"
	defer m.recoverInto(op, pluginID, &err)

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)

	switch state := e.current(); state {
	case StateLoaded, StateRunning:
		return m.unload(ctx, e, "unloaded")
	default:
		return plugins.Wrap(plugins.StateConflict, op, ErrInvalidTransition, "plugin is %s, not loaded", state).WithID(pluginID)
	}
}

// Reload unloads a loaded plugin and loads it again from disk. A plugin
// that is not loaded is simply loaded.
func (m *Manager) Reload(ctx context.Context, pluginID string) (err error) {
	const op = "reload"
	defer m.recoverInto(op, pluginID, &err)

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)
	return m.reload(ctx, e, "reloading")
}

// Enable clears the disabled flag. When the manager is running and the
// plugin is configured to auto-start it is loaded as well.
func (m *Manager) Enable(ctx context.Context, pluginID string) (err error) {
	const op = "enable"
	defer m.recoverInto(op, pluginID, &err)

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)

	cfg := m.config(pluginID)
	cfg.Enabled = true
	if err := m.deps.Configs.Save(pluginID, cfg); err != nil {
		return err
	}

	if e.current() == StateDisabled {
		if err := m.transition(e, eventEnable, "enabled"); err != nil {
			return err
		}
	}
	if cfg.AutoStart && m.autoLoads() && e.current() == StateInstalled {
		return m.load(ctx, e)
	}
	return nil
}

// Disable unloads a loaded plugin and keeps it from loading until enabled
func (m *Manager) Disable(ctx context.Context, pluginID string) (err error) {
	const op = "disable"
	defer m.recoverInto(op, pluginID, &err)

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)

	switch e.current() {
	case StateLoaded, StateRunning:
		if err := m.unload(ctx, e, "disabling"); err != nil {
			return err
		}
	}

	cfg := m.config(pluginID)
	cfg.Enabled = false
	if err := m.deps.Configs.Save(pluginID, cfg); err != nil {
		return err
	}

	if e.current() == StateDisabled {
		return nil
	}
	return m.transition(e, eventDisable, "disabled")
}

// load brings e from Installed (or Failed) to Running
func (m *Manager) load(ctx context.Context, e *entry) error {
	const op = "load"

	switch state := e.current(); state {
	case StateDisabled:
		return plugins.Wrap(plugins.StateConflict, op, ErrInvalidTransition, "plugin is disabled").WithID(e.id)
	case StateFailed:
		if err := m.transition(e, eventReset, "retrying load"); err != nil {
			return err
		}
	}
	if err := m.transition(e, eventLoad, "loading"); err != nil {
		return err
	}

	manifest, err := m.deps.Packages.ReadInstalled(m.opts.InstallRoot, e.id)
	if err != nil {
		return m.fail(e, err)
	}
	meta := manifest.Metadata

	report := version.CheckCompatibility(&meta, m.opts.HostVersion, m.installedVersions(e.id))
	for _, w := range report.Warnings() {
		m.log.WithField("plugin", e.id).Warnf("Compatibility warning: %s", w.Message)
	}
	if err := report.Err(); err != nil {
		return m.fail(e, err)
	}

	dir := filepath.Join(m.opts.InstallRoot, e.id)
	p, err := m.deps.Loader.Load(ctx, e.id, dir, meta.Entry)
	if err != nil {
		return m.fail(e, err)
	}

	e.mu.Lock()
	e.meta = meta
	e.plugin = p
	e.fingerprint = fingerprint(manifest)
	e.mu.Unlock()

	if err := m.transition(e, eventLoaded, fmt.Sprintf("loaded %s", meta.Version)); err != nil {
		return err
	}

	if err := p.Start(ctx); err != nil {
		e.mu.Lock()
		e.plugin = nil
		e.mu.Unlock()
		if uerr := m.deps.Loader.Unload(ctx, e.id); uerr != nil {
			m.log.Warnf("Failed to unload %s after start failure: %v", e.id, uerr)
		}
		return m.fail(e, fmt.Errorf("failed to start plugin: %w", err))
	}
	return m.transition(e, eventStart, "started")
}

// unload brings e from Running or Loaded back to Installed. The manager's
// reference to the plugin is dropped before the loader reclaims it.
func (m *Manager) unload(ctx context.Context, e *entry, reason string) error {
	e.mu.Lock()
	p := e.plugin
	running := e.state == StateRunning
	e.mu.Unlock()

	if running {
		if err := m.transition(e, eventStop, reason); err != nil {
			return err
		}
		if p != nil {
			if err := p.Stop(ctx); err != nil {
				m.log.WithField("plugin", e.id).Warnf("Plugin stop failed: %v", err)
			}
		}
		if err := m.transition(e, eventStopped, "stopped"); err != nil {
			return err
		}
	}

	if err := m.transition(e, eventUnload, reason); err != nil {
		return err
	}

	e.mu.Lock()
	e.plugin = nil
	e.fingerprint = ""
	e.mu.Unlock()

	if err := m.deps.Loader.Unload(ctx, e.id); err != nil {
		return m.fail(e, err)
	}
	return m.transition(e, eventUnloaded, "unloaded")
}

func (m *Manager) reload(ctx context.Context, e *entry, reason string) error {
	switch e.current() {
	case StateLoaded, StateRunning:
		if err := m.unload(ctx, e, reason); err != nil {
			return err
		}
	}
	return m.load(ctx, e)
}

// hotReload is the watcher callback for a changed install directory
func (m *Manager) hotReload(pluginID string) {
	m.background("hot reload "+pluginID, func(ctx context.Context) error {
		return m.reloadIfChanged(ctx, pluginID)
	})
}

// reloadIfChanged reloads a loaded plugin whose installed manifest no
// longer matches the build it was loaded from
func (m *Manager) reloadIfChanged(ctx context.Context, pluginID string) error {
	e, err := m.acquire("hot reload", pluginID, false)
	if err != nil {
		if plugins.IsNotFound(err) {
			m.log.Debugf("Ignoring change to unmanaged plugin directory %s", pluginID)
			return nil
		}
		return err
	}
	defer m.release(e)

	switch e.current() {
	case StateLoaded, StateRunning:
	default:
		return nil
	}

	manifest, err := m.deps.Packages.ReadInstalled(m.opts.InstallRoot, pluginID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	unchanged := e.fingerprint == fingerprint(manifest)
	previous := e.meta.Version
	e.mu.Unlock()
	if unchanged {
		return nil
	}

	m.log.WithField("plugin", pluginID).Infof("Installed files changed (%s -> %s), reloading", previous, manifest.Metadata.Version)
	if err := m.reload(ctx, e, "installed files changed"); err != nil {
		return err
	}

	if manifest.Metadata.Version != previous {
		rec, err := m.deps.Installed.Get(ctx, pluginID)
		if err != nil {
			return err
		}
		rec.Version = manifest.Metadata.Version
		rec.UpdatedAt = m.opts.Now()
		if err := m.deps.Installed.Put(ctx, rec); err != nil {
			return fmt.Errorf("failed to record reloaded version: %w", err)
		}
		e.mu.Lock()
		e.updatedAt = rec.UpdatedAt
		e.mu.Unlock()
	}
	return nil
}
