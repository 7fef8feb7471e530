package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/version"
)

// AsyncResult is delivered once by InstallAsync
type AsyncResult struct {
	Status *Status
	Err    error
}

// Install resolves the best release of pluginID inside versionRange (empty
// means any), downloads it and installs it. The plugin is left Installed;
// call Load to run it.
func (m *Manager) Install(ctx context.Context, pluginID, versionRange string) (st *Status, err error) {
	const op = "install"
	defer m.recoverInto(op, pluginID, &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.Install",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("version.range", versionRange),
		),
	)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() { m.metrics.PackageOperation(op, started, err) }()

	if m.deps.Repositories == nil || m.deps.Downloads == nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, ErrNoCatalog, "").WithID(pluginID)
	}
	constraint, err := version.ParseRange(versionRange)
	if err != nil {
		return nil, err
	}

	e, err := m.acquire(op, pluginID, true)
	if err != nil {
		return nil, err
	}
	defer m.release(e)

	if err := m.checkInstallable(op, e); err != nil {
		return nil, err
	}

	releases, err := m.deps.Repositories.Versions(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	rel, err := version.SelectRelease(releases, constraint, m.opts.HostVersion, m.opts.IncludePrerelease)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("plugin.version", rel.Version))

	if err := m.transition(e, eventInstall, fmt.Sprintf("installing %s from %s", rel.Version, rel.Repository)); err != nil {
		return nil, err
	}

	path, err := m.fetch(ctx, pluginID, rel)
	if err != nil {
		return nil, m.fail(e, err)
	}
	if err := m.installPackage(ctx, e, path, rel.Repository, true); err != nil {
		return nil, m.fail(e, err)
	}

	snap := m.snapshot(e)
	return &snap, nil
}

// InstallFile installs a local package file. The file is left in place.
func (m *Manager) InstallFile(ctx context.Context, path string) (st *Status, err error) {
	const op = "install file"
	defer m.recoverInto(op, path, &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.InstallFile",
		trace.WithAttributes(attribute.String("package.path", path)),
	)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() { m.metrics.PackageOperation("install", started, err) }()

	pkg, err := m.deps.Packages.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	pluginID := pkg.Manifest.Metadata.ID
	span.SetAttributes(attribute.String("plugin.id", pluginID))

	e, err := m.acquire(op, pluginID, true)
	if err != nil {
		return nil, err
	}
	defer m.release(e)

	if err := m.checkInstallable(op, e); err != nil {
		return nil, err
	}
	if err := m.transition(e, eventInstall, fmt.Sprintf("installing %s from %s", pkg.Manifest.Metadata.Version, filepath.Base(path))); err != nil {
		return nil, err
	}
	if err := m.installPackage(ctx, e, path, "", false); err != nil {
		return nil, m.fail(e, err)
	}

	snap := m.snapshot(e)
	return &snap, nil
}

// InstallAsync runs Install in the background under the manager's lifetime
// and delivers its result on the returned channel
func (m *Manager) InstallAsync(pluginID, versionRange string) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	ok := m.background("install "+pluginID, func(ctx context.Context) error {
		st, err := m.Install(ctx, pluginID, versionRange)
		out <- AsyncResult{Status: st, Err: err}
		return err
	})
	if !ok {
		out <- AsyncResult{Err: plugins.Wrap(plugins.StateConflict, "install", ErrClosed, "").WithID(pluginID)}
	}
	return out
}

// checkInstallable rejects installs over a plugin that is already on disk
// and healthy
func (m *Manager) checkInstallable(op string, e *entry) error {
	switch state := e.current(); state {
	case StateDiscovered, StateFailed, StateUninstalled:
		return nil
	default:
		return plugins.Wrap(plugins.StateConflict, op, ErrAlreadyInstalled, "plugin is %s", state).WithID(e.id)
	}
}

// fetch downloads the package of rel into the package directory
func (m *Manager) fetch(ctx context.Context, pluginID string, rel *version.Release) (string, error) {
	dest := filepath.Join(m.opts.PackageDir, fmt.Sprintf("%s-%s.bpkg", pluginID, rel.Version))
	task, err := m.deps.Downloads.Enqueue(ctx, download.Request{
		PluginID:         pluginID,
		Version:          rel.Version,
		URL:              rel.DownloadURL,
		Destination:      dest,
		ExpectedSize:     rel.Size,
		ExpectedChecksum: rel.Checksum,
	})
	if err != nil {
		return "", err
	}

	done, err := m.deps.Downloads.Wait(ctx, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			_ = m.deps.Downloads.Cancel(task.ID)
		}
		return "", err
	}
	return done.Destination, nil
}

// vet parses a package and checks it belongs to e and can run on this host
// next to the other installed plugins
func (m *Manager) vet(ctx context.Context, e *entry, path string) (*bpkg.Package, error) {
	const op = "check package"

	pkg, err := m.deps.Packages.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := pkg.Manifest.Metadata
	if meta.ID != e.id {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "package contains plugin %q", meta.ID).WithID(e.id)
	}

	report := version.CheckCompatibility(&meta, m.opts.HostVersion, m.installedVersions(e.id))
	for _, w := range report.Warnings() {
		m.log.WithField("plugin", e.id).Warnf("Compatibility warning: %s", w.Message)
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// installPackage vets and installs a package for e, records it and seeds its
// configuration. e must be Installing.
func (m *Manager) installPackage(ctx context.Context, e *entry, path, repo string, removePackage bool) error {
	if _, err := m.vet(ctx, e, path); err != nil {
		return err
	}

	result, err := m.deps.Packages.Install(ctx, path, m.opts.InstallRoot, bpkg.InstallOptions{RemovePackage: removePackage})
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		m.log.WithField("plugin", e.id).Warn(w)
	}

	now := m.opts.Now()
	rec := &plugins.InstalledRecord{
		ID:          e.id,
		Version:     result.Metadata.Version,
		Repository:  repo,
		InstallPath: result.InstallPath,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := m.deps.Installed.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}

	if err := m.deps.Configs.Save(e.id, m.config(e.id)); err != nil {
		m.log.Warnf("Failed to save configuration of %s: %v", e.id, err)
	}

	e.mu.Lock()
	e.meta = result.Metadata
	e.repository = repo
	e.installedAt = now
	e.updatedAt = now
	e.latest = ""
	e.mu.Unlock()

	return m.transition(e, eventInstalled, fmt.Sprintf("installed %s", result.Metadata.Version))
}

// Uninstall unloads a plugin if needed, removes its files, record and
// configuration
func (m *Manager) Uninstall(ctx context.Context, pluginID string) (err error) {
	const op = "uninstall"
	defer m.recoverInto(op, pluginID, &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.Uninstall",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)),
	)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() { m.metrics.PackageOperation(op, started, err) }()

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return err
	}
	defer m.release(e)

	switch e.current() {
	case StateLoaded, StateRunning:
		if err := m.unload(ctx, e, "uninstalling"); err != nil {
			return err
		}
	}
	if err := m.transition(e, eventUninstall, "uninstalling"); err != nil {
		return err
	}

	if _, loaded := m.deps.Loader.Info(pluginID); loaded {
		if err := m.deps.Loader.Unload(ctx, pluginID); err != nil {
			m.log.Warnf("Failed to unload %s before uninstall: %v", pluginID, err)
		}
	}
	if err := m.deps.Packages.Uninstall(ctx, pluginID, m.opts.InstallRoot); err != nil && !plugins.IsNotFound(err) {
		return m.fail(e, err)
	}
	if err := m.deps.Installed.Delete(ctx, pluginID); err != nil && !plugins.IsNotFound(err) {
		return m.fail(e, fmt.Errorf("failed to delete install record: %w", err))
	}
	if err := m.deps.Configs.Delete(pluginID); err != nil {
		m.log.Warnf("Failed to delete configuration of %s: %v", pluginID, err)
	}

	return m.transition(e, eventUninstalled, "uninstalled")
}
