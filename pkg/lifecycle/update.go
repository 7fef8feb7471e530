package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/version"
)

// updateWorkers bounds concurrent update checks
const updateWorkers = 4

// CheckUpdates checks every installed plugin against the repositories and
// returns one result per plugin that could be checked, ordered by id.
// Plugins unknown to every repository are skipped.
func (m *Manager) CheckUpdates(ctx context.Context) (results []version.UpdateResult, err error) {
	const op = "check updates"
	defer m.recoverInto(op, "", &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.CheckUpdates")
	defer func() { endSpan(span, err) }()

	if m.deps.Repositories == nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, ErrNoCatalog, "")
	}

	type candidate struct {
		e       *entry
		current string
	}
	var candidates []candidate
	m.mu.RLock()
	for _, e := range m.entries {
		e.mu.Lock()
		switch e.state {
		case StateDiscovered, StateInstalling, StateUninstalling, StateUninstalled:
		default:
			if e.meta.Version != "" {
				candidates = append(candidates, candidate{e: e, current: e.meta.Version})
			}
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	checked := make([]*version.UpdateResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(updateWorkers)
	for i, c := range candidates {
		g.Go(func() error {
			res, err := version.CheckForUpdate(gctx, m.deps.Repositories, c.e.id, c.current, m.opts.HostVersion,
				version.UpdateOptions{IncludePrerelease: m.opts.IncludePrerelease})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if plugins.IsNotFound(err) {
					m.log.Debugf("Plugin %s is not published in any repository", c.e.id)
				} else {
					m.log.WithField("plugin", c.e.id).Warnf("Update check failed: %v", err)
				}
				return nil
			}
			checked[i] = res

			c.e.mu.Lock()
			if res.Available {
				c.e.latest = res.Latest
			} else {
				c.e.latest = ""
			}
			c.e.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	available := 0
	for _, res := range checked {
		if res == nil {
			continue
		}
		results = append(results, *res)
		if res.Available {
			available++
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PluginID < results[j].PluginID })

	m.metrics.SetUpdatesAvailable(available)
	span.SetAttributes(
		attribute.Int("update.checked", len(results)),
		attribute.Int("update.available", available),
	)
	if available > 0 {
		m.log.Infof("%d plugin updates available", available)
	}
	return results, nil
}

// Update installs the newest compatible release of a plugin. A loaded plugin
// is unloaded for the swap and loaded again afterwards. When the install
// fails the previous version stays on disk and is loaded again if it was
// loaded before.
func (m *Manager) Update(ctx context.Context, pluginID string) (res *version.UpdateResult, err error) {
	const op = "update"
	defer m.recoverInto(op, pluginID, &err)

	ctx, span := lifecycleTracer.Start(ctx, "Manager.Update",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)),
	)
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() { m.metrics.PackageOperation(op, started, err) }()

	if m.deps.Repositories == nil || m.deps.Downloads == nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, ErrNoCatalog, "").WithID(pluginID)
	}

	e, err := m.acquire(op, pluginID, false)
	if err != nil {
		return nil, err
	}
	defer m.release(e)

	e.mu.Lock()
	state := e.state
	current := e.meta.Version
	e.mu.Unlock()

	switch state {
	case StateInstalled, StateLoaded, StateRunning, StateDisabled, StateFailed:
	default:
		return nil, plugins.Wrap(plugins.StateConflict, op, ErrInvalidTransition, "plugin is %s", state).WithID(pluginID)
	}

	res, err = version.CheckForUpdate(ctx, m.deps.Repositories, pluginID, current, m.opts.HostVersion,
		version.UpdateOptions{IncludePrerelease: m.opts.IncludePrerelease})
	if err != nil {
		return nil, err
	}
	if !res.Available {
		m.log.WithField("plugin", pluginID).Infof("Plugin is up to date at %s", current)
		return res, nil
	}
	span.SetAttributes(attribute.String("update.latest", res.Latest))

	// Fetch and vet the package while the current version keeps running
	path, err := m.fetch(ctx, pluginID, res.Release)
	if err != nil {
		return nil, err
	}
	if _, err := m.vet(ctx, e, path); err != nil {
		return nil, err
	}

	wasActive := state == StateLoaded || state == StateRunning
	if wasActive {
		if err := m.unload(ctx, e, fmt.Sprintf("updating to %s", res.Latest)); err != nil {
			return nil, err
		}
	}
	if e.current() == StateFailed {
		if err := m.transition(e, eventReset, "retrying after failure"); err != nil {
			return nil, err
		}
	}
	if err := m.transition(e, eventUpdate, fmt.Sprintf("updating %s to %s", current, res.Latest)); err != nil {
		return nil, err
	}

	result, err := m.deps.Packages.Install(ctx, path, m.opts.InstallRoot, bpkg.InstallOptions{RemovePackage: true})
	if err != nil {
		_ = m.fail(e, fmt.Errorf("update to %s failed: %w", res.Latest, err))
		if wasActive {
			if lerr := m.load(ctx, e); lerr != nil {
				m.log.WithField("plugin", pluginID).Errorf("Failed to restore %s after failed update: %v", current, lerr)
			} else {
				m.log.WithField("plugin", pluginID).Warnf("Restored %s after failed update", current)
			}
		}
		return nil, err
	}
	for _, w := range result.Warnings {
		m.log.WithField("plugin", pluginID).Warn(w)
	}

	rec, err := m.deps.Installed.Get(ctx, pluginID)
	if err != nil {
		return nil, m.fail(e, fmt.Errorf("failed to read install record: %w", err))
	}
	rec.Version = result.Metadata.Version
	rec.Repository = res.Release.Repository
	rec.InstallPath = result.InstallPath
	rec.UpdatedAt = m.opts.Now()
	if err := m.deps.Installed.Put(ctx, rec); err != nil {
		return nil, m.fail(e, fmt.Errorf("failed to record update: %w", err))
	}

	e.mu.Lock()
	e.meta = result.Metadata
	e.repository = rec.Repository
	e.updatedAt = rec.UpdatedAt
	e.latest = ""
	e.mu.Unlock()

	if err := m.transition(e, eventUpdated, fmt.Sprintf("updated %s to %s", current, result.Metadata.Version)); err != nil {
		return nil, err
	}

	if wasActive {
		if err := m.load(ctx, e); err != nil {
			return res, err
		}
	}
	return res, nil
}

// setupSchedules registers the periodic repository sync and update check.
// The schedules start with the manager.
func (m *Manager) setupSchedules() error {
	if m.deps.Repositories == nil || (m.opts.SyncSchedule == "" && m.opts.UpdateSchedule == "") {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(m.log))))
	if spec := m.opts.SyncSchedule; spec != "" {
		if _, err := c.AddFunc(spec, m.syncRepositories); err != nil {
			return plugins.Wrap(plugins.ValidationFailure, "schedule", err, "invalid sync schedule %q", spec)
		}
	}
	if spec := m.opts.UpdateSchedule; spec != "" {
		if _, err := c.AddFunc(spec, m.scheduledUpdateCheck); err != nil {
			return plugins.Wrap(plugins.ValidationFailure, "schedule", err, "invalid update schedule %q", spec)
		}
	}
	m.cron = c
	return nil
}

func (m *Manager) syncRepositories() {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.OperationTimeout)
	defer cancel()

	synced := 0
	for _, r := range m.deps.Repositories.SyncAll(ctx, true) {
		if r.Err != nil {
			m.log.WithField("repository", r.ID).Warnf("Scheduled sync failed: %v", r.Err)
			continue
		}
		synced++
	}
	m.log.Debugf("Scheduled sync refreshed %d repositories", synced)
}

func (m *Manager) scheduledUpdateCheck() {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.OperationTimeout)
	defer cancel()

	if _, err := m.CheckUpdates(ctx); err != nil {
		m.log.Warnf("Scheduled update check failed: %v", err)
	}
}
