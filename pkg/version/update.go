package version

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/plugins"
)

var updateTracer = otel.Tracer("berth/version/update")

// Release is one published version of a plugin in some repository
type Release struct {
	PluginID     string    `json:"pluginId"`
	Version      string    `json:"version"`
	HostRange    string    `json:"hostRange,omitempty"`
	Prerelease   bool      `json:"prerelease,omitempty"`
	DownloadURL  string    `json:"downloadUrl"`
	Checksum     string    `json:"checksum,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ReleaseNotes string    `json:"releaseNotes,omitempty"`
	Repository   string    `json:"repository,omitempty"`
	PublishedAt  time.Time `json:"publishedAt,omitempty"`
}

// Source supplies the releases published for a plugin
type Source interface {
	Versions(ctx context.Context, pluginID string) ([]Release, error)
}

// UpdateOptions tune update resolution
type UpdateOptions struct {
	IncludePrerelease bool
}

// UpdateResult describes the outcome of an update check
type UpdateResult struct {
	PluginID  string   `json:"pluginId"`
	Current   string   `json:"current"`
	Latest    string   `json:"latest,omitempty"`
	Available bool     `json:"available"`
	Release   *Release `json:"release,omitempty"`
}

// CheckForUpdate fetches the releases of a plugin, keeps those compatible
// with the host (and stable unless prereleases are included), and reports
// an update when the best candidate is strictly newer than current.
func CheckForUpdate(ctx context.Context, src Source, pluginID, current, hostVersion string, opts UpdateOptions) (*UpdateResult, error) {
	ctx, span := updateTracer.Start(ctx, "CheckForUpdate",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("plugin.version", current),
			attribute.String("host.version", hostVersion),
		),
	)
	defer span.End()

	cur, err := Parse(current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid current version")
		return nil, err
	}

	releases, err := src.Versions(ctx, pluginID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch versions")
		return nil, err
	}

	result := &UpdateResult{PluginID: pluginID, Current: current}

	best, err := SelectRelease(releases, Any, hostVersion, opts.IncludePrerelease)
	if err != nil {
		if plugins.IsNotFound(err) {
			return result, nil
		}
		span.RecordError(err)
		return nil, err
	}

	result.Latest = best.Version
	if MustParse(best.Version).GreaterThan(cur) {
		result.Available = true
		result.Release = best
	}

	span.SetAttributes(
		attribute.String("update.latest", result.Latest),
		attribute.Bool("update.available", result.Available),
	)
	return result, nil
}

// SelectRelease picks the highest release inside constraint that the host
// can run. Releases with unparseable versions or host ranges are skipped.
func SelectRelease(releases []Release, constraint Range, hostVersion string, includePrerelease bool) (*Release, error) {
	var host *semver.Version
	if hostVersion != "" {
		h, err := Parse(hostVersion)
		if err != nil {
			return nil, err
		}
		host = h
	}

	var (
		best    *Release
		bestVer *semver.Version
	)
	for i := range releases {
		rel := &releases[i]
		v, err := semver.NewVersion(rel.Version)
		if err != nil {
			continue
		}
		if !includePrerelease && (rel.Prerelease || v.Prerelease() != "") {
			continue
		}
		if !constraint.Contains(v) {
			continue
		}
		if host != nil && rel.HostRange != "" {
			hr, err := ParseRange(rel.HostRange)
			if err != nil || !hr.Contains(host) {
				continue
			}
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = rel, v
		}
	}

	if best == nil {
		return nil, plugins.Errorf(plugins.NotFound, "select release", "no release matches %s", constraint)
	}
	out := *best
	return &out, nil
}
