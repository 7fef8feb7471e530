package bpkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/checksum"
	"github.com/platinummonkey/berth/pkg/plugins"
)

// ErrNotInstalled is returned when uninstalling a plugin with no install directory
var ErrNotInstalled = errors.New("plugin not installed")

// InstallOptions tune a single install
type InstallOptions struct {
	// RemovePackage deletes the package file after a successful install
	RemovePackage bool
}

// Install verifies a package and expands it into <installRoot>/<id>. The
// previous install of the same plugin, if any, is replaced atomically and
// restored when promotion fails. Nothing is left in the install root when
// verification, a required pre-install step or extraction fails.
func (e *Engine) Install(ctx context.Context, packagePath, installRoot string, opts InstallOptions) (*InstallResult, error) {
	ctx, span := bpkgTracer.Start(ctx, "Install",
		trace.WithAttributes(attribute.String("package.path", packagePath)),
	)
	defer span.End()

	result, err := e.install(ctx, packagePath, installRoot, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("plugin.id", result.Metadata.ID),
		attribute.String("plugin.version", result.Metadata.Version),
		attribute.Int("package.files", result.Files),
	)
	return result, nil
}

func (e *Engine) install(ctx context.Context, packagePath, installRoot string, opts InstallOptions) (*InstallResult, error) {
	const op = "install"

	pkg, err := e.Verify(ctx, packagePath)
	if err != nil {
		return nil, err
	}
	m := pkg.Manifest
	id := m.Metadata.ID

	if filepath.Base(id) != id || id == "." || id == ".." {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "invalid plugin id %q", id)
	}

	if err := os.MkdirAll(installRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install root: %w", err)
	}

	staging, err := os.MkdirTemp(installRoot, ".staging-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(staging)
		}
	}()

	result := &InstallResult{Metadata: m.Metadata}

	warnings, err := e.steps.Run(ctx, "pre-install", staging, m.PreInstall, e.log)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, err, "").WithID(id)
	}

	n, err := e.extract(ctx, pkg, staging)
	if err != nil {
		return nil, err
	}
	result.Files = n

	if err := writeManifest(filepath.Join(staging, ManifestName), m); err != nil {
		return nil, err
	}

	target := filepath.Join(installRoot, id)
	previous, err := promote(staging, target)
	if err != nil {
		return nil, plugins.Wrap(plugins.StateConflict, op, err, "failed to promote install").WithID(id)
	}
	promoted = true
	result.InstallPath = target
	result.PreviousVersion = previous

	warnings, err = e.steps.Run(ctx, "post-install", target, m.PostInstall, e.log)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		msg := fmt.Sprintf("post-install failed: %v", err)
		e.log.Warnf("Plugin %s: %s", id, msg)
		result.Warnings = append(result.Warnings, msg)
	}

	if opts.RemovePackage {
		if err := os.Remove(packagePath); err != nil && !os.IsNotExist(err) {
			e.log.Warnf("Failed to remove package %s: %v", packagePath, err)
		}
	}

	if previous != "" {
		e.log.Infof("Updated plugin %s from %s to %s", id, previous, m.Metadata.Version)
	} else {
		e.log.Infof("Installed plugin %s %s into %s", id, m.Metadata.Version, target)
	}
	return result, nil
}

// extract writes every listed file into dir, re-verifying each one
func (e *Engine) extract(ctx context.Context, pkg *Package, dir string) (int, error) {
	const op = "extract"
	id := pkg.Manifest.Metadata.ID

	listed := make(map[string]FileEntry, len(pkg.Manifest.Files))
	for _, f := range pkg.Manifest.Files {
		listed[normalizeEntryName(f.Path)] = f
	}

	written := 0
	err := walkArchive(ctx, pkg.Path, func(name string, size int64, open func() (io.ReadCloser, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := listed[name]
		if !ok {
			return nil
		}

		dest, err := resolveInside(dir, entry.Path)
		if err != nil {
			return plugins.Errorf(plugins.IntegrityFailure, op, "%v", err).WithID(id)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", entry.Path, err)
		}

		rc, err := open()
		if err != nil {
			return fmt.Errorf("failed to open entry %s: %w", name, err)
		}
		defer rc.Close()

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", entry.Path, err)
		}

		alg := entry.Algorithm
		if alg == "" {
			alg, _ = checksum.Split(entry.Checksum)
		}
		h, err := checksum.New(alg)
		if err != nil {
			out.Close()
			return err
		}
		n, err := io.Copy(io.MultiWriter(out, h), rc)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", entry.Path, err)
		}

		sum := checksum.Format(alg, h.Sum(nil))
		if n != entry.Size || !checksum.Equal(sum, entry.Checksum) {
			return plugins.Errorf(plugins.IntegrityFailure, op, "extracted %s does not match manifest (%s, %d bytes)", entry.Path, sum, n).WithID(id)
		}

		delete(listed, name)
		written++
		return nil
	})
	if err != nil {
		if plugins.KindOf(err) != "" {
			return 0, err
		}
		return 0, plugins.Wrap(plugins.IntegrityFailure, op, err, "").WithID(id)
	}
	for name := range listed {
		return 0, plugins.Errorf(plugins.IntegrityFailure, op, "file %s was not extracted", name).WithID(id)
	}

	return written, nil
}

// promote swaps staging into target, returning the version it replaced
func promote(staging, target string) (string, error) {
	var previous string
	backup := ""

	if _, err := os.Stat(target); err == nil {
		if old, err := readManifest(target); err == nil {
			previous = old.Metadata.Version
		} else {
			previous = "unknown"
		}
		backup = target + ".previous"
		os.RemoveAll(backup)
		if err := os.Rename(target, backup); err != nil {
			return "", fmt.Errorf("failed to move aside existing install: %w", err)
		}
	}

	if err := os.Rename(staging, target); err != nil {
		if backup != "" {
			os.Rename(backup, target)
		}
		return "", fmt.Errorf("failed to move install into place: %w", err)
	}

	if backup != "" {
		os.RemoveAll(backup)
	}
	return previous, nil
}

// Uninstall removes <installRoot>/<id>, running the package's uninstall
// hooks. Hook failures are logged and never fail the uninstall.
func (e *Engine) Uninstall(ctx context.Context, pluginID, installRoot string) error {
	const op = "uninstall"

	if filepath.Base(pluginID) != pluginID || pluginID == "" || pluginID == "." || pluginID == ".." {
		return plugins.Errorf(plugins.ValidationFailure, op, "invalid plugin id %q", pluginID)
	}

	target := filepath.Join(installRoot, pluginID)
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return plugins.Wrap(plugins.NotFound, op, ErrNotInstalled, "").WithID(pluginID)
	}

	m, err := readManifest(target)
	if err != nil {
		e.log.Warnf("Plugin %s has no readable manifest, uninstalling without hooks: %v", pluginID, err)
		m = &Manifest{}
	}

	if _, err := e.steps.Run(ctx, "pre-uninstall", target, m.PreUninstall, e.log); err != nil {
		e.log.Warnf("Plugin %s: pre-uninstall failed: %v", pluginID, err)
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove plugin directory: %w", err)
	}

	if _, err := e.steps.Run(ctx, "post-uninstall", installRoot, m.PostUninstall, e.log); err != nil {
		e.log.Warnf("Plugin %s: post-uninstall failed: %v", pluginID, err)
	}

	e.log.Infof("Uninstalled plugin %s from %s", pluginID, target)
	return nil
}

// ReadInstalled returns the manifest of an installed plugin
func (e *Engine) ReadInstalled(installRoot, pluginID string) (*Manifest, error) {
	m, err := readManifest(filepath.Join(installRoot, pluginID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, plugins.Wrap(plugins.NotFound, "read installed", ErrNotInstalled, "").WithID(pluginID)
		}
		return nil, err
	}
	return m, nil
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "read manifest", err, "malformed %s", ManifestName)
	}
	return &m, nil
}
