package bpkg

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/checksum"
	"github.com/platinummonkey/berth/pkg/plugins"
)

// CreateOptions tune package creation
type CreateOptions struct {
	// OutputPath is the package file to write; defaults to
	// <parent of sourceDir>/<id>-<version>.bpkg
	OutputPath string
	// Signer, when set, signs the package
	Signer *Signer
	// Install and uninstall hooks embedded in the manifest
	PreInstall    []Step
	PostInstall   []Step
	PreUninstall  []Step
	PostUninstall []Step
}

// Create packages every regular file under sourceDir together with meta
// into a .bpkg archive and returns the package path.
func (e *Engine) Create(ctx context.Context, sourceDir string, meta plugins.Metadata, opts CreateOptions) (string, error) {
	ctx, span := bpkgTracer.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("plugin.id", meta.ID),
			attribute.String("plugin.version", meta.Version),
		),
	)
	defer span.End()

	if problems := plugins.ValidateMetadata(&meta); plugins.HasErrors(problems) {
		err := plugins.Errorf(plugins.ValidationFailure, "create package", "invalid metadata: %v", problems).WithID(meta.ID)
		span.SetStatus(codes.Error, "invalid metadata")
		return "", err
	}

	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return "", plugins.Errorf(plugins.NotFound, "create package", "source directory %s not found", sourceDir)
	}

	files, entries, err := collectFiles(sourceDir)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if len(files) == 0 {
		return "", plugins.Errorf(plugins.ValidationFailure, "create package", "source directory %s contains no files", sourceDir)
	}

	sum, size := ContentDigest(files)
	meta.Checksum = sum
	meta.Size = size

	host, _ := os.Hostname()
	manifest := &Manifest{
		FormatVersion: FormatVersion,
		Metadata:      meta,
		Files:         files,
		Checksum:      sum,
		Size:          size,
		Build: BuildInfo{
			Tool:        "berth",
			ToolVersion: e.opts.ToolVersion,
			BuiltAt:     e.opts.Now().UTC(),
			Host:        fmt.Sprintf("%s/%s %s", runtime.GOOS, runtime.GOARCH, host),
		},
		PreInstall:    opts.PreInstall,
		PostInstall:   opts.PostInstall,
		PreUninstall:  opts.PreUninstall,
		PostUninstall: opts.PostUninstall,
	}

	if opts.Signer != nil {
		sig, err := opts.Signer.Sign(manifest, e.opts.Now())
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		manifest.Signature = sig
	}

	stageDir, err := os.MkdirTemp("", "berth-pack-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	manifestPath := filepath.Join(stageDir, ManifestName)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return "", err
	}
	entries[manifestPath] = ManifestName

	outPath := opts.OutputPath
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(filepath.Clean(sourceDir)), fmt.Sprintf("%s-%s%s", meta.ID, meta.Version, Extension))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create package file: %w", err)
	}
	if err := writeArchive(ctx, out, entries); err != nil {
		out.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close package file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize package: %w", err)
	}

	e.log.Infof("Created package %s (%d files, %d bytes, %s)", outPath, len(files), size, sum)
	span.SetAttributes(attribute.Int("package.files", len(files)))
	return outPath, nil
}

// collectFiles digests every regular file below dir. The second result maps
// disk paths to archive names.
func collectFiles(dir string) ([]FileEntry, map[string]string, error) {
	var files []FileEntry
	entries := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == ManifestName {
			return nil
		}

		sum, size, err := checksum.File(path, checksum.SHA256)
		if err != nil {
			return err
		}

		files = append(files, FileEntry{
			Path:      name,
			Size:      size,
			Checksum:  sum,
			Algorithm: checksum.SHA256,
		})
		entries[path] = name
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk source directory: %w", err)
	}

	return files, entries, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
