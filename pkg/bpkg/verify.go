package bpkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/platinummonkey/berth/pkg/checksum"
	"github.com/platinummonkey/berth/pkg/plugins"
)

// ErrManifestMissing is returned when a package has no manifest entry
var ErrManifestMissing = errors.New("package manifest missing")

// maxManifestSize bounds how much of a manifest entry is read
const maxManifestSize = 8 << 20

// Parse reads the manifest of a package. Unknown manifest fields are ignored.
func (e *Engine) Parse(ctx context.Context, path string) (*Package, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, plugins.Wrap(plugins.NotFound, "parse package", err, "")
	}

	var (
		manifest *Manifest
		parseErr error
	)
	err := walkArchive(ctx, path, func(name string, size int64, open func() (io.ReadCloser, error)) error {
		if name != ManifestName || manifest != nil {
			return nil
		}
		rc, err := open()
		if err != nil {
			return fmt.Errorf("failed to open manifest: %w", err)
		}
		defer rc.Close()

		var m Manifest
		if err := json.NewDecoder(io.LimitReader(rc, maxManifestSize)).Decode(&m); err != nil {
			parseErr = err
			return nil
		}
		manifest = &m
		return nil
	})
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "parse package", err, "unreadable archive %s", path)
	}
	if parseErr != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "parse package", parseErr, "malformed manifest")
	}
	if manifest == nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "parse package", ErrManifestMissing, "%s", path)
	}
	if manifest.Metadata.ID == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, "parse package", "manifest has no plugin id")
	}
	if manifest.FormatVersion > FormatVersion {
		e.log.Warnf("Package %s uses manifest format %d, newer than supported %d", path, manifest.FormatVersion, FormatVersion)
	}

	return &Package{Path: path, Manifest: manifest}, nil
}

type entryDigest struct {
	checksum string
	size     int64
}

// VerifyIntegrity checks every archive entry against the manifest file list
// and the package checksum and size against the manifest values.
func (e *Engine) VerifyIntegrity(ctx context.Context, path string, pkg *Package) error {
	const op = "verify integrity"
	m := pkg.Manifest
	id := m.Metadata.ID

	listed := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		if _, err := resolveInside("/", f.Path); err != nil {
			return plugins.Errorf(plugins.IntegrityFailure, op, "unsafe file path %q", f.Path).WithID(id)
		}
		listed[normalizeEntryName(f.Path)] = f
	}

	actual := make(map[string]entryDigest, len(m.Files))
	err := walkArchive(ctx, path, func(name string, size int64, open func() (io.ReadCloser, error)) error {
		if name == ManifestName {
			return nil
		}
		entry, ok := listed[name]
		if !ok {
			return plugins.Errorf(plugins.IntegrityFailure, op, "archive entry %s is not listed in the manifest", name).WithID(id)
		}

		rc, err := open()
		if err != nil {
			return fmt.Errorf("failed to open entry %s: %w", name, err)
		}
		defer rc.Close()

		alg := entry.Algorithm
		if alg == "" {
			alg, _ = checksum.Split(entry.Checksum)
		}
		sum, n, err := checksum.Reader(rc, alg)
		if err != nil {
			return err
		}
		actual[name] = entryDigest{checksum: sum, size: n}
		return nil
	})
	if err != nil {
		if plugins.KindOf(err) != "" {
			return err
		}
		return plugins.Wrap(plugins.IntegrityFailure, op, err, "unreadable archive").WithID(id)
	}

	names := make([]string, 0, len(listed))
	for name := range listed {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]FileEntry, 0, len(names))
	for _, name := range names {
		want := listed[name]
		got, ok := actual[name]
		if !ok {
			return plugins.Errorf(plugins.IntegrityFailure, op, "file %s listed in the manifest is missing from the archive", name).WithID(id)
		}
		if got.size != want.Size {
			return plugins.Errorf(plugins.IntegrityFailure, op, "size mismatch for %s: manifest %d, archive %d", name, want.Size, got.size).WithID(id)
		}
		if !checksum.Equal(got.checksum, want.Checksum) {
			return plugins.Errorf(plugins.IntegrityFailure, op, "checksum mismatch for %s: manifest %s, archive %s", name, want.Checksum, got.checksum).WithID(id)
		}
		entries = append(entries, FileEntry{Path: want.Path, Size: got.size, Checksum: got.checksum})
	}

	if m.Checksum != "" || m.Size != 0 {
		sum, size := ContentDigest(entries)
		if m.Checksum != "" && !checksum.Equal(sum, m.Checksum) {
			return plugins.Errorf(plugins.IntegrityFailure, op, "package checksum mismatch: manifest %s, content %s", m.Checksum, sum).WithID(id)
		}
		if m.Size != 0 && size != m.Size {
			return plugins.Errorf(plugins.IntegrityFailure, op, "package size mismatch: manifest %d, content %d", m.Size, size).WithID(id)
		}
	}

	return nil
}

// VerifySignature checks the package signature using the engine's roots
func (e *Engine) VerifySignature(pkg *Package) error {
	return VerifySignature(pkg.Manifest, VerifyOptions{Roots: e.opts.Roots, Now: e.opts.Now()})
}

// Verify parses a package and runs integrity and, when signed or required,
// signature verification.
func (e *Engine) Verify(ctx context.Context, path string) (*Package, error) {
	pkg, err := e.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := e.VerifyIntegrity(ctx, path, pkg); err != nil {
		return pkg, err
	}
	if pkg.Manifest.Signature != nil || e.opts.RequireSignatures {
		if err := e.VerifySignature(pkg); err != nil {
			return pkg, err
		}
	}
	return pkg, nil
}
