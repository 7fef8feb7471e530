package bpkg

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/plugins"
)

func TestCreateAndParse(t *testing.T) {
	e := NewEngine(Options{ToolVersion: "1.2.3"}, quietLogger())
	path := buildPackage(t, e, testMetadata("hello", "1.0.0"), CreateOptions{})

	pkg, err := e.Parse(context.Background(), path)
	require.NoError(t, err)

	m := pkg.Manifest
	assert.Equal(t, FormatVersion, m.FormatVersion)
	assert.Equal(t, "hello", m.Metadata.ID)
	assert.Equal(t, "1.0.0", m.Metadata.Version)
	assert.Equal(t, "1.2.3", m.Build.ToolVersion)
	assert.Len(t, m.Files, 3)
	assert.NotEmpty(t, m.Checksum)
	assert.Equal(t, m.Checksum, m.Metadata.Checksum)
	assert.Equal(t, int64(len("registerPlugin(function () { return {}; });")+len("module.exports = {};")+len("berth")), m.Size)
	assert.Nil(t, m.Signature)

	require.NoError(t, e.VerifyIntegrity(context.Background(), path, pkg))
}

func TestCreateDefaultOutputPath(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	src := defaultSource(t)

	path, err := e.Create(context.Background(), src, testMetadata("hello", "2.0.0"), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(src), "hello-2.0.0.bpkg"), path)
	assert.FileExists(t, path)
}

func TestCreateRejectsInvalidMetadata(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	meta := testMetadata("hello", "not-a-version")

	_, err := e.Create(context.Background(), defaultSource(t), meta, CreateOptions{})
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestCreateEmptySource(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	src := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(src, 0755))

	_, err := e.Create(context.Background(), src, testMetadata("hello", "1.0.0"), CreateOptions{})
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestCreateIsDeterministicInContent(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	meta := testMetadata("hello", "1.0.0")

	a, err := e.Parse(context.Background(), buildPackage(t, e, meta, CreateOptions{}))
	require.NoError(t, err)
	b, err := e.Parse(context.Background(), buildPackage(t, e, meta, CreateOptions{}))
	require.NoError(t, err)

	assert.Equal(t, a.Manifest.Checksum, b.Manifest.Checksum)
	assert.Equal(t, a.Manifest.Size, b.Manifest.Size)
}

func TestParseMissingFile(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	_, err := e.Parse(context.Background(), filepath.Join(t.TempDir(), "nope.bpkg"))
	require.Error(t, err)
	assert.True(t, plugins.IsNotFound(err))
}

func TestParseNotAnArchive(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	path := filepath.Join(t.TempDir(), "junk.bpkg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0644))

	_, err := e.Parse(context.Background(), path)
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestParseMissingManifest(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	src := writeSource(t, map[string]string{"main.js": "x"})
	path := filepath.Join(t.TempDir(), "nomanifest.bpkg")

	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeArchive(context.Background(), out, map[string]string{filepath.Join(src, "main.js"): "main.js"}))
	require.NoError(t, out.Close())

	_, err = e.Parse(context.Background(), path)
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
	assert.True(t, errors.Is(err, ErrManifestMissing))
}

// repack rewrites a package with the given manifest and file overrides
func repack(t *testing.T, e *Engine, original string, mutate func(m *Manifest), overrides map[string]string) string {
	t.Helper()
	pkg, err := e.Parse(context.Background(), original)
	require.NoError(t, err)
	m := pkg.Manifest
	if mutate != nil {
		mutate(m)
	}

	dir := t.TempDir()
	entries := make(map[string]string)
	for _, f := range m.Files {
		content, ok := overrides[f.Path]
		if !ok {
			content = "unchanged"
		}
		p := filepath.Join(dir, "files", filepath.FromSlash(f.Path))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		entries[p] = f.Path
	}
	for name, content := range overrides {
		p := filepath.Join(dir, "files", filepath.FromSlash(name))
		if _, ok := entries[p]; ok {
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		entries[p] = name
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	manifestPath := filepath.Join(dir, ManifestName)
	require.NoError(t, os.WriteFile(manifestPath, data, 0644))
	entries[manifestPath] = ManifestName

	out := filepath.Join(dir, "repacked.bpkg")
	f, err := os.Create(out)
	require.NoError(t, err)
	require.NoError(t, writeArchive(context.Background(), f, entries))
	require.NoError(t, f.Close())
	return out
}

func TestVerifyIntegrityDetectsTamperedFile(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	original := buildPackage(t, e, testMetadata("hello", "1.0.0"), CreateOptions{})

	tampered := repack(t, e, original, nil, map[string]string{
		"main.js":         "registerPlugin(function () { return {evil: true}; });",
		"lib/util.js":     "module.exports = {};",
		"assets/logo.txt": "berth",
	})

	_, err := e.Verify(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, plugins.IsIntegrityFailure(err))
	assert.Contains(t, err.Error(), "main.js")
}

func TestVerifyIntegrityDetectsUnlistedEntry(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	original := buildPackage(t, e, testMetadata("hello", "1.0.0"), CreateOptions{})

	tampered := repack(t, e, original, nil, map[string]string{
		"main.js":         "registerPlugin(function () { return {}; });",
		"lib/util.js":     "module.exports = {};",
		"assets/logo.txt": "berth",
		"extra.js":        "smuggled",
	})

	_, err := e.Verify(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, plugins.IsIntegrityFailure(err))
	assert.Contains(t, err.Error(), "extra.js")
}

func TestVerifyIntegrityDetectsPackageChecksumMismatch(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	original := buildPackage(t, e, testMetadata("hello", "1.0.0"), CreateOptions{})

	tampered := repack(t, e, original, func(m *Manifest) {
		m.Checksum = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	}, map[string]string{
		"main.js":         "registerPlugin(function () { return {}; });",
		"lib/util.js":     "module.exports = {};",
		"assets/logo.txt": "berth",
	})

	_, err := e.Verify(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, plugins.IsIntegrityFailure(err))
	assert.Contains(t, err.Error(), "package checksum mismatch")
}

func TestVerifyRejectsTraversalPaths(t *testing.T) {
	e := NewEngine(Options{}, quietLogger())
	original := buildPackage(t, e, testMetadata("hello", "1.0.0"), CreateOptions{})

	pkg, err := e.Parse(context.Background(), original)
	require.NoError(t, err)
	pkg.Manifest.Files[0].Path = "../../etc/passwd"

	err = e.VerifyIntegrity(context.Background(), original, pkg)
	require.Error(t, err)
	assert.True(t, plugins.IsIntegrityFailure(err))
}
