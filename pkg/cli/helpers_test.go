package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/repository"
)

const testPlugin = "com.example.hello"

const pluginScript = `registerPlugin(function () {
	return {
		start: function () {},
		stop: function () {}
	};
});
`

// lockedBuffer is written by background loggers
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// workspace switches into an empty directory so default paths land there
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// run executes one command line and returns its stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr lockedBuffer
	err := Execute(context.Background(), "test", append([]string{"--config", writeConfig(t)}, args...), &stdout, &stderr)
	return stdout.String(), err
}

// writeConfig writes a quiet configuration into the working directory
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(".", "berth.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\ndownload:\n  maxRetries: 0\n"), 0644))
	return path
}

// pluginSource writes a plugin directory with its descriptor
func pluginSource(t *testing.T, id, version string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id+"-src")
	require.NoError(t, os.MkdirAll(dir, 0755))
	desc := fmt.Sprintf(`id: %s
name: Hello
version: %s
description: test plugin
author: berth
runtime: js
entry: main.js
postInstall:
  - action: mkdir
    path: data
`, id, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(desc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(pluginScript), 0644))
	return dir
}

// packPlugin builds a package and returns its path
func packPlugin(t *testing.T, id, version string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), fmt.Sprintf("%s-%s.bpkg", id, version))
	_, err := run(t, "pack", pluginSource(t, id, version), "-o", out)
	require.NoError(t, err)
	return out
}

// catalogDir writes a file repository listing plugins
func catalogDir(t *testing.T, ps ...repository.Plugin) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(repository.Manifest{FormatVersion: "1", Plugins: ps})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, repository.ManifestFile), data, 0644))
	return dir
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}
