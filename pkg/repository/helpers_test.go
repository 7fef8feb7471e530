package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func testPlugin(id, name string) Plugin {
	return Plugin{
		ID:          id,
		Name:        name,
		Description: "the " + name + " plugin",
		Author:      "berth",
		Versions: []Version{
			{Version: "1.0.0", DownloadURL: "https://example.com/" + id + "-1.0.0.bpkg", Checksum: "sha256:aa"},
		},
	}
}

func manifestJSON(t *testing.T, ps ...Plugin) []byte {
	t.Helper()
	data, err := json.Marshal(Manifest{
		FormatVersion: "1",
		Repository:    RepositoryInfo{Name: "test"},
		Plugins:       ps,
	})
	require.NoError(t, err)
	return data
}

func writeManifest(t *testing.T, dir string, ps ...Plugin) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), manifestJSON(t, ps...), 0644))
}

// stubSource serves a fixed document, or an error, and counts fetches
type stubSource struct {
	mu      sync.Mutex
	data    []byte
	err     error
	fetches atomic.Int32
}

func (s *stubSource) Fetch(ctx context.Context) ([]byte, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func (s *stubSource) Location() string { return "stub" }

func (s *stubSource) set(data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data, s.err = data, err
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
