package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/version"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakePlugins is an in-memory PluginManager
type fakePlugins struct {
	mu       sync.Mutex
	statuses map[string]*lifecycle.Status
	calls    []string
	err      error
	updates  []version.UpdateResult
	events   chan lifecycle.StatusChanged
	async    chan lifecycle.AsyncResult
}

func newFakePlugins() *fakePlugins {
	return &fakePlugins{
		statuses: make(map[string]*lifecycle.Status),
		events:   make(chan lifecycle.StatusChanged, 8),
		async:    make(chan lifecycle.AsyncResult, 1),
	}
}

func (f *fakePlugins) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakePlugins) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlugins) setState(id string, state lifecycle.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		st = &lifecycle.Status{ID: id, Version: "1.0.0", Enabled: true}
		f.statuses[id] = st
	}
	st.State = state
}

func (f *fakePlugins) List() []lifecycle.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lifecycle.Status
	for _, st := range f.statuses {
		out = append(out, *st)
	}
	return out
}

func (f *fakePlugins) Status(id string) (*lifecycle.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return nil, plugins.Errorf(plugins.NotFound, "status", "plugin is not installed").WithID(id)
	}
	cp := *st
	return &cp, nil
}

func (f *fakePlugins) Install(_ context.Context, id, versionRange string) (*lifecycle.Status, error) {
	if err := f.record("install " + id + " " + versionRange); err != nil {
		return nil, err
	}
	f.setState(id, lifecycle.StateInstalled)
	return f.Status(id)
}

func (f *fakePlugins) InstallAsync(id, versionRange string) <-chan lifecycle.AsyncResult {
	f.record("install-async " + id + " " + versionRange)
	return f.async
}

func (f *fakePlugins) Uninstall(_ context.Context, id string) error {
	if err := f.record("uninstall " + id); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.statuses, id)
	f.mu.Unlock()
	return nil
}

func (f *fakePlugins) transition(call, id string, state lifecycle.State) error {
	if err := f.record(call + " " + id); err != nil {
		return err
	}
	if _, err := f.Status(id); err != nil {
		return err
	}
	f.setState(id, state)
	return nil
}

func (f *fakePlugins) Load(_ context.Context, id string) error {
	return f.transition("load", id, lifecycle.StateRunning)
}

func (f *fakePlugins) Unload(_ context.Context, id string) error {
	return f.transition("unload", id, lifecycle.StateInstalled)
}

func (f *fakePlugins) Reload(_ context.Context, id string) error {
	return f.transition("reload", id, lifecycle.StateRunning)
}

func (f *fakePlugins) Enable(_ context.Context, id string) error {
	return f.transition("enable", id, lifecycle.StateInstalled)
}

func (f *fakePlugins) Disable(_ context.Context, id string) error {
	return f.transition("disable", id, lifecycle.StateDisabled)
}

func (f *fakePlugins) CheckUpdates(context.Context) ([]version.UpdateResult, error) {
	if err := f.record("check-updates"); err != nil {
		return nil, err
	}
	return f.updates, nil
}

func (f *fakePlugins) Update(_ context.Context, id string) (*version.UpdateResult, error) {
	if err := f.record("update " + id); err != nil {
		return nil, err
	}
	return &version.UpdateResult{PluginID: id, Current: "1.0.0", Latest: "1.1.0", Available: true}, nil
}

func (f *fakePlugins) Subscribe(int) (<-chan lifecycle.StatusChanged, func()) {
	return f.events, func() {}
}

func catalogPlugin(id string, rating float64, tags ...string) repository.Plugin {
	return repository.Plugin{
		ID:          id,
		Name:        strings.ToUpper(id[:1]) + id[1:],
		Description: "the " + id + " plugin",
		Author:      "berth",
		Tags:        tags,
		Rating:      rating,
		Versions: []repository.Version{
			{Version: "1.0.0", DownloadURL: "https://example.com/" + id + ".bpkg"},
		},
	}
}

// repoDir writes a repository manifest and returns its directory
func repoDir(t *testing.T, ps ...repository.Plugin) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(repository.Manifest{FormatVersion: "1", Plugins: ps})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, repository.ManifestFile), data, 0644))
	return dir
}

func newRepositories(t *testing.T) *repository.Manager {
	t.Helper()
	m, err := repository.NewManager(context.Background(), repository.ManagerOptions{ConfigDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	return m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
