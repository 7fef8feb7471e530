package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/loader"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/storage"
	"github.com/platinummonkey/berth/pkg/version"
)

const (
	testHost   = "1.5.0"
	testPlugin = "com.example.hello"
)

const pluginScript = `const berth = require("berth");
const VERSION = "%s";

registerPlugin(function () {
	return {
		id: berth.pluginId,
		start: function () { berth.log.info("start " + VERSION); },
		stop: function () { berth.log.info("stop " + VERSION); }
	};
});
`

const failingScript = `registerPlugin(function () {
	return {
		start: function () { throw new Error("boom"); }
	};
});
`

// fakeCatalog serves releases from memory
type fakeCatalog struct {
	mu       sync.Mutex
	releases map[string][]version.Release
	syncs    int
}

func (c *fakeCatalog) Versions(_ context.Context, pluginID string) ([]version.Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rels, ok := c.releases[pluginID]
	if !ok {
		return nil, plugins.Errorf(plugins.NotFound, "versions", "plugin not found").WithID(pluginID)
	}
	return append([]version.Release(nil), rels...), nil
}

func (c *fakeCatalog) SyncAll(_ context.Context, _ bool) []repository.SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	return []repository.SyncResult{{ID: "main", Plugins: len(c.releases)}}
}

func (c *fakeCatalog) add(rel version.Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases[rel.PluginID] = append(c.releases[rel.PluginID], rel)
}

func (c *fakeCatalog) syncCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

type harness struct {
	t         *testing.T
	dir       string
	root      string
	log       *logrus.Logger
	hook      *test.Hook
	packages  *bpkg.Engine
	loader    *loader.Loader
	store     *storage.SQLiteStore
	configs   *storage.PluginConfigs
	catalog   *fakeCatalog
	downloads *download.Engine
	server    *httptest.Server

	mu    sync.Mutex
	files map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	dir := t.TempDir()
	h := &harness{
		t:        t,
		dir:      dir,
		root:     filepath.Join(dir, "plugins"),
		log:      log,
		hook:     hook,
		packages: bpkg.NewEngine(bpkg.Options{}, log),
		loader:   loader.New(loader.Options{HostVersion: testHost}, log),
		catalog:  &fakeCatalog{releases: make(map[string][]version.Release)},
		files:    make(map[string]string),
	}

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		path, ok := h.files[r.URL.Path]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, path)
	}))
	t.Cleanup(h.server.Close)

	var err error
	h.store, err = storage.OpenSQLite(context.Background(), storage.Config{
		DataDir:      filepath.Join(dir, "data"),
		BusyTimeout:  time.Second,
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })

	h.configs, err = storage.NewPluginConfigs(filepath.Join(dir, "config", "plugins"))
	require.NoError(t, err)

	h.downloads, err = download.NewEngine(download.Options{
		TempDir:    filepath.Join(dir, "downloads"),
		MaxRetries: -1,
		Client:     http.DefaultClient,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { h.downloads.Close() })

	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Packages:     h.packages,
		Loader:       h.loader,
		Installed:    h.store,
		Configs:      h.configs,
		Repositories: h.catalog,
		Downloads:    h.downloads,
	}
}

func (h *harness) options() Options {
	return Options{
		InstallRoot: h.root,
		PackageDir:  filepath.Join(h.dir, "packages"),
		HostVersion: testHost,
	}
}

func (h *harness) manager(opts Options) *Manager {
	h.t.Helper()
	m, err := NewManager(opts, h.deps(), h.log)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func testMetadata(id, v string) plugins.Metadata {
	return plugins.Metadata{
		ID:          id,
		Name:        "Test " + id,
		Version:     v,
		Description: "test plugin",
		Author:      "berth",
		Runtime:     plugins.RuntimeJS,
		Entry:       "main.js",
	}
}

// pack builds a package for meta whose entry is script
func (h *harness) pack(meta plugins.Metadata, script string, opts bpkg.CreateOptions) string {
	h.t.Helper()

	src := filepath.Join(h.t.TempDir(), "src")
	require.NoError(h.t, os.MkdirAll(src, 0755))
	require.NoError(h.t, os.WriteFile(filepath.Join(src, "main.js"), []byte(script), 0644))

	opts.OutputPath = filepath.Join(h.t.TempDir(), fmt.Sprintf("%s-%s.bpkg", meta.ID, meta.Version))
	path, err := h.packages.Create(context.Background(), src, meta, opts)
	require.NoError(h.t, err)
	return path
}

// packVersion builds the standard test plugin at v
func (h *harness) packVersion(id, v string) string {
	return h.pack(testMetadata(id, v), fmt.Sprintf(pluginScript, v), bpkg.CreateOptions{})
}

// publish serves path over HTTP and lists it in the catalog
func (h *harness) publish(id, v, path string) {
	h.t.Helper()

	info, err := os.Stat(path)
	require.NoError(h.t, err)

	urlPath := "/" + filepath.Base(path)
	h.mu.Lock()
	h.files[urlPath] = path
	h.mu.Unlock()

	h.catalog.add(version.Release{
		PluginID:    id,
		Version:     v,
		DownloadURL: h.server.URL + urlPath,
		Size:        info.Size(),
		Repository:  "main",
	})
}

func (h *harness) publishVersion(id, v string) {
	h.publish(id, v, h.packVersion(id, v))
}

func (h *harness) logged(msg string) int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

// drain collects the events already buffered on ch
func drain(ch <-chan StatusChanged) []StatusChanged {
	var out []StatusChanged
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func states(evs []StatusChanged, pluginID string) []State {
	var out []State
	for _, ev := range evs {
		if ev.PluginID == pluginID {
			out = append(out, ev.New)
		}
	}
	return out
}

func hasMessage(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}

func versionRelease(id, v, url string) version.Release {
	return version.Release{PluginID: id, Version: v, DownloadURL: url, Repository: "main"}
}
