package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/httputil"
	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
	"github.com/platinummonkey/berth/pkg/repository"
	"github.com/platinummonkey/berth/pkg/version"
)

func TestPluginRoutes(t *testing.T) {
	fp := newFakePlugins()
	s := NewServer(fp, nil, nil, Options{}, quietLogger())

	rec := do(t, s, "POST", "/api/v1/plugins/com.example.hello/install", `{"version":"[1.0.0,2.0.0)"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[lifecycle.Status](t, rec)
	assert.Equal(t, lifecycle.StateInstalled, st.State)

	rec = do(t, s, "GET", "/api/v1/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]lifecycle.Status](t, rec), 1)

	rec = do(t, s, "POST", "/api/v1/plugins/com.example.hello/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.StateRunning, decode[lifecycle.Status](t, rec).State)

	for _, action := range []string{"reload", "unload", "disable", "enable"} {
		rec = do(t, s, "POST", "/api/v1/plugins/com.example.hello/"+action, "")
		assert.Equal(t, http.StatusOK, rec.Code, action)
	}

	rec = do(t, s, "GET", "/api/v1/plugins/com.example.hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "com.example.hello", decode[lifecycle.Status](t, rec).ID)

	rec = do(t, s, "POST", "/api/v1/plugins/com.example.hello/update", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.1.0", decode[version.UpdateResult](t, rec).Latest)

	rec = do(t, s, "DELETE", "/api/v1/plugins/com.example.hello", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, []string{
		"install com.example.hello [1.0.0,2.0.0)",
		"load com.example.hello",
		"reload com.example.hello",
		"unload com.example.hello",
		"disable com.example.hello",
		"enable com.example.hello",
		"update com.example.hello",
		"uninstall com.example.hello",
	}, fp.called())
}

func TestPluginRoutes_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown plugin", nil, "GET", "/api/v1/plugins/com.example.none", "", http.StatusNotFound},
		{"load unknown", nil, "POST", "/api/v1/plugins/com.example.none/load", "", http.StatusNotFound},
		{"malformed body", nil, "POST", "/api/v1/plugins/x/install", `{"version":`, http.StatusBadRequest},
		{"unknown field", nil, "POST", "/api/v1/plugins/x/install", `{"channel":"beta"}`, http.StatusBadRequest},
		{"state conflict", plugins.Errorf(plugins.StateConflict, "install", "already installed"), "POST", "/api/v1/plugins/x/install", `{}`, http.StatusConflict},
		{"integrity", plugins.Errorf(plugins.IntegrityFailure, "install", "checksum mismatch"), "POST", "/api/v1/plugins/x/install", `{}`, http.StatusUnprocessableEntity},
		{"transport", plugins.Errorf(plugins.TransportFailure, "download", "refused"), "POST", "/api/v1/plugins/x/update", "", http.StatusBadGateway},
		{"validation", plugins.Errorf(plugins.ValidationFailure, "install", "bad range"), "POST", "/api/v1/plugins/x/install", `{"version":"[2"}`, http.StatusBadRequest},
		{"internal", assert.AnError, "GET", "/api/v1/updates", "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePlugins()
			fp.err = tt.err
			s := NewServer(fp, nil, nil, Options{}, quietLogger())

			rec := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[httputil.ErrorResponse](t, rec).Error)
		})
	}
}

func TestInstallAsync(t *testing.T) {
	fp := newFakePlugins()
	s := NewServer(fp, nil, nil, Options{}, quietLogger())

	rec := do(t, s, "POST", "/api/v1/plugins/com.example.hello/install", `{"async":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[AsyncAccepted](t, rec)
	assert.Equal(t, "com.example.hello", body.PluginID)
	assert.Equal(t, "installing", body.Status)
	assert.Equal(t, []string{"install-async com.example.hello "}, fp.called())

	fp.async <- lifecycle.AsyncResult{Err: assert.AnError}
	waitFor(t, func() bool { return len(fp.async) == 0 })
}

func TestCheckUpdates(t *testing.T) {
	fp := newFakePlugins()
	fp.updates = []version.UpdateResult{
		{PluginID: "a", Current: "1.0.0", Latest: "1.2.0", Available: true},
		{PluginID: "b", Current: "2.0.0"},
	}
	s := NewServer(fp, nil, nil, Options{}, quietLogger())

	rec := do(t, s, "GET", "/api/v1/updates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[[]version.UpdateResult](t, rec)
	require.Len(t, results, 2)
	assert.True(t, results[0].Available)
	assert.False(t, results[1].Available)
}

func TestEventStream(t *testing.T) {
	fp := newFakePlugins()
	srv := httptest.NewServer(NewServer(fp, nil, nil, Options{}, quietLogger()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	fp.events <- lifecycle.StatusChanged{
		PluginID: "com.example.hello",
		Old:      lifecycle.StateLoaded,
		New:      lifecycle.StateRunning,
		Time:     time.Now(),
	}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: status", lines[0])
	assert.Contains(t, lines[1], `"pluginId":"com.example.hello"`)
	assert.Contains(t, lines[1], `"new":"running"`)

	close(fp.events)
}

func TestRepositoryRoutes(t *testing.T) {
	repos := newRepositories(t)
	s := NewServer(newFakePlugins(), repos, nil, Options{}, quietLogger())

	mainDir := repoDir(t, catalogPlugin("alpha", 4.5, "net"), catalogPlugin("beta", 3.0, "ui"))
	extraDir := repoDir(t, catalogPlugin("alpha", 1.0), catalogPlugin("gamma", 5.0, "net"))

	rec := do(t, s, "POST", "/api/v1/repositories", `{"id":"main","url":"`+mainDir+`","priority":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, repository.SourceFile, decode[repository.Descriptor](t, rec).Type)

	rec = do(t, s, "POST", "/api/v1/repositories", `{"id":"extra","url":"`+extraDir+`","priority":5,"token":"secret"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = do(t, s, "POST", "/api/v1/repositories", `{"id":"main","url":"`+mainDir+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, "GET", "/api/v1/repositories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	descs := decode[[]repository.Descriptor](t, rec)
	require.Len(t, descs, 2)
	assert.Equal(t, "main", descs[0].ID)

	rec = do(t, s, "POST", "/api/v1/repositories/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, res := range decode[[]SyncResult](t, rec) {
		assert.Empty(t, res.Error, res.ID)
		assert.Equal(t, 2, res.Plugins)
	}

	rec = do(t, s, "GET", "/api/v1/search?tags=net&sort=rating&desc=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[repository.Page](t, rec)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, "gamma", page.Plugins[0].ID)
	assert.Equal(t, "alpha", page.Plugins[1].ID)
	assert.Equal(t, "main", page.Plugins[1].Repository, "duplicate ids come from the lower priority number")

	rec = do(t, s, "GET", "/api/v1/search?minRating=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/api/v1/search?pageSize=9223372036854775807", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/api/v1/search?page=9223372036854775807", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[repository.Page](t, rec).Plugins)

	rec = do(t, s, "GET", "/api/v1/catalog/beta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "beta", decode[repository.Plugin](t, rec).ID)

	rec = do(t, s, "GET", "/api/v1/catalog/none", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "PUT", "/api/v1/repositories/extra/enabled", `{"enabled":false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, "POST", "/api/v1/repositories/main/sync?force=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, "DELETE", "/api/v1/repositories/extra", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, "DELETE", "/api/v1/repositories/extra", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/repositories", `{"id":"bad id","url":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadRoutes(t *testing.T) {
	engine, err := download.NewEngine(download.Options{TempDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	defer engine.Close()

	s := NewServer(newFakePlugins(), nil, engine, Options{}, quietLogger())

	rec := do(t, s, "GET", "/api/v1/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]download.Task](t, rec))

	rec = do(t, s, "GET", "/api/v1/downloads/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/downloads/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptionalRoutes(t *testing.T) {
	s := NewServer(newFakePlugins(), nil, nil, Options{}, quietLogger())

	for _, path := range []string{"/api/v1/repositories", "/api/v1/search", "/api/v1/downloads", "/metrics", "/health"} {
		rec := do(t, s, "GET", path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker(nil, t.TempDir(), "1.0.0")

	s := NewServer(newFakePlugins(), nil, nil, Options{
		Registry: registry,
		Metrics:  metrics,
		Health:   health,
	}, quietLogger())

	rec := do(t, s, "GET", "/api/v1/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(httputil.RequestIDHeader))

	rec = do(t, s, "GET", "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "berth_http_requests_total"), "request metrics are exported")
}
