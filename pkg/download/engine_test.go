package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/plugins"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(t.TempDir(), "tmp")
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 10 * time.Millisecond
	}
	if opts.PausePoll == 0 {
		opts.PausePoll = 10 * time.Millisecond
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = 10 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	e, err := NewEngine(opts, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func serveBytes(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "plugin.bpkg", time.Time{}, bytes.NewReader(data))
	}
}

func waitFor(ctx context.Context, t *testing.T, e *Engine, id string) (*Task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Wait(ctx, id)
}

func TestEngine_Download(t *testing.T) {
	data := testPayload(100 * 1024)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "out", "plugin.bpkg")

	task, err := e.Enqueue(context.Background(), Request{
		PluginID:         "hello",
		Version:          "1.0.0",
		URL:              srv.URL + "/hello.bpkg",
		Destination:      dest,
		ExpectedSize:     int64(len(data)),
		ExpectedChecksum: sha256Of(data),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", task.PluginID)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(len(data)), final.BytesDownloaded)
	assert.Equal(t, int64(len(data)), final.TotalBytes)
	assert.Equal(t, 1.0, final.Progress())
	assert.NotNil(t, final.CompletedAt)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(final.TempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_ResumesInterruptedTransfer(t *testing.T) {
	data := testPayload(64 * 1024)
	half := len(data) / 2

	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()

		if first {
			w.Header().Set("Content-Length", "65536")
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write(data[:half])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		http.ServeContent(w, r, "plugin.bpkg", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "plugin.bpkg")

	task, err := e.Enqueue(context.Background(), Request{
		URL:              srv.URL,
		Destination:      dest,
		ExpectedChecksum: sha256Of(data),
	})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.True(t, final.Resumable)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 2)
	assert.Empty(t, ranges[0])
	assert.Equal(t, "bytes=32768-", ranges[1])
}

// interruptedServer aborts its first response halfway and answers later
// requests with respond
func interruptedServer(t *testing.T, data []byte, respond func(w http.ResponseWriter, r *http.Request, attempt int)) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		attempt := len(ranges)
		mu.Unlock()

		if attempt == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data[:len(data)/2])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		respond(w, r, attempt)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ranges...)
	}
}

func TestEngine_RestartsWhenRangeIgnored(t *testing.T) {
	data := testPayload(64 * 1024)
	srv, ranges := interruptedServer(t, data, func(w http.ResponseWriter, r *http.Request, attempt int) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "plugin.bpkg")
	task, err := e.Enqueue(context.Background(), Request{
		URL:              srv.URL,
		Destination:      dest,
		ExpectedChecksum: sha256Of(data),
	})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(len(data)), final.BytesDownloaded)
	assert.False(t, final.Resumable)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"", "bytes=32768-"}, ranges())
}

func TestEngine_RestartsOnMismatchedContentRange(t *testing.T) {
	data := testPayload(64 * 1024)
	srv, ranges := interruptedServer(t, data, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if r.Header.Get("Range") != "" {
			// answer a resume with the whole body labelled as a partial response
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "plugin.bpkg")
	task, err := e.Enqueue(context.Background(), Request{
		URL:              srv.URL,
		Destination:      dest,
		ExpectedChecksum: sha256Of(data),
	})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, int64(len(data)), final.BytesDownloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"", "bytes=32768-", ""}, ranges())
}

func TestEngine_TransientFailuresRetry(t *testing.T) {
	data := testPayload(1024)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveBytes(data)(w, r)
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{MaxRetries: 3})
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEngine_TransientFailuresExhaustRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{MaxRetries: 2})
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.Error(t, err)
	assert.True(t, plugins.IsTransportFailure(err))
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Contains(t, final.Error, "502")

	err = e.Retry(task.ID)
	require.Error(t, err)
	assert.True(t, plugins.IsStateConflict(err))
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestEngine_PermanentFailureAndManualRetry(t *testing.T) {
	data := testPayload(2048)
	var available atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !available.Load() {
			http.NotFound(w, r)
			return
		}
		serveBytes(data)(w, r)
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "p")
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: dest})
	require.NoError(t, err)

	final, err := waitFor(context.Background(), t, e, task.ID)
	require.Error(t, err)
	assert.True(t, plugins.IsTransportFailure(err))
	assert.Equal(t, StatusFailed, final.Status)
	assert.Zero(t, final.RetryCount, "client errors are not retried automatically")

	available.Store(true)
	require.NoError(t, e.Retry(task.ID))

	final, err = waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Empty(t, final.Error)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngine_RetryLimitFromRequest(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newTestEngine(t, Options{})
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p"), MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries)

	_, err = waitFor(context.Background(), t, e, task.ID)
	require.Error(t, err)

	err = e.Retry(task.ID)
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestEngine_VerificationFailure(t *testing.T) {
	data := testPayload(4096)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "checksum mismatch",
			req:  Request{ExpectedChecksum: sha256Of([]byte("something else"))},
		},
		{
			name: "size mismatch",
			req:  Request{ExpectedSize: int64(len(data) + 1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Options{})
			dest := filepath.Join(t.TempDir(), "p")
			req := tt.req
			req.URL = srv.URL
			req.Destination = dest

			task, err := e.Enqueue(context.Background(), req)
			require.NoError(t, err)

			final, err := waitFor(context.Background(), t, e, task.ID)
			require.Error(t, err)
			assert.True(t, plugins.IsIntegrityFailure(err))
			assert.Equal(t, StatusVerificationFailed, final.Status)
			assert.True(t, final.Status.Terminal())

			_, err = os.Stat(dest)
			assert.True(t, os.IsNotExist(err))
			_, err = os.Stat(final.TempPath)
			assert.True(t, os.IsNotExist(err))

			err = e.Retry(task.ID)
			assert.True(t, plugins.IsStateConflict(err))
		})
	}
}

// gatedServer sends the first chunk then blocks until released or the client
// goes away
type gatedServer struct {
	*httptest.Server
	release chan struct{}
	once    sync.Once
}

func newGatedServer(t *testing.T, data []byte, chunk int) *gatedServer {
	g := &gatedServer{release: make(chan struct{})}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data[:chunk])
		w.(http.Flusher).Flush()

		select {
		case <-g.release:
			w.Write(data[chunk:])
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		g.Release()
		g.Close()
	})
	return g
}

func (g *gatedServer) Release() {
	g.once.Do(func() { close(g.release) })
}

func waitForBytes(t *testing.T, e *Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := e.Get(id)
		return err == nil && task.Status == StatusDownloading && task.BytesDownloaded > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_PauseResume(t *testing.T) {
	data := testPayload(8192)
	srv := newGatedServer(t, data, 1024)

	e := newTestEngine(t, Options{})
	dest := filepath.Join(t.TempDir(), "p")
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: dest, ExpectedChecksum: sha256Of(data)})
	require.NoError(t, err)

	waitForBytes(t, e, task.ID)
	require.NoError(t, e.Pause(task.ID))

	got, err := e.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	err = e.Pause(task.ID)
	assert.True(t, plugins.IsStateConflict(err), "pausing twice is a conflict")

	srv.Release()
	time.Sleep(100 * time.Millisecond)

	got, err = e.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status, "paused transfer must not progress")

	require.NoError(t, e.Resume(task.ID))
	final, err := waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestEngine_CancelReleasesSlot(t *testing.T) {
	slow := newGatedServer(t, testPayload(8192), 512)
	data := testPayload(1024)
	fast := httptest.NewServer(serveBytes(data))
	defer fast.Close()

	e := newTestEngine(t, Options{Concurrency: 1})
	dir := t.TempDir()

	first, err := e.Enqueue(context.Background(), Request{URL: slow.URL, Destination: filepath.Join(dir, "slow")})
	require.NoError(t, err)
	waitForBytes(t, e, first.ID)

	second, err := e.Enqueue(context.Background(), Request{URL: fast.URL, Destination: filepath.Join(dir, "fast")})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	queued, err := e.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, queued.Status, "second task waits for the only slot")

	require.NoError(t, e.Cancel(first.ID))

	final, err := waitFor(context.Background(), t, e, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	cancelled, err := waitFor(context.Background(), t, e, first.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cancelled.TempPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 5*time.Millisecond)

	_, err = os.Stat(filepath.Join(dir, "slow"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_CancelPaused(t *testing.T) {
	srv := newGatedServer(t, testPayload(4096), 256)
	e := newTestEngine(t, Options{})

	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	waitForBytes(t, e, task.ID)

	require.NoError(t, e.Pause(task.ID))
	require.NoError(t, e.Cancel(task.ID))

	final, err := waitFor(context.Background(), t, e, task.ID)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, final.Status)

	err = e.Resume(task.ID)
	assert.True(t, plugins.IsStateConflict(err))
}

func TestEngine_InvalidTransitions(t *testing.T) {
	data := testPayload(512)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	_, err = waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)

	for name, op := range map[string]func(string) error{
		"pause":  e.Pause,
		"resume": e.Resume,
		"cancel": e.Cancel,
		"retry":  e.Retry,
	} {
		t.Run(name, func(t *testing.T) {
			err := op(task.ID)
			require.Error(t, err)
			assert.True(t, plugins.IsStateConflict(err))
		})
	}

	err = e.Pause("missing")
	assert.True(t, plugins.IsNotFound(err))
	_, err = e.Get("missing")
	assert.True(t, plugins.IsNotFound(err))
}

func TestEngine_EnqueueValidation(t *testing.T) {
	e := newTestEngine(t, Options{})

	tests := []struct {
		name string
		req  Request
	}{
		{name: "unsupported scheme", req: Request{URL: "ftp://example.com/p.bpkg", Destination: "/tmp/p"}},
		{name: "relative url", req: Request{URL: "p.bpkg", Destination: "/tmp/p"}},
		{name: "missing destination", req: Request{URL: "https://example.com/p.bpkg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Enqueue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, plugins.IsValidationFailure(err))
		})
	}
	assert.Empty(t, e.List())
}

func TestEngine_Events(t *testing.T) {
	data := testPayload(2048)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	ch, cancel := e.Subscribe(256)
	defer cancel()

	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	_, err = waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)

	var transitions []Status
	timeout := time.After(5 * time.Second)
	for len(transitions) == 0 || transitions[len(transitions)-1] != StatusCompleted {
		select {
		case ev := <-ch:
			assert.Equal(t, task.ID, ev.TaskID)
			if ev.Kind == EventStatus {
				transitions = append(transitions, ev.New)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", transitions)
		}
	}
	assert.Equal(t, []Status{StatusPending, StatusDownloading, StatusVerifying, StatusCompleted}, transitions)
}

func TestEngine_Cleanup(t *testing.T) {
	data := testPayload(512)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	e := newTestEngine(t, Options{Retention: time.Hour})
	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	_, err = waitFor(context.Background(), t, e, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, e.Cleanup(time.Now()))
	assert.Len(t, e.List(), 1)

	assert.Equal(t, 1, e.Cleanup(time.Now().Add(2*time.Hour)))
	assert.Empty(t, e.List())

	_, err = e.Get(task.ID)
	assert.True(t, plugins.IsNotFound(err))
}

func TestEngine_CloseCancelsActive(t *testing.T) {
	srv := newGatedServer(t, testPayload(4096), 256)

	opts := Options{TempDir: filepath.Join(t.TempDir(), "tmp"), Client: http.DefaultClient}
	e, err := NewEngine(opts, quietLogger())
	require.NoError(t, err)

	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	waitForBytes(t, e, task.ID)

	require.NoError(t, e.Close())

	got, err := e.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "q")})
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, e.Close(), "close is idempotent")
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	srv := newGatedServer(t, testPayload(4096), 256)
	e := newTestEngine(t, Options{})

	task, err := e.Enqueue(context.Background(), Request{URL: srv.URL, Destination: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Wait(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEngine_InvalidSchedule(t *testing.T) {
	_, err := NewEngine(Options{TempDir: t.TempDir(), CleanupSchedule: "not a schedule"}, quietLogger())
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestTask_Progress(t *testing.T) {
	assert.Equal(t, -1.0, Task{BytesDownloaded: 10}.Progress())
	assert.Equal(t, 0.5, Task{BytesDownloaded: 10, TotalBytes: 20}.Progress())
	assert.Equal(t, 0.25, Task{BytesDownloaded: 10, ExpectedSize: 40}.Progress())
	assert.Equal(t, 1.0, Task{BytesDownloaded: 50, TotalBytes: 40}.Progress())
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		start int64
		size  int64
		ok    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes */512", 0, 512, true},
		{"bytes 0-9/*", 0, 0, false},
		{"items 0-9/10", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, size, ok := parseContentRange(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestEngine_Backoff(t *testing.T) {
	e := &Engine{opts: Options{RetryBackoff: time.Second, MaxBackoff: 5 * time.Second}}
	assert.Equal(t, time.Second, e.backoff(1))
	assert.Equal(t, 2*time.Second, e.backoff(2))
	assert.Equal(t, 4*time.Second, e.backoff(3))
	assert.Equal(t, 5*time.Second, e.backoff(4))
	assert.Equal(t, 5*time.Second, e.backoff(10))
}
