package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/berth/pkg/events"
	"github.com/platinummonkey/berth/pkg/observability"
	"github.com/platinummonkey/berth/pkg/plugins"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the task's current status
	ErrInvalidTransition = errors.New("invalid download state transition")
	// ErrRetryLimit is returned by Retry once a task used all its retries
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrCancelled is returned by Wait for cancelled tasks
	ErrCancelled = errors.New("download cancelled")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("download engine closed")
)

// HTTPClient is the transport used for transfers
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure an Engine
type Options struct {
	// TempDir holds partial downloads; defaults to <os temp>/berth-downloads
	TempDir string
	// Concurrency bounds simultaneous transfers; defaults to 3
	Concurrency int
	// MaxRetries bounds automatic and manual retries per task; defaults to 3
	MaxRetries int
	// RetryBackoff is the first automatic retry delay, doubled per attempt
	RetryBackoff time.Duration
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration
	// ProgressInterval is the progress sampling period; defaults to 500ms
	ProgressInterval time.Duration
	// PausePoll is how often a paused transfer checks for resume or cancel
	PausePoll time.Duration
	// Retention is how long settled tasks are kept; defaults to 24h
	Retention time.Duration
	// CleanupSchedule is a cron spec for Cleanup; empty disables the schedule
	CleanupSchedule string
	// Client defaults to an otelhttp-instrumented http.Client
	Client HTTPClient
	// Metrics is optional
	Metrics *observability.Metrics
	// Now overrides the clock
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.TempDir == "" {
		o.TempDir = filepath.Join(os.TempDir(), "berth-downloads")
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 500 * time.Millisecond
	}
	if o.PausePoll <= 0 {
		o.PausePoll = 100 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Client == nil {
		o.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// task is the engine-owned state of one download
type task struct {
	mu      sync.Mutex
	info    Task
	header  http.Header
	interp  *statekit.Interpreter[machineContext]
	err     error
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	// gen identifies the current task routine across retries
	gen     int
	changed chan struct{}
	// lastReported is the byte count of the last progress event
	lastReported int64
}

func (t *task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Engine runs concurrent, resumable, retryable downloads
type Engine struct {
	opts    Options
	log     *logrus.Logger
	sem     *semaphore.Weighted
	bus     *events.Bus[Event]
	metrics *observability.Metrics
	cron    *cron.Cron

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a download engine and starts its progress sampler and
// cleanup schedule
func NewEngine(opts Options, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.New()
	}
	opts.setDefaults()

	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download temp directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		log:     log,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		bus:     events.NewBus[Event](),
		metrics: opts.Metrics,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.bus.OnDrop(func() { e.metrics.EventDropped("download") })

	if opts.CleanupSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(opts.CleanupSchedule, func() {
			if n := e.Cleanup(e.opts.Now()); n > 0 {
				e.log.Infof("Download cleanup removed %d tasks", n)
			}
		}); err != nil {
			cancel()
			return nil, plugins.Wrap(plugins.ValidationFailure, "new download engine", err, "invalid cleanup schedule %q", opts.CleanupSchedule)
		}
		e.cron.Start()
	}

	e.wg.Add(1)
	go e.sampleProgress()

	return e, nil
}

// Enqueue registers a download and starts it as soon as a slot is free
func (e *Engine) Enqueue(ctx context.Context, req Request) (*Task, error) {
	const op = "enqueue download"

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "invalid download URL %q", req.URL).WithID(req.PluginID)
	}
	if req.Destination == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, op, "destination is required").WithID(req.PluginID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxRetries := e.opts.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	} else if req.MaxRetries < 0 {
		maxRetries = 0
	}

	interp, err := newTaskInterpreter()
	if err != nil {
		return nil, fmt.Errorf("failed to build task state machine: %w", err)
	}

	id := uuid.New().String()
	now := e.opts.Now()
	t := &task{
		info: Task{
			ID:               id,
			PluginID:         req.PluginID,
			Version:          req.Version,
			URL:              req.URL,
			Destination:      req.Destination,
			TempPath:         filepath.Join(e.opts.TempDir, id+".part"),
			ExpectedSize:     req.ExpectedSize,
			ExpectedChecksum: req.ExpectedChecksum,
			Status:           StatusPending,
			MaxRetries:       maxRetries,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		header:  req.Header.Clone(),
		interp:  interp,
		changed: make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		interp.Stop()
		return nil, plugins.Wrap(plugins.StateConflict, op, ErrClosed, "")
	}
	e.tasks[id] = t
	e.mu.Unlock()

	e.publish(t, EventStatus, "", StatusPending)
	e.log.WithFields(logrus.Fields{"task": id, "plugin": req.PluginID}).Debugf("Enqueued download of %s", req.URL)

	e.start(t)
	snap := t.snapshot()
	return &snap, nil
}

// start launches the task routine for a pending task
func (e *Engine) start(t *task) {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(e.ctx)
	t.running = true
	t.gen++
	ctx, gen := t.ctx, t.gen
	t.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, t, gen)
	}()
}

func (e *Engine) lookup(id string) (*task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, plugins.Errorf(plugins.NotFound, "download", "task %s not found", id)
	}
	return t, nil
}

// Get returns a snapshot of a task
func (e *Engine) Get(id string) (*Task, error) {
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	snap := t.snapshot()
	return &snap, nil
}

// List returns snapshots of every task, oldest first
func (e *Engine) List() []Task {
	e.mu.RLock()
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.RUnlock()

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pause suspends a downloading task
func (e *Engine) Pause(id string) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	return e.transition(t, eventPause, nil)
}

// Resume continues a paused task
func (e *Engine) Resume(id string) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	return e.transition(t, eventResume, nil)
}

// Cancel stops a task and discards its partial file. The task's download
// slot is released as soon as its transfer observes the cancellation.
func (e *Engine) Cancel(id string) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	if err := e.transition(t, eventCancel, ErrCancelled); err != nil {
		return err
	}

	t.mu.Lock()
	running := t.running
	cancel := t.cancel
	tempPath := t.info.TempPath
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !running {
		os.Remove(tempPath)
	}
	return nil
}

// Retry requeues a failed task, keeping its partial file for resume
func (e *Engine) Retry(id string) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.info.Status == StatusFailed && t.info.RetryCount >= t.info.MaxRetries {
		t.mu.Unlock()
		return plugins.Wrap(plugins.StateConflict, "retry download", ErrRetryLimit, "%d of %d retries used", t.info.RetryCount, t.info.MaxRetries).WithID(id)
	}
	t.mu.Unlock()

	if err := e.transition(t, eventRetry, nil); err != nil {
		return err
	}

	t.mu.Lock()
	t.info.RetryCount++
	t.err = nil
	t.info.Error = ""
	t.mu.Unlock()
	e.metrics.DownloadRetried()

	e.start(t)
	return nil
}

// Wait blocks until the task completes, fails or is cancelled. It returns
// the final snapshot and, unless the task completed, the task error.
func (e *Engine) Wait(ctx context.Context, id string) (*Task, error) {
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	for {
		t.mu.Lock()
		snap := t.info
		taskErr := t.err
		changed := t.changed
		t.mu.Unlock()

		if snap.Status.settled() {
			switch snap.Status {
			case StatusCompleted:
				return &snap, nil
			case StatusCancelled:
				return &snap, plugins.Wrap(plugins.StateConflict, "download", ErrCancelled, "").WithID(snap.PluginID)
			}
			if taskErr == nil {
				taskErr = plugins.Errorf(plugins.TransportFailure, "download", "%s", snap.Error).WithID(snap.PluginID)
			}
			return &snap, taskErr
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return &snap, ctx.Err()
		}
	}
}

// Subscribe returns a stream of task events and a cancel func
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Cleanup removes settled tasks last updated before now minus the
// retention, and their partial files. It returns the number removed.
func (e *Engine) Cleanup(now time.Time) int {
	cutoff := now.Add(-e.opts.Retention)

	e.mu.Lock()
	var removed []*task
	for id, t := range e.tasks {
		t.mu.Lock()
		stale := t.info.Status.settled() && t.info.UpdatedAt.Before(cutoff)
		t.mu.Unlock()
		if stale {
			delete(e.tasks, id)
			removed = append(removed, t)
		}
	}
	e.mu.Unlock()

	for _, t := range removed {
		t.mu.Lock()
		os.Remove(t.info.TempPath)
		t.interp.Stop()
		t.mu.Unlock()
	}
	return len(removed)
}

// Close cancels every active transfer, waits for task routines and closes
// subscriber streams
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.cancel()
	e.wg.Wait()
	e.bus.Close()
	return nil
}

// transition fires a machine event and records the resulting status. An
// event not accepted in the current state returns StateConflict.
func (e *Engine) transition(t *task, event string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := Status(t.interp.State().Value)
	t.interp.Send(statekit.Event{Type: event})
	next := Status(t.interp.State().Value)
	if next == old {
		return plugins.Wrap(plugins.StateConflict, "download", ErrInvalidTransition, "cannot %s task in status %s", event, old).WithID(t.info.ID)
	}

	now := e.opts.Now()
	t.info.Status = next
	t.info.UpdatedAt = now
	if cause != nil {
		t.err = cause
		t.info.Error = cause.Error()
	}
	if next == StatusCompleted {
		t.info.CompletedAt = &now
	}

	close(t.changed)
	t.changed = make(chan struct{})

	e.publishLocked(t, EventStatus, old, next)

	switch next {
	case StatusCompleted, StatusVerificationFailed, StatusCancelled, StatusFailed:
		e.metrics.DownloadFinished(string(next))
	}

	fields := logrus.Fields{"task": t.info.ID, "plugin": t.info.PluginID}
	if cause != nil && next != StatusCancelled {
		e.log.WithFields(fields).Warnf("Download %s -> %s: %v", old, next, cause)
	} else {
		e.log.WithFields(fields).Debugf("Download %s -> %s", old, next)
	}
	return nil
}

func (e *Engine) publish(t *task, kind EventKind, old, next Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.publishLocked(t, kind, old, next)
}

// publishLocked must be called with t.mu held so events of one task stay
// ordered
func (e *Engine) publishLocked(t *task, kind EventKind, old, next Status) {
	t.lastReported = t.info.BytesDownloaded
	e.bus.Publish(Event{
		Kind:            kind,
		TaskID:          t.info.ID,
		PluginID:        t.info.PluginID,
		Old:             old,
		New:             next,
		BytesDownloaded: t.info.BytesDownloaded,
		TotalBytes:      t.info.TotalBytes,
		Error:           t.info.Error,
		Time:            e.opts.Now(),
	})
}

// sampleProgress publishes a progress event for every downloading task
// whose byte count moved since its last event
func (e *Engine) sampleProgress() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.RLock()
		tasks := make([]*task, 0, len(e.tasks))
		for _, t := range e.tasks {
			tasks = append(tasks, t)
		}
		e.mu.RUnlock()

		for _, t := range tasks {
			t.mu.Lock()
			if t.info.Status == StatusDownloading && t.info.BytesDownloaded != t.lastReported {
				e.publishLocked(t, EventProgress, t.info.Status, t.info.Status)
			}
			t.mu.Unlock()
		}
	}
}
