package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/checksum"
	"github.com/platinummonkey/berth/pkg/plugins"
)

var downloadTracer = otel.Tracer("berth/download")

const copyBufferSize = 32 * 1024

// retryableError marks a transfer failure worth an automatic retry
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func retryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// run drives one task from pending to a settled status, retrying transient
// failures with exponential backoff
func (e *Engine) run(ctx context.Context, t *task, gen int) {
	defer func() {
		t.mu.Lock()
		if t.gen == gen {
			t.running = false
		}
		cancelled := t.info.Status == StatusCancelled
		tempPath := t.info.TempPath
		t.mu.Unlock()
		if cancelled {
			os.Remove(tempPath)
		}
	}()

	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.interrupted(t)
			return
		}
		e.metrics.DownloadSlot(1)
		err := e.transfer(ctx, t)
		e.sem.Release(1)
		e.metrics.DownloadSlot(-1)

		if err == nil {
			return
		}
		if ctx.Err() != nil {
			e.interrupted(t)
			return
		}

		t.mu.Lock()
		status := t.info.Status
		attempts := t.info.RetryCount
		limit := t.info.MaxRetries
		t.mu.Unlock()

		if status != StatusDownloading && status != StatusVerifying {
			// verification failure or a concurrent cancel already settled it
			return
		}

		if retryable(err) && status == StatusDownloading && attempts < limit {
			if terr := e.transition(t, eventRequeue, nil); terr != nil {
				return
			}
			t.mu.Lock()
			t.info.RetryCount++
			attempts = t.info.RetryCount
			t.mu.Unlock()
			e.metrics.DownloadRetried()

			delay := e.backoff(attempts)
			e.log.WithField("task", t.info.ID).Infof("Retrying download in %s (attempt %d of %d): %v", delay, attempts, limit, err)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.interrupted(t)
				return
			case <-timer.C:
			}
			continue
		}

		var failure error = err
		var r *retryableError
		if errors.As(err, &r) {
			failure = r.err
		}
		e.transition(t, eventFail, failure)
		return
	}
}

// interrupted settles a task whose context ended without a Cancel call,
// which happens when the engine closes
func (e *Engine) interrupted(t *task) {
	t.mu.Lock()
	status := t.info.Status
	t.mu.Unlock()
	if status.settled() {
		return
	}
	e.transition(t, eventCancel, ErrCancelled)
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.opts.MaxBackoff {
			return e.opts.MaxBackoff
		}
	}
	if delay > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return delay
}

// transfer fetches the task URL into its temp file, resuming from any bytes
// already on disk, then verifies and moves the result into place
func (e *Engine) transfer(ctx context.Context, t *task) error {
	info := t.snapshot()

	ctx, span := downloadTracer.Start(ctx, "Transfer",
		trace.WithAttributes(
			attribute.String("download.id", info.ID),
			attribute.String("download.url", info.URL),
			attribute.String("plugin.id", info.PluginID),
		),
	)
	defer span.End()

	err := e.fetch(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
	}
	return err
}

func (e *Engine) fetch(ctx context.Context, t *task) error {
	const op = "download"

	if err := e.transition(t, eventStart, nil); err != nil {
		return err
	}

	t.mu.Lock()
	id := t.info.ID
	pluginID := t.info.PluginID
	rawURL := t.info.URL
	tempPath := t.info.TempPath
	expectedSize := t.info.ExpectedSize
	header := t.header
	t.mu.Unlock()

	var offset int64
	if fi, err := os.Stat(tempPath); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return plugins.Wrap(plugins.ValidationFailure, op, err, "invalid request").WithID(pluginID)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: plugins.Wrap(plugins.TransportFailure, op, err, "request failed").WithID(pluginID)}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	var total int64 = -1
	resumable := false

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if start, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && start != offset {
			// server ignored our offset; start over
			os.Remove(tempPath)
			return &retryableError{err: plugins.Errorf(plugins.TransportFailure, op, "server resumed at %d, expected %d", start, offset).WithID(pluginID)}
		} else if ok {
			total = size
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		flags |= os.O_APPEND
		resumable = true
	case resp.StatusCode == http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
		resumable = resp.Header.Get("Accept-Ranges") == "bytes"
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the partial file may already be complete
		_, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if (ok && size == offset) || (!ok && expectedSize == offset) {
			t.mu.Lock()
			t.info.BytesDownloaded = offset
			t.info.TotalBytes = offset
			t.mu.Unlock()
			return e.verify(ctx, t)
		}
		os.Remove(tempPath)
		return &retryableError{err: plugins.Errorf(plugins.TransportFailure, op, "range not satisfiable at offset %d", offset).WithID(pluginID)}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return &retryableError{err: plugins.Errorf(plugins.TransportFailure, op, "server returned %s", resp.Status).WithID(pluginID)}
	default:
		return plugins.Errorf(plugins.TransportFailure, op, "server returned %s", resp.Status).WithID(pluginID)
	}

	if total < 0 && expectedSize > 0 {
		total = expectedSize
	}

	t.mu.Lock()
	t.info.BytesDownloaded = offset
	if total >= 0 {
		t.info.TotalBytes = total
	}
	t.info.Resumable = resumable
	t.mu.Unlock()

	f, err := os.OpenFile(tempPath, flags, 0644)
	if err != nil {
		return plugins.Wrap(plugins.TransportFailure, op, err, "failed to open temp file").WithID(pluginID)
	}

	buf := make([]byte, copyBufferSize)
	for {
		if err := e.waitWhilePaused(ctx, t); err != nil {
			f.Close()
			return err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return plugins.Wrap(plugins.TransportFailure, op, werr, "failed to write temp file").WithID(pluginID)
			}
			t.mu.Lock()
			t.info.BytesDownloaded += int64(n)
			t.mu.Unlock()
			e.metrics.DownloadBytes(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &retryableError{err: plugins.Wrap(plugins.TransportFailure, op, rerr, "transfer interrupted").WithID(pluginID)}
		}
	}
	if err := f.Close(); err != nil {
		return plugins.Wrap(plugins.TransportFailure, op, err, "failed to close temp file").WithID(pluginID)
	}

	e.log.WithField("task", id).Debugf("Transfer of %s finished", rawURL)
	return e.verify(ctx, t)
}

// waitWhilePaused blocks while the task is paused. A paused transfer keeps
// its slot and its connection.
func (e *Engine) waitWhilePaused(ctx context.Context, t *task) error {
	for {
		t.mu.Lock()
		status := t.info.Status
		t.mu.Unlock()

		switch status {
		case StatusDownloading:
			return nil
		case StatusPaused:
		default:
			if err := ctx.Err(); err != nil {
				return err
			}
			return plugins.Wrap(plugins.StateConflict, "download", ErrCancelled, "").WithID(t.info.ID)
		}

		timer := time.NewTimer(e.opts.PausePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// verify checks size and checksum of the temp file and moves it to the
// destination. A mismatch discards the partial file.
func (e *Engine) verify(ctx context.Context, t *task) error {
	const op = "verify download"

	if err := e.transition(t, eventVerify, nil); err != nil {
		return err
	}

	info := t.snapshot()
	_, span := downloadTracer.Start(ctx, "Verify", trace.WithAttributes(attribute.String("download.id", info.ID)))
	defer span.End()

	mismatch := func(err error) error {
		os.Remove(info.TempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		e.transition(t, eventVerifyFailed, err)
		return err
	}

	fi, err := os.Stat(info.TempPath)
	if err != nil {
		return mismatch(plugins.Wrap(plugins.IntegrityFailure, op, err, "downloaded file missing").WithID(info.PluginID))
	}
	if info.ExpectedSize > 0 && fi.Size() != info.ExpectedSize {
		return mismatch(plugins.Errorf(plugins.IntegrityFailure, op, "size mismatch: expected %d bytes, got %d", info.ExpectedSize, fi.Size()).WithID(info.PluginID))
	}
	if info.ExpectedChecksum != "" {
		if err := checksum.VerifyFile(info.TempPath, info.ExpectedChecksum); err != nil {
			if plugins.IsIntegrityFailure(err) {
				return mismatch(plugins.Wrap(plugins.IntegrityFailure, op, err, "").WithID(info.PluginID))
			}
			return mismatch(plugins.Wrap(plugins.IntegrityFailure, op, err, "failed to checksum download").WithID(info.PluginID))
		}
	}

	if err := moveFile(info.TempPath, info.Destination); err != nil {
		ferr := plugins.Wrap(plugins.TransportFailure, op, err, "failed to move download into place").WithID(info.PluginID)
		e.transition(t, eventFail, ferr)
		return ferr
	}

	if err := e.transition(t, eventComplete, nil); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"task": info.ID, "plugin": info.PluginID}).Infof("Downloaded %s to %s", info.URL, info.Destination)
	return nil
}

// moveFile renames src to dst, copying across filesystems when needed
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return os.Remove(src)
}

// parseContentRange reads "bytes start-end/size" or "bytes */size"
func parseContentRange(v string) (start, size int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	v = strings.TrimPrefix(v, "bytes ")
	rng, sizeStr, found := strings.Cut(v, "/")
	if !found || sizeStr == "*" {
		return 0, 0, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if rng == "*" {
		return 0, size, true
	}
	startStr, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}
