package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	logMu  sync.RWMutex
	logger = logrus.StandardLogger()
)

// SetLogger sets the logger used for panics and task errors
func SetLogger(log *logrus.Logger) {
	if log == nil {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	logger = log
}

func getLogger() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// run executes fn with a timeout and panic recovery. A timeout <= 0 leaves
// the parent deadline alone.
func run(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	ctx := parentCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			getLogger().WithField("task", taskName).Errorf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
				taskName, r, string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", taskName, r)
		}
	}()

	return fn(ctx)
}

// SafeGo executes fn in a goroutine with context cancellation, panic
// recovery, timeout enforcement and error logging. The returned channel is
// closed when fn returns.
//
// Example:
//
//	async.SafeGo(ctx, 5*time.Minute, "install hello", func(ctx context.Context) error {
//	    return manager.Install(ctx, "hello", "")
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(parentCtx, timeout, taskName, fn); err != nil {
			getLogger().WithField("task", taskName).Warnf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
	return done
}

// SafeGoNoError is like SafeGo but for functions that don't return errors
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) <-chan struct{} {
	return SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Group tracks SafeGo goroutines so an owner can wait for them on close
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn like SafeGo and tracks it
func (g *Group) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	done := SafeGo(parentCtx, timeout, taskName, fn)
	go func() {
		<-done
		g.wg.Done()
	}()
}

// Wait blocks until every tracked goroutine returns or ctx ends
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

// Batch processes items concurrently with at most workers in flight and
// returns every error. Items not started before ctx ends report ctx.Err().
//
// Example:
//
//	errs := async.Batch(ctx, ids, 4, "autoload", time.Minute, func(ctx context.Context, id string) error {
//	    return manager.Load(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	slots := make(chan struct{}, workers)
	for _, item := range items {
		select {
		case <-ctx.Done():
			addErr(ctx.Err())
			continue
		case slots <- struct{}{}:
		}

		if err := ctx.Err(); err != nil {
			<-slots
			addErr(err)
			continue
		}

		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := run(ctx, timeout, taskName, func(ctx context.Context) error {
				return fn(ctx, item)
			}); err != nil {
				addErr(err)
			}
		}(item)
	}

	wg.Wait()
	return errs
}
