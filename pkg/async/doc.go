// Package async provides safe concurrent execution primitives for background tasks.
//
// # Key Functions
//
// SafeGo: execute a function in a goroutine with panic recovery and an
// optional timeout
//
//	done := async.SafeGo(ctx, 5*time.Minute, "install hello", func(ctx context.Context) error {
//		return manager.Install(ctx, "hello", "")
//	})
//
// Group: track SafeGo goroutines and wait for them on shutdown
//
//	var g async.Group
//	g.Go(ctx, 0, "reload", reload)
//	g.Wait(shutdownCtx)
//
// Batch: bounded concurrent processing of a slice
//
//	errs := async.Batch(ctx, ids, 4, "autoload", time.Minute, func(ctx context.Context, id string) error {
//		return manager.Load(ctx, id)
//	})
//
// # Related Packages
//
//   - pkg/lifecycle: background installs, auto-load and update checks
package async
