// Package download runs concurrent, resumable plugin package downloads.
//
// Each task follows a state machine:
//
//	pending -> downloading -> verifying -> completed
//	                 |  ^          \-> verification_failed
//	                 v  |
//	               paused
//
// Transient failures (connection errors, 5xx, 429, 408) requeue the task
// with exponential backoff until its retry budget is spent; other failures
// move it to failed, from where Retry requeues it. Cancel is accepted from
// pending, downloading, paused and failed.
//
// Partial data is kept in TempDir and a requeued task resumes with an HTTP
// Range request. A server that answers 200 instead of 206 restarts the
// transfer from zero.
//
// Basic usage:
//
//	engine, err := download.NewEngine(download.Options{Concurrency: 3}, log)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	task, err := engine.Enqueue(ctx, download.Request{
//		PluginID:         "hello",
//		URL:              "https://plugins.example.com/hello-1.0.0.bpkg",
//		Destination:      "/var/cache/berth/hello-1.0.0.bpkg",
//		ExpectedChecksum: "sha256:...",
//	})
//	if err != nil {
//		return err
//	}
//	if _, err := engine.Wait(ctx, task.ID); err != nil {
//		return err
//	}
package download
