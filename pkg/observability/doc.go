// Package observability provides logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown.
//
// # Logging
//
// Create the process logger:
//
//	log, err := observability.NewLogger("info", observability.FormatJSON, os.Stderr)
//	log.WithField("plugin", id).Info("Plugin loaded")
//
// Request-scoped logging:
//
//	observability.FromContext(r.Context()).Warn("slow repository")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.DownloadFinished("completed")
//
// A nil *Metrics records nothing, so components accept it as optional.
//
// # OpenTelemetry
//
// Initialize trace export:
//
//	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "berth",
//	}, log)
//	defer observability.ShutdownTracing(ctx, tp, log)
//
// # Related Packages
//
//   - pkg/config: observability configuration
//   - pkg/api: request metrics and health routes
package observability
