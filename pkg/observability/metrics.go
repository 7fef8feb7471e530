package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Download metrics
	DownloadsTotal       *prometheus.CounterVec
	DownloadBytesTotal   prometheus.Counter
	DownloadsActive      prometheus.Gauge
	DownloadRetriesTotal prometheus.Counter

	// Package metrics
	PackageOperationsTotal   *prometheus.CounterVec
	PackageOperationDuration *prometheus.HistogramVec

	// Loader metrics
	PluginLoadsTotal *prometheus.CounterVec
	PluginsLoaded    prometheus.Gauge

	// Repository metrics
	RepositorySyncsTotal *prometheus.CounterVec
	RepositoryPlugins    *prometheus.GaugeVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Update metrics
	UpdatesAvailable prometheus.Gauge

	// Event stream metrics
	EventsDroppedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "berth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "berth_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Download metrics
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_downloads_total",
				Help: "Total number of downloads by final status",
			},
			[]string{"status"},
		),
		DownloadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "berth_download_bytes_total",
				Help: "Total bytes received by the download engine",
			},
		),
		DownloadsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "berth_downloads_active",
				Help: "Number of transfers currently holding a download slot",
			},
		),
		DownloadRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "berth_download_retries_total",
				Help: "Total number of download retries",
			},
		),

		// Package metrics
		PackageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_package_operations_total",
				Help: "Total number of package operations",
			},
			[]string{"operation", "result"},
		),
		PackageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "berth_package_operation_duration_seconds",
				Help:    "Package operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"operation"},
		),

		// Loader metrics
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_plugin_loads_total",
				Help: "Total number of plugin loads",
			},
			[]string{"runtime", "result"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "berth_plugins_loaded",
				Help: "Number of plugins currently loaded",
			},
		),

		// Repository metrics
		RepositorySyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_repository_syncs_total",
				Help: "Total number of repository syncs",
			},
			[]string{"repository", "result"},
		),
		RepositoryPlugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "berth_repository_plugins",
				Help: "Number of plugins listed by each repository",
			},
			[]string{"repository"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		UpdatesAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "berth_updates_available",
				Help: "Number of installed plugins with an update available at the last check",
			},
		),

		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berth_events_dropped_total",
				Help: "Total number of events not delivered because a subscriber buffer was full",
			},
			[]string{"stream"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DownloadsTotal,
		m.DownloadBytesTotal,
		m.DownloadsActive,
		m.DownloadRetriesTotal,
		m.PackageOperationsTotal,
		m.PackageOperationDuration,
		m.PluginLoadsTotal,
		m.PluginsLoaded,
		m.RepositorySyncsTotal,
		m.RepositoryPlugins,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.UpdatesAvailable,
		m.EventsDroppedTotal,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// DownloadFinished counts a download reaching a terminal status
func (m *Metrics) DownloadFinished(status string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(status).Inc()
}

// DownloadBytes adds received bytes
func (m *Metrics) DownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadBytesTotal.Add(float64(n))
}

// DownloadSlot tracks a transfer acquiring (+1) or releasing (-1) a slot
func (m *Metrics) DownloadSlot(delta int) {
	if m == nil {
		return
	}
	m.DownloadsActive.Add(float64(delta))
}

// DownloadRetried counts a retry
func (m *Metrics) DownloadRetried() {
	if m == nil {
		return
	}
	m.DownloadRetriesTotal.Inc()
}

// PackageOperation records an install, uninstall or update
func (m *Metrics) PackageOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.PackageOperationsTotal.WithLabelValues(operation, result(err)).Inc()
	m.PackageOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// PluginLoad records a load attempt and adjusts the loaded gauge
func (m *Metrics) PluginLoad(runtime string, err error) {
	if m == nil {
		return
	}
	m.PluginLoadsTotal.WithLabelValues(runtime, result(err)).Inc()
	if err == nil {
		m.PluginsLoaded.Inc()
	}
}

// PluginUnload decrements the loaded gauge
func (m *Metrics) PluginUnload() {
	if m == nil {
		return
	}
	m.PluginsLoaded.Dec()
}

// RepositorySync records a repository sync and its plugin count
func (m *Metrics) RepositorySync(repository string, plugins int, err error) {
	if m == nil {
		return
	}
	m.RepositorySyncsTotal.WithLabelValues(repository, result(err)).Inc()
	if err == nil {
		m.RepositoryPlugins.WithLabelValues(repository).Set(float64(plugins))
	}
}

// CacheLookup records a cache hit or miss
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// SetUpdatesAvailable records the result of an update check
func (m *Metrics) SetUpdatesAvailable(n int) {
	if m == nil {
		return
	}
	m.UpdatesAvailable.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routePath labels requests by their mux route template so ids don't
// explode label cardinality
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routePath(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(r *mux.Router, registry *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
}

// EventDropped counts an event a full subscriber did not receive
func (m *Metrics) EventDropped(stream string) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(stream).Inc()
}
