package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/berth/pkg/httputil"
	"github.com/platinummonkey/berth/pkg/observability"
)

// DefaultMaxBodyBytes bounds request bodies
const DefaultMaxBodyBytes = 1 << 20

// Options configure a Server
type Options struct {
	// Registry serves /metrics when set
	Registry *prometheus.Registry
	// Metrics instruments every request when set
	Metrics *observability.Metrics
	// Health serves /health, /health/live and /health/ready when set
	Health *observability.HealthChecker
	// MaxBodyBytes defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64
	// OperationTimeout bounds synchronous lifecycle calls; defaults to 10m
	OperationTimeout time.Duration
	// EventBuffer is the per-subscriber buffer of the event stream
	EventBuffer int
}

// Server represents our API server
type Server struct {
	plugins   PluginManager
	repos     RepositoryManager
	downloads DownloadManager
	opts      Options
	router    *mux.Router
	log       *logrus.Logger
}

// NewServer creates a new API server. repos and downloads may be nil, in
// which case their routes are not registered.
func NewServer(plugins PluginManager, repos RepositoryManager, downloads DownloadManager, opts Options, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Minute
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	s := &Server{
		plugins:   plugins,
		repos:     repos,
		downloads: downloads,
		opts:      opts,
		router:    mux.NewRouter(),
		log:       log,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.log),
		httputil.RecoveryMiddleware(s.log),
		observability.HTTPMetricsMiddleware(s.opts.Metrics),
		httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes),
	)

	if s.opts.Registry != nil {
		observability.RegisterMetricsEndpoint(s.router, s.opts.Registry)
	}
	if s.opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.opts.Health)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Plugin lifecycle routes
	v1.HandleFunc("/plugins", s.listPlugins).Methods("GET")
	v1.HandleFunc("/plugins/{id}", s.getPlugin).Methods("GET")
	v1.HandleFunc("/plugins/{id}", s.uninstallPlugin).Methods("DELETE")
	v1.HandleFunc("/plugins/{id}/install", s.installPlugin).Methods("POST")
	v1.HandleFunc("/plugins/{id}/load", s.pluginAction(PluginManager.Load)).Methods("POST")
	v1.HandleFunc("/plugins/{id}/unload", s.pluginAction(PluginManager.Unload)).Methods("POST")
	v1.HandleFunc("/plugins/{id}/reload", s.pluginAction(PluginManager.Reload)).Methods("POST")
	v1.HandleFunc("/plugins/{id}/enable", s.pluginAction(PluginManager.Enable)).Methods("POST")
	v1.HandleFunc("/plugins/{id}/disable", s.pluginAction(PluginManager.Disable)).Methods("POST")
	v1.HandleFunc("/plugins/{id}/update", s.updatePlugin).Methods("POST")
	v1.HandleFunc("/updates", s.checkUpdates).Methods("GET")
	v1.HandleFunc("/events", s.streamEvents).Methods("GET")

	// Catalog routes
	if s.repos != nil {
		v1.HandleFunc("/repositories", s.listRepositories).Methods("GET")
		v1.HandleFunc("/repositories", s.addRepository).Methods("POST")
		v1.HandleFunc("/repositories/sync", s.syncAll).Methods("POST")
		v1.HandleFunc("/repositories/{id}", s.removeRepository).Methods("DELETE")
		v1.HandleFunc("/repositories/{id}/enabled", s.setRepositoryEnabled).Methods("PUT")
		v1.HandleFunc("/repositories/{id}/sync", s.syncRepository).Methods("POST")
		v1.HandleFunc("/search", s.search).Methods("GET")
		v1.HandleFunc("/catalog/{id}", s.catalogPlugin).Methods("GET")
	}

	// Download routes
	if s.downloads != nil {
		v1.HandleFunc("/downloads", s.listDownloads).Methods("GET")
		v1.HandleFunc("/downloads/{id}", s.getDownload).Methods("GET")
		v1.HandleFunc("/downloads/{id}/pause", s.downloadAction(DownloadManager.Pause)).Methods("POST")
		v1.HandleFunc("/downloads/{id}/resume", s.downloadAction(DownloadManager.Resume)).Methods("POST")
		v1.HandleFunc("/downloads/{id}/cancel", s.downloadAction(DownloadManager.Cancel)).Methods("POST")
		v1.HandleFunc("/downloads/{id}/retry", s.downloadAction(DownloadManager.Retry)).Methods("POST")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// operationContext bounds a synchronous lifecycle call
func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.OperationTimeout)
}
