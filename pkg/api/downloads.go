package api

import (
	"net/http"

	"github.com/platinummonkey/berth/pkg/httputil"
)

// listDownloads handles GET /api/v1/downloads
func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.downloads.List())
}

// getDownload handles GET /api/v1/downloads/{id}
func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	task, err := s.downloads.Get(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, task)
}

// downloadAction serves a task control call and replies with the task
func (s *Server) downloadAction(action func(DownloadManager, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := httputil.PathStringOrError(w, r, "id")
		if !ok {
			return
		}
		if err := action(s.downloads, id); err != nil {
			httputil.WriteError(w, err)
			return
		}
		task, err := s.downloads.Get(id)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteSuccess(w, task)
	}
}
