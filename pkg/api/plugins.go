package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/platinummonkey/berth/pkg/httputil"
	"github.com/platinummonkey/berth/pkg/observability"
)

// listPlugins handles GET /api/v1/plugins
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.plugins.List())
}

// getPlugin handles GET /api/v1/plugins/{id}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	st, err := s.plugins.Status(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, st)
}

// installPlugin handles POST /api/v1/plugins/{id}/install
func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Async {
		done := s.plugins.InstallAsync(id, req.Version)
		go func() {
			defer observability.RecoverPanic(s.log, "async install result")
			if res := <-done; res.Err != nil {
				s.log.WithField("plugin", id).Warnf("Background install failed: %v", res.Err)
			}
		}()
		httputil.WriteAccepted(w, AsyncAccepted{PluginID: id, Version: req.Version, Status: "installing"})
		return
	}

	ctx, cancel := s.operationContext(r)
	defer cancel()
	st, err := s.plugins.Install(ctx, id, req.Version)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, st)
}

// uninstallPlugin handles DELETE /api/v1/plugins/{id}
func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()
	if err := s.plugins.Uninstall(ctx, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// pluginAction serves a lifecycle call that takes only the plugin id and
// replies with the resulting status
func (s *Server) pluginAction(action func(PluginManager, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := httputil.PathStringOrError(w, r, "id")
		if !ok {
			return
		}
		ctx, cancel := s.operationContext(r)
		defer cancel()
		if err := action(s.plugins, ctx, id); err != nil {
			httputil.WriteError(w, err)
			return
		}
		st, err := s.plugins.Status(id)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteSuccess(w, st)
	}
}

// updatePlugin handles POST /api/v1/plugins/{id}/update
func (s *Server) updatePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()
	res, err := s.plugins.Update(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// checkUpdates handles GET /api/v1/updates
func (s *Server) checkUpdates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.operationContext(r)
	defer cancel()
	results, err := s.plugins.CheckUpdates(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, results)
}

// streamEvents handles GET /api/v1/events as a server-sent event stream of
// plugin state changes. The stream ends when the client disconnects or the
// manager closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	events, cancel := s.plugins.Subscribe(s.opts.EventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Debugf("Event stream cannot flush: %v", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warnf("Failed to encode event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
