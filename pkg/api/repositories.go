package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/berth/pkg/httputil"
	"github.com/platinummonkey/berth/pkg/repository"
)

// listRepositories handles GET /api/v1/repositories
func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.repos.List())
}

// addRepository handles POST /api/v1/repositories
func (s *Server) addRepository(w http.ResponseWriter, r *http.Request) {
	var req AddRepositoryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	repo, err := s.repos.Add(r.Context(), req.Descriptor())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, repo.Descriptor())
}

// removeRepository handles DELETE /api/v1/repositories/{id}
func (s *Server) removeRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.repos.Remove(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// setRepositoryEnabled handles PUT /api/v1/repositories/{id}/enabled
func (s *Server) setRepositoryEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req EnabledRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.repos.SetEnabled(id, req.Enabled); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// syncRepository handles POST /api/v1/repositories/{id}/sync
func (s *Server) syncRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	force, err := httputil.QueryBool(r, "force", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()
	if err := s.repos.Sync(ctx, id, force); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// syncAll handles POST /api/v1/repositories/sync
func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	force, err := httputil.QueryBool(r, "force", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()

	results := s.repos.SyncAll(ctx, force)
	out := make([]SyncResult, 0, len(results))
	for _, res := range results {
		sr := SyncResult{ID: res.ID, Plugins: res.Plugins}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	httputil.WriteSuccess(w, out)
}

// search handles GET /api/v1/search
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	page, err := s.repos.Search(r.Context(), r.URL.Query().Get("q"), filters)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// catalogPlugin handles GET /api/v1/catalog/{id}
func (s *Server) catalogPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	p, err := s.repos.FindPlugin(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// parseFilters reads search filters from the query string. Multi-valued
// filters take comma-separated lists.
func parseFilters(r *http.Request) (repository.Filters, error) {
	q := r.URL.Query()
	f := repository.Filters{
		Category: q.Get("category"),
		Author:   q.Get("author"),
		Tags:     splitList(q.Get("tags")),
		Paid:     repository.PaidFilter(q.Get("paid")),
		SortBy:   repository.SortField(q.Get("sort")),
	}
	for _, s := range splitList(q.Get("status")) {
		f.ReleaseStatus = append(f.ReleaseStatus, repository.ReleaseStatus(s))
	}
	for _, v := range splitList(q.Get("verification")) {
		f.Verification = append(f.Verification, repository.Verification(v))
	}

	var err error
	if f.MinRating, err = httputil.QueryFloat(r, "minRating", 0); err != nil {
		return f, err
	}
	if f.Descending, err = httputil.QueryBool(r, "desc", false); err != nil {
		return f, err
	}
	if f.Page, err = httputil.QueryInt(r, "page", 1); err != nil {
		return f, err
	}
	if f.PageSize, err = httputil.QueryInt(r, "pageSize", repository.DefaultPageSize); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
