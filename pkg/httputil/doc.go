// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// # Error Responses
//
// WriteError maps the kind of a plugins.Error to a status code:
//
//	not found           404
//	integrity failure   422
//	signature failure   422
//	state conflict      409
//	transport failure   502
//	validation failure  400
//
// Errors without a kind are reported as 500. The body is
// {"error": "...", "kind": "..."}.
//
// # Request Parsing
//
//	var req InstallRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.PathStringOrError(w, r, "id")
//	page, err := httputil.QueryInt(r, "page", 1)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.RecoveryMiddleware(log),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
