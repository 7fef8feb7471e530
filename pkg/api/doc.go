// Package api serves the plugin manager over HTTP.
//
// # Routes
//
// Plugin lifecycle:
//
//	GET    /api/v1/plugins                 list managed plugins
//	GET    /api/v1/plugins/{id}            status of one plugin
//	POST   /api/v1/plugins/{id}/install    {"version": "[1.0.0,2.0.0)", "async": false}
//	DELETE /api/v1/plugins/{id}            uninstall
//	POST   /api/v1/plugins/{id}/load       also unload, reload, enable, disable
//	POST   /api/v1/plugins/{id}/update     install the newest compatible release
//	GET    /api/v1/updates                 check every plugin for updates
//	GET    /api/v1/events                  server-sent stream of state changes
//
// Catalog (when a repository manager is configured):
//
//	GET    /api/v1/repositories
//	POST   /api/v1/repositories
//	DELETE /api/v1/repositories/{id}
//	PUT    /api/v1/repositories/{id}/enabled
//	POST   /api/v1/repositories/{id}/sync
//	POST   /api/v1/repositories/sync
//	GET    /api/v1/search?q=&category=&tags=&author=&minRating=&status=&verification=&paid=&sort=&desc=&page=&pageSize=
//	GET    /api/v1/catalog/{id}
//
// Downloads (when a download engine is configured):
//
//	GET    /api/v1/downloads
//	GET    /api/v1/downloads/{id}
//	POST   /api/v1/downloads/{id}/pause    also resume, cancel, retry
//
// Errors are JSON bodies whose status follows the error kind, see
// httputil.WriteError. /metrics and /health routes are mounted when the
// corresponding options are set.
package api
