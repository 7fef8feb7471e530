// Package config loads berth configuration with viper.
//
// # Overview
//
// Settings come from, in increasing priority: built-in defaults, a YAML
// file (berth.yaml in the working directory or an explicit path) and
// BERTH_-prefixed environment variables. Nested keys map to environment
// names by upper-casing them and replacing dots with underscores.
//
// # Configuration File
//
//	paths:
//	  install: /var/lib/berth/plugins
//	  data: /var/lib/berth/data
//	  config: /etc/berth
//	  cache: /var/cache/berth
//	host:
//	  version: 1.4.0
//	download:
//	  concurrency: 3
//	  maxRetries: 3
//	  cleanupSchedule: "@hourly"
//	lifecycle:
//	  watch: true
//	  syncSchedule: "@every 1h"
//	  updateSchedule: "0 6 * * *"
//	security:
//	  requireSignatures: true
//	  trustedCertsDir: /etc/berth/certs
//	server:
//	  addr: 127.0.0.1:7420
//	log:
//	  level: info
//	  format: json
//
// # Environment Overrides
//
//	BERTH_HOST_VERSION="1.4.0"
//	BERTH_DOWNLOAD_CONCURRENCY="5"
//	BERTH_DOWNLOAD_MAXRETRIES="2"
//	BERTH_LOG_LEVEL="debug"
//	BERTH_TRACING_ENABLED="true"
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := storage.OpenSQLite(ctx, cfg.Storage())
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses log and tracing configuration
package config
