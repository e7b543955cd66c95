// Package config handles configuration loading for taproot.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every tuning knob.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${TAPROOT_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  retry_backoff: "1s"
//	  lease_duration: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/taproot/taproot.db"
//
// Job queue:
//
//	queue:
//	  max_attempts: 3
//	  retry_backoff: "1s"
//	  lease_duration: "2m"
//	  poll_interval: "250ms"
//	  completed_retention: "24h"
//	  failed_retention: "168h"
//
// Turn workers:
//
//	workers:
//	  count: 2
//	  history_limit: 50
//
// Model provider:
//
//	model:
//	  provider: "canned"
//	  default_model: "gpt-4o-mini"
//	  timeout: "60s"
//	  fallback_enabled: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
