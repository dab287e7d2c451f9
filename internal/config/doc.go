// Package config handles configuration loading for muster.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	nats:
//	  url: "${MUSTER_NATS_URL}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	recovery:
//	  interval: "30s"
//	  heartbeat_timeout: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, event stream, and metrics
//
// Database:
//
//	database:
//	  path: "/var/lib/muster/muster.db"
//
// Event mirror (optional, in-process only when omitted):
//
//	nats:
//	  url: "nats://localhost:4222"
//	  subject_prefix: "muster.events"
//
// Agent session bridge:
//
//	bridge:
//	  submit_delay: "150ms"    # clamped to a 100ms floor
//	  poll_interval: "500ms"
//	  default_timeout: "5m"
//
// Recovery monitor:
//
//	recovery:
//	  interval: "30s"
//	  heartbeat_timeout: "2m"
//	  task_timeout: "5m"
//	  request_timeout: "10m"
//
// Approval rules:
//
//	rules:
//	  path: "/etc/muster/rules.toml"
//	  watch: true              # hot-reload on change
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # stderr when empty; rotated when set
//
// # Validation
//
// Load() validates:
//
//   - Required addresses and paths
//   - Duration format validity
//   - Logging format values
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/muster/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
