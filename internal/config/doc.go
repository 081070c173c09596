// Package config handles configuration loading for chatstate.
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
//	summarizer:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}, or ${VAR_NAME:-fallback} to supply a value when the
// variable is unset or empty. Without a fallback, unset variables expand to
// the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	persistence:
//	  auto_save_interval: "30s"
//	  retention_interval: "1h"
//	  health_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/chatstate/chatstate.db"
//
// Conversation policy:
//
//	conversation:
//	  max_sessions: 50
//	  compaction_threshold: 20
//	  context_window: 10
//	  default_provider: "openai"
//	  default_model: "gpt-4o"
//
// Providers:
//
//	providers:
//	  registered:
//	    - id: "openai"
//	      model: "gpt-4o"
//	  session_cost_ceiling: 5.0
//	  auto_switch: true
//	  probe_timeout: "5s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Database path presence
//   - Provider id uniqueness, default provider registration
//   - Summarizer API key presence when enabled
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path, or fall back to defaults:
//
//	cfg, err := config.Load("/etc/chatstate/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
