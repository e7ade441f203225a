// Package config handles configuration loading for coday-gateway.
//
// # Configuration File
//
// Locations, first match wins:
//
//  1. Path from the CODAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coday/config.yaml
//  3. ~/.config/coday/config.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	providers:
//	  anthropic:
//	    type: anthropic
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("10s", "1h").
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:3000"
//	grpc:
//	  enabled: true
//	  addr: "127.0.0.1:50051"
//	database:
//	  path: "/var/lib/coday/coday.db"
//	auth:
//	  jwt_secret: "${CODAY_JWT_SECRET}"
//	sessions:
//	  heartbeat_interval: "10s"
//	  timeout: "1h"
//	throttle:
//	  threshold: 0.4
//	  max_delay: "60s"
//	models_file: "/etc/coday/models.toml"
//	agents:
//	  default: coday
//	  delegation_depth: 1
//	  definitions:
//	    - name: coday
//	      provider: anthropic
//	      model: claude-sonnet-4-20250514
//	      instructions: "You are Coday."
//	ingress:
//	  rate_per_second: 2
//	  burst: 5
//	  dedupe_ttl: "5m"
//	logging:
//	  level: info
//	  format: text
package config
