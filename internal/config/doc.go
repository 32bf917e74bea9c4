// Package config handles configuration loading for linkd.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LINKD_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	linking:
//	  session_ttl: "5m"
//	  min_poll_interval: "2s"
//	  gc_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8090"
//	  public_host: "linkd.acme.io"  # claim URL host behind a proxy
//
// Database:
//
//	database:
//	  path: "/var/lib/linkd/linkd.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${LINKD_JWT_SECRET}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "linkd"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//	  coordination_url: "https://headscale.acme.io"  # composition claims
//	  preauth_key: "${TS_PREAUTH_KEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/linkd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
