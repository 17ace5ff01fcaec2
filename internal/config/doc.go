// Package config handles configuration loading for the chatmate client.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Missing fields fall back to defaults, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATMATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chatmate/config.yaml
//  3. ~/.config/chatmate/config.yaml
//
// A file ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${CHATMATE_TOKEN}"
//
// # Configuration Sections
//
//	server:
//	  api_url: "http://localhost:8000/api/v1"  # REST base
//	  ws_url: "ws://localhost:8000/ws"         # websocket base
//
//	auth:
//	  refresh_path: "/account/refresh/"
//	  token: "${CHATMATE_TOKEN}"
//	  refresh_token: "${CHATMATE_REFRESH_TOKEN}"
//
//	chat:
//	  heartbeat_interval: "30s"
//	  tombstone_ttl: "5m"
//	  greeting: "..."
//	  placeholder: "..."
//	  greet_history: true
//	  delete_rate: 10
//	  delete_burst: 5
//
//	database:
//	  path: "~/.local/share/chatmate/credentials.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
