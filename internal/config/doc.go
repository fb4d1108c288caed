// Package config handles configuration loading for flint-gateway.
//
// # Overview
//
// Configuration comes from three layers, later layers winning:
//
//  1. gateway.yaml: deployment settings, meaning listeners, auth token,
//     tailscale, channel credentials, logging, metrics.
//  2. settings.json: user settings, meaning providers, routing, identity
//     links, MCP profiles, session reset policy.
//  3. Environment: FLINT_GATEWAY_* overrides plus bare PORT.
//
// Both files are optional; defaults serve a plain HTTP gateway on :8788
// with the "claude" provider and per-peer routing.
//
// # File Locations
//
// gateway.yaml (in order):
//
//  1. Path from FLINT_GATEWAY_CONFIG
//  2. $XDG_CONFIG_HOME/flint/gateway.yaml
//  3. ~/.config/flint/gateway.yaml
//
// settings.json (in order):
//
//  1. Path from FLINT_GATEWAY_USER_SETTINGS_PATH
//  2. ~/.flint/settings.json
//
// # Environment Variable Expansion
//
// gateway.yaml values can reference environment variables; unset variables
// expand to the empty string:
//
//	slack:
//	  signing_secret: "${SLACK_SIGNING_SECRET}"
//
// settings.json uses the stricter ${NAME} form: a missing variable in a
// provider or session string aborts startup, while a missing variable in an
// MCP server config drops that server at composition time. $${NAME} escapes
// the reference.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  shutdown_grace: "5s"
//	agents:
//	  inactivity_timeout: "120s"
//	idempotency:
//	  ttl: "5m"
//
// # Configuration Sections
//
// Server and auth:
//
//	server:
//	  http_addr: ":8788"
//	auth:
//	  token: "${FLINT_API_TOKEN}"   # empty leaves the API open
//
// Tailscale:
//
//	tailscale:
//	  enabled: true
//	  hostname: "flint"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Slack channel:
//
//	slack:
//	  enabled: true
//	  signing_secret: "${SLACK_SIGNING_SECRET}"
//	  bot_token: "${SLACK_BOT_TOKEN}"
//	  default_routing_mode: "per-channel-peer"
//
// # Usage
//
//	env, err := config.LoadEnv()
//	cfg, err := config.LoadOrDefault(env.ConfigPath())
//	settings, err := config.LoadSettings(env.SettingsPath())
//	err = env.Apply(cfg, settings)
package config
