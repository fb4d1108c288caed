// ABOUTME: Gateway deployment configuration loaded from YAML
// ABOUTME: Handles env var expansion, duration parsing, and validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flinthq/flint/internal/identity"
)

// Config is the deployment-facing configuration (gateway.yaml): listeners,
// auth, channel credentials, logging, metrics. User-facing behavior
// (providers, routing, sessions) lives in Settings.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Store       StoreConfig       `yaml:"store"`
	Agents      AgentsConfig      `yaml:"agents"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Memory      MemoryConfig      `yaml:"memory"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Slack       SlackConfig       `yaml:"slack"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// ShutdownGrace is how long in-flight requests get to drain on SIGTERM.
	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// AuthConfig holds API authentication settings. An empty token leaves the
// API open; health and webhook endpoints never require auth.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// TailscaleConfig holds tsnet settings for exposing the gateway on a
// tailnet instead of (or alongside) a plain TCP listener.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"`
}

// StoreConfig holds thread persistence settings.
type StoreConfig struct {
	// Path of the threads JSON file. Empty means ~/.flint/gateway/threads.json.
	Path string `yaml:"path"`
}

// AgentsConfig holds agent process settings.
type AgentsConfig struct {
	// InactivityTimeout is the per-turn watchdog: a turn with no agent
	// events for this long is interrupted and failed.
	InactivityTimeout    time.Duration `yaml:"-"`
	InactivityTimeoutRaw string        `yaml:"inactivity_timeout"`
}

// IdempotencyConfig holds replay-cache settings for channel retries.
type IdempotencyConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// MemoryConfig holds settings for the built-in memory MCP server.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
	// Command overrides the argv used to spawn the memory server.
	Command []string `yaml:"command"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SlackConfig holds the Slack channel adapter settings.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
	// DefaultRoutingMode overrides the settings-level routing mode for
	// messages arriving through Slack.
	DefaultRoutingMode string `yaml:"default_routing_mode"`
}

// Load reads and validates configuration from the given path. The file must
// exist; use LoadOrDefault when the file is optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns the default configuration when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the configuration used when no gateway.yaml exists: a
// plain HTTP listener on :8788 with no auth and no channels.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR} references with environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// parseDurations converts raw duration strings into time.Duration fields.
func (c *Config) parseDurations() error {
	if c.Server.ShutdownGraceRaw != "" {
		d, err := time.ParseDuration(c.Server.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("invalid server.shutdown_grace: %w", err)
		}
		c.Server.ShutdownGrace = d
	}
	if c.Agents.InactivityTimeoutRaw != "" {
		d, err := time.ParseDuration(c.Agents.InactivityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("invalid agents.inactivity_timeout: %w", err)
		}
		c.Agents.InactivityTimeout = d
	}
	if c.Idempotency.TTLRaw != "" {
		d, err := time.ParseDuration(c.Idempotency.TTLRaw)
		if err != nil {
			return fmt.Errorf("invalid idempotency.ttl: %w", err)
		}
		c.Idempotency.TTL = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8788"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath()
	}
	if c.Agents.InactivityTimeout == 0 {
		c.Agents.InactivityTimeout = 120 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 5 * time.Minute
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = DefaultMemoryDBPath()
	}
	if len(c.Memory.Command) == 0 {
		c.Memory.Command = []string{"flint-memory"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for invalid or missing values.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}

	if c.Slack.Enabled {
		if c.Slack.SigningSecret == "" {
			return fmt.Errorf("slack.signing_secret is required when slack is enabled")
		}
		if c.Slack.BotToken == "" {
			return fmt.Errorf("slack.bot_token is required when slack is enabled")
		}
		if c.Slack.DefaultRoutingMode != "" && !identity.ValidRoutingMode(c.Slack.DefaultRoutingMode) {
			return fmt.Errorf("slack.default_routing_mode: unknown mode %q", c.Slack.DefaultRoutingMode)
		}
	}

	return nil
}
