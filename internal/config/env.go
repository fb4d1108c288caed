// ABOUTME: Environment variable overrides for the gateway
// ABOUTME: FLINT_GATEWAY_* family plus the conventional bare PORT

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/flinthq/flint/internal/identity"
)

// Env captures the FLINT_GATEWAY_* overrides. Env wins over both config
// files. PORT is also honored bare, for parity with the usual PaaS
// convention.
type Env struct {
	Port               int    `envconfig:"PORT"`
	Provider           string
	Model              string
	RoutingMode        string `split_words:"true"`
	StorePath          string `split_words:"true"`
	IdempotencyTTLMS   int64  `envconfig:"IDEMPOTENCY_TTL_MS"`
	IdleTimeoutSeconds int    `split_words:"true"`
	IdentityLinks      string `split_words:"true"`
	MemoryEnabled      *bool  `split_words:"true"`
	UserSettingsPath   string `split_words:"true"`
	Config             string
}

// LoadEnv reads the environment overrides.
func LoadEnv() (*Env, error) {
	var e Env
	if err := envconfig.Process("flint_gateway", &e); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return &e, nil
}

// ConfigPath returns the gateway.yaml path to load, honoring
// FLINT_GATEWAY_CONFIG.
func (e *Env) ConfigPath() string {
	if e.Config != "" {
		return e.Config
	}
	return DefaultConfigPath()
}

// SettingsPath returns the settings.json path to load, honoring
// FLINT_GATEWAY_USER_SETTINGS_PATH.
func (e *Env) SettingsPath() string {
	if e.UserSettingsPath != "" {
		return e.UserSettingsPath
	}
	return DefaultSettingsPath()
}

// Apply folds the overrides into the loaded configuration.
func (e *Env) Apply(cfg *Config, s *Settings) error {
	if e.Port != 0 {
		cfg.Server.HTTPAddr = fmt.Sprintf(":%d", e.Port)
	}
	if e.StorePath != "" {
		cfg.Store.Path = e.StorePath
	}
	if e.IdempotencyTTLMS > 0 {
		cfg.Idempotency.TTL = time.Duration(e.IdempotencyTTLMS) * time.Millisecond
	}
	if e.IdleTimeoutSeconds > 0 {
		cfg.Agents.InactivityTimeout = time.Duration(e.IdleTimeoutSeconds) * time.Second
	}
	if e.MemoryEnabled != nil {
		cfg.Memory.Enabled = *e.MemoryEnabled
	}

	if e.Provider != "" {
		s.DefaultProvider = strings.ToLower(e.Provider)
		if _, ok := s.Providers[s.DefaultProvider]; !ok {
			return fmt.Errorf("FLINT_GATEWAY_PROVIDER: %q has no providers entry", e.Provider)
		}
	}
	if e.Model != "" {
		s.DefaultModel = e.Model
	}
	if e.RoutingMode != "" {
		if !identity.ValidRoutingMode(e.RoutingMode) {
			return fmt.Errorf("FLINT_GATEWAY_ROUTING_MODE: unknown mode %q", e.RoutingMode)
		}
		s.DefaultRoutingMode = e.RoutingMode
	}
	if e.IdentityLinks != "" {
		links := &identity.Links{}
		if err := json.Unmarshal([]byte(e.IdentityLinks), links); err != nil {
			return fmt.Errorf("FLINT_GATEWAY_IDENTITY_LINKS: %w", err)
		}
		s.IdentityLinks = links
	}
	return nil
}
