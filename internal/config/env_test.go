// ABOUTME: Tests for FLINT_GATEWAY_* environment overrides
// ABOUTME: Covers variable mapping and application over loaded config

package config

import (
	"testing"
	"time"
)

func TestLoadEnv_Mapping(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FLINT_GATEWAY_PROVIDER", "codex")
	t.Setenv("FLINT_GATEWAY_MODEL", "o4-mini")
	t.Setenv("FLINT_GATEWAY_ROUTING_MODE", "main")
	t.Setenv("FLINT_GATEWAY_STORE_PATH", "/tmp/threads.json")
	t.Setenv("FLINT_GATEWAY_IDEMPOTENCY_TTL_MS", "60000")
	t.Setenv("FLINT_GATEWAY_IDLE_TIMEOUT_SECONDS", "30")
	t.Setenv("FLINT_GATEWAY_IDENTITY_LINKS", `{"alice":["slack:U1"]}`)
	t.Setenv("FLINT_GATEWAY_MEMORY_ENABLED", "true")
	t.Setenv("FLINT_GATEWAY_USER_SETTINGS_PATH", "/tmp/settings.json")

	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}

	if e.Port != 9090 {
		t.Errorf("Port = %d, want 9090", e.Port)
	}
	if e.Provider != "codex" {
		t.Errorf("Provider = %q, want codex", e.Provider)
	}
	if e.RoutingMode != "main" {
		t.Errorf("RoutingMode = %q, want main", e.RoutingMode)
	}
	if e.IdempotencyTTLMS != 60000 {
		t.Errorf("IdempotencyTTLMS = %d, want 60000", e.IdempotencyTTLMS)
	}
	if e.MemoryEnabled == nil || !*e.MemoryEnabled {
		t.Error("MemoryEnabled not picked up")
	}
	if e.SettingsPath() != "/tmp/settings.json" {
		t.Errorf("SettingsPath() = %q, want /tmp/settings.json", e.SettingsPath())
	}
}

func TestEnvApply(t *testing.T) {
	enabled := true
	e := &Env{
		Port:               9090,
		Provider:           "Codex",
		Model:              "o4-mini",
		RoutingMode:        "main",
		StorePath:          "/tmp/threads.json",
		IdempotencyTTLMS:   60000,
		IdleTimeoutSeconds: 30,
		IdentityLinks:      `{"alice":["slack:U1"]}`,
		MemoryEnabled:      &enabled,
	}

	cfg := Default()
	s := DefaultSettings()
	if err := e.Apply(cfg, s); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Path != "/tmp/threads.json" {
		t.Errorf("Store.Path = %q, want /tmp/threads.json", cfg.Store.Path)
	}
	if cfg.Idempotency.TTL != time.Minute {
		t.Errorf("Idempotency.TTL = %v, want 1m", cfg.Idempotency.TTL)
	}
	if cfg.Agents.InactivityTimeout != 30*time.Second {
		t.Errorf("Agents.InactivityTimeout = %v, want 30s", cfg.Agents.InactivityTimeout)
	}
	if !cfg.Memory.Enabled {
		t.Error("Memory.Enabled = false, want true")
	}
	if s.DefaultProvider != "codex" {
		t.Errorf("DefaultProvider = %q, want lowercased codex", s.DefaultProvider)
	}
	if s.DefaultModel != "o4-mini" {
		t.Errorf("DefaultModel = %q, want o4-mini", s.DefaultModel)
	}
	if s.DefaultRoutingMode != "main" {
		t.Errorf("DefaultRoutingMode = %q, want main", s.DefaultRoutingMode)
	}
	if canonical, ok := s.Links().Match("slack:u1", ""); !ok || canonical != "alice" {
		t.Errorf("Links().Match = %q, %v, want alice, true", canonical, ok)
	}
}

func TestEnvApply_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  Env
	}{
		{name: "bad routing mode", env: Env{RoutingMode: "per-galaxy"}},
		{name: "unknown provider", env: Env{Provider: "gemini"}},
		{name: "bad identity links", env: Env{IdentityLinks: "not-json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.env.Apply(Default(), DefaultSettings()); err == nil {
				t.Error("Apply() expected error, got nil")
			}
		})
	}
}
