// ABOUTME: User settings loaded from ~/.flint/settings.json
// ABOUTME: Providers, routing, identity links, MCP profiles, session policy

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/flinthq/flint/internal/identity"
	"github.com/flinthq/flint/internal/mcp"
	"github.com/flinthq/flint/internal/protocol"
	"github.com/flinthq/flint/internal/session"
)

// Provider describes one agent binary the gateway can spawn.
type Provider struct {
	// Command is the argv used to start the agent process.
	Command []string `json:"command"`
	// Kind marks the wire shape. "codex" switches session config to the
	// flattened Codex TOML form; empty means the plain Agent Protocol shape.
	Kind         string            `json:"kind,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	// SystemPrompt replaces the agent's base instructions.
	// SystemPromptAppend is added on top of whatever the agent ships with.
	SystemPrompt       string `json:"systemPrompt,omitempty"`
	SystemPromptAppend string `json:"systemPromptAppend,omitempty"`
}

// CodexOptions carries Codex-only session knobs. They are sent to providers
// with the Codex wire shape and never to anyone else.
type CodexOptions struct {
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxMode    string `json:"sandboxMode,omitempty"`
}

// Settings is the user-facing configuration (settings.json). Deployment
// concerns (listeners, tokens, logging) live in Config.
type Settings struct {
	DefaultProvider      string                 `json:"defaultProvider,omitempty"`
	DefaultModel         string                 `json:"defaultModel,omitempty"`
	DefaultRoutingMode   string                 `json:"defaultRoutingMode,omitempty"`
	Providers            map[string]Provider    `json:"providers,omitempty"`
	IdentityLinks        *identity.Links        `json:"identityLinks,omitempty"`
	DefaultMCPProfileIDs []string               `json:"defaultMcpProfileIds,omitempty"`
	MCPProfiles          map[string]mcp.Profile `json:"mcpProfiles,omitempty"`
	Session              *session.Config        `json:"session,omitempty"`
	Codex                *CodexOptions          `json:"codex,omitempty"`
	// ApprovalDecision answers agent approval requests: "accept" (the
	// default) or "decline".
	ApprovalDecision string `json:"approvalDecision,omitempty"`
}

// builtinProviders are registered when settings declare nothing for the
// name. The argv is a convention; real deployments set their own.
var builtinProviders = map[string]Provider{
	"claude": {Command: []string{"claude-agent"}},
	"codex":  {Command: []string{"codex", "app-server"}, Kind: "codex"},
}

// DefaultSettings returns the settings used when no settings.json exists.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

// LoadSettings reads user settings from path. A missing file yields the
// defaults; an unreadable or malformed file is a startup error.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}

	s.applyDefaults()

	if err := s.expandEnvRefs(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.DefaultProvider == "" {
		s.DefaultProvider = "claude"
	}
	s.DefaultProvider = strings.ToLower(s.DefaultProvider)
	if s.DefaultRoutingMode == "" {
		s.DefaultRoutingMode = identity.RoutingPerPeer
	}

	// Provider names are case-insensitive everywhere they appear.
	providers := make(map[string]Provider, len(s.Providers)+len(builtinProviders))
	for name, p := range s.Providers {
		providers[strings.ToLower(name)] = p
	}
	for name, p := range builtinProviders {
		if _, ok := providers[name]; !ok {
			providers[name] = p
		}
	}
	s.Providers = providers
}

// expandEnvRefs substitutes ${NAME} references in provider, session, and
// Codex strings. A missing variable aborts the load. MCP server configs are
// left untouched here: profile composition expands them and drops the
// affected server instead of failing.
func (s *Settings) expandEnvRefs() error {
	for _, name := range s.ProviderNames() {
		p := s.Providers[name]
		var err error
		for i, arg := range p.Command {
			if p.Command[i], err = mcp.ExpandEnv(arg); err != nil {
				return fmt.Errorf("providers.%s.command: %w", name, err)
			}
		}
		if p.Cwd, err = mcp.ExpandEnv(p.Cwd); err != nil {
			return fmt.Errorf("providers.%s.cwd: %w", name, err)
		}
		for _, k := range sortedKeys(p.Env) {
			if p.Env[k], err = mcp.ExpandEnv(p.Env[k]); err != nil {
				return fmt.Errorf("providers.%s.env.%s: %w", name, k, err)
			}
		}
		if p.SystemPrompt, err = mcp.ExpandEnv(p.SystemPrompt); err != nil {
			return fmt.Errorf("providers.%s.systemPrompt: %w", name, err)
		}
		if p.SystemPromptAppend, err = mcp.ExpandEnv(p.SystemPromptAppend); err != nil {
			return fmt.Errorf("providers.%s.systemPromptAppend: %w", name, err)
		}
		s.Providers[name] = p
	}

	if s.Session != nil && s.Session.GreetingPrompt != "" {
		expanded, err := mcp.ExpandEnv(s.Session.GreetingPrompt)
		if err != nil {
			return fmt.Errorf("session.greetingPrompt: %w", err)
		}
		s.Session.GreetingPrompt = expanded
	}
	return nil
}

// Validate checks the settings for invalid or missing values.
func (s *Settings) Validate() error {
	if !identity.ValidRoutingMode(s.DefaultRoutingMode) {
		return fmt.Errorf("defaultRoutingMode: unknown mode %q", s.DefaultRoutingMode)
	}
	if _, ok := s.Providers[s.DefaultProvider]; !ok {
		return fmt.Errorf("defaultProvider %q has no providers entry", s.DefaultProvider)
	}
	for _, name := range s.ProviderNames() {
		if len(s.Providers[name].Command) == 0 {
			return fmt.Errorf("providers.%s.command is required", name)
		}
	}
	switch s.ApprovalDecision {
	case "", protocol.DecisionAccept, protocol.DecisionDecline:
	default:
		return fmt.Errorf("approvalDecision must be %q or %q", protocol.DecisionAccept, protocol.DecisionDecline)
	}
	return nil
}

// ProviderNames returns the configured provider names, sorted. The engine
// uses them as hints when parsing reset targets like "/new codex".
func (s *Settings) ProviderNames() []string {
	return sortedKeys(s.Providers)
}

// Provider looks up a provider by case-insensitive name.
func (s *Settings) Provider(name string) (Provider, bool) {
	p, ok := s.Providers[strings.ToLower(name)]
	return p, ok
}

// CodexShaped reports whether the named provider speaks the Codex dialect.
func (s *Settings) CodexShaped(name string) bool {
	name = strings.ToLower(name)
	if p, ok := s.Providers[name]; ok && p.Kind == "codex" {
		return true
	}
	return name == "codex"
}

// ModelFor returns the model to start sessions with for a provider: the
// provider's own default, then the global default, then empty (meaning the
// agent's built-in default).
func (s *Settings) ModelFor(name string) string {
	if p, ok := s.Provider(name); ok && p.DefaultModel != "" {
		return p.DefaultModel
	}
	return s.DefaultModel
}

// Links returns the identity links, never nil.
func (s *Settings) Links() *identity.Links {
	if s.IdentityLinks == nil {
		return &identity.Links{}
	}
	return s.IdentityLinks
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
