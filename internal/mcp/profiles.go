// ABOUTME: MCP profile composition: named profiles expand depth-first into one alias map.
// ABOUTME: Detects include cycles and alias collisions; drops servers with unresolved env vars.

package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

var (
	// ErrProfileNotFound is returned when a referenced profile id is not declared.
	ErrProfileNotFound = errors.New("mcp profile not found")
	// ErrAliasCollision is returned when two profiles declare the same server alias.
	ErrAliasCollision = errors.New("mcp server alias collision")
	// ErrProfileCycle is returned when profile includes form a cycle.
	ErrProfileCycle = errors.New("mcp profile include cycle")
)

// Profile is one named bundle of MCP servers. Include references other
// profiles by id; Servers maps aliases to opaque config objects handed to
// the agent as-is (after env substitution).
type Profile struct {
	Include []string                  `json:"include,omitempty"`
	Servers map[string]map[string]any `json:"servers,omitempty"`
}

type composer struct {
	profiles map[string]Profile
	log      *slog.Logger

	out      map[string]map[string]any
	declared map[string]string // alias → declaring profile, including dropped servers
	visiting map[string]bool
	done     map[string]bool
}

// Compose expands ids depth-first into a single {alias → config} map.
// A profile reached through multiple include paths contributes once. A server
// whose config references a missing or empty environment variable is dropped
// with a warning; everything else composes normally.
func Compose(profiles map[string]Profile, ids []string, log *slog.Logger) (map[string]map[string]any, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &composer{
		profiles: profiles,
		log:      log,
		out:      make(map[string]map[string]any),
		declared: make(map[string]string),
		visiting: make(map[string]bool),
		done:     make(map[string]bool),
	}
	for _, id := range ids {
		if err := c.expand(strings.TrimSpace(id)); err != nil {
			return nil, err
		}
	}
	return c.out, nil
}

func (c *composer) expand(id string) error {
	if c.done[id] {
		return nil
	}
	if c.visiting[id] {
		return fmt.Errorf("%w: %q", ErrProfileCycle, id)
	}
	profile, ok := c.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProfileNotFound, id)
	}

	c.visiting[id] = true
	for _, include := range profile.Include {
		if err := c.expand(strings.TrimSpace(include)); err != nil {
			return err
		}
	}
	delete(c.visiting, id)
	c.done[id] = true

	// Sort aliases so collision errors are deterministic.
	aliases := make([]string, 0, len(profile.Servers))
	for alias := range profile.Servers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		if owner, exists := c.declared[alias]; exists {
			return fmt.Errorf("%w: %q declared by profiles %q and %q", ErrAliasCollision, alias, owner, id)
		}
		c.declared[alias] = id

		expanded, err := expandConfig(profile.Servers[alias])
		if err != nil {
			c.log.Warn("dropping mcp server with unresolved environment variable",
				"alias", alias, "profile", id, "error", err)
			continue
		}
		c.out[alias] = expanded
	}
	return nil
}

// Merge adds cfg under alias, suffixing _1, _2, … until the alias does not
// collide with a composed server. It never replaces a user-declared alias.
// The alias actually used is returned.
func Merge(servers map[string]map[string]any, alias string, cfg map[string]any) string {
	candidate := alias
	for i := 1; ; i++ {
		if _, exists := servers[candidate]; !exists {
			break
		}
		candidate = fmt.Sprintf("%s_%d", alias, i)
	}
	servers[candidate] = cfg
	return candidate
}

// Codex flattens MCP servers into dotted config keys instead of a structured
// field, and renames the HTTP transport keys.
var codexKeyRenames = map[string]string{
	"headers":           "http_headers",
	"envHeaders":        "env_http_headers",
	"bearerTokenEnvVar": "bearer_token_env_var",
}

// FlattenCodex converts an {alias → config} map to the dotted
// `mcp_servers.{alias}.{key}` entries Codex-shaped providers expect.
// Stdio fields (command/args/env/cwd) pass through unchanged.
func FlattenCodex(servers map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(servers))
	for alias, cfg := range servers {
		for key, val := range cfg {
			if renamed, ok := codexKeyRenames[key]; ok {
				key = renamed
			}
			out[fmt.Sprintf("mcp_servers.%s.%s", alias, key)] = val
		}
	}
	return out
}
