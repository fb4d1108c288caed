// ABOUTME: Session lifecycle: reset policy resolution, expiry evaluation, reset commands.
// ABOUTME: Decides when a thread's agent session is recycled and how /new retargets it.

package session

import (
	"strings"
	"time"

	"github.com/flinthq/flint/internal/identity"
)

// Defaults applied when settings carry no session block.
const (
	DefaultDailyHour = 4
	DefaultGreeting  = "New session started. Greet the user briefly."
)

// DefaultTriggers are the reset slash-commands when none are configured.
var DefaultTriggers = []string{"/new", "/reset"}

// Session types used for per-type policy overrides.
const (
	TypeThread = "thread"
	TypeDirect = "direct"
	TypeGroup  = "group"
)

// Type classifies a message for policy resolution: anything inside a channel
// thread is "thread", direct chats are "direct", group and channel chats are
// "group".
func Type(chatType, channelThreadID string) string {
	if strings.TrimSpace(channelThreadID) != "" {
		return TypeThread
	}
	if chatType == identity.ChatGroup || chatType == identity.ChatChannel {
		return TypeGroup
	}
	return TypeDirect
}

// Policy is a resolved reset policy. Both fields may be set; daily wins when
// both match. An empty policy never expires anything.
type Policy struct {
	DailyAtHour *int
	IdleMinutes *int
}

// Empty reports whether the policy disables resets.
func (p Policy) Empty() bool { return p.DailyAtHour == nil && p.IdleMinutes == nil }

// ResetConfig is one reset policy block in settings. Mode narrows which
// fields apply: "daily", "idle", or "off". With no mode, the populated
// fields decide.
type ResetConfig struct {
	Mode        string `json:"mode,omitempty"`
	AtHour      *int   `json:"atHour,omitempty"`
	IdleMinutes *int   `json:"idleMinutes,omitempty"`
}

// Config is the session block of settings.
type Config struct {
	// IdleMinutes is the legacy top-level knob: idle-only policy, no daily.
	IdleMinutes    *int                   `json:"idleMinutes,omitempty"`
	Reset          *ResetConfig           `json:"reset,omitempty"`
	ResetByType    map[string]ResetConfig `json:"resetByType,omitempty"`
	ResetByChannel map[string]ResetConfig `json:"resetByChannel,omitempty"`
	ResetTriggers  []string               `json:"resetTriggers,omitempty"`
	GreetingPrompt string                 `json:"greetingPrompt,omitempty"`
}

// Triggers returns the configured reset triggers or the defaults.
func (c *Config) Triggers() []string {
	if c != nil && len(c.ResetTriggers) > 0 {
		return c.ResetTriggers
	}
	return DefaultTriggers
}

// Greeting returns the configured greeting prompt or the default.
func (c *Config) Greeting() string {
	if c != nil && strings.TrimSpace(c.GreetingPrompt) != "" {
		return c.GreetingPrompt
	}
	return DefaultGreeting
}

// ResolvePolicy picks the policy for one message: channel override, then
// session-type override, then the base config.
func (c *Config) ResolvePolicy(channel, sessionType string) Policy {
	if c != nil {
		if rc, ok := c.ResetByChannel[channel]; ok {
			return rc.policy()
		}
		if rc, ok := c.ResetByType[sessionType]; ok {
			return rc.policy()
		}
		if c.Reset != nil {
			return c.Reset.policy()
		}
		if c.IdleMinutes != nil {
			return Policy{IdleMinutes: c.IdleMinutes}
		}
	}
	hour := DefaultDailyHour
	return Policy{DailyAtHour: &hour}
}

func (rc ResetConfig) policy() Policy {
	switch strings.ToLower(rc.Mode) {
	case "off":
		return Policy{}
	case "idle":
		if rc.IdleMinutes != nil && *rc.IdleMinutes > 0 {
			return Policy{IdleMinutes: rc.IdleMinutes}
		}
		return Policy{}
	case "daily":
		hour := DefaultDailyHour
		if rc.AtHour != nil {
			hour = *rc.AtHour
		}
		return Policy{DailyAtHour: &hour}
	default:
		p := Policy{}
		if rc.AtHour != nil {
			p.DailyAtHour = rc.AtHour
		}
		if rc.IdleMinutes != nil && *rc.IdleMinutes > 0 {
			p.IdleMinutes = rc.IdleMinutes
		}
		if p.Empty() {
			hour := DefaultDailyHour
			p.DailyAtHour = &hour
		}
		return p
	}
}

// Expiry is the outcome of evaluating a policy against a record.
type Expiry struct {
	Expired bool
	Reason  string // "daily" or "idle"
}

// Evaluate decides whether a session last touched at updatedAt has expired
// by now. The daily boundary is the most recent local instant at the
// configured hour; it is checked before idle so the reason is deterministic.
func Evaluate(updatedAt string, now time.Time, p Policy) Expiry {
	if p.Empty() || updatedAt == "" {
		return Expiry{}
	}
	updated, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Expiry{}
	}

	if p.DailyAtHour != nil {
		boundary := time.Date(now.Year(), now.Month(), now.Day(), *p.DailyAtHour, 0, 0, 0, now.Location())
		if now.Before(boundary) {
			boundary = boundary.Add(-24 * time.Hour)
		}
		if updated.Before(boundary) {
			return Expiry{Expired: true, Reason: "daily"}
		}
	}

	if p.IdleMinutes != nil {
		cutoff := now.Add(-time.Duration(*p.IdleMinutes) * time.Minute)
		if updated.Before(cutoff) {
			return Expiry{Expired: true, Reason: "idle"}
		}
	}

	return Expiry{}
}

// ResetCommand is a parsed reset trigger with optional retargeting.
type ResetCommand struct {
	Trigger          string
	ProviderOverride string
	ModelOverride    string
	NextText         string
}

// ParseResetCommand checks whether text begins with a reset trigger and, for
// /new, parses an optional provider/model target token. The leftover text is
// the next prompt; when nothing is left the greeting fills in.
func ParseResetCommand(text string, triggers []string, providerHints []string, greeting string) (ResetCommand, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ResetCommand{}, false
	}

	fields := strings.Fields(trimmed)
	first := strings.ToLower(fields[0])

	var trigger string
	for _, t := range triggers {
		if strings.ToLower(t) == first {
			trigger = t
			break
		}
	}
	if trigger == "" {
		return ResetCommand{}, false
	}

	cmd := ResetCommand{Trigger: trigger}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))

	// Only the /new form takes a provider or model target.
	if strings.ToLower(trigger) == "/new" && len(fields) > 1 {
		token := fields[1]
		consumed := false

		if left, right, found := strings.Cut(token, "/"); found {
			if provider, ok := matchProvider(left, providerHints); ok {
				cmd.ProviderOverride = provider
				cmd.ModelOverride = right
			} else {
				cmd.ModelOverride = token
			}
			consumed = true
		} else if provider, ok := matchProvider(token, providerHints); ok {
			cmd.ProviderOverride = provider
			consumed = true
		} else if looksModelLike(token) {
			cmd.ModelOverride = token
			consumed = true
		}

		if consumed {
			rest = strings.TrimSpace(strings.TrimPrefix(rest, token))
		}
	}

	if rest == "" {
		rest = greeting
	}
	cmd.NextText = rest

	return cmd, true
}

// matchProvider matches tok against hints by case-insensitive equality or a
// unique case-insensitive prefix.
func matchProvider(tok string, hints []string) (string, bool) {
	if tok == "" {
		return "", false
	}
	lower := strings.ToLower(tok)

	var prefixMatch string
	matches := 0
	for _, hint := range hints {
		hintLower := strings.ToLower(hint)
		if hintLower == lower {
			return hint, true
		}
		if strings.HasPrefix(hintLower, lower) {
			prefixMatch = hint
			matches++
		}
	}
	if matches == 1 {
		return prefixMatch, true
	}
	return "", false
}

// looksModelLike guards against eating the first prompt word: bare tokens
// count as models only when they resemble one.
func looksModelLike(tok string) bool {
	return strings.ContainsAny(tok, "-_:./0123456789")
}
