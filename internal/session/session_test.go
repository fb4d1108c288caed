// ABOUTME: Tests for reset policy resolution, expiry evaluation, and reset command parsing.
// ABOUTME: Includes the daily-boundary and /new retargeting behaviors end to end.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestTypeClassification(t *testing.T) {
	assert.Equal(t, TypeThread, Type("group", "169.42"))
	assert.Equal(t, TypeThread, Type("direct", "t-1"))
	assert.Equal(t, TypeDirect, Type("direct", ""))
	assert.Equal(t, TypeDirect, Type("", ""))
	assert.Equal(t, TypeGroup, Type("group", ""))
	assert.Equal(t, TypeGroup, Type("channel", ""))
}

func TestResolvePolicyDefaults(t *testing.T) {
	var cfg *Config
	p := cfg.ResolvePolicy("slack", TypeDirect)
	require.NotNil(t, p.DailyAtHour)
	assert.Equal(t, 4, *p.DailyAtHour)
	assert.Nil(t, p.IdleMinutes)
}

func TestResolvePolicyLegacyIdleMinutes(t *testing.T) {
	cfg := &Config{IdleMinutes: intp(30)}
	p := cfg.ResolvePolicy("slack", TypeDirect)
	assert.Nil(t, p.DailyAtHour)
	require.NotNil(t, p.IdleMinutes)
	assert.Equal(t, 30, *p.IdleMinutes)
}

func TestResolvePolicyPrecedence(t *testing.T) {
	cfg := &Config{
		Reset:          &ResetConfig{Mode: "daily", AtHour: intp(2)},
		ResetByType:    map[string]ResetConfig{TypeGroup: {Mode: "idle", IdleMinutes: intp(15)}},
		ResetByChannel: map[string]ResetConfig{"slack": {Mode: "off"}},
	}

	// Channel override wins over everything.
	assert.True(t, cfg.ResolvePolicy("slack", TypeGroup).Empty())

	// Type override wins over the base.
	p := cfg.ResolvePolicy("http", TypeGroup)
	require.NotNil(t, p.IdleMinutes)
	assert.Equal(t, 15, *p.IdleMinutes)

	// Base applies otherwise.
	p = cfg.ResolvePolicy("http", TypeDirect)
	require.NotNil(t, p.DailyAtHour)
	assert.Equal(t, 2, *p.DailyAtHour)
}

func TestResetConfigModeNarrowing(t *testing.T) {
	// Daily mode ignores idleMinutes and defaults the hour.
	p := (ResetConfig{Mode: "daily", IdleMinutes: intp(10)}).policy()
	require.NotNil(t, p.DailyAtHour)
	assert.Equal(t, 4, *p.DailyAtHour)
	assert.Nil(t, p.IdleMinutes)

	// Idle mode without minutes disables resets.
	assert.True(t, (ResetConfig{Mode: "idle"}).policy().Empty())

	// No mode: populated fields decide, both may apply.
	p = (ResetConfig{AtHour: intp(6), IdleMinutes: intp(45)}).policy()
	require.NotNil(t, p.DailyAtHour)
	require.NotNil(t, p.IdleMinutes)
}

func TestEvaluateDailyBoundary(t *testing.T) {
	policy := Policy{DailyAtHour: intp(4)}

	// Crossed the 04:00 boundary since the last update.
	now := time.Date(2026, 2, 18, 5, 0, 0, 0, time.UTC)
	got := Evaluate("2026-02-18T03:00:00Z", now, policy)
	assert.True(t, got.Expired)
	assert.Equal(t, "daily", got.Reason)

	// Updated after the boundary: still fresh.
	got = Evaluate("2026-02-18T04:30:00Z", now, policy)
	assert.False(t, got.Expired)

	// Before today's boundary the window reaches back to yesterday 04:00.
	now = time.Date(2026, 2, 18, 3, 0, 0, 0, time.UTC)
	got = Evaluate("2026-02-17T05:00:00Z", now, policy)
	assert.False(t, got.Expired)
	got = Evaluate("2026-02-17T03:59:00Z", now, policy)
	assert.True(t, got.Expired)
}

func TestEvaluateIdle(t *testing.T) {
	policy := Policy{IdleMinutes: intp(30)}
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

	got := Evaluate("2026-02-18T11:15:00Z", now, policy)
	assert.True(t, got.Expired)
	assert.Equal(t, "idle", got.Reason)

	got = Evaluate("2026-02-18T11:45:00Z", now, policy)
	assert.False(t, got.Expired)
}

func TestEvaluateDailyCheckedBeforeIdle(t *testing.T) {
	policy := Policy{DailyAtHour: intp(4), IdleMinutes: intp(30)}
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

	// Stale by both measures: daily wins.
	got := Evaluate("2026-02-17T00:00:00Z", now, policy)
	assert.True(t, got.Expired)
	assert.Equal(t, "daily", got.Reason)

	// Fresh for daily, stale for idle.
	got = Evaluate("2026-02-18T05:00:00Z", now, policy)
	assert.True(t, got.Expired)
	assert.Equal(t, "idle", got.Reason)
}

func TestEvaluateMonotoneInUpdatedAt(t *testing.T) {
	policy := Policy{DailyAtHour: intp(4), IdleMinutes: intp(60)}
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

	stamps := []string{
		"2026-02-16T00:00:00Z",
		"2026-02-18T03:59:00Z",
		"2026-02-18T04:01:00Z",
		"2026-02-18T11:30:00Z",
	}
	expiredSeen := false
	for i := len(stamps) - 1; i >= 0; i-- {
		got := Evaluate(stamps[i], now, policy)
		if expiredSeen {
			assert.True(t, got.Expired, "older timestamp %s must stay expired", stamps[i])
		}
		if got.Expired {
			expiredSeen = true
		}
	}
	assert.True(t, expiredSeen)
}

func TestEvaluateEdgeCases(t *testing.T) {
	assert.False(t, Evaluate("", time.Now(), Policy{DailyAtHour: intp(4)}).Expired)
	assert.False(t, Evaluate("garbage", time.Now(), Policy{DailyAtHour: intp(4)}).Expired)
	assert.False(t, Evaluate("2020-01-01T00:00:00Z", time.Now(), Policy{}).Expired)
}

func TestParseResetCommandRetargeting(t *testing.T) {
	hints := []string{"claude", "codex"}

	cmd, ok := ParseResetCommand("/new claude/sonnet keep going", DefaultTriggers, hints, DefaultGreeting)
	require.True(t, ok)
	assert.Equal(t, "/new", cmd.Trigger)
	assert.Equal(t, "claude", cmd.ProviderOverride)
	assert.Equal(t, "sonnet", cmd.ModelOverride)
	assert.Equal(t, "keep going", cmd.NextText)
}

func TestParseResetCommandForms(t *testing.T) {
	hints := []string{"claude", "codex"}

	tests := []struct {
		name     string
		text     string
		provider string
		model    string
		nextText string
	}{
		{"bare trigger greets", "/new", "", "", DefaultGreeting},
		{"unique prefix matches provider", "/new cl", "claude", "", DefaultGreeting},
		{"ambiguous prefix consumes nothing", "/new c hello", "", "", "c hello"},
		{"bare model-like token", "/new gpt-5", "", "gpt-5", DefaultGreeting},
		{"plain word is prompt text", "/new hello world", "", "", "hello world"},
		{"unknown left side keeps whole token as model", "/new pi/fast go", "", "pi/fast", "go"},
		{"provider with empty model", "/new codex/", "codex", "", DefaultGreeting},
		{"case-insensitive trigger", "/NEW codex", "codex", "", DefaultGreeting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ParseResetCommand(tt.text, DefaultTriggers, hints, DefaultGreeting)
			require.True(t, ok)
			assert.Equal(t, tt.provider, cmd.ProviderOverride)
			assert.Equal(t, tt.model, cmd.ModelOverride)
			assert.Equal(t, tt.nextText, cmd.NextText)
		})
	}
}

func TestParseResetCommandNonNewTriggersTakeNoTarget(t *testing.T) {
	cmd, ok := ParseResetCommand("/reset claude please", DefaultTriggers, []string{"claude"}, DefaultGreeting)
	require.True(t, ok)
	assert.Equal(t, "/reset", cmd.Trigger)
	assert.Empty(t, cmd.ProviderOverride)
	assert.Equal(t, "claude please", cmd.NextText)
}

func TestParseResetCommandNoTrigger(t *testing.T) {
	_, ok := ParseResetCommand("hello /new", DefaultTriggers, nil, DefaultGreeting)
	assert.False(t, ok)

	_, ok = ParseResetCommand("", DefaultTriggers, nil, DefaultGreeting)
	assert.False(t, ok)

	// Custom trigger lists replace the defaults entirely.
	_, ok = ParseResetCommand("/new", []string{"/restart"}, nil, DefaultGreeting)
	assert.False(t, ok)
}
