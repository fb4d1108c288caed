// ABOUTME: Inbound message shape shared by every channel, with validation.
// ABOUTME: Reply and public thread views returned to external callers.

package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/flinthq/flint/internal/identity"
	"github.com/flinthq/flint/internal/store"
)

// ValidationError reports a malformed inbound message. The HTTP surface
// turns it into a 400 with the reason as the body.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InboundMessage is one user message from any channel. HTTP callers post it
// directly; channel adapters construct it from their webhook payloads.
type InboundMessage struct {
	// Channel names the source platform ("http", "slack", "telegram", ...).
	Channel string `json:"channel"`

	// UserID is the sender's identifier on that channel.
	UserID string `json:"userId"`

	// Text is the prompt. Required, non-blank after trimming.
	Text string `json:"text"`

	// Provider optionally targets a configured provider for new sessions.
	Provider string `json:"provider,omitempty"`

	ChatType        string `json:"chatType,omitempty"`
	PeerID          string `json:"peerId,omitempty"`
	AccountID       string `json:"accountId,omitempty"`
	IdentityID      string `json:"identityId,omitempty"`
	ChannelThreadID string `json:"channelThreadId,omitempty"`

	// MCPProfileIDs selects the MCP profiles composed into the thread's
	// agent session. Normalization sorts and deduplicates the list so equal
	// sets compare equal.
	MCPProfileIDs []string `json:"mcpProfileIds,omitempty"`

	RoutingMode    string `json:"routingMode,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// MCPServers is never accepted inline; servers are attached through
	// profiles only. Declared so the rejection is explicit rather than a
	// silently dropped field.
	MCPServers json.RawMessage `json:"mcpServers,omitempty"`

	// Fingerprint scopes the idempotency key to a payload. Set by the
	// transport, never decoded from the body.
	Fingerprint string `json:"-"`
}

// Normalize trims and lowercases token fields, applies the default routing
// mode, and validates enums. It mutates the message in place.
func (m *InboundMessage) Normalize(defaultRoutingMode string) error {
	m.Channel = identity.NormalizeToken(m.Channel)
	m.UserID = strings.TrimSpace(m.UserID)
	m.Text = strings.TrimSpace(m.Text)
	m.Provider = identity.NormalizeToken(m.Provider)
	m.ChatType = identity.NormalizeToken(m.ChatType)
	m.PeerID = strings.TrimSpace(m.PeerID)
	m.AccountID = strings.TrimSpace(m.AccountID)
	m.IdentityID = strings.TrimSpace(m.IdentityID)
	m.ChannelThreadID = strings.TrimSpace(m.ChannelThreadID)
	m.RoutingMode = identity.NormalizeToken(m.RoutingMode)
	m.IdempotencyKey = strings.TrimSpace(m.IdempotencyKey)

	if len(m.MCPServers) > 0 && string(m.MCPServers) != "null" {
		return invalidf("mcpServers is not accepted on messages; reference profiles via mcpProfileIds")
	}
	if m.Channel == "" {
		return invalidf("channel is required")
	}
	if m.UserID == "" {
		return invalidf("userId is required")
	}
	if m.Text == "" {
		return invalidf("text is required")
	}
	if m.RoutingMode == "" {
		m.RoutingMode = defaultRoutingMode
	}
	if !identity.ValidRoutingMode(m.RoutingMode) {
		return invalidf("routingMode %q is not one of main, per-peer, per-channel-peer, per-account-channel-peer", m.RoutingMode)
	}
	if m.ChatType != "" && !identity.ValidChatType(m.ChatType) {
		return invalidf("chatType %q is not one of direct, group, channel", m.ChatType)
	}
	if m.MCPProfileIDs != nil {
		if len(m.MCPProfileIDs) == 0 {
			return invalidf("mcpProfileIds must not be empty when present")
		}
		for i, id := range m.MCPProfileIDs {
			if strings.TrimSpace(id) == "" {
				return invalidf("mcpProfileIds[%d] is blank", i)
			}
		}
		m.MCPProfileIDs = normalizeProfileIDs(m.MCPProfileIDs)
	}
	return nil
}

// normalizeProfileIDs sorts, trims, and deduplicates so two requests naming
// the same profiles in any order produce the same runtime shape.
func normalizeProfileIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ThreadMessage is the body accepted when continuing a thread by id; the
// stored record supplies the routing fields.
type ThreadMessage struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Fingerprint scopes the idempotency key, as on InboundMessage.
	Fingerprint string `json:"-"`
}

// Reply is the result of one handled message.
type Reply struct {
	ThreadID       string `json:"threadId"`
	RoutingMode    string `json:"routingMode"`
	Provider       string `json:"provider"`
	Reply          string `json:"reply"`
	DurationMs     int64  `json:"durationMs"`
	Cached         bool   `json:"cached,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PublicThread is a thread record shaped for external callers: the
// provider-side session id never leaves the gateway.
type PublicThread struct {
	ThreadID        string   `json:"threadId"`
	RoutingMode     string   `json:"routingMode"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model,omitempty"`
	MCPProfileIDs   []string `json:"mcpProfileIds,omitempty"`
	Channel         string   `json:"channel,omitempty"`
	UserID          string   `json:"userId,omitempty"`
	ChatType        string   `json:"chatType,omitempty"`
	PeerID          string   `json:"peerId,omitempty"`
	AccountID       string   `json:"accountId,omitempty"`
	IdentityID      string   `json:"identityId,omitempty"`
	ChannelThreadID string   `json:"channelThreadId,omitempty"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
}

func publicView(rec store.ThreadRecord) PublicThread {
	return PublicThread{
		ThreadID:        rec.ThreadID,
		RoutingMode:     rec.RoutingMode,
		Provider:        rec.Provider,
		Model:           rec.Model,
		MCPProfileIDs:   rec.MCPProfileIDs,
		Channel:         rec.Channel,
		UserID:          rec.UserID,
		ChatType:        rec.ChatType,
		PeerID:          rec.PeerID,
		AccountID:       rec.AccountID,
		IdentityID:      rec.IdentityID,
		ChannelThreadID: rec.ChannelThreadID,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
