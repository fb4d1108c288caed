// ABOUTME: Thread identity resolution: maps inbound routing fields to stable thread ids.
// ABOUTME: Pure functions over normalized tokens plus ordered cross-channel identity links.

package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Routing modes accepted on inbound messages.
const (
	RoutingMain                  = "main"
	RoutingPerPeer               = "per-peer"
	RoutingPerChannelPeer        = "per-channel-peer"
	RoutingPerAccountChannelPeer = "per-account-channel-peer"
)

// Chat types accepted on inbound messages.
const (
	ChatDirect  = "direct"
	ChatGroup   = "group"
	ChatChannel = "channel"
)

// ValidRoutingMode reports whether s (already normalized) is a known mode.
func ValidRoutingMode(s string) bool {
	switch s {
	case RoutingMain, RoutingPerPeer, RoutingPerChannelPeer, RoutingPerAccountChannelPeer:
		return true
	}
	return false
}

// ValidChatType reports whether s (already normalized) is a known chat type.
func ValidChatType(s string) bool {
	switch s {
	case ChatDirect, ChatGroup, ChatChannel:
		return true
	}
	return false
}

// NormalizeToken lowercases and trims enumerated token fields.
func NormalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Links collapses cross-channel identities: canonical id → tokens matched
// against peerId and channel:peerId. Insertion order decides ties, so the
// first configured canonical with an intersecting token wins.
type Links struct {
	order       []string
	byCanonical map[string][]string
}

// Add appends tokens under canonical, preserving first-seen ordering.
func (l *Links) Add(canonical string, tokens []string) {
	if l.byCanonical == nil {
		l.byCanonical = make(map[string][]string)
	}
	if _, ok := l.byCanonical[canonical]; !ok {
		l.order = append(l.order, canonical)
	}
	l.byCanonical[canonical] = append(l.byCanonical[canonical], tokens...)
}

// Len reports the number of canonical identities.
func (l *Links) Len() int {
	if l == nil {
		return 0
	}
	return len(l.order)
}

// Match finds the first canonical whose tokens include peerID or
// channel:peerID.
func (l *Links) Match(peerID, channel string) (string, bool) {
	if l == nil {
		return "", false
	}
	scoped := channel + ":" + peerID
	for _, canonical := range l.order {
		for _, token := range l.byCanonical[canonical] {
			if token == peerID || token == scoped {
				return canonical, true
			}
		}
	}
	return "", false
}

// UnmarshalJSON decodes `{canonical: [token, …]}` keeping the object's key
// order, which encoding/json's map decoding would lose.
func (l *Links) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("identity links must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		canonical, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("identity link key must be a string")
		}
		var tokens []string
		if err := dec.Decode(&tokens); err != nil {
			return fmt.Errorf("identity link %q: %w", canonical, err)
		}
		l.Add(canonical, tokens)
	}

	_, err = dec.Token()
	return err
}

// Params are the routing-relevant fields of an inbound message.
type Params struct {
	Channel         string
	UserID          string
	ChatType        string
	PeerID          string
	AccountID       string
	IdentityID      string
	ChannelThreadID string
}

// Resolve computes the stable thread id for a message. It is a pure function
// of its inputs: equal normalized inputs always produce equal ids.
func Resolve(p Params, routingMode string, links *Links) string {
	channel := NormalizeToken(p.Channel)
	chatType := NormalizeToken(p.ChatType)

	accountID := strings.TrimSpace(p.AccountID)
	if accountID == "" {
		accountID = "default"
	}
	peerID := strings.TrimSpace(p.PeerID)
	if peerID == "" {
		peerID = strings.TrimSpace(p.UserID)
	}
	if peerID == "" {
		peerID = "unknown"
	}
	channelThreadID := strings.TrimSpace(p.ChannelThreadID)

	if chatType == ChatGroup || chatType == ChatChannel {
		id := fmt.Sprintf("agent:main:%s:%s:%s", channel, chatType, peerID)
		if channelThreadID != "" {
			id += ":thread:" + channelThreadID
		}
		return id
	}

	principal := strings.TrimSpace(p.IdentityID)
	if principal == "" {
		if canonical, ok := links.Match(peerID, channel); ok {
			principal = canonical
		}
	}
	if principal == "" {
		principal = peerID
	}

	switch NormalizeToken(routingMode) {
	case RoutingMain:
		return "agent:main:main"
	case RoutingPerChannelPeer:
		id := fmt.Sprintf("agent:main:%s:direct:%s", channel, principal)
		if channelThreadID != "" {
			id += ":thread:" + channelThreadID
		}
		return id
	case RoutingPerAccountChannelPeer:
		id := fmt.Sprintf("agent:main:%s:%s:direct:%s", channel, accountID, principal)
		if channelThreadID != "" {
			id += ":thread:" + channelThreadID
		}
		return id
	default:
		return "agent:main:direct:" + principal
	}
}
