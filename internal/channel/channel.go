// ABOUTME: Channel adapter contract and the named registry behind /webhooks/{name}.
// ABOUTME: Adapters verify, parse, and acknowledge platform webhooks and deliver replies.

package channel

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/engine"
)

// ErrAdapterNotFound is returned when /webhooks/{name} has no registered
// adapter.
var ErrAdapterNotFound = errors.New("no adapter registered for this webhook")

// Kind classifies a parsed webhook.
type Kind string

const (
	// KindChallenge asks the gateway to echo a verification payload.
	KindChallenge Kind = "challenge"
	// KindMessage carries a user message to run through the engine.
	KindMessage Kind = "message"
	// KindIgnore acknowledges without action (bot echoes, unsupported events).
	KindIgnore Kind = "ignore"
)

// Webhook is one parsed platform delivery.
type Webhook struct {
	Kind Kind

	// Challenge fields, set when Kind == KindChallenge.
	Challenge            []byte
	ChallengeContentType string

	// Message fields, set when Kind == KindMessage.
	Message engine.InboundMessage

	// EventID keys replay suppression. Empty skips deduplication for this
	// delivery.
	EventID string

	// Meta is adapter state threaded back into Acknowledge, OnAgentEvent,
	// and DeliverReply. Opaque to the gateway.
	Meta any
}

// Adapter connects one messaging platform to the gateway. The gateway
// acknowledges the webhook HTTP request itself; Acknowledge is the adapter's
// chance to signal receipt on the platform (a reaction, a typing indicator)
// before the turn runs.
type Adapter interface {
	// VerifyRequest authenticates the delivery (signatures, tokens).
	VerifyRequest(r *http.Request, body []byte) bool
	// ParseWebhook maps the raw delivery onto a Webhook. An error means the
	// payload was unreadable; unsupported-but-valid events return KindIgnore.
	ParseWebhook(body []byte, header http.Header) (Webhook, error)
	// Acknowledge runs after the webhook is accepted and before the turn.
	Acknowledge(ctx context.Context, meta any)
	// DeliverReply sends the final text back on the platform.
	DeliverReply(ctx context.Context, meta any, text string) error
}

// EventObserver is optionally implemented by adapters that surface live turn
// progress (status updates, typing indicators).
type EventObserver interface {
	OnAgentEvent(meta any, ev agent.Event)
}

// Registry maps webhook names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds name to a. Re-registering a name replaces the adapter.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get returns the adapter for name or ErrAdapterNotFound.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return a, nil
}

// Names lists the registered webhook names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
