// ABOUTME: Webhook intake for channel adapters registered under /webhooks/{name}.
// ABOUTME: Verifies, dedupes, acks the platform, then runs the turn detached.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/channel"
)

// handleWebhook dispatches to the adapter registered for {name}. The
// HTTP 200 goes out before the turn runs; chat platforms retry slow
// webhook endpoints, so the only fast answers are challenge echoes,
// ignores, and acks.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	adapter, err := g.channels.Get(name)
	if errors.Is(err, channel.ErrAdapterNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "No adapter registered for this webhook.")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if !adapter.VerifyRequest(r, body) {
		g.metrics.observeWebhook(name, "rejected")
		g.sendJSONError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	hook, err := adapter.ParseWebhook(body, r.Header)
	if err != nil {
		g.metrics.observeWebhook(name, "parse_error")
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch hook.Kind {
	case channel.KindChallenge:
		contentType := hook.ChallengeContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(hook.Challenge)

	case channel.KindIgnore:
		g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case channel.KindMessage:
		if hook.EventID != "" && g.seen.Duplicate(hook.EventID) {
			g.metrics.observeWebhook(name, "duplicate")
			g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		go g.processWebhook(adapter, name, hook)

	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("adapter returned unknown webhook kind %q", hook.Kind))
	}
}

// processWebhook runs the webhook's turn after the HTTP response has
// been written. It deliberately uses a background context: the inbound
// request is long gone, and the turn must finish regardless.
func (g *Gateway) processWebhook(adapter channel.Adapter, name string, hook channel.Webhook) {
	ctx := context.Background()

	adapter.Acknowledge(ctx, hook.Meta)

	var onEvent func(agent.Event)
	if observer, ok := adapter.(channel.EventObserver); ok {
		onEvent = func(ev agent.Event) {
			observer.OnAgentEvent(hook.Meta, ev)
		}
	}

	start := time.Now()
	reply, err := g.engine.HandleMessage(ctx, hook.Message, onEvent)
	g.metrics.observeTurn(reply.Provider, err, time.Since(start))

	outcome := "ok"
	text := reply.Reply
	if err != nil {
		outcome = "error"
		text = fmt.Sprintf("Something went wrong: %v", err)
		g.logger.Error("webhook turn failed", "adapter", name, "error", err)
	}

	if err := adapter.DeliverReply(ctx, hook.Meta, text); err != nil {
		outcome = "deliver_error"
		g.logger.Error("delivering webhook reply", "adapter", name, "error", err)
	}
	g.metrics.observeWebhook(name, outcome)
}
