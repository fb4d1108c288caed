// ABOUTME: HTTP handlers for the /v1 API: health, threads, turns, interrupt.
// ABOUTME: Turn routes stream SSE on Accept: text/event-stream, JSON otherwise.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/engine"
	"github.com/flinthq/flint/internal/idempotency"
	"github.com/flinthq/flint/internal/store"
)

// maxBodyBytes bounds request bodies; prompts are text, not uploads.
const maxBodyBytes = 1 << 20

// eventBuffer absorbs bursts between the agent's read loop and the SSE
// writer. A full buffer blocks the producer, which is the intended
// backpressure: the child's stdout stalls until the caller catches up.
const eventBuffer = 64

type healthResponse struct {
	OK                 bool   `json:"ok"`
	Provider           string `json:"provider"`
	DefaultRoutingMode string `json:"defaultRoutingMode"`
}

type threadListResponse struct {
	Data []engine.PublicThread `json:"data"`
}

type threadResponse struct {
	Data engine.PublicThread `json:"data"`
}

type interruptResponse struct {
	OK          bool   `json:"ok"`
	ThreadID    string `json:"threadId"`
	Interrupted bool   `json:"interrupted"`
}

// sseError is the data payload of an SSE "error" event.
type sseError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, healthResponse{
		OK:                 true,
		Provider:           g.settings.DefaultProvider,
		DefaultRoutingMode: g.settings.DefaultRoutingMode,
	})
}

func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, threadListResponse{Data: g.engine.ListThreads()})
}

func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	rec, err := g.engine.GetThread(r.PathValue("id"))
	if err != nil {
		g.replyError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, threadResponse{Data: rec})
}

// handleCreateTurn accepts a full inbound message, resolves its thread,
// and runs one turn.
func (g *Gateway) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}

	var msg engine.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	applyIdempotencyHeader(r, &msg.IdempotencyKey)
	msg.Fingerprint = string(body)

	g.runTurn(w, r, func(onEvent func(agent.Event)) (engine.Reply, error) {
		return g.engine.HandleMessage(r.Context(), msg, onEvent)
	})
}

// handleThreadTurn continues an existing thread by id; the stored record
// supplies the routing fields.
func (g *Gateway) handleThreadTurn(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	body, ok := g.readBody(w, r)
	if !ok {
		return
	}

	var tm engine.ThreadMessage
	if err := json.Unmarshal(body, &tm); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	applyIdempotencyHeader(r, &tm.IdempotencyKey)
	tm.Fingerprint = threadID + ":" + string(body)

	g.runTurn(w, r, func(onEvent func(agent.Event)) (engine.Reply, error) {
		return g.engine.HandleThreadMessage(r.Context(), threadID, tm, onEvent)
	})
}

func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := g.engine.InterruptThread(r.Context(), threadID); err != nil {
		g.replyError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, interruptResponse{OK: true, ThreadID: threadID, Interrupted: true})
}

// readBody reads a bounded request body, answering the error itself on
// failure.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// applyIdempotencyHeader gives the Idempotency-Key header precedence
// over the body field.
func applyIdempotencyHeader(r *http.Request, key *string) {
	if h := strings.TrimSpace(r.Header.Get("Idempotency-Key")); h != "" {
		*key = h
	}
}

// runTurn executes one turn, streaming it when the caller asked for SSE
// and blocking for the final reply otherwise.
func (g *Gateway) runTurn(w http.ResponseWriter, r *http.Request, run func(func(agent.Event)) (engine.Reply, error)) {
	if wantsSSE(r) {
		g.streamTurn(w, run)
		return
	}

	start := time.Now()
	reply, err := run(nil)
	g.metrics.observeTurn(reply.Provider, err, time.Since(start))
	if err != nil {
		g.replyError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, reply)
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamTurn runs the turn in a goroutine and relays its events as SSE
// frames. The relay drains every buffered event before emitting the
// terminal result or error frame, so frame order matches event order.
func (g *Gateway) streamTurn(w http.ResponseWriter, run func(func(agent.Event)) (engine.Reply, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := make(chan agent.Event, eventBuffer)
	type outcome struct {
		reply engine.Reply
		err   error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		reply, err := run(func(ev agent.Event) {
			events <- ev
		})
		done <- outcome{reply: reply, err: err}
	}()

	for {
		select {
		case ev := <-events:
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		case out := <-done:
			g.metrics.observeTurn(out.reply.Provider, out.err, time.Since(start))
			g.finishStream(w, flusher, events, out.reply, out.err)
			return
		}
	}
}

// finishStream flushes events that raced the turn's completion, then
// the terminal frame. By the time the runner reports done, every event
// has already been handed to the channel.
func (g *Gateway) finishStream(w http.ResponseWriter, flusher http.Flusher, events chan agent.Event, reply engine.Reply, err error) {
	for {
		select {
		case ev := <-events:
			g.writeSSEEvent(w, string(ev.Type), ev)
		default:
			if err != nil {
				g.writeSSEEvent(w, "error", sseError{Type: "error", Message: err.Error()})
			} else {
				g.writeSSEEvent(w, "result", reply)
			}
			flusher.Flush()
			return
		}
	}
}

// replyError is the one place a pipeline error becomes an HTTP status.
func (g *Gateway) replyError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		g.sendJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrThreadNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Thread not found.")
	case errors.Is(err, idempotency.ErrKeyConflict):
		g.writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "Idempotency key conflict.",
			"cached": true,
		})
	case errors.Is(err, engine.ErrNoRuntime):
		g.sendJSONError(w, http.StatusConflict, "No active runtime for this thread.")
	default:
		g.logger.Error("turn failed", "error", err)
		g.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal error.",
			"details": err.Error(),
		})
	}
}

// writeSSEEvent writes a single SSE frame to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}
