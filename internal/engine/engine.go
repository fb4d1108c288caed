// ABOUTME: The gateway engine: one pipeline from inbound message to reply.
// ABOUTME: Identity, idempotency, per-thread queueing, lifecycle, runtime, store.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/idempotency"
	"github.com/flinthq/flint/internal/identity"
	"github.com/flinthq/flint/internal/queue"
	"github.com/flinthq/flint/internal/runtime"
	"github.com/flinthq/flint/internal/session"
	"github.com/flinthq/flint/internal/store"
)

// ErrNoRuntime is returned by InterruptThread when the thread exists but has
// no live agent to interrupt.
var ErrNoRuntime = runtime.ErrNoRuntime

// ErrKeyConflict is returned when an idempotency key is reused with a
// different payload.
var ErrKeyConflict = idempotency.ErrKeyConflict

// Options configure an Engine. Settings, Store, and Manager are required.
type Options struct {
	Settings *config.Settings
	Store    *store.FileStore
	Manager  *runtime.Manager
	// IdempotencyTTL bounds result replay; zero selects the default.
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// Engine composes thread identity, the idempotency gate, per-thread
// queueing, session lifecycle, the runtime registry, and the store into the
// message-handling pipeline shared by every transport.
type Engine struct {
	log      *slog.Logger
	settings *config.Settings
	store    *store.FileStore
	manager  *runtime.Manager
	queue    *queue.Queue
	idemp    *idempotency.Store
}

// New builds an Engine over its collaborators.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:      log.With("component", "engine"),
		settings: opts.Settings,
		store:    opts.Store,
		manager:  opts.Manager,
		queue:    queue.New(),
		idemp:    idempotency.New(opts.IdempotencyTTL),
	}
}

// HandleMessage runs the full pipeline for one inbound message. Agent events
// are forwarded to onEvent (which may be nil) as they are emitted. Duplicate
// submissions under the same idempotency key replay the first Reply.
func (e *Engine) HandleMessage(ctx context.Context, msg InboundMessage, onEvent func(agent.Event)) (Reply, error) {
	if err := msg.Normalize(e.settings.DefaultRoutingMode); err != nil {
		return Reply{}, err
	}

	threadID := identity.Resolve(identity.Params{
		Channel:         msg.Channel,
		UserID:          msg.UserID,
		ChatType:        msg.ChatType,
		PeerID:          msg.PeerID,
		AccountID:       msg.AccountID,
		IdentityID:      msg.IdentityID,
		ChannelThreadID: msg.ChannelThreadID,
	}, msg.RoutingMode, e.settings.Links())

	return e.dispatch(ctx, threadID, msg, onEvent)
}

// HandleThreadMessage continues an existing thread by id: the stored record
// supplies the routing fields and the new text rides on them. Unknown ids
// return store.ErrThreadNotFound.
func (e *Engine) HandleThreadMessage(ctx context.Context, threadID string, tm ThreadMessage, onEvent func(agent.Event)) (Reply, error) {
	rec, err := e.store.Get(threadID)
	if err != nil {
		return Reply{}, err
	}

	msg := InboundMessage{
		Channel:         rec.Channel,
		UserID:          rec.UserID,
		Text:            tm.Text,
		ChatType:        rec.ChatType,
		PeerID:          rec.PeerID,
		AccountID:       rec.AccountID,
		IdentityID:      rec.IdentityID,
		ChannelThreadID: rec.ChannelThreadID,
		RoutingMode:     rec.RoutingMode,
		IdempotencyKey:  tm.IdempotencyKey,
		Fingerprint:     tm.Fingerprint,
	}
	if err := msg.Normalize(e.settings.DefaultRoutingMode); err != nil {
		return Reply{}, err
	}

	return e.dispatch(ctx, threadID, msg, onEvent)
}

// dispatch applies the idempotency gate and serializes the work through the
// per-thread queue. The queued task always runs to completion, even when the
// submitting caller has gone away, so the next message on the thread sees a
// consistent store.
func (e *Engine) dispatch(ctx context.Context, threadID string, msg InboundMessage, onEvent func(agent.Event)) (Reply, error) {
	// A disconnected streamer only loses delivery, never the turn.
	runCtx := context.WithoutCancel(ctx)

	res, cached, err := e.idemp.Execute(ctx, msg.IdempotencyKey, msg.Fingerprint, func() (any, error) {
		var reply Reply
		var runErr error
		<-e.queue.Enqueue(threadID, func() {
			reply, runErr = e.process(runCtx, threadID, msg, onEvent)
		})
		return reply, runErr
	})
	if err != nil {
		return Reply{}, err
	}
	reply, ok := res.(Reply)
	if !ok {
		return Reply{}, fmt.Errorf("idempotency cache held %T, want engine.Reply", res)
	}
	if cached {
		reply.Cached = true
		reply.IdempotencyKey = msg.IdempotencyKey
	}
	return reply, nil
}

// process is the serialized body of the pipeline. It runs inside the
// per-thread drain, so at most one execution per thread id at a time.
func (e *Engine) process(ctx context.Context, threadID string, msg InboundMessage, onEvent func(agent.Event)) (Reply, error) {
	start := time.Now()
	log := e.log.With("threadId", threadID, "runId", uuid.New().String())

	rec, err := e.store.Get(threadID)
	exists := err == nil

	sess := e.settings.Session
	text := msg.Text
	var resetReason string

	cmd, triggered := session.ParseResetCommand(text, sess.Triggers(), e.settings.ProviderNames(), sess.Greeting())
	if triggered {
		resetReason = "trigger:" + cmd.Trigger
		text = cmd.NextText
		log.Info("session reset requested",
			"trigger", cmd.Trigger, "provider", cmd.ProviderOverride, "model", cmd.ModelOverride)
	} else if exists {
		policy := sess.ResolvePolicy(msg.Channel, session.Type(msg.ChatType, msg.ChannelThreadID))
		if exp := session.Evaluate(rec.UpdatedAt, start, policy); exp.Expired {
			resetReason = exp.Reason + "_expiry"
			log.Info("session expired", "reason", resetReason, "updatedAt", rec.UpdatedAt)
		}
	}

	provider := rec.Provider
	if msg.Provider != "" {
		provider = msg.Provider
	}
	if cmd.ProviderOverride != "" {
		provider = identity.NormalizeToken(cmd.ProviderOverride)
	}
	if provider == "" {
		provider = e.settings.DefaultProvider
	}

	// modelOverride is the explicit, persisted choice; the settings default
	// fills the wire field but is never written back to the record.
	modelOverride := rec.Model
	if cmd.ModelOverride != "" {
		modelOverride = cmd.ModelOverride
	}
	model := modelOverride
	if model == "" {
		model = e.settings.ModelFor(provider)
	}

	profiles := msg.MCPProfileIDs
	if len(profiles) == 0 && exists {
		profiles = normalizeProfileIDs(rec.MCPProfileIDs)
	}
	if len(profiles) == 0 {
		profiles = normalizeProfileIDs(e.settings.DefaultMCPProfileIDs)
	}

	desired := runtime.Desired{
		ThreadID:         threadID,
		Provider:         provider,
		Model:            model,
		MCPProfileIDs:    profiles,
		ProviderThreadID: rec.ProviderThreadID,
	}
	if resetReason != "" {
		// A reset means a fresh agent session; never resume the old one.
		desired.ForceNewSession = true
		desired.ProviderThreadID = ""
	}

	rt, err := e.manager.Ensure(ctx, desired)
	if err != nil {
		return Reply{}, err
	}

	outcome, turnErr := rt.RunTurn(ctx, text, onEvent)
	if turnErr != nil && e.modelRejected(turnErr, provider, modelOverride) {
		log.Warn("model rejected by agent, retrying with default", "model", modelOverride, "error", turnErr)
		e.manager.Drop(threadID)
		desired.ForceNewSession = true
		desired.ForceDefaultModel = true
		desired.ProviderThreadID = ""

		rt, err = e.manager.Ensure(ctx, desired)
		if err != nil {
			return Reply{}, err
		}
		outcome, turnErr = rt.RunTurn(ctx, text, onEvent)
		if turnErr == nil {
			outcome.Reply = fmt.Sprintf("Note: model %q was rejected by %s; this reply used the default model.\n\n%s",
				modelOverride, provider, outcome.Reply)
			modelOverride = ""
		}
	}

	// The agent session exists even when the turn failed; persisting keeps
	// the resume id so the next message picks the session back up.
	now := store.NowISO()
	createdAt := rec.CreatedAt
	if createdAt == "" {
		createdAt = now
	}
	upsertErr := e.store.Upsert(store.ThreadRecord{
		ThreadID:         threadID,
		RoutingMode:      msg.RoutingMode,
		Provider:         rt.Provider(),
		ProviderThreadID: rt.AgentThreadID(),
		Model:            modelOverride,
		MCPProfileIDs:    profiles,
		Channel:          msg.Channel,
		UserID:           msg.UserID,
		ChatType:         msg.ChatType,
		PeerID:           msg.PeerID,
		AccountID:        msg.AccountID,
		IdentityID:       msg.IdentityID,
		ChannelThreadID:  msg.ChannelThreadID,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	})
	if upsertErr != nil {
		// The caller already has (or lost) their answer; a persist failure
		// costs resume-after-restart, not the reply.
		log.Error("persisting thread record", "error", upsertErr)
	}

	if turnErr != nil {
		return Reply{}, turnErr
	}

	log.Debug("turn completed", "provider", rt.Provider(), "durationMs", time.Since(start).Milliseconds())
	return Reply{
		ThreadID:    threadID,
		RoutingMode: msg.RoutingMode,
		Provider:    rt.Provider(),
		Reply:       outcome.Reply,
		DurationMs:  time.Since(start).Milliseconds(),
	}, nil
}

var modelErrorMarkers = []string{"unknown model", "invalid model", "not supported", "unsupported"}

// modelRejected applies the fallback heuristic: the agent's error names the
// requested model and calls it unknown, invalid, or unsupported. Only
// explicit non-default models fall back; the default has nothing to fall
// back to.
func (e *Engine) modelRejected(err error, provider, model string) bool {
	if model == "" || model == e.settings.ModelFor(provider) {
		return false
	}
	text := strings.ToLower(err.Error())
	if !strings.Contains(text, strings.ToLower(model)) {
		return false
	}
	for _, marker := range modelErrorMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// InterruptThread aborts the in-flight turn for threadID, if any. A thread
// that exists without a live runtime reports ErrNoRuntime; an id the store
// has never seen reports store.ErrThreadNotFound.
func (e *Engine) InterruptThread(ctx context.Context, threadID string) error {
	err := e.manager.Interrupt(ctx, threadID)
	if errors.Is(err, runtime.ErrNoRuntime) {
		if _, recErr := e.store.Get(threadID); recErr != nil {
			return recErr
		}
	}
	return err
}

// ListThreads returns every stored thread, newest first, in public form.
func (e *Engine) ListThreads() []PublicThread {
	recs := e.store.List()
	out := make([]PublicThread, len(recs))
	for i, rec := range recs {
		out[i] = publicView(rec)
	}
	return out
}

// GetThread returns one stored thread in public form.
func (e *Engine) GetThread(threadID string) (PublicThread, error) {
	rec, err := e.store.Get(threadID)
	if err != nil {
		return PublicThread{}, err
	}
	return publicView(rec), nil
}
