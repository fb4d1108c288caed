// ABOUTME: Engine pipeline tests against a scripted in-memory chat agent.
// ABOUTME: Covers identity routing, lifecycle resets, idempotency, model fallback.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/identity"
	"github.com/flinthq/flint/internal/mcp"
	"github.com/flinthq/flint/internal/protocol"
	"github.com/flinthq/flint/internal/runtime"
	"github.com/flinthq/flint/internal/session"
	"github.com/flinthq/flint/internal/store"
)

// chatAgent is a scripted Transport behaving like a minimal well-formed
// agent: it answers the handshake, starts or resumes sessions, and finishes
// each turn with a reply supplied by the harness.
type chatAgent struct {
	h *chatHarness

	mu      sync.Mutex
	model   string
	turnSeq int

	incoming chan []byte
	exited   chan struct{}
	exitOnce sync.Once
}

func (a *chatAgent) WriteLine(line []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return err
	}
	if msg.ID == nil {
		return nil // notifications such as initialized
	}

	switch msg.Method {
	case protocol.MethodInitialize:
		a.answer(msg.ID, protocol.InitializeResult{}, nil)
	case protocol.MethodThreadStart:
		var p protocol.ThreadStartParams
		_ = json.Unmarshal(msg.Params, &p)
		a.mu.Lock()
		a.model = p.Model
		a.mu.Unlock()
		a.answer(msg.ID, protocol.ThreadResult{Thread: protocol.Thread{ID: a.h.sessionStarted(p)}}, nil)
	case protocol.MethodThreadResume:
		var p protocol.ThreadResumeParams
		_ = json.Unmarshal(msg.Params, &p)
		a.mu.Lock()
		a.model = p.Model
		a.mu.Unlock()
		a.h.sessionResumed(p.ThreadID)
		a.answer(msg.ID, protocol.ThreadResult{Thread: protocol.Thread{ID: p.ThreadID}}, nil)
	case protocol.MethodTurnStart:
		a.startTurn(msg)
	case protocol.MethodTurnInterrupt:
		a.h.interruptSeen()
		a.answer(msg.ID, map[string]any{}, nil)
	default:
		a.answer(msg.ID, nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "not scripted"})
	}
	return nil
}

func (a *chatAgent) startTurn(msg protocol.Message) {
	var p protocol.TurnStartParams
	_ = json.Unmarshal(msg.Params, &p)
	text := ""
	if len(p.Input) > 0 {
		text = p.Input[0].Text
	}
	a.mu.Lock()
	model := a.model
	a.turnSeq++
	turnID := fmt.Sprintf("turn-%d", a.turnSeq)
	a.mu.Unlock()

	reply, rpcErr := a.h.turnStarted(text, model)
	if rpcErr != nil {
		a.answer(msg.ID, nil, rpcErr)
		return
	}
	a.answer(msg.ID, protocol.TurnResult{Turn: protocol.Turn{ID: turnID}}, nil)

	finish := func() {
		a.notify(protocol.NoteTurnStarted, protocol.TurnStartedParams{Turn: protocol.Turn{ID: turnID}})
		a.notify(protocol.NoteAgentMessageDelta, protocol.DeltaParams{Delta: reply})
		a.notify(protocol.NoteTurnCompleted, protocol.TurnCompletedParams{
			Turn:  protocol.Turn{ID: turnID, Status: "completed"},
			Usage: &protocol.Usage{OutputTokens: int64(len(reply))},
		})
	}
	if gate := a.h.gate(); gate != nil {
		go func() {
			select {
			case <-gate:
				finish()
			case <-a.exited:
			}
		}()
		return
	}
	finish()
}

func (a *chatAgent) answer(id *int64, result any, rpcErr *protocol.Error) {
	resp := protocol.Message{JSONRPC: protocol.Version, ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, _ := json.Marshal(result)
		resp.Result = raw
	}
	a.send(resp)
}

func (a *chatAgent) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	a.send(protocol.Message{JSONRPC: protocol.Version, Method: method, Params: raw})
}

func (a *chatAgent) send(msg protocol.Message) {
	line, _ := json.Marshal(msg)
	select {
	case <-a.exited:
	case a.incoming <- line:
	}
}

func (a *chatAgent) ReadLoop(handler func(line []byte)) error {
	for line := range a.incoming {
		handler(line)
	}
	return nil
}

func (a *chatAgent) Wait() agent.ExitInfo {
	<-a.exited
	return agent.ExitInfo{}
}

func (a *chatAgent) Close() error {
	a.exitOnce.Do(func() {
		close(a.incoming)
		close(a.exited)
	})
	return nil
}

func (a *chatAgent) isExited() bool {
	select {
	case <-a.exited:
		return true
	default:
		return false
	}
}

// chatHarness wires a real engine (store, registry, queue, idempotency gate)
// to scripted chat agents and records what they saw.
type chatHarness struct {
	engine *Engine
	store  *store.FileStore

	mu         sync.Mutex
	spawned    []*chatAgent
	starts     []protocol.ThreadStartParams
	resumes    []string
	prompts    []string
	interrupts int

	// respond maps (prompt, model) to the turn outcome; nil echoes.
	respond func(prompt, model string) (string, *protocol.Error)
	// delay, when non-nil, holds every turn's completion until it yields.
	delay chan struct{}
}

func chatSettings() *config.Settings {
	s := config.DefaultSettings()
	s.Providers["claude"] = config.Provider{Command: []string{"fake-agent"}}
	s.Providers["codex"] = config.Provider{Command: []string{"fake-agent"}, Kind: "codex"}
	s.MCPProfiles = map[string]mcp.Profile{
		"alpha": {Servers: map[string]map[string]any{"fs": {"command": "mcp-fs"}}},
		"beta":  {Servers: map[string]map[string]any{"web": {"command": "mcp-web"}}},
	}
	return s
}

func newChatHarness(t *testing.T, s *config.Settings) *chatHarness {
	t.Helper()
	if s == nil {
		s = chatSettings()
	}

	h := &chatHarness{}
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "threads.json"), nil)
	require.NoError(t, fs.Init())
	h.store = fs

	manager := runtime.NewManager(runtime.Options{
		Settings:   s,
		Inactivity: 5 * time.Second,
		Spawn: func(agent.Command) (agent.Transport, error) {
			a := &chatAgent{h: h, incoming: make(chan []byte, 256), exited: make(chan struct{})}
			h.mu.Lock()
			h.spawned = append(h.spawned, a)
			h.mu.Unlock()
			return a, nil
		},
	})
	t.Cleanup(func() { _ = manager.CloseAll() })

	h.engine = New(Options{Settings: s, Store: fs, Manager: manager})
	return h
}

func (h *chatHarness) sessionStarted(p protocol.ThreadStartParams) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, p)
	return fmt.Sprintf("sess-%d", len(h.starts))
}

func (h *chatHarness) sessionResumed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumes = append(h.resumes, id)
}

func (h *chatHarness) turnStarted(text, model string) (string, *protocol.Error) {
	h.mu.Lock()
	h.prompts = append(h.prompts, text)
	respond := h.respond
	h.mu.Unlock()
	if respond != nil {
		return respond(text, model)
	}
	return "echo: " + text, nil
}

func (h *chatHarness) interruptSeen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
}

func (h *chatHarness) gate() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delay
}

func (h *chatHarness) promptList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.prompts)
}

func (h *chatHarness) resumeList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.resumes)
}

func (h *chatHarness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}

func (h *chatHarness) spawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.spawned)
}

func (h *chatHarness) interruptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupts
}

func (h *chatHarness) startAt(t *testing.T, i int) protocol.ThreadStartParams {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.starts), i, "thread/start #%d never happened", i)
	return h.starts[i]
}

func (h *chatHarness) agentAt(t *testing.T, i int) *chatAgent {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.spawned), i, "agent #%d never spawned", i)
	return h.spawned[i]
}

func directMessage(text string) InboundMessage {
	return InboundMessage{
		Channel:  "telegram",
		UserID:   "1234",
		Text:     text,
		ChatType: "direct",
		PeerID:   "1234",
	}
}

func isoAgo(d time.Duration) string {
	return time.Now().UTC().Add(-d).Format("2006-01-02T15:04:05.000Z07:00")
}

func TestHandleMessage_NewDirectThread(t *testing.T) {
	h := newChatHarness(t, nil)
	h.respond = func(string, string) (string, *protocol.Error) { return "hello", nil }

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "agent:main:direct:1234", reply.ThreadID)
	assert.Equal(t, identity.RoutingPerPeer, reply.RoutingMode)
	assert.Equal(t, "claude", reply.Provider)
	assert.Equal(t, "hello", reply.Reply)
	assert.False(t, reply.Cached)
	assert.Equal(t, []string{"hi"}, h.promptList())

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ProviderThreadID)
	assert.Equal(t, "claude", rec.Provider)
	assert.NotEmpty(t, rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
}

func TestHandleMessage_ForwardsEvents(t *testing.T) {
	h := newChatHarness(t, nil)

	var mu sync.Mutex
	var types []agent.EventType
	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), func(ev agent.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []agent.EventType{agent.EventText, agent.EventDone}, types)
}

func TestHandleMessage_IdentityLinkCollapse(t *testing.T) {
	s := chatSettings()
	links := &identity.Links{}
	links.Add("nader", []string{"telegram:peer-1"})
	s.IdentityLinks = links
	h := newChatHarness(t, s)

	reply, err := h.engine.HandleMessage(context.Background(), InboundMessage{
		Channel: "telegram", UserID: "u", Text: "x", ChatType: "direct", PeerID: "peer-1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent:main:direct:nader", reply.ThreadID)
}

func TestHandleMessage_GroupThreadRouting(t *testing.T) {
	h := newChatHarness(t, nil)

	msg := InboundMessage{
		Channel: "telegram", UserID: "u", Text: "x",
		ChatType: "group", PeerID: "peer-1", ChannelThreadID: "t-9",
		RoutingMode: identity.RoutingMain, // group chats ignore routing mode
	}
	reply, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent:main:telegram:group:peer-1:thread:t-9", reply.ThreadID)
}

func TestHandleMessage_Validation(t *testing.T) {
	h := newChatHarness(t, nil)

	base := func() InboundMessage { return directMessage("hi") }
	tests := []struct {
		name string
		msg  InboundMessage
		want string
	}{
		{"missing channel", InboundMessage{UserID: "u", Text: "x"}, "channel is required"},
		{"missing user", InboundMessage{Channel: "c", Text: "x"}, "userId is required"},
		{"blank text", InboundMessage{Channel: "c", UserID: "u", Text: " \n\t "}, "text is required"},
		{"bad routing mode", func() InboundMessage { m := base(); m.RoutingMode = "per-galaxy"; return m }(), "routingMode"},
		{"bad chat type", func() InboundMessage { m := base(); m.ChatType = "broadcast"; return m }(), "chatType"},
		{"empty profiles", func() InboundMessage { m := base(); m.MCPProfileIDs = []string{}; return m }(), "mcpProfileIds"},
		{"blank profile entry", func() InboundMessage { m := base(); m.MCPProfileIDs = []string{"  "}; return m }(), "mcpProfileIds[0]"},
		{"inline servers", func() InboundMessage { m := base(); m.MCPServers = json.RawMessage(`{"fs":{}}`); return m }(), "mcpServers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.HandleMessage(context.Background(), tt.msg, nil)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.want)
		})
	}
	assert.Equal(t, 0, h.sessionCount(), "validation failures must not reach the agent")
}

func TestHandleMessage_IdempotentRepeat(t *testing.T) {
	h := newChatHarness(t, nil)

	msg := directMessage("hi")
	msg.IdempotencyKey = "k1"
	msg.Fingerprint = "body-1"

	first, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Empty(t, first.IdempotencyKey)

	second, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "k1", second.IdempotencyKey)
	assert.Equal(t, first.Reply, second.Reply)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Len(t, h.promptList(), 1, "replay must not run a second turn")

	conflict := msg
	conflict.Text = "something else"
	conflict.Fingerprint = "body-2"
	_, err = h.engine.HandleMessage(context.Background(), conflict, nil)
	assert.ErrorIs(t, err, ErrKeyConflict)
}

func TestHandleMessage_SerializesPerThread(t *testing.T) {
	h := newChatHarness(t, nil)
	h.delay = make(chan struct{})

	results := make(chan error, 2)
	go func() {
		_, err := h.engine.HandleMessage(context.Background(), directMessage("first"), nil)
		results <- err
	}()
	require.Eventually(t, func() bool { return len(h.promptList()) == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		_, err := h.engine.HandleMessage(context.Background(), directMessage("second"), nil)
		results <- err
	}()

	// The second message must not reach the agent while the first turn is
	// still open.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"first"}, h.promptList())

	close(h.delay)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, []string{"first", "second"}, h.promptList())
}

func TestHandleMessage_ResetCommandRetarget(t *testing.T) {
	h := newChatHarness(t, nil)

	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("/new claude/sonnet keep going"), nil)
	require.NoError(t, err)

	assert.Equal(t, "claude", reply.Provider)
	assert.Equal(t, []string{"hi", "keep going"}, h.promptList())
	assert.Equal(t, 2, h.sessionCount())
	assert.Empty(t, h.resumeList(), "a reset must start fresh, not resume")
	assert.Equal(t, "sonnet", h.startAt(t, 1).Model)
	assert.True(t, h.agentAt(t, 0).isExited(), "old child should be recycled")

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", rec.Model)
	assert.Equal(t, "sess-2", rec.ProviderThreadID)
}

func TestHandleMessage_ResetTriggerUsesGreeting(t *testing.T) {
	h := newChatHarness(t, nil)

	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)
	_, err = h.engine.HandleMessage(context.Background(), directMessage("/new"), nil)
	require.NoError(t, err)

	prompts := h.promptList()
	require.Len(t, prompts, 2)
	assert.Equal(t, session.DefaultGreeting, prompts[1])
}

func TestHandleMessage_DailyExpiryStartsFresh(t *testing.T) {
	h := newChatHarness(t, nil) // default policy: daily reset at hour 4

	seed := store.ThreadRecord{
		ThreadID: "agent:main:direct:1234", RoutingMode: identity.RoutingPerPeer,
		Provider: "claude", ProviderThreadID: "old-sess",
		Channel: "telegram", UserID: "1234", ChatType: "direct", PeerID: "1234",
		CreatedAt: isoAgo(72 * time.Hour), UpdatedAt: isoAgo(48 * time.Hour),
	}
	require.NoError(t, h.store.Upsert(seed))

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("morning"), nil)
	require.NoError(t, err)

	assert.Empty(t, h.resumeList(), "expired session must not be resumed")
	assert.Equal(t, 1, h.sessionCount())

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ProviderThreadID)
	assert.Equal(t, seed.CreatedAt, rec.CreatedAt, "createdAt survives resets")
	assert.Greater(t, rec.UpdatedAt, seed.UpdatedAt)
}

func TestHandleMessage_IdleExpiryStartsFresh(t *testing.T) {
	idle := 30
	s := chatSettings()
	s.Session = &session.Config{Reset: &session.ResetConfig{Mode: "idle", IdleMinutes: &idle}}
	h := newChatHarness(t, s)

	require.NoError(t, h.store.Upsert(store.ThreadRecord{
		ThreadID: "agent:main:direct:1234", RoutingMode: identity.RoutingPerPeer,
		Provider: "claude", ProviderThreadID: "old-sess",
		Channel: "telegram", UserID: "1234", ChatType: "direct", PeerID: "1234",
		CreatedAt: isoAgo(3 * time.Hour), UpdatedAt: isoAgo(2 * time.Hour),
	}))

	_, err := h.engine.HandleMessage(context.Background(), directMessage("back"), nil)
	require.NoError(t, err)
	assert.Empty(t, h.resumeList())
	assert.Equal(t, 1, h.sessionCount())
}

func TestHandleMessage_ResumesRecentRecord(t *testing.T) {
	s := chatSettings()
	s.Session = &session.Config{Reset: &session.ResetConfig{Mode: "off"}}
	h := newChatHarness(t, s)

	require.NoError(t, h.store.Upsert(store.ThreadRecord{
		ThreadID: "agent:main:direct:1234", RoutingMode: identity.RoutingPerPeer,
		Provider: "claude", ProviderThreadID: "old-sess",
		Channel: "telegram", UserID: "1234", ChatType: "direct", PeerID: "1234",
		CreatedAt: isoAgo(time.Hour), UpdatedAt: isoAgo(time.Minute),
	}))

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("again"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"old-sess"}, h.resumeList())
	assert.Equal(t, 0, h.sessionCount())

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "old-sess", rec.ProviderThreadID)
}

func TestHandleMessage_ModelFallback(t *testing.T) {
	h := newChatHarness(t, nil)
	h.respond = func(prompt, model string) (string, *protocol.Error) {
		if model == "sonnet-x" {
			return "", &protocol.Error{Code: protocol.CodeInvalidParams, Message: `model "sonnet-x" is not supported`}
		}
		return "recovered", nil
	}

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("/new claude/sonnet-x ship it"), nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(reply.Reply, "Note: model"), "reply should carry the fallback warning: %q", reply.Reply)
	assert.True(t, strings.HasSuffix(reply.Reply, "recovered"))
	assert.Equal(t, 2, h.sessionCount())
	assert.Equal(t, "sonnet-x", h.startAt(t, 0).Model)
	assert.Empty(t, h.startAt(t, 1).Model)
	assert.Equal(t, []string{"ship it", "ship it"}, h.promptList())

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, rec.Model, "rejected override must not persist")
	assert.Equal(t, "sess-2", rec.ProviderThreadID)
}

func TestHandleMessage_TurnFailurePersistsSession(t *testing.T) {
	h := newChatHarness(t, nil)
	h.respond = func(string, string) (string, *protocol.Error) {
		return "", &protocol.Error{Code: protocol.CodeInternalError, Message: "model exploded"}
	}

	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, 1, h.sessionCount(), "no fallback without the model heuristic")

	// The session was created, so the record must exist for resume.
	rec, err := h.store.Get("agent:main:direct:1234")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ProviderThreadID)
}

func TestHandleMessage_UnknownProvider(t *testing.T) {
	h := newChatHarness(t, nil)

	msg := directMessage("hi")
	msg.Provider = "gemini"
	_, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	_, err = h.store.Get("agent:main:direct:1234")
	assert.ErrorIs(t, err, store.ErrThreadNotFound, "no session, no record")
}

func TestHandleMessage_ProviderMismatchKeepsRuntime(t *testing.T) {
	s := chatSettings()
	s.Session = &session.Config{Reset: &session.ResetConfig{Mode: "off"}}
	h := newChatHarness(t, s)

	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)

	msg := directMessage("again")
	msg.Provider = "codex"
	reply, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)

	assert.Equal(t, "claude", reply.Provider, "live runtime wins over the requested provider")
	assert.Equal(t, 1, h.spawnCount())

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "claude", rec.Provider)
}

func TestHandleMessage_ProfilesStickAcrossTurns(t *testing.T) {
	s := chatSettings()
	s.Session = &session.Config{Reset: &session.ResetConfig{Mode: "off"}}
	h := newChatHarness(t, s)

	msg := directMessage("hi")
	msg.MCPProfileIDs = []string{"beta", "alpha"}
	reply, err := h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)

	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, rec.MCPProfileIDs)

	servers := h.startAt(t, 0).MCPServers
	assert.Contains(t, servers, "fs")
	assert.Contains(t, servers, "web")

	// Omitting profiles keeps the thread's composition: no recycle.
	_, err = h.engine.HandleMessage(context.Background(), directMessage("more"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawnCount())

	// Changing the set recycles the child and resumes the session.
	msg = directMessage("trim")
	msg.MCPProfileIDs = []string{"alpha"}
	_, err = h.engine.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.spawnCount())
	assert.Equal(t, []string{"sess-1"}, h.resumeList())
}

func TestHandleMessage_DefaultProfilesApply(t *testing.T) {
	s := chatSettings()
	s.DefaultMCPProfileIDs = []string{"alpha"}
	h := newChatHarness(t, s)

	reply, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)

	assert.Contains(t, h.startAt(t, 0).MCPServers, "fs")
	rec, err := h.store.Get(reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, rec.MCPProfileIDs)
}

func TestHandleThreadMessage(t *testing.T) {
	s := chatSettings()
	s.Session = &session.Config{Reset: &session.ResetConfig{Mode: "off"}}
	h := newChatHarness(t, s)

	first, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)

	reply, err := h.engine.HandleThreadMessage(context.Background(), first.ThreadID, ThreadMessage{Text: "again"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, reply.ThreadID)
	assert.Equal(t, []string{"hi", "again"}, h.promptList())
	assert.Equal(t, 1, h.spawnCount(), "same runtime serves both turns")

	_, err = h.engine.HandleThreadMessage(context.Background(), "agent:main:direct:ghost", ThreadMessage{Text: "x"}, nil)
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestInterruptThread(t *testing.T) {
	h := newChatHarness(t, nil)

	err := h.engine.InterruptThread(context.Background(), "agent:main:direct:ghost")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)

	require.NoError(t, h.store.Upsert(store.ThreadRecord{
		ThreadID: "agent:main:direct:idle", RoutingMode: identity.RoutingPerPeer,
		Provider: "claude", Channel: "telegram", UserID: "9",
		CreatedAt: isoAgo(time.Minute), UpdatedAt: isoAgo(time.Minute),
	}))
	err = h.engine.InterruptThread(context.Background(), "agent:main:direct:idle")
	assert.ErrorIs(t, err, ErrNoRuntime)

	h.delay = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.HandleMessage(context.Background(), directMessage("long task"), nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.promptList()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.InterruptThread(context.Background(), "agent:main:direct:1234"))
	assert.Equal(t, 1, h.interruptCount())

	close(h.delay)
	require.NoError(t, <-done)
}

func TestListThreads_PublicView(t *testing.T) {
	h := newChatHarness(t, nil)

	_, err := h.engine.HandleMessage(context.Background(), directMessage("hi"), nil)
	require.NoError(t, err)
	other := directMessage("yo")
	other.PeerID = "5678"
	other.UserID = "5678"
	_, err = h.engine.HandleMessage(context.Background(), other, nil)
	require.NoError(t, err)

	threads := h.engine.ListThreads()
	require.Len(t, threads, 2)

	raw, err := json.Marshal(threads)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "providerThreadId")
	assert.Contains(t, string(raw), `"threadId"`)

	got, err := h.engine.GetThread(threads[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, threads[0], got)

	_, err = h.engine.GetThread("agent:main:direct:ghost")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}
