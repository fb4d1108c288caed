// ABOUTME: Registry of live agent runtimes keyed by gateway thread id.
// ABOUTME: Spawns agent children, resumes provider sessions, recycles on demand.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/mcp"
	"github.com/flinthq/flint/internal/protocol"
)

// ErrNoRuntime is returned when an operation targets a thread without a
// live runtime.
var ErrNoRuntime = errors.New("no active runtime for this thread")

// SpawnFunc starts an agent child and returns its transport. Swappable so
// tests can run against a scripted in-memory agent.
type SpawnFunc func(cmd agent.Command) (agent.Transport, error)

// MemoryServer describes the built-in memory MCP server merged into every
// composed profile set.
type MemoryServer struct {
	Command []string
	DBPath  string
}

func (ms *MemoryServer) serverConfig() map[string]any {
	cfg := map[string]any{"command": ms.Command[0]}
	if len(ms.Command) > 1 {
		cfg["args"] = append([]string(nil), ms.Command[1:]...)
	}
	if ms.DBPath != "" {
		cfg["env"] = map[string]any{"FLINT_MEMORY_DB": ms.DBPath}
	}
	return cfg
}

// Options configure a Manager.
type Options struct {
	Settings *config.Settings
	// Inactivity is the per-turn watchdog window. Zero means 120s.
	Inactivity time.Duration
	// Memory, when non-nil, merges the built-in memory server into every
	// thread's MCP config.
	Memory *MemoryServer
	Logger *slog.Logger
	// Spawn defaults to starting a real child process.
	Spawn SpawnFunc
	// ClientVersion is reported to agents during initialize.
	ClientVersion string
}

// Desired describes what a thread's runtime should look like.
type Desired struct {
	ThreadID string
	Provider string
	Model    string
	// MCPProfileIDs must be normalized (sorted, deduplicated) so equality
	// means "same composition".
	MCPProfileIDs []string
	// ProviderThreadID, when set, is resumed instead of starting fresh.
	ProviderThreadID  string
	ForceNewSession   bool
	ForceDefaultModel bool
}

// Manager owns the {threadId → runtime} map. Per-thread queue drains are the
// only mutators for any given thread id; the lock protects the map itself.
type Manager struct {
	log        *slog.Logger
	settings   *config.Settings
	inactivity time.Duration
	memory     *MemoryServer
	spawn      SpawnFunc
	version    string

	// codexErr is a deferred configuration error: Codex-provider threads
	// fail with it, everything else keeps working.
	codexErr error

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewManager builds a registry from settings. Invalid Codex options do not
// fail construction; they are held as a deferred error so non-Codex threads
// keep working.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	inactivity := opts.Inactivity
	if inactivity == 0 {
		inactivity = 120 * time.Second
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = func(cmd agent.Command) (agent.Transport, error) {
			return agent.StartProcess(cmd)
		}
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}

	return &Manager{
		log:        log.With("component", "runtime"),
		settings:   opts.Settings,
		inactivity: inactivity,
		memory:     opts.Memory,
		spawn:      spawn,
		version:    version,
		codexErr:   validateCodexOptions(opts.Settings.Codex),
		runtimes:   make(map[string]*Runtime),
	}
}

// Runtime is one live agent child bound to a gateway thread.
type Runtime struct {
	threadID   string
	provider   string
	profileIDs []string
	inactivity time.Duration
	log        *slog.Logger

	peer          *agent.Peer
	agentThreadID string

	turnID atomic.Value // string
}

// Provider reports which provider this runtime was started with.
func (r *Runtime) Provider() string { return r.provider }

// AgentThreadID reports the provider-side session id.
func (r *Runtime) AgentThreadID() string { return r.agentThreadID }

// Close tears down the agent child. Safe to call more than once.
func (r *Runtime) Close() error {
	return r.peer.Close()
}

// dead reports whether the peer's read loop has ended, which means the
// child exited or someone closed the runtime underneath us.
func (r *Runtime) dead() bool {
	select {
	case <-r.peer.Done():
		return true
	default:
		return false
	}
}

// Ensure returns a live runtime for the desired shape, creating or recycling
// one as needed.
//
// Recycle rules, in order: a dead child always recycles; forceNewSession
// always recycles; a provider mismatch keeps the existing runtime (switching
// providers mid-thread is surprising, so it is logged and ignored); changed
// MCP profiles recycle.
func (m *Manager) Ensure(ctx context.Context, d Desired) (*Runtime, error) {
	existing := m.lookup(d.ThreadID)
	if existing != nil && existing.dead() {
		m.log.Info("agent child exited, recycling runtime", "threadId", d.ThreadID)
		m.remove(d.ThreadID)
		_ = existing.Close()
		existing = nil
	}
	if existing != nil {
		switch {
		case d.ForceNewSession:
			m.remove(d.ThreadID)
			if err := existing.Close(); err != nil {
				m.log.Warn("closing recycled runtime", "threadId", d.ThreadID, "error", err)
			}
		case existing.provider != d.Provider:
			m.log.Info("keeping live runtime despite provider change",
				"threadId", d.ThreadID, "have", existing.provider, "want", d.Provider)
			return existing, nil
		case !slices.Equal(existing.profileIDs, d.MCPProfileIDs):
			m.log.Info("recycling runtime for changed mcp profiles", "threadId", d.ThreadID)
			m.remove(d.ThreadID)
			if err := existing.Close(); err != nil {
				m.log.Warn("closing recycled runtime", "threadId", d.ThreadID, "error", err)
			}
		default:
			return existing, nil
		}
	}

	rt, err := m.start(ctx, d)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.runtimes[d.ThreadID] = rt
	m.mu.Unlock()
	return rt, nil
}

func (m *Manager) start(ctx context.Context, d Desired) (*Runtime, error) {
	prov, ok := m.settings.Provider(d.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", d.Provider)
	}
	codex := m.settings.CodexShaped(d.Provider)
	if codex && m.codexErr != nil {
		return nil, fmt.Errorf("codex configuration invalid: %w", m.codexErr)
	}

	servers, err := mcp.Compose(m.settings.MCPProfiles, d.MCPProfileIDs, m.log)
	if err != nil {
		return nil, err
	}
	if m.memory != nil && len(m.memory.Command) > 0 {
		if servers == nil {
			servers = map[string]map[string]any{}
		}
		alias := mcp.Merge(servers, "memory", m.memory.serverConfig())
		if alias != "memory" {
			m.log.Warn("memory alias taken by profile, merged under suffix", "alias", alias)
		}
	}

	model := d.Model
	if d.ForceDefaultModel {
		model = m.settings.ModelFor(d.Provider)
	}

	transport, err := m.spawn(agent.Command{
		Path: prov.Command[0],
		Args: prov.Command[1:],
		Dir:  prov.Cwd,
		Env:  prov.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", d.Provider, err)
	}

	log := m.log.With("threadId", d.ThreadID, "provider", d.Provider)
	peer := agent.NewPeer(transport, agent.PeerOptions{
		ClientName:       "flint-gateway",
		ClientVersion:    m.version,
		ApprovalDecision: m.settings.ApprovalDecision,
		Logger:           log,
	})

	if err := peer.Initialize(ctx); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	rt := &Runtime{
		threadID:   d.ThreadID,
		provider:   d.Provider,
		profileIDs: d.MCPProfileIDs,
		inactivity: m.inactivity,
		log:        log,
		peer:       peer,
	}

	params := m.threadParams(prov, codex, model, servers)

	if d.ProviderThreadID != "" {
		var res protocol.ThreadResult
		resume := protocol.ThreadResumeParams{
			ThreadID:              d.ProviderThreadID,
			Model:                 params.Model,
			Cwd:                   params.Cwd,
			SystemPromptAppend:    params.SystemPromptAppend,
			DeveloperInstructions: params.DeveloperInstructions,
			BaseInstructions:      params.BaseInstructions,
			MCPServers:            params.MCPServers,
			Config:                params.Config,
			ApprovalPolicy:        params.ApprovalPolicy,
			Sandbox:               params.Sandbox,
		}
		err := peer.Call(ctx, protocol.MethodThreadResume, resume, &res)
		if err == nil {
			rt.agentThreadID = res.Thread.ID
			if rt.agentThreadID == "" {
				rt.agentThreadID = d.ProviderThreadID
			}
			return rt, nil
		}
		log.Warn("thread/resume failed, starting fresh session", "error", err)
	}

	var res protocol.ThreadResult
	if err := peer.Call(ctx, protocol.MethodThreadStart, params, &res); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("thread/start: %w", err)
	}
	rt.agentThreadID = res.Thread.ID
	return rt, nil
}

// threadParams maps provider settings onto the wire shape. Codex-shaped
// providers get flattened dotted-key MCP config plus approval/sandbox
// policy; everyone else gets mcpServers verbatim and never those fields.
func (m *Manager) threadParams(prov config.Provider, codex bool, model string, servers map[string]map[string]any) protocol.ThreadStartParams {
	p := protocol.ThreadStartParams{Model: model, Cwd: prov.Cwd}
	if codex {
		p.BaseInstructions = prov.SystemPrompt
		p.DeveloperInstructions = prov.SystemPromptAppend
		if len(servers) > 0 {
			p.Config = mcp.FlattenCodex(servers)
		}
		if m.settings.Codex != nil {
			p.ApprovalPolicy = m.settings.Codex.ApprovalPolicy
			p.Sandbox = m.settings.Codex.SandboxMode
		}
		return p
	}
	p.SystemPromptAppend = prov.SystemPromptAppend
	if len(servers) > 0 {
		p.MCPServers = servers
	}
	return p
}

// Interrupt asks the thread's agent to abort the active turn. Best-effort:
// a failed RPC is logged and swallowed; only a missing runtime is an error.
func (m *Manager) Interrupt(ctx context.Context, threadID string) error {
	rt := m.lookup(threadID)
	if rt == nil {
		return ErrNoRuntime
	}
	if err := rt.Interrupt(ctx); err != nil {
		m.log.Warn("turn/interrupt failed", "threadId", threadID, "error", err)
	}
	return nil
}

// Drop closes and forgets the runtime for threadID, if any. Used for the
// invalid-model fallback, where the session is torn down before a retry.
func (m *Manager) Drop(threadID string) {
	m.mu.Lock()
	rt := m.runtimes[threadID]
	delete(m.runtimes, threadID)
	m.mu.Unlock()

	if rt == nil {
		return
	}
	if err := rt.Close(); err != nil {
		m.log.Warn("closing dropped runtime", "threadId", threadID, "error", err)
	}
}

// Active reports the number of live runtimes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// CloseAll tears down every runtime concurrently. Used at shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	runtimes := m.runtimes
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	var g errgroup.Group
	for _, rt := range runtimes {
		g.Go(rt.Close)
	}
	return g.Wait()
}

func (m *Manager) lookup(threadID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[threadID]
}

func (m *Manager) remove(threadID string) {
	m.mu.Lock()
	delete(m.runtimes, threadID)
	m.mu.Unlock()
}
