// ABOUTME: Wire types and method names for the Agent Protocol spoken with agent children.
// ABOUTME: Line-delimited JSON-RPC with typed items and reverse approval requests.

package protocol

import "encoding/json"

// Version is the JSON-RPC version tag sent on every outgoing message.
const Version = "2.0"

// Methods the gateway calls on the agent.
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// NoteInitialized is sent by the gateway after a successful initialize result.
const NoteInitialized = "initialized"

// Notifications emitted by the agent during a turn.
const (
	NoteTurnStarted        = "turn/started"
	NoteTurnCompleted      = "turn/completed"
	NoteItemStarted        = "item/started"
	NoteItemCompleted      = "item/completed"
	NoteAgentMessageDelta  = "item/agentMessage/delta"
	NoteReasoningTextDelta = "item/reasoning/textDelta"
)

// Reverse (agent→gateway) requests. The gateway must answer these.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
)

// Item types carried by item/started and item/completed.
const (
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemMCPToolCall      = "mcpToolCall"
	ItemAgentMessage     = "agentMessage"
	ItemReasoning        = "reasoning"
)

// Approval decisions sent in response to reverse requests.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the envelope for every line on the wire. A request has ID and
// Method; a response has ID and Result or Error; a notification has Method
// only. A message carrying both ID and Method is a reverse request from the
// agent.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsResponse reports whether the message answers one of our requests.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsReverseRequest reports whether the agent expects a response from us.
func (m *Message) IsReverseRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// ClientInfo identifies the gateway in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the params for initialize.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// InitializeResult is the agent's half of the handshake. Capabilities are
// kept opaque; the gateway only needs to know the handshake succeeded.
type InitializeResult struct {
	AgentInfo    json.RawMessage `json:"agentInfo,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// ThreadStartParams starts a fresh agent-side session. Field presence is
// provider-dependent: Codex-shaped providers use BaseInstructions,
// DeveloperInstructions and the flattened Config map and accept
// ApprovalPolicy/Sandbox; other providers take SystemPromptAppend and
// McpServers verbatim and must not receive ApprovalPolicy/Sandbox.
type ThreadStartParams struct {
	Model                 string                    `json:"model,omitempty"`
	Cwd                   string                    `json:"cwd,omitempty"`
	SystemPromptAppend    string                    `json:"systemPromptAppend,omitempty"`
	DeveloperInstructions string                    `json:"developerInstructions,omitempty"`
	BaseInstructions      string                    `json:"baseInstructions,omitempty"`
	MCPServers            map[string]map[string]any `json:"mcpServers,omitempty"`
	Config                map[string]any            `json:"config,omitempty"`
	ApprovalPolicy        string                    `json:"approvalPolicy,omitempty"`
	Sandbox               string                    `json:"sandbox,omitempty"`
}

// ThreadResumeParams resumes a previously started agent-side session.
type ThreadResumeParams struct {
	ThreadID              string                    `json:"threadId"`
	Model                 string                    `json:"model,omitempty"`
	Cwd                   string                    `json:"cwd,omitempty"`
	SystemPromptAppend    string                    `json:"systemPromptAppend,omitempty"`
	DeveloperInstructions string                    `json:"developerInstructions,omitempty"`
	BaseInstructions      string                    `json:"baseInstructions,omitempty"`
	MCPServers            map[string]map[string]any `json:"mcpServers,omitempty"`
	Config                map[string]any            `json:"config,omitempty"`
	ApprovalPolicy        string                    `json:"approvalPolicy,omitempty"`
	Sandbox               string                    `json:"sandbox,omitempty"`
}

// Thread is the agent-side session descriptor embedded in thread results.
type Thread struct {
	ID string `json:"id"`
}

// ThreadResult is the result of thread/start and thread/resume.
type ThreadResult struct {
	Thread Thread `json:"thread"`
}

// InputItem is a single element of a turn's input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextInput wraps a prompt string in the input list shape turn/start expects.
func TextInput(text string) []InputItem {
	return []InputItem{{Type: "text", Text: text}}
}

// TurnStartParams starts one turn on an existing thread. Config is an opaque
// pass-through map accepted by some providers; the gateway does not interpret it.
type TurnStartParams struct {
	ThreadID string         `json:"threadId"`
	Input    []InputItem    `json:"input"`
	Model    string         `json:"model,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// TurnInterruptParams aborts the turn identified by TurnID.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Turn is the turn descriptor carried by turn/started, turn/completed and
// the turn/start result.
type Turn struct {
	ID     string     `json:"id"`
	Status string     `json:"status,omitempty"`
	Error  *TurnError `json:"error,omitempty"`
}

// TurnError carries the failure message on a failed turn.
type TurnError struct {
	Message string `json:"message"`
}

// TurnResult is the result of turn/start.
type TurnResult struct {
	Turn Turn `json:"turn"`
}

// TurnStartedParams is the payload of turn/started.
type TurnStartedParams struct {
	Turn Turn `json:"turn"`
}

// TurnCompletedParams is the payload of turn/completed.
type TurnCompletedParams struct {
	Turn  Turn   `json:"turn"`
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is the token accounting reported on turn completion.
type Usage struct {
	InputTokens       int64 `json:"inputTokens,omitempty"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`
	OutputTokens      int64 `json:"outputTokens,omitempty"`
}

// DeltaParams is the payload of the streaming text notifications
// (item/agentMessage/delta, item/reasoning/textDelta).
type DeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

// FileChange is one entry of a fileChange item's change list.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Item is the typed unit of work inside a turn.
type Item struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`

	// commandExecution fields.
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange fields.
	Changes []FileChange `json:"changes,omitempty"`

	// mcpToolCall fields.
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ItemParams is the payload of item/started and item/completed.
type ItemParams struct {
	Item Item `json:"item"`
}

// ApprovalParams is the payload of the reverse approval requests. The shape
// is provider-defined beyond the ids; the gateway answers without
// interpreting the rest.
type ApprovalParams struct {
	ThreadID string          `json:"threadId,omitempty"`
	TurnID   string          `json:"turnId,omitempty"`
	ItemID   string          `json:"itemId,omitempty"`
	Item     json.RawMessage `json:"item,omitempty"`
}

// ApprovalResult answers a reverse approval request.
type ApprovalResult struct {
	Decision string `json:"decision"`
}
