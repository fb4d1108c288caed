// ABOUTME: Scriptable agent child for development and end-to-end tests.
// ABOUTME: Speaks line-delimited JSON-RPC on stdio; prompt keywords inject behaviors.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flinthq/flint/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

// Prompt keywords and what they trigger:
//
//	"think"   - reasoning deltas before the reply
//	"tool"    - an mcpToolCall item lifecycle
//	"command" - a commandExecution item gated on a reverse approval request
//	"file"    - a fileChange item gated on a reverse approval request
//	"fail"    - the turn completes with failed status
//	"slow"    - half-second pacing between deltas
//	"stall"   - no output at all until interrupted
func main() {
	var (
		delay       = flag.Duration("delay", 30*time.Millisecond, "pacing between streamed deltas")
		logLevel    = flag.String("log-level", "warn", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	srv := &server{
		out:     os.Stdout,
		logger:  logger,
		delay:   *delay,
		pending: make(map[int64]chan *protocol.Message),
		active:  make(map[string]context.CancelFunc),
	}
	if err := srv.run(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

type server struct {
	logger *slog.Logger
	delay  time.Duration

	writeMu sync.Mutex
	out     io.Writer

	// Reverse requests awaiting a response, keyed by request id.
	reverseID atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *protocol.Message

	threadSeq atomic.Int64
	turnSeq   atomic.Int64
	itemSeq   atomic.Int64

	// In-flight turns by thread id, for turn/interrupt.
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

func (s *server) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("dropping unparseable line", "error", err)
			continue
		}

		switch {
		case msg.IsResponse():
			s.deliverResponse(&msg)
		case msg.IsNotification():
			s.logger.Debug("notification", "method", msg.Method)
		default:
			s.handleRequest(&msg)
		}
	}
	return scanner.Err()
}

func (s *server) handleRequest(msg *protocol.Message) {
	s.logger.Debug("request", "method", msg.Method, "id", *msg.ID)

	switch msg.Method {
	case protocol.MethodInitialize:
		s.respond(msg.ID, protocol.InitializeResult{
			AgentInfo:    json.RawMessage(fmt.Sprintf(`{"name":"fake-agent","version":%q}`, version)),
			Capabilities: json.RawMessage(`{}`),
		})

	case protocol.MethodThreadStart:
		id := fmt.Sprintf("fake-thread-%d", s.threadSeq.Add(1))
		s.respond(msg.ID, protocol.ThreadResult{Thread: protocol.Thread{ID: id}})

	case protocol.MethodThreadResume:
		var p protocol.ThreadResumeParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.ThreadID == "" {
			s.respondError(msg.ID, protocol.CodeInvalidParams, "thread/resume requires threadId")
			return
		}
		s.respond(msg.ID, protocol.ThreadResult{Thread: protocol.Thread{ID: p.ThreadID}})

	case protocol.MethodTurnStart:
		var p protocol.TurnStartParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.ThreadID == "" {
			s.respondError(msg.ID, protocol.CodeInvalidParams, "turn/start requires threadId")
			return
		}
		turnID := fmt.Sprintf("turn-%d", s.turnSeq.Add(1))
		s.respond(msg.ID, protocol.TurnResult{Turn: protocol.Turn{ID: turnID}})
		go s.runTurn(p.ThreadID, turnID, promptText(p.Input))

	case protocol.MethodTurnInterrupt:
		var p protocol.TurnInterruptParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.respondError(msg.ID, protocol.CodeInvalidParams, "invalid turn/interrupt params")
			return
		}
		s.cancelTurn(p.ThreadID)
		s.respond(msg.ID, struct{}{})

	default:
		s.respondError(msg.ID, protocol.CodeMethodNotFound, fmt.Sprintf("unknown method: %s", msg.Method))
	}
}

func promptText(input []protocol.InputItem) string {
	var parts []string
	for _, item := range input {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// runTurn streams one scripted turn. Keywords in the prompt select the
// behaviors exercised; everything else echoes.
func (s *server) runTurn(threadID, turnID, prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.activeMu.Lock()
	s.active[threadID] = cancel
	s.activeMu.Unlock()
	defer func() {
		cancel()
		s.activeMu.Lock()
		delete(s.active, threadID)
		s.activeMu.Unlock()
	}()

	s.notify(protocol.NoteTurnStarted, protocol.TurnStartedParams{
		Turn: protocol.Turn{ID: turnID, Status: "in_progress"},
	})

	lower := strings.ToLower(prompt)
	delay := s.delay
	if strings.Contains(lower, "slow") {
		delay = 500 * time.Millisecond
	}

	if strings.Contains(lower, "stall") {
		// Nothing until the gateway gives up or interrupts.
		<-ctx.Done()
		s.completeTurn(turnID, "interrupted", nil, "")
		return
	}

	reply := fmt.Sprintf("You said: %s.", strings.TrimSuffix(prompt, "."))

	if strings.Contains(lower, "think") {
		if !s.streamReasoning(ctx, threadID, turnID, delay) {
			s.completeTurn(turnID, "interrupted", nil, "")
			return
		}
	}

	if strings.Contains(lower, "tool") {
		if !s.runToolCall(ctx, threadID, turnID, delay) {
			s.completeTurn(turnID, "interrupted", nil, "")
			return
		}
		reply += " I checked my memory for context."
	}

	if strings.Contains(lower, "command") {
		approved, ok := s.runCommand(ctx, threadID, turnID)
		if !ok {
			s.completeTurn(turnID, "interrupted", nil, "")
			return
		}
		if approved {
			reply += " The command ran and printed hello."
		} else {
			reply += " The command was declined, so I skipped it."
		}
	}

	if strings.Contains(lower, "file") {
		approved, ok := s.runFileChange(ctx, threadID, turnID)
		if !ok {
			s.completeTurn(turnID, "interrupted", nil, "")
			return
		}
		if approved {
			reply += " The file was updated."
		} else {
			reply += " The file change was declined."
		}
	}

	if strings.Contains(lower, "fail") {
		s.completeTurn(turnID, "failed", nil, "injected failure: the prompt asked for one")
		return
	}

	if !s.streamMessage(ctx, threadID, turnID, reply, delay) {
		s.completeTurn(turnID, "interrupted", nil, "")
		return
	}

	usage := &protocol.Usage{
		InputTokens:  int64(len(prompt) / 4),
		OutputTokens: int64(len(reply) / 4),
	}
	s.completeTurn(turnID, "completed", usage, "")
}

func (s *server) completeTurn(turnID, status string, usage *protocol.Usage, errMsg string) {
	turn := protocol.Turn{ID: turnID, Status: status}
	if errMsg != "" {
		turn.Error = &protocol.TurnError{Message: errMsg}
	}
	s.notify(protocol.NoteTurnCompleted, protocol.TurnCompletedParams{Turn: turn, Usage: usage})
	s.logger.Info("turn finished", "turn", turnID, "status", status)
}

// streamMessage emits an agentMessage item with word-by-word deltas. Returns
// false when the turn was interrupted mid-stream.
func (s *server) streamMessage(ctx context.Context, threadID, turnID, text string, delay time.Duration) bool {
	itemID := s.newItemID()
	s.notify(protocol.NoteItemStarted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemAgentMessage, ThreadID: threadID, TurnID: turnID,
	}})

	for _, word := range strings.SplitAfter(text, " ") {
		if !sleepOrDone(ctx, delay) {
			return false
		}
		s.notify(protocol.NoteAgentMessageDelta, protocol.DeltaParams{
			ThreadID: threadID, ItemID: itemID, Delta: word,
		})
	}

	s.notify(protocol.NoteItemCompleted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemAgentMessage, Status: "completed", ThreadID: threadID, TurnID: turnID,
	}})
	return true
}

func (s *server) streamReasoning(ctx context.Context, threadID, turnID string, delay time.Duration) bool {
	itemID := s.newItemID()
	s.notify(protocol.NoteItemStarted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemReasoning, ThreadID: threadID, TurnID: turnID,
	}})

	for _, word := range strings.SplitAfter("Weighing the request before answering. ", " ") {
		if !sleepOrDone(ctx, delay) {
			return false
		}
		s.notify(protocol.NoteReasoningTextDelta, protocol.DeltaParams{
			ThreadID: threadID, ItemID: itemID, Delta: word,
		})
	}

	s.notify(protocol.NoteItemCompleted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemReasoning, Status: "completed", ThreadID: threadID, TurnID: turnID,
	}})
	return true
}

func (s *server) runToolCall(ctx context.Context, threadID, turnID string, delay time.Duration) bool {
	itemID := s.newItemID()
	s.notify(protocol.NoteItemStarted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemMCPToolCall, ThreadID: threadID, TurnID: turnID,
		Tool:      "memory_search",
		Arguments: json.RawMessage(`{"query":"recent context"}`),
	}})

	if !sleepOrDone(ctx, 4*delay) {
		return false
	}

	s.notify(protocol.NoteItemCompleted, protocol.ItemParams{Item: protocol.Item{
		ID: itemID, Type: protocol.ItemMCPToolCall, Status: "completed", ThreadID: threadID, TurnID: turnID,
		Tool:   "memory_search",
		Result: json.RawMessage(`{"content":[{"type":"text","text":"No memories matched."}]}`),
	}})
	return true
}

// runCommand exercises the reverse approval path: item start, approval
// round-trip, item completion reflecting the decision.
func (s *server) runCommand(ctx context.Context, threadID, turnID string) (approved, ok bool) {
	itemID := s.newItemID()
	item := protocol.Item{
		ID: itemID, Type: protocol.ItemCommandExecution, ThreadID: threadID, TurnID: turnID,
		Command: "echo hello", Cwd: "/tmp",
	}
	s.notify(protocol.NoteItemStarted, protocol.ItemParams{Item: item})

	decision, ok := s.requestApproval(ctx, protocol.MethodCommandApproval, protocol.ApprovalParams{
		ThreadID: threadID, TurnID: turnID, ItemID: itemID,
	})
	if !ok {
		return false, false
	}

	item.Status = "completed"
	exitCode := 0
	item.AggregatedOutput = "hello\n"
	if decision != protocol.DecisionAccept {
		exitCode = 1
		item.AggregatedOutput = "declined\n"
	}
	item.ExitCode = &exitCode
	s.notify(protocol.NoteItemCompleted, protocol.ItemParams{Item: item})
	return decision == protocol.DecisionAccept, true
}

func (s *server) runFileChange(ctx context.Context, threadID, turnID string) (approved, ok bool) {
	itemID := s.newItemID()
	item := protocol.Item{
		ID: itemID, Type: protocol.ItemFileChange, ThreadID: threadID, TurnID: turnID,
		Changes: []protocol.FileChange{{Path: "notes.txt", Kind: "modify"}},
	}
	s.notify(protocol.NoteItemStarted, protocol.ItemParams{Item: item})

	decision, ok := s.requestApproval(ctx, protocol.MethodFileChangeApproval, protocol.ApprovalParams{
		ThreadID: threadID, TurnID: turnID, ItemID: itemID,
	})
	if !ok {
		return false, false
	}

	item.Status = "completed"
	s.notify(protocol.NoteItemCompleted, protocol.ItemParams{Item: item})
	return decision == protocol.DecisionAccept, true
}

// requestApproval sends a reverse request and blocks until the gateway
// answers, the turn is interrupted, or the wait times out. Timeouts count
// as accept so unattended runs keep moving.
func (s *server) requestApproval(ctx context.Context, method string, params protocol.ApprovalParams) (string, bool) {
	id := s.reverseID.Add(1)
	ch := make(chan *protocol.Message, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Error("encoding approval params", "error", err)
		return protocol.DecisionAccept, true
	}
	s.write(protocol.Message{JSONRPC: protocol.Version, ID: &id, Method: method, Params: raw})

	select {
	case resp := <-ch:
		if resp.Error != nil {
			s.logger.Warn("approval answered with error", "code", resp.Error.Code)
			return protocol.DecisionDecline, true
		}
		var result protocol.ApprovalResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return protocol.DecisionDecline, true
		}
		return result.Decision, true
	case <-ctx.Done():
		return "", false
	case <-time.After(30 * time.Second):
		s.logger.Warn("approval timed out, accepting", "method", method)
		return protocol.DecisionAccept, true
	}
}

func (s *server) deliverResponse(msg *protocol.Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[*msg.ID]
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown request", "id", *msg.ID)
		return
	}
	ch <- msg
}

func (s *server) cancelTurn(threadID string) {
	s.activeMu.Lock()
	cancel, ok := s.active[threadID]
	s.activeMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *server) newItemID() string {
	return fmt.Sprintf("item-%d", s.itemSeq.Add(1))
}

func (s *server) respond(id *int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encoding result", "error", err)
		return
	}
	s.write(protocol.Message{JSONRPC: protocol.Version, ID: id, Result: raw})
}

func (s *server) respondError(id *int64, code int, message string) {
	s.write(protocol.Message{JSONRPC: protocol.Version, ID: id, Error: &protocol.Error{Code: code, Message: message}})
}

func (s *server) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Error("encoding notification", "error", err)
		return
	}
	s.write(protocol.Message{JSONRPC: protocol.Version, Method: method, Params: raw})
}

func (s *server) write(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encoding message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("writing message", "error", err)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
