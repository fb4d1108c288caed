// ABOUTME: Stdio JSON-RPC MCP server exposing the memory store as tools.
// ABOUTME: Speaks newline-delimited framing, or Content-Length framing for LSP-style clients.

package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// mcpProtocolVersion is the MCP revision reported in the initialize result.
const mcpProtocolVersion = "2024-11-05"

// Standard JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func invalidParams(format string, args ...any) error {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

type framing int

const (
	framingNewline framing = iota
	framingHeader
)

// ServerOptions configures a memory MCP server.
type ServerOptions struct {
	Store *Store
	In    io.Reader
	Out   io.Writer
	// Version is reported as the server version during initialize.
	Version string
	Logger  *slog.Logger
}

// Server answers MCP requests over a stdio-style byte stream.
type Server struct {
	store   *Store
	in      *bufio.Reader
	out     io.Writer
	version string
	logger  *slog.Logger
	mode    framing
}

// NewServer builds a server reading requests from opts.In and writing
// responses to opts.Out.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		store:   opts.Store,
		in:      bufio.NewReader(opts.In),
		out:     opts.Out,
		version: version,
		logger:  logger.With("component", "memory"),
	}
}

// Run serves requests until the input stream closes. The framing is chosen
// by peeking at the first byte: JSON text means one message per line, while
// anything else is treated as an LSP-style Content-Length header block.
// Responses use the same framing as the requests.
func (s *Server) Run(ctx context.Context) error {
	mode, err := s.detectFraming()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mode = mode

	for {
		payload, err := s.readMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		if err := s.handleMessage(ctx, payload); err != nil {
			return err
		}
	}
}

// detectFraming peeks past leading whitespace for the first content byte.
// '{' or '[' can only start a bare JSON message; anything else must be a
// header line such as "Content-Length: 42".
func (s *Server) detectFraming() (framing, error) {
	for {
		b, err := s.in.Peek(1)
		if err != nil {
			return framingNewline, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := s.in.ReadByte(); err != nil {
				return framingNewline, err
			}
		case '{', '[':
			return framingNewline, nil
		default:
			return framingHeader, nil
		}
	}
}

func (s *Server) readMessage() ([]byte, error) {
	if s.mode == framingHeader {
		return s.readHeaderFrame()
	}
	line, err := s.in.ReadBytes('\n')
	if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

func (s *Server) readHeaderFrame() ([]byte, error) {
	length := -1
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("parsing Content-Length: %w", err)
			}
		}
	}
	if length < 0 {
		return nil, errors.New("missing Content-Length header")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.in, payload); err != nil {
		return nil, fmt.Errorf("reading %d-byte frame: %w", length, err)
	}
	return payload, nil
}

func (s *Server) handleMessage(ctx context.Context, payload []byte) error {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("dropping unparseable frame", "error", err)
		return s.writeError(json.RawMessage("null"), codeParseError, "parse error: "+err.Error())
	}

	// Notifications get no reply.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		s.logger.Debug("notification", "method", req.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if rpcErr != nil {
		return s.writeError(req.ID, rpcErr.Code, rpcErr.Message)
	}
	return s.write(response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req *request) (any, *rpcError) {
	s.logger.Debug("request", "method", req.Method)
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]any{
				"name":    "flint-memory",
				"version": s.version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": toolDefinitions()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

func toolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "memory_save",
			"description": "Save a note to long-term memory, optionally tagged.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "The note to remember."},
					"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"text"},
			},
		},
		{
			"name":        "memory_search",
			"description": "Search saved memories by substring over text and tags.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "description": "Maximum results, default 20."},
				},
				"required": []string{"query"},
			},
		},
		{
			"name":        "memory_list",
			"description": "List the most recently saved memories.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "description": "Maximum results, default 20."},
				},
			},
		},
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}

	text, err := s.runTool(ctx, call.Name, call.Arguments)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	}, nil
}

func (s *Server) runTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case "memory_save":
		var p struct {
			Text string   `json:"text"`
			Tags []string `json:"tags"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return "", err
		}
		if strings.TrimSpace(p.Text) == "" {
			return "", invalidParams("memory_save: text is required")
		}
		entry, err := s.store.Save(ctx, p.Text, p.Tags)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Saved memory %s.", entry.ID), nil

	case "memory_search":
		var p struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return "", err
		}
		if strings.TrimSpace(p.Query) == "" {
			return "", invalidParams("memory_search: query is required")
		}
		entries, err := s.store.Search(ctx, p.Query, p.Limit)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return fmt.Sprintf("No memories matched %q.", p.Query), nil
		}
		return formatEntries(entries), nil

	case "memory_list":
		var p struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return "", err
		}
		entries, err := s.store.List(ctx, p.Limit)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "No memories saved yet.", nil
		}
		return formatEntries(entries), nil

	default:
		return "", invalidParams("unknown tool: %s", name)
	}
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return invalidParams("invalid tool arguments: %s", err)
	}
	return nil
}

func formatEntries(entries []Entry) string {
	var b strings.Builder
	for i, entry := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. ", i+1)
		if len(entry.Tags) > 0 {
			fmt.Fprintf(&b, "[%s] ", strings.Join(entry.Tags, ", "))
		}
		b.WriteString(entry.Text)
		fmt.Fprintf(&b, " (%s)", entry.CreatedAt.Format("2006-01-02"))
	}
	return b.String()
}

func (s *Server) writeError(id json.RawMessage, code int, message string) error {
	return s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(resp response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if s.mode == framingHeader {
		if _, err := fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
			return fmt.Errorf("writing response header: %w", err)
		}
		if _, err := s.out.Write(body); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		return nil
	}
	if _, err := s.out.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
