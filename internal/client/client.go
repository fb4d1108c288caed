// ABOUTME: HTTP client for the gateway's /v1 API, including SSE turn streaming.
// ABOUTME: Backs flint-cli and the gateway's own health/threads subcommands.

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/engine"
)

// Client talks to a running gateway. Cancellation and deadlines come from
// the caller's context; the underlying http.Client carries no global timeout
// because turns may stream for minutes.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends the given bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a client for the gateway at baseURL, e.g. "http://127.0.0.1:8788".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health is the gateway's health report.
type Health struct {
	OK                 bool   `json:"ok"`
	Provider           string `json:"provider"`
	DefaultRoutingMode string `json:"defaultRoutingMode"`
}

// InterruptResult reports an interrupt request's outcome.
type InterruptResult struct {
	OK          bool   `json:"ok"`
	ThreadID    string `json:"threadId"`
	Interrupted bool   `json:"interrupted"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("gateway: %s (%s)", strings.TrimSuffix(e.Message, "."), e.Details)
	}
	return fmt.Sprintf("gateway: %s (HTTP %d)", strings.TrimSuffix(e.Message, "."), e.Status)
}

// TurnError is a turn failure delivered over an SSE error frame.
type TurnError struct {
	Message string `json:"message"`
}

func (e *TurnError) Error() string { return e.Message }

// Health fetches /v1/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListThreads fetches all known threads, most recently updated first.
func (c *Client) ListThreads(ctx context.Context) ([]engine.PublicThread, error) {
	var out struct {
		Data []engine.PublicThread `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/threads", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetThread fetches one thread by id.
func (c *Client) GetThread(ctx context.Context, threadID string) (*engine.PublicThread, error) {
	var out struct {
		Data engine.PublicThread `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(threadID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// Send runs a routed turn and blocks until the final reply.
func (c *Client) Send(ctx context.Context, msg engine.InboundMessage) (*engine.Reply, error) {
	var out engine.Reply
	if err := c.do(ctx, http.MethodPost, "/v1/threads", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendToThread runs a turn on a specific thread and blocks until the reply.
func (c *Client) SendToThread(ctx context.Context, threadID string, msg engine.ThreadMessage) (*engine.Reply, error) {
	var out engine.Reply
	if err := c.do(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(threadID), msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream runs a routed turn over SSE, invoking onEvent for each agent event
// until the terminal frame, then returns the final reply.
func (c *Client) Stream(ctx context.Context, msg engine.InboundMessage, onEvent func(agent.Event)) (*engine.Reply, error) {
	return c.stream(ctx, "/v1/threads", msg, onEvent)
}

// StreamToThread is Stream against an existing thread.
func (c *Client) StreamToThread(ctx context.Context, threadID string, msg engine.ThreadMessage, onEvent func(agent.Event)) (*engine.Reply, error) {
	return c.stream(ctx, "/v1/threads/"+url.PathEscape(threadID), msg, onEvent)
}

// Interrupt aborts the in-flight turn on a thread.
func (c *Client) Interrupt(ctx context.Context, threadID string) (*InterruptResult, error) {
	var out InterruptResult
	if err := c.do(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(threadID)+"/interrupt", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) stream(ctx context.Context, path string, body any, onEvent func(agent.Event)) (*engine.Reply, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventName = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch eventName {
		case "result":
			var reply engine.Reply
			if err := json.Unmarshal([]byte(data), &reply); err != nil {
				return nil, fmt.Errorf("decoding result frame: %w", err)
			}
			return &reply, nil
		case "error":
			var turnErr TurnError
			if err := json.Unmarshal([]byte(data), &turnErr); err != nil {
				return nil, fmt.Errorf("decoding error frame: %w", err)
			}
			return nil, &turnErr
		default:
			var ev agent.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a result")
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	return apiErr
}
