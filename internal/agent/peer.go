// ABOUTME: JSON-RPC peer for a single agent child over a line transport.
// ABOUTME: Correlates requests, fans out notifications, and answers reverse approval requests.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flinthq/flint/internal/protocol"
)

// ErrClosed is returned for calls raced or rejected by Close.
var ErrClosed = errors.New("client closed")

// ExitError is attached to pending calls when the child exits underneath them.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.StderrTail)
}

// Listener receives every notification from the agent, in emission order,
// synchronously from the read loop. Listeners must not issue peer calls;
// blocking the read loop blocks response delivery.
type Listener func(method string, params json.RawMessage)

type registeredListener struct {
	id int64
	fn Listener
}

type callResult struct {
	msg *protocol.Message
	err error
}

// PeerOptions configure a Peer.
type PeerOptions struct {
	ClientName    string
	ClientVersion string
	// ApprovalDecision answers reverse approval requests. Defaults to accept.
	ApprovalDecision string
	Logger           *slog.Logger
}

// Peer drives the Agent Protocol over a Transport. A single reader goroutine
// owns inbound classification; stdin writes are serialized by the transport.
type Peer struct {
	transport Transport
	log       *slog.Logger
	opts      PeerOptions

	nextID atomic.Int64

	mu           sync.Mutex
	pending      map[int64]chan callResult
	listeners    []registeredListener
	nextListener int64
	closed       bool

	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
	exitCause error
}

// NewPeer wraps transport and starts the read loop. Call Initialize before
// issuing thread or turn requests.
func NewPeer(transport Transport, opts PeerOptions) *Peer {
	if opts.ApprovalDecision == "" {
		opts.ApprovalDecision = protocol.DecisionAccept
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Peer{
		transport: transport,
		log:       opts.Logger,
		opts:      opts,
		pending:   make(map[int64]chan callResult),
		readDone:  make(chan struct{}),
	}

	go p.runReader()

	return p
}

func (p *Peer) runReader() {
	defer close(p.readDone)

	if err := p.transport.ReadLoop(p.handleLine); err != nil {
		p.log.Debug("agent read loop ended", "error", err)
	}

	info := p.transport.Wait()

	p.mu.Lock()
	alreadyClosed := p.closed
	p.exitCause = &ExitError{Code: info.Code, StderrTail: info.StderrTail}
	p.mu.Unlock()
	if !alreadyClosed {
		p.log.Warn("agent exited", "code", info.Code)
	}

	p.failPending(&ExitError{Code: info.Code, StderrTail: info.StderrTail})
}

// Done is closed once the read loop ends: the child exited or Close ran.
func (p *Peer) Done() <-chan struct{} { return p.readDone }

// ExitCause reports why the peer stopped: ErrClosed after a local Close,
// otherwise the child's ExitError. Meaningful once Done is closed.
func (p *Peer) ExitCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.exitCause
}

func (p *Peer) handleLine(line []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		p.log.Warn("dropping unparseable agent line", "error", err)
		return
	}

	switch {
	case msg.IsReverseRequest():
		p.handleReverse(&msg)
	case msg.IsResponse():
		p.mu.Lock()
		ch, ok := p.pending[*msg.ID]
		if ok {
			delete(p.pending, *msg.ID)
		}
		p.mu.Unlock()
		if !ok {
			p.log.Debug("dropping response for unknown or timed-out call", "id", *msg.ID)
			return
		}
		ch <- callResult{msg: &msg}
	case msg.IsNotification():
		p.dispatch(msg.Method, msg.Params)
	}
}

// handleReverse answers agent→gateway requests. Known approval methods get
// the configured decision and are also fanned out to listeners so the
// inactivity watchdog sees a beat; anything else is refused.
func (p *Peer) handleReverse(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodCommandApproval, protocol.MethodFileChangeApproval:
		p.respond(msg.ID, protocol.ApprovalResult{Decision: p.opts.ApprovalDecision}, nil)
		p.dispatch(msg.Method, msg.Params)
	default:
		p.respond(msg.ID, nil, &protocol.Error{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", msg.Method),
		})
	}
}

func (p *Peer) respond(id *int64, result any, rpcErr *protocol.Error) {
	msg := protocol.Message{JSONRPC: protocol.Version, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			p.log.Error("marshal reverse response", "error", err)
			return
		}
		msg.Result = raw
	}

	line, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshal reverse response envelope", "error", err)
		return
	}
	if err := p.transport.WriteLine(line); err != nil {
		p.log.Warn("write reverse response", "error", err)
	}
}

func (p *Peer) dispatch(method string, params json.RawMessage) {
	p.mu.Lock()
	fns := make([]Listener, len(p.listeners))
	for i, l := range p.listeners {
		fns[i] = l.fn
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(method, params)
	}
}

// Listen registers fn for every notification until the returned remove
// function is called. Listeners observe notifications in emission order.
func (p *Peer) Listen(fn Listener) func() {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners = append(p.listeners, registeredListener{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// methodTimeout picks the per-call deadline. Handshake and session setup get
// generous windows; a turn/start response only acknowledges the turn, so it
// is bounded tighter than generic calls.
func methodTimeout(method string) time.Duration {
	switch method {
	case protocol.MethodInitialize:
		return 10 * time.Second
	case protocol.MethodThreadStart, protocol.MethodThreadResume:
		return 20 * time.Second
	case protocol.MethodTurnStart:
		return 15 * time.Second
	case protocol.MethodTurnInterrupt:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// Call sends a request and decodes the result into out (which may be nil).
// The response is awaited up to a method-specific timeout; a late response
// after timeout is dropped by the read loop.
func (p *Peer) Call(ctx context.Context, method string, params any, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = raw
	}

	id := p.nextID.Add(1)
	ch := make(chan callResult, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	line, err := json.Marshal(protocol.Message{JSONRPC: protocol.Version, ID: &id, Method: method, Params: rawParams})
	if err != nil {
		p.dropPending(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := p.transport.WriteLine(line); err != nil {
		p.dropPending(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(methodTimeout(method))
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if res.msg.Error != nil {
			return fmt.Errorf("%s: %w", method, res.msg.Error)
		}
		if out != nil && len(res.msg.Result) > 0 {
			if err := json.Unmarshal(res.msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		p.dropPending(id)
		return fmt.Errorf("%s: no response after %s", method, methodTimeout(method))
	case <-ctx.Done():
		p.dropPending(id)
		return ctx.Err()
	}
}

func (p *Peer) dropPending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Notify sends a fire-and-forget notification.
func (p *Peer) Notify(method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = raw
	}

	line, err := json.Marshal(protocol.Message{JSONRPC: protocol.Version, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return p.transport.WriteLine(line)
}

// Initialize runs the startup handshake: initialize, then the initialized
// notification. The peer is not ready until this returns nil.
func (p *Peer) Initialize(ctx context.Context) error {
	params := protocol.InitializeParams{
		ClientInfo: protocol.ClientInfo{Name: p.opts.ClientName, Version: p.opts.ClientVersion},
	}
	var result protocol.InitializeResult
	if err := p.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}
	if err := p.Notify(protocol.NoteInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (p *Peer) failPending(cause error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int64]chan callResult)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: cause}
	}
}

// Close rejects pending calls, ends the child, and waits for the read loop.
// Safe to call multiple times.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.failPending(ErrClosed)
		p.closeErr = p.transport.Close()
		<-p.readDone
	})
	return p.closeErr
}
