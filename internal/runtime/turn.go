// ABOUTME: Turn execution: streams agent events, assembles the reply text.
// ABOUTME: Guards every turn with an inactivity watchdog that interrupts stalls.

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/protocol"
)

// TurnFailedError reports a turn the agent finished with failed status or a
// terminal stream error.
type TurnFailedError struct {
	Message string
}

func (e *TurnFailedError) Error() string { return e.Message }

// TurnOutcome is the assembled result of one completed turn.
type TurnOutcome struct {
	Reply string
	Usage *protocol.Usage
}

// RunTurn sends text as one turn and waits for the agent to finish it.
// Translated events are forwarded to onEvent (which may be nil) in emission
// order; text deltas are concatenated into the reply. Any notification from
// the agent resets the inactivity watchdog; on expiry the turn is
// interrupted and failed.
func (r *Runtime) RunTurn(ctx context.Context, text string, onEvent func(agent.Event)) (TurnOutcome, error) {
	st := newTurnState(onEvent)

	watchdog := time.NewTimer(r.inactivity)
	defer watchdog.Stop()

	remove := r.peer.Listen(func(method string, params json.RawMessage) {
		watchdog.Reset(r.inactivity)
		st.handle(method, params)
		if id := st.translator.CurrentTurnID(); id != "" {
			r.turnID.Store(id)
		}
	})
	defer remove()

	var ack protocol.TurnResult
	err := r.peer.Call(ctx, protocol.MethodTurnStart, protocol.TurnStartParams{
		ThreadID: r.agentThreadID,
		Input:    protocol.TextInput(text),
	}, &ack)
	if err != nil {
		return TurnOutcome{}, err
	}
	if ack.Turn.ID != "" {
		r.turnID.Store(ack.Turn.ID)
	}

	select {
	case <-st.done:
	case <-watchdog.C:
		if err := r.Interrupt(ctx); err != nil {
			r.log.Warn("interrupting stalled turn", "error", err)
		}
		return TurnOutcome{}, fmt.Errorf("no activity for %d s", int(r.inactivity/time.Second))
	case <-r.peer.Done():
		return TurnOutcome{}, r.peer.ExitCause()
	case <-ctx.Done():
		return TurnOutcome{}, ctx.Err()
	}

	reply, usage, errMsg := st.snapshot()
	if errMsg != "" {
		return TurnOutcome{Reply: reply, Usage: usage}, &TurnFailedError{Message: errMsg}
	}
	return TurnOutcome{Reply: reply, Usage: usage}, nil
}

// Interrupt asks the agent to abort the turn recorded by the last
// turn/started (or turn/start ack). Best-effort; the runtime stays alive.
func (r *Runtime) Interrupt(ctx context.Context) error {
	params := protocol.TurnInterruptParams{ThreadID: r.agentThreadID}
	if id, ok := r.turnID.Load().(string); ok {
		params.TurnID = id
	}
	return r.peer.Call(ctx, protocol.MethodTurnInterrupt, params, nil)
}

// turnState accumulates one turn's stream. handle runs on the peer's read
// goroutine; snapshot runs on the caller's, after done.
type turnState struct {
	translator *agent.Translator
	onEvent    func(agent.Event)

	mu     sync.Mutex
	reply  strings.Builder
	errMsg string
	usage  *protocol.Usage

	done     chan struct{}
	doneOnce sync.Once
}

func newTurnState(onEvent func(agent.Event)) *turnState {
	return &turnState{
		translator: &agent.Translator{},
		onEvent:    onEvent,
		done:       make(chan struct{}),
	}
}

func (s *turnState) handle(method string, params json.RawMessage) {
	ev, ok := s.translator.Translate(method, params)
	if !ok {
		return
	}

	s.mu.Lock()
	switch ev.Type {
	case agent.EventText:
		s.reply.WriteString(ev.Delta)
	case agent.EventError:
		s.errMsg = ev.Message
	case agent.EventDone:
		s.usage = ev.Usage
	}
	s.mu.Unlock()

	// Forward before closing done so the terminal event reaches the
	// stream ahead of the final result.
	if s.onEvent != nil {
		s.onEvent(ev)
	}

	if ev.Type == agent.EventDone || ev.Type == agent.EventError {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *turnState) snapshot() (reply string, usage *protocol.Usage, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply.String(), s.usage, s.errMsg
}
