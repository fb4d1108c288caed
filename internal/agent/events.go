// ABOUTME: Uniform event stream type and the notification-to-event translator.
// ABOUTME: Collapses Agent Protocol item notifications into channel-facing events.

package agent

import (
	"encoding/json"

	"github.com/flinthq/flint/internal/protocol"
)

// EventType tags the variants of Event.
type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventActivity  EventType = "activity"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is the uniform stream type consumed by channels and the SSE surface.
// Only the fields of the tagged variant are set.
type Event struct {
	Type EventType `json:"type"`

	// text / reasoning
	Delta string `json:"delta,omitempty"`

	// tool_start / tool_end
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Result  any            `json:"result,omitempty"`
	IsError bool           `json:"isError,omitempty"`

	// done
	Usage *protocol.Usage `json:"usage,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Translator turns Agent Protocol notifications into Events. It is stateful
// only for the current turn id, so a fresh one is installed per turn.
type Translator struct {
	currentTurnID string
}

// CurrentTurnID reports the id recorded from turn/started, if any.
func (t *Translator) CurrentTurnID() string { return t.currentTurnID }

// Translate maps one notification to at most one Event. Notifications with
// no channel-facing meaning (turn/started, output deltas, unknown methods)
// return ok=false.
func (t *Translator) Translate(method string, params json.RawMessage) (Event, bool) {
	switch method {
	case protocol.NoteAgentMessageDelta:
		var p protocol.DeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventText, Delta: p.Delta}, true

	case protocol.NoteReasoningTextDelta:
		var p protocol.DeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventReasoning, Delta: p.Delta}, true

	case protocol.NoteItemStarted:
		var p protocol.ItemParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
		return translateItemStarted(p.Item)

	case protocol.NoteItemCompleted:
		var p protocol.ItemParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
		return translateItemCompleted(p.Item)

	case protocol.NoteTurnStarted:
		var p protocol.TurnStartedParams
		if err := json.Unmarshal(params, &p); err == nil {
			t.currentTurnID = p.Turn.ID
		}
		return Event{}, false

	case protocol.NoteTurnCompleted:
		var p protocol.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Event{}, false
		}
		if p.Turn.Status == "failed" {
			msg := "turn failed"
			if p.Turn.Error != nil && p.Turn.Error.Message != "" {
				msg = p.Turn.Error.Message
			}
			return Event{Type: EventError, Message: msg}, true
		}
		return Event{Type: EventDone, Usage: p.Usage}, true

	case protocol.MethodCommandApproval, protocol.MethodFileChangeApproval:
		// Synthetic beat from the peer's reverse-request handler.
		return Event{Type: EventActivity}, true

	default:
		// Includes item/*/outputDelta, which only duplicates aggregatedOutput.
		return Event{}, false
	}
}

func translateItemStarted(item protocol.Item) (Event, bool) {
	switch item.Type {
	case protocol.ItemCommandExecution:
		return Event{
			Type:  EventToolStart,
			ID:    item.ID,
			Name:  "Bash",
			Input: map[string]any{"command": item.Command, "cwd": item.Cwd},
		}, true

	case protocol.ItemFileChange:
		name := "Edit"
		input := map[string]any{}
		if len(item.Changes) > 0 {
			if item.Changes[0].Kind == "add" {
				name = "Write"
			}
			input["file_path"] = item.Changes[0].Path
		}
		return Event{Type: EventToolStart, ID: item.ID, Name: name, Input: input}, true

	case protocol.ItemMCPToolCall:
		var input map[string]any
		if len(item.Arguments) > 0 {
			_ = json.Unmarshal(item.Arguments, &input)
		}
		return Event{Type: EventToolStart, ID: item.ID, Name: item.Tool, Input: input}, true

	default:
		return Event{}, false
	}
}

func translateItemCompleted(item protocol.Item) (Event, bool) {
	switch item.Type {
	case protocol.ItemCommandExecution:
		isError := item.ExitCode != nil && *item.ExitCode != 0
		return Event{Type: EventToolEnd, ID: item.ID, Result: item.AggregatedOutput, IsError: isError}, true

	case protocol.ItemFileChange:
		return Event{Type: EventToolEnd, ID: item.ID}, true

	case protocol.ItemMCPToolCall:
		var result any
		if len(item.Result) > 0 {
			_ = json.Unmarshal(item.Result, &result)
		}
		return Event{Type: EventToolEnd, ID: item.ID, Result: result}, true

	default:
		return Event{}, false
	}
}
