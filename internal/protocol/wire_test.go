// ABOUTME: Contract tests for the Agent Protocol wire surface to detect breaking changes.
// ABOUTME: Validates envelope classification and the exact JSON keys agents see.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectedKeys pins the JSON field names of the params types. If a field is
// renamed the agent side stops understanding us, so these fail first.
var expectedKeys = map[string]struct {
	value any
	keys  []string
}{
	"thread/start": {
		value: ThreadStartParams{
			Model:              "gpt-5",
			Cwd:                "/work",
			SystemPromptAppend: "extra",
			MCPServers:         map[string]map[string]any{"mem": {"command": "flint-memory"}},
			ApprovalPolicy:     "never",
			Sandbox:            "danger-full-access",
		},
		keys: []string{"model", "cwd", "systemPromptAppend", "mcpServers", "approvalPolicy", "sandbox"},
	},
	"thread/resume": {
		value: ThreadResumeParams{ThreadID: "t-1", Model: "opus"},
		keys:  []string{"threadId", "model"},
	},
	"turn/start": {
		value: TurnStartParams{ThreadID: "t-1", Input: TextInput("hi")},
		keys:  []string{"threadId", "input"},
	},
	"turn/interrupt": {
		value: TurnInterruptParams{ThreadID: "t-1", TurnID: "turn-9"},
		keys:  []string{"threadId", "turnId"},
	},
	"approval response": {
		value: ApprovalResult{Decision: DecisionAccept},
		keys:  []string{"decision"},
	},
}

func TestParamsWireSurface(t *testing.T) {
	for name, tc := range expectedKeys {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(tc.value)
			require.NoError(t, err)

			var got map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &got))

			assert.Len(t, got, len(tc.keys))
			for _, key := range tc.keys {
				assert.Contains(t, got, key, "field %q should survive marshaling", key)
			}
		})
	}
}

func TestMessageClassification(t *testing.T) {
	id := int64(7)

	tests := []struct {
		name    string
		msg     Message
		isResp  bool
		isRev   bool
		isNotif bool
	}{
		{"response", Message{ID: &id, Result: json.RawMessage(`{}`)}, true, false, false},
		{"error response", Message{ID: &id, Error: &Error{Code: CodeInternalError, Message: "boom"}}, true, false, false},
		{"reverse request", Message{ID: &id, Method: MethodCommandApproval}, false, true, false},
		{"notification", Message{Method: NoteTurnStarted}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isResp, tt.msg.IsResponse())
			assert.Equal(t, tt.isRev, tt.msg.IsReverseRequest())
			assert.Equal(t, tt.isNotif, tt.msg.IsNotification())
		})
	}
}

func TestRequestOmitsEmptyFields(t *testing.T) {
	id := int64(1)
	params, err := json.Marshal(InitializeParams{ClientInfo: ClientInfo{Name: "flint", Version: "dev"}})
	require.NoError(t, err)

	raw, err := json.Marshal(Message{JSONRPC: Version, ID: &id, Method: MethodInitialize, Params: params})
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Contains(t, got, "jsonrpc")
	assert.Contains(t, got, "id")
	assert.Contains(t, got, "method")
	assert.Contains(t, got, "params")
	assert.NotContains(t, got, "result", "requests should not carry a result field")
	assert.NotContains(t, got, "error")
}

func TestItemParsing(t *testing.T) {
	t.Run("command execution", func(t *testing.T) {
		payload := `{"item":{"id":"item_3","type":"commandExecution","command":"go test ./...","cwd":"/repo","aggregatedOutput":"ok","exitCode":0}}`

		var got ItemParams
		require.NoError(t, json.Unmarshal([]byte(payload), &got))

		assert.Equal(t, ItemCommandExecution, got.Item.Type)
		assert.Equal(t, "go test ./...", got.Item.Command)
		require.NotNil(t, got.Item.ExitCode)
		assert.Equal(t, 0, *got.Item.ExitCode)
	})

	t.Run("file change", func(t *testing.T) {
		payload := `{"item":{"id":"item_4","type":"fileChange","changes":[{"path":"main.go","kind":"add"},{"path":"util.go","kind":"modify"}]}}`

		var got ItemParams
		require.NoError(t, json.Unmarshal([]byte(payload), &got))

		require.Len(t, got.Item.Changes, 2)
		assert.Equal(t, "add", got.Item.Changes[0].Kind)
		assert.Equal(t, "main.go", got.Item.Changes[0].Path)
	})

	t.Run("mcp tool call", func(t *testing.T) {
		payload := `{"item":{"id":"item_5","type":"mcpToolCall","tool":"memory_search","arguments":{"query":"build"}}}`

		var got ItemParams
		require.NoError(t, json.Unmarshal([]byte(payload), &got))

		assert.Equal(t, ItemMCPToolCall, got.Item.Type)
		assert.Equal(t, "memory_search", got.Item.Tool)
		assert.JSONEq(t, `{"query":"build"}`, string(got.Item.Arguments))
	})
}
