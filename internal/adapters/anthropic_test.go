package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropic_ParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet",
		"max_tokens": 1024,
		"top_k": 5,
		"system": [{"type": "text", "text": "Be helpful."}],
		"messages": [
			{"role": "user", "content": "List files"},
			{"role": "assistant", "content": [{"type": "text", "text": "Calling tool"}, {"type": "tool_use", "id": "t1", "name": "ls", "input": {}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": [{"type": "text", "text": "a.go b.go"}]}]},
			{"role": "user", "content": "Thanks"}
		]
	}`)

	req := NewAnthropicAdapter("").ParseRequest(anthropicMessagesPath, body)
	require.True(t, req.OK())
	assert.Equal(t, "Be helpful.", req.SystemPrompt)
	assert.Equal(t, "[System]: Be helpful.\nList files\n[Assistant]: Calling tool\n[Tool]: a.go b.go\nThanks", *req.PromptText)
	assert.Equal(t, "claude-3-5-sonnet", req.Model)
	assert.Equal(t, float64(5), req.Params["top_k"])
	_, hasN := req.Params["n"]
	assert.False(t, hasN)
}

func TestAnthropic_ParseRequest_Legacy(t *testing.T) {
	req := NewAnthropicAdapter("").ParseRequest(anthropicCompletePath, []byte(`{"model":"claude-2","prompt":"\n\nHuman: hi\n\nAssistant:"}`))
	require.True(t, req.OK())
	assert.Equal(t, "\n\nHuman: hi\n\nAssistant:", *req.PromptText)
	assert.Equal(t, "claude-2", req.Model)
}

func TestAnthropic_ParseRequest_Malformed(t *testing.T) {
	req := NewAnthropicAdapter("").ParseRequest(anthropicMessagesPath, []byte(`{"messages": [`))
	assert.False(t, req.OK())
	assert.Empty(t, req.Params)
}

func TestAnthropic_ParseResponse(t *testing.T) {
	a := NewAnthropicAdapter("")
	resp := a.ParseResponse([]byte(`{"model":"claude-3-5-sonnet","content":[{"type":"text","text":"Hi"},{"type":"tool_use","name":"x"}],
		"usage":{"input_tokens":20,"output_tokens":4}}`))
	assert.Equal(t, "Hi", resp.Text)
	require.NotNil(t, resp.TokensIn)
	assert.Equal(t, 20, *resp.TokensIn)
	assert.Equal(t, 4, *resp.TokensOut)

	resp = a.ParseResponse([]byte(`{"completion":" Hello"}`))
	assert.Equal(t, " Hello", resp.Text)
	assert.Nil(t, resp.TokensIn)
}

func TestAnthropic_RequiredHeaders(t *testing.T) {
	h := NewAnthropicAdapter("").RequiredHeaders()
	assert.Equal(t, "2023-06-01", h["anthropic-version"])
	assert.Equal(t, "application/json", h["Content-Type"])
}
