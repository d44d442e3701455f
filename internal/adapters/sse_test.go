package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedInChunks(p *StreamParser, stream string, size int) {
	b := []byte(stream)
	for i := 0; i < len(b); i += size {
		end := min(i+size, len(b))
		p.Feed(b[i:end])
	}
}

func TestStreamParser_AnthropicSplitChunksAndEscapedTokenKeys(t *testing.T) {
	stream := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"model":"claude-3-5-sonnet","usage":{"input_tokens":10000,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"{\"output_tokens\":999999,\"input_tokens\":888888}"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":250}}` + "\n\n"

	p := NewStreamParser(NewAnthropicAdapter(""))
	feedInChunks(p, stream, 13)

	resp := p.Result()
	require.NotNil(t, resp.TokensIn)
	require.NotNil(t, resp.TokensOut)
	assert.Equal(t, 10000, *resp.TokensIn)
	assert.Equal(t, 250, *resp.TokensOut)
	assert.Equal(t, `{"output_tokens":999999,"input_tokens":888888}`, resp.Text)
	assert.Equal(t, "claude-3-5-sonnet", resp.Model)
	assert.Equal(t, 3, p.Events())
}

func TestStreamParser_CRLFAndFlushTrailingEvent(t *testing.T) {
	stream := "" +
		"event: message_start\r\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":42}}}` + "\r\n\r\n" +
		"event: message_delta\r\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":9}}`

	p := NewStreamParser(NewAnthropicAdapter(""))
	p.Feed([]byte(stream))
	resp := p.Result()

	require.NotNil(t, resp.TokensIn)
	assert.Equal(t, 42, *resp.TokensIn)
	assert.Equal(t, 9, *resp.TokensOut)
}

func TestStreamParser_OpenAIDeltasAndDone(t *testing.T) {
	stream := "" +
		`data: {"model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}` + "\n\n" +
		"data: [DONE]\n\n"

	p := NewStreamParser(NewOpenAIAdapter(""))
	feedInChunks(p, stream, 7)
	resp := p.Result()

	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.NotNil(t, resp.TokensIn)
	assert.Equal(t, 5, *resp.TokensIn)
	assert.Equal(t, 2, *resp.TokensOut)
}

func TestStreamParser_NoUsageLeavesTokensNil(t *testing.T) {
	p := NewStreamParser(NewOpenAIAdapter(""))
	p.Feed([]byte(`data: {"choices":[{"delta":{"content":"x"}}]}` + "\n\n"))
	resp := p.Result()
	assert.Equal(t, "x", resp.Text)
	assert.Nil(t, resp.TokensIn)
	assert.Nil(t, resp.TokensOut)
}

func TestStreamParser_GeminiSSE(t *testing.T) {
	stream := "" +
		`data: {"candidates":[{"content":{"parts":[{"text":"A"}]}}]}` + "\r\n\r\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"B"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}` + "\r\n\r\n"

	p := NewStreamParser(NewGeminiAdapter(""))
	_, err := p.Write([]byte(stream))
	require.NoError(t, err)
	resp := p.Result()
	assert.Equal(t, "AB", resp.Text)
	assert.Equal(t, 4, *resp.TokensIn)
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, IsEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, IsEventStream("application/json"))
}
