package adapters

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"

	anthropicMessagesPath = "/v1/messages"
	anthropicCompletePath = "/v1/complete"
)

var anthropicParams = []string{
	"temperature", "max_tokens", "top_p", "top_k", "stop_sequences", "stream",
}

// AnthropicAdapter handles the Anthropic Messages and legacy Complete formats.
type AnthropicAdapter struct {
	BaseAdapter
}

// NewAnthropicAdapter creates an Anthropic adapter; an empty baseURL selects api.anthropic.com.
func NewAnthropicAdapter(baseURL string) *AnthropicAdapter {
	return &AnthropicAdapter{BaseAdapter: newBase(ProviderAnthropic, baseURL, anthropicDefaultURL)}
}

// Matches implements Adapter.
func (a *AnthropicAdapter) Matches(path string, header http.Header, _ url.Values) bool {
	if path != anthropicMessagesPath && path != anthropicCompletePath {
		return false
	}
	return strings.TrimSpace(header.Get("x-api-key")) != ""
}

// Credential implements Adapter.
func (a *AnthropicAdapter) Credential(header http.Header, _ url.Values) string {
	return strings.TrimSpace(header.Get("x-api-key"))
}

// ParseRequest implements Adapter.
func (a *AnthropicAdapter) ParseRequest(_ string, body []byte) ParsedRequest {
	obj, ok := parseObject(body)
	if !ok {
		return emptyRequest()
	}

	req := ParsedRequest{
		Model:  obj.Get("model").String(),
		Params: pickParams(obj, anthropicParams...),
		Stream: obj.Get("stream").Bool(),
	}

	if msgs := obj.Get("messages"); msgs.IsArray() {
		var turns []turn
		if system := contentText(obj.Get("system")); system != "" {
			turns = append(turns, turn{role: "system", text: system})
		}
		msgs.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := msg.Get("content")
			// A user turn consisting only of tool results is a tool turn.
			if role == "user" && content.IsArray() && allToolResults(content) {
				role = "tool"
			}
			turns = append(turns, turn{role: role, text: contentText(content)})
			return true
		})
		req.PromptText, req.SystemPrompt = flattenTurns(turns)
		return req
	}

	if prompt := obj.Get("prompt"); prompt.Type == gjson.String {
		s := prompt.String()
		req.PromptText = &s
	}
	return req
}

func allToolResults(blocks gjson.Result) bool {
	n := 0
	all := true
	blocks.ForEach(func(_, b gjson.Result) bool {
		n++
		if b.Get("type").String() != "tool_result" {
			all = false
			return false
		}
		return true
	})
	return n > 0 && all
}

// ParseResponse implements Adapter.
func (a *AnthropicAdapter) ParseResponse(body []byte) ParsedResponse {
	obj, ok := parseObject(body)
	if !ok {
		return ParsedResponse{}
	}

	resp := ParsedResponse{Model: obj.Get("model").String()}
	if content := obj.Get("content"); content.IsArray() {
		var texts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				texts = append(texts, block.Get("text").String())
			}
			return true
		})
		resp.Text = strings.Join(texts, "\n")
	} else if completion := obj.Get("completion"); completion.Exists() {
		resp.Text = completion.String()
	}
	a.applyUsage(obj.Get("usage"), &resp)
	return resp
}

// ParseStreamEvent implements Adapter.
// message_start carries input tokens, message_delta the running output count.
func (a *AnthropicAdapter) ParseStreamEvent(data []byte, r *ParsedResponse) {
	obj, ok := parseObject(data)
	if !ok {
		return
	}
	switch obj.Get("type").String() {
	case "message_start":
		if m := obj.Get("message.model").String(); m != "" {
			r.Model = m
		}
		a.applyUsage(obj.Get("message.usage"), r)
	case "content_block_delta":
		if text := obj.Get("delta.text"); text.Type == gjson.String {
			r.Text += text.String()
		}
	case "message_delta":
		a.applyUsage(obj.Get("usage"), r)
	case "completion":
		r.Text += obj.Get("completion").String()
	}
}

func (a *AnthropicAdapter) applyUsage(usage gjson.Result, r *ParsedResponse) {
	if !usage.IsObject() {
		return
	}
	if in := optionalInt(usage.Get("input_tokens")); in != nil && (*in > 0 || r.TokensIn == nil) {
		r.TokensIn = in
	}
	if out := optionalInt(usage.Get("output_tokens")); out != nil {
		if r.TokensOut == nil || *out > *r.TokensOut {
			r.TokensOut = out
		}
	}
}

// RequiredHeaders implements Adapter.
func (a *AnthropicAdapter) RequiredHeaders() map[string]string {
	return map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": anthropicVersion,
	}
}
