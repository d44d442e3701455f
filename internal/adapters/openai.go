package adapters

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	openAIDefaultURL   = "https://api.openai.com"
	openAIDefaultModel = "gpt-3.5-turbo"

	openAIChatPath       = "/v1/chat/completions"
	openAICompletionPath = "/v1/completions"
	openAIEmbeddingsPath = "/v1/embeddings"
)

var openAIParams = []string{
	"temperature", "max_tokens", "top_p", "frequency_penalty",
	"presence_penalty", "stop", "stream", "n",
}

// OpenAIAdapter handles the OpenAI chat, legacy completion and embeddings formats.
type OpenAIAdapter struct {
	BaseAdapter
}

// NewOpenAIAdapter creates an OpenAI adapter; an empty baseURL selects api.openai.com.
func NewOpenAIAdapter(baseURL string) *OpenAIAdapter {
	return &OpenAIAdapter{BaseAdapter: newBase(ProviderOpenAI, baseURL, openAIDefaultURL)}
}

// Matches implements Adapter.
func (a *OpenAIAdapter) Matches(path string, header http.Header, _ url.Values) bool {
	switch path {
	case openAIChatPath, openAICompletionPath, openAIEmbeddingsPath:
		return bearerToken(header) != ""
	}
	return false
}

// Credential implements Adapter.
func (a *OpenAIAdapter) Credential(header http.Header, _ url.Values) string {
	return bearerToken(header)
}

// ParseRequest implements Adapter.
func (a *OpenAIAdapter) ParseRequest(path string, body []byte) ParsedRequest {
	obj, ok := parseObject(body)
	if !ok {
		return emptyRequest()
	}

	req := ParsedRequest{
		Model:  obj.Get("model").String(),
		Params: pickParams(obj, openAIParams...),
		Stream: obj.Get("stream").Bool(),
	}

	switch {
	case obj.Get("messages").IsArray():
		var turns []turn
		obj.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			turns = append(turns, turn{role: msg.Get("role").String(), text: contentText(msg.Get("content"))})
			return true
		})
		req.PromptText, req.SystemPrompt = flattenTurns(turns)
		if req.Model == "" && path != openAICompletionPath && path != openAIEmbeddingsPath {
			req.Model = openAIDefaultModel
		}
	case obj.Get("prompt").Exists():
		req.PromptText = stringOrList(obj.Get("prompt"))
	case obj.Get("input").Exists():
		req.PromptText = stringOrList(obj.Get("input"))
	}
	return req
}

// ParseResponse implements Adapter.
func (a *OpenAIAdapter) ParseResponse(body []byte) ParsedResponse {
	obj, ok := parseObject(body)
	if !ok {
		return ParsedResponse{}
	}

	resp := ParsedResponse{Model: obj.Get("model").String()}
	var texts []string
	obj.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		if msg := choice.Get("message.content"); msg.Exists() {
			texts = append(texts, contentText(msg))
		} else if text := choice.Get("text"); text.Exists() {
			texts = append(texts, text.String())
		}
		return true
	})
	resp.Text = strings.Join(texts, "\n")
	a.applyUsage(obj.Get("usage"), &resp)
	return resp
}

// ParseStreamEvent implements Adapter.
func (a *OpenAIAdapter) ParseStreamEvent(data []byte, r *ParsedResponse) {
	obj, ok := parseObject(data)
	if !ok {
		return
	}
	if m := obj.Get("model").String(); m != "" {
		r.Model = m
	}
	obj.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		if delta := choice.Get("delta.content"); delta.Type == gjson.String {
			r.Text += delta.String()
		} else if text := choice.Get("text"); text.Type == gjson.String {
			r.Text += text.String()
		}
		return true
	})
	a.applyUsage(obj.Get("usage"), r)
}

func (a *OpenAIAdapter) applyUsage(usage gjson.Result, r *ParsedResponse) {
	if !usage.IsObject() {
		return
	}
	if in := optionalInt(usage.Get("prompt_tokens")); in != nil {
		r.TokensIn = in
	}
	if out := optionalInt(usage.Get("completion_tokens")); out != nil {
		r.TokensOut = out
	}
}

// RequiredHeaders implements Adapter.
func (a *OpenAIAdapter) RequiredHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
