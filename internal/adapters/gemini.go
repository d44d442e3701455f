package adapters

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const geminiDefaultURL = "https://generativelanguage.googleapis.com"

var (
	geminiGeneratePath = regexp.MustCompile(`^/v1beta/models/([^/]+):generateContent$`)
	geminiStreamPath   = regexp.MustCompile(`^/v1beta/models/([^/]+):streamGenerateContent$`)
	geminiLegacyPath   = regexp.MustCompile(`^/v1beta/models/(.*)/generateContent$`)
)

// GeminiAdapter handles the Gemini generateContent format.
type GeminiAdapter struct {
	BaseAdapter
}

// NewGeminiAdapter creates a Gemini adapter; an empty baseURL selects the public endpoint.
func NewGeminiAdapter(baseURL string) *GeminiAdapter {
	return &GeminiAdapter{BaseAdapter: newBase(ProviderGemini, baseURL, geminiDefaultURL)}
}

// Matches implements Adapter.
func (a *GeminiAdapter) Matches(path string, header http.Header, query url.Values) bool {
	if !geminiGeneratePath.MatchString(path) &&
		!geminiStreamPath.MatchString(path) &&
		!geminiLegacyPath.MatchString(path) {
		return false
	}
	return a.Credential(header, query) != ""
}

// Credential implements Adapter.
func (a *GeminiAdapter) Credential(header http.Header, query url.Values) string {
	if key := strings.TrimSpace(header.Get("x-goog-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(query.Get("key"))
}

// ModelFromPath extracts the model segment of a generateContent path.
func ModelFromPath(path string) string {
	for _, re := range []*regexp.Regexp{geminiGeneratePath, geminiStreamPath, geminiLegacyPath} {
		if m := re.FindStringSubmatch(path); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParseRequest implements Adapter. The model and streaming mode come from the path.
func (a *GeminiAdapter) ParseRequest(path string, body []byte) ParsedRequest {
	obj, ok := parseObject(body)
	if !ok {
		return emptyRequest()
	}

	req := ParsedRequest{
		Model:  ModelFromPath(path),
		Params: map[string]any{},
		Stream: geminiStreamPath.MatchString(path),
	}
	obj.Get("generationConfig").ForEach(func(k, v gjson.Result) bool {
		req.Params[k.String()] = v.Value()
		return true
	})

	var turns []turn
	if system := partsText(obj.Get("systemInstruction.parts")); system != "" {
		turns = append(turns, turn{role: "system", text: system})
	}
	obj.Get("contents").ForEach(func(_, c gjson.Result) bool {
		role := c.Get("role").String()
		if role == "" {
			role = "user"
		}
		if role == "function" || hasFunctionResponse(c.Get("parts")) {
			role = "tool"
		}
		turns = append(turns, turn{role: role, text: partsText(c.Get("parts"))})
		return true
	})
	req.PromptText, req.SystemPrompt = flattenTurns(turns)
	return req
}

func partsText(parts gjson.Result) string {
	var texts []string
	parts.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			texts = append(texts, t.String())
		} else if fr := p.Get("functionResponse.response"); fr.Exists() {
			texts = append(texts, fr.Raw)
		}
		return true
	})
	return strings.Join(texts, "\n")
}

func hasFunctionResponse(parts gjson.Result) bool {
	found := false
	parts.ForEach(func(_, p gjson.Result) bool {
		found = p.Get("functionResponse").Exists()
		return !found
	})
	return found
}

// ParseResponse implements Adapter. A non-SSE streamGenerateContent body is a
// JSON array of chunks and is folded chunk by chunk.
func (a *GeminiAdapter) ParseResponse(body []byte) ParsedResponse {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ParsedResponse{}
	}
	var resp ParsedResponse
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root.ForEach(func(_, chunk gjson.Result) bool {
			a.applyChunk(chunk, &resp)
			return true
		})
		return resp
	}
	if root.IsObject() {
		a.applyChunk(root, &resp)
	}
	return resp
}

// ParseStreamEvent implements Adapter.
func (a *GeminiAdapter) ParseStreamEvent(data []byte, r *ParsedResponse) {
	if obj, ok := parseObject(data); ok {
		a.applyChunk(obj, r)
	}
}

func (a *GeminiAdapter) applyChunk(chunk gjson.Result, r *ParsedResponse) {
	if m := chunk.Get("modelVersion").String(); m != "" {
		r.Model = m
	}
	r.Text += partsText(chunk.Get("candidates.0.content.parts"))
	usage := chunk.Get("usageMetadata")
	if !usage.IsObject() {
		return
	}
	if in := optionalInt(usage.Get("promptTokenCount")); in != nil {
		r.TokensIn = in
	}
	if out := optionalInt(usage.Get("candidatesTokenCount")); out != nil {
		r.TokensOut = out
	}
}

// RequiredHeaders implements Adapter.
func (a *GeminiAdapter) RequiredHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
