// Package adapters types - unified types for provider-specific request parsing.
//
// DESIGN: One Adapter per captured provider wire format:
//   - Matches():        path + credential shape (detection, no body access)
//   - ParseRequest():   prompt text, system prompt, model, generation params
//   - ParseResponse():  response text and token usage (JSON bodies)
//   - ParseStreamEvent(): same, one SSE data payload at a time
//
// The Detector picks an adapter once per request; the adapter then travels
// with the capture context. Parsing never fails: malformed input yields an
// empty result and the caller decides what that means.
package adapters

import (
	"net/http"
	"net/url"
	"strings"
)

// =============================================================================
// PROVIDER TYPES - Used for identification and routing
// =============================================================================

// Provider identifies which LLM provider format is being used.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderUnknown   Provider = "unknown"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// ProviderFromString converts a string to a Provider type.
func ProviderFromString(s string) Provider {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI
	case "anthropic":
		return ProviderAnthropic
	case "gemini":
		return ProviderGemini
	default:
		return ProviderUnknown
	}
}

// =============================================================================
// PARSED TYPES - Output of ParseRequest / ParseResponse
// =============================================================================

// ParsedRequest is the provider-independent view of a request body.
type ParsedRequest struct {
	// PromptText is the flattened prompt; nil when nothing could be extracted.
	PromptText   *string
	SystemPrompt string
	Model        string
	Params       map[string]any
	Stream       bool
}

// OK reports whether prompt text was found.
func (p ParsedRequest) OK() bool {
	return p.PromptText != nil
}

// emptyRequest is returned for malformed bodies.
func emptyRequest() ParsedRequest {
	return ParsedRequest{Params: map[string]any{}}
}

// ParsedResponse is the provider-independent view of a response body.
// Token fields stay nil when the provider sent no usage block.
type ParsedResponse struct {
	Text      string
	TokensIn  *int
	TokensOut *int
	Model     string
}

// =============================================================================
// ADAPTER INTERFACE
// =============================================================================

// Adapter parses one provider's wire format.
type Adapter interface {
	Name() string
	Provider() Provider

	// Matches reports whether a POST to path with these headers belongs to this provider.
	Matches(path string, header http.Header, query url.Values) bool
	// Credential returns the raw API key carried by the request, or "".
	Credential(header http.Header, query url.Values) string

	ParseRequest(path string, body []byte) ParsedRequest
	ParseResponse(body []byte) ParsedResponse
	// ParseStreamEvent folds one SSE data payload into r.
	ParseStreamEvent(data []byte, r *ParsedResponse)

	// RequiredHeaders are set on the upstream request when the client omitted them.
	RequiredHeaders() map[string]string
	BaseURL() string
}

// BaseAdapter provides the shared identity fields.
type BaseAdapter struct {
	name     string
	provider Provider
	baseURL  string
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}

// BaseURL returns the upstream base URL.
func (a *BaseAdapter) BaseURL() string {
	return a.baseURL
}

func newBase(provider Provider, baseURL, defaultURL string) BaseAdapter {
	if baseURL == "" {
		baseURL = defaultURL
	}
	return BaseAdapter{
		name:     provider.String(),
		provider: provider,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// ValidKeyFormat reports whether key looks like a credential for provider.
// The result is informational only and never used to reject traffic.
func ValidKeyFormat(provider Provider, key string) bool {
	switch provider {
	case ProviderAnthropic:
		return strings.HasPrefix(key, "sk-ant-") && len(key) >= 20
	case ProviderOpenAI:
		return strings.HasPrefix(key, "sk-") && len(key) >= 20
	case ProviderGemini:
		return len(key) >= 20 && len(key) <= 50
	default:
		return false
	}
}

func bearerToken(header http.Header) string {
	auth := strings.TrimSpace(header.Get("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
