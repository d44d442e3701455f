package adapters

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestDetector_Detect(t *testing.T) {
	d := NewDetector(nil)

	tests := []struct {
		name   string
		method string
		path   string
		header http.Header
		query  url.Values
		want   Provider
	}{
		{"openai chat", "POST", "/v1/chat/completions", headers("Authorization", "Bearer sk-abc"), nil, ProviderOpenAI},
		{"openai completions", "POST", "/v1/completions", headers("Authorization", "Bearer sk-abc"), nil, ProviderOpenAI},
		{"openai embeddings", "POST", "/v1/embeddings", headers("Authorization", "Bearer sk-abc"), nil, ProviderOpenAI},
		{"openai without credential", "POST", "/v1/chat/completions", headers(), nil, ProviderUnknown},
		{"anthropic messages", "POST", "/v1/messages", headers("x-api-key", "sk-ant-abc"), nil, ProviderAnthropic},
		{"anthropic complete", "POST", "/v1/complete", headers("x-api-key", "sk-ant-abc"), nil, ProviderAnthropic},
		{"anthropic with bearer only", "POST", "/v1/messages", headers("Authorization", "Bearer x"), nil, ProviderUnknown},
		{"gemini header", "POST", "/v1beta/models/gemini-pro:generateContent", headers("x-goog-api-key", "AIza123"), nil, ProviderGemini},
		{"gemini query key", "POST", "/v1beta/models/gemini-pro:streamGenerateContent", headers(), url.Values{"key": {"AIza123"}}, ProviderGemini},
		{"gemini legacy", "POST", "/v1beta/models/gemini-pro/generateContent", headers("x-goog-api-key", "AIza123"), nil, ProviderGemini},
		{"gemini without key", "POST", "/v1beta/models/gemini-pro:generateContent", headers(), nil, ProviderUnknown},
		{"get is never captured", "GET", "/v1/chat/completions", headers("Authorization", "Bearer sk-abc"), nil, ProviderUnknown},
		{"unknown path", "POST", "/v1/models", headers("Authorization", "Bearer sk-abc"), nil, ProviderUnknown},
		{"path prefix is not enough", "POST", "/v1/chat/completions/extra", headers("Authorization", "Bearer sk-abc"), nil, ProviderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, adapter := d.Detect(tt.method, tt.path, tt.header, tt.query)
			assert.Equal(t, tt.want, got)
			if tt.want == ProviderUnknown {
				assert.Nil(t, adapter)
			} else {
				assert.Equal(t, tt.want, adapter.Provider())
			}
		})
	}
}

func TestDetector_OrderOpenAIFirst(t *testing.T) {
	// Carries both an OpenAI and an Anthropic credential on an OpenAI path.
	d := NewDetector(nil)
	got, _ := d.Detect("POST", "/v1/chat/completions", headers("Authorization", "Bearer sk-abc", "x-api-key", "sk-ant-abc"), nil)
	assert.Equal(t, ProviderOpenAI, got)
}

func TestDetector_Deterministic(t *testing.T) {
	d := NewDetector(nil)
	h := headers("x-api-key", "sk-ant-abc")
	first, _ := d.Detect("POST", "/v1/messages", h, nil)
	for i := 0; i < 10; i++ {
		got, _ := d.Detect("POST", "/v1/messages", h, nil)
		assert.Equal(t, first, got)
	}
}

func TestDetector_BaseURLOverride(t *testing.T) {
	d := NewDetector(BaseURLs{ProviderAnthropic: "http://localhost:9999/"})
	assert.Equal(t, "http://localhost:9999", d.Adapter(ProviderAnthropic).BaseURL())
	assert.Equal(t, "https://api.openai.com", d.Adapter(ProviderOpenAI).BaseURL())
	assert.Nil(t, d.Adapter(ProviderUnknown))
}

func TestCredential(t *testing.T) {
	d := NewDetector(nil)
	assert.Equal(t, "sk-abc", d.Adapter(ProviderOpenAI).Credential(headers("Authorization", "Bearer sk-abc"), nil))
	assert.Equal(t, "sk-ant-abc", d.Adapter(ProviderAnthropic).Credential(headers("x-api-key", "sk-ant-abc"), nil))
	assert.Equal(t, "q", d.Adapter(ProviderGemini).Credential(headers(), url.Values{"key": {"q"}}))
}

func TestValidKeyFormat(t *testing.T) {
	assert.True(t, ValidKeyFormat(ProviderOpenAI, "sk-12345678901234567890"))
	assert.False(t, ValidKeyFormat(ProviderOpenAI, "sk-short"))
	assert.True(t, ValidKeyFormat(ProviderAnthropic, "sk-ant-REDACTED"))
	assert.False(t, ValidKeyFormat(ProviderAnthropic, "sk-12345678901234567890"))
	assert.True(t, ValidKeyFormat(ProviderGemini, "AIzaSy0123456789abcdefghij"))
	assert.False(t, ValidKeyFormat(ProviderGemini, "short"))
	assert.False(t, ValidKeyFormat(ProviderUnknown, "anything-at-all-really"))
}

func TestProviderFromString(t *testing.T) {
	assert.Equal(t, ProviderGemini, ProviderFromString(" Gemini "))
	assert.Equal(t, ProviderUnknown, ProviderFromString("bedrock"))
}
