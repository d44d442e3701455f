package adapters

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
)

// Detector selects the adapter for an inbound request. Adapters are tried in
// registration order and the first match wins.
type Detector struct {
	adapters []Adapter
}

// BaseURLs overrides upstream base URLs per provider.
type BaseURLs map[Provider]string

// NewDetector creates a detector with the OpenAI, Anthropic and Gemini
// adapters, evaluated in that order.
func NewDetector(urls BaseURLs) *Detector {
	return &Detector{adapters: []Adapter{
		NewOpenAIAdapter(urls[ProviderOpenAI]),
		NewAnthropicAdapter(urls[ProviderAnthropic]),
		NewGeminiAdapter(urls[ProviderGemini]),
	}}
}

// Detect identifies the provider of a request. Only POST requests are
// considered. Unknown requests return ProviderUnknown and a nil adapter.
func (d *Detector) Detect(method, path string, header http.Header, query url.Values) (Provider, Adapter) {
	if method == http.MethodPost {
		for _, a := range d.adapters {
			if a.Matches(path, header, query) {
				return a.Provider(), a
			}
		}
	}
	log.Debug().Str("method", method).Str("path", path).Msg("detector: unknown provider shape")
	return ProviderUnknown, nil
}

// Adapter returns the registered adapter for provider, or nil.
func (d *Detector) Adapter(provider Provider) Adapter {
	for _, a := range d.adapters {
		if a.Provider() == provider {
			return a
		}
	}
	return nil
}
