// Request utilities - upstream resolution for traffic the detector does not
// recognize, and log-safe target rendering.
//
// DESIGN:
//   - autoDetectProvider(): infer the upstream from credential headers
//   - redactTarget():       mask the Gemini ?key= credential before logging
package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/utils"
)

// autoDetectProvider picks an upstream for a request of unknown shape from
// the credential it carries. It returns ProviderUnknown when nothing matches.
func autoDetectProvider(r *http.Request) adapters.Provider {
	// anthropic-version is definitive
	if r.Header.Get("anthropic-version") != "" {
		return adapters.ProviderAnthropic
	}
	if strings.HasPrefix(r.Header.Get("x-api-key"), "sk-ant-") {
		return adapters.ProviderAnthropic
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer sk-ant-") {
			return adapters.ProviderAnthropic
		}
		if strings.HasPrefix(auth, "Bearer sk-") {
			return adapters.ProviderOpenAI
		}
	}

	if r.Header.Get("x-goog-api-key") != "" || r.URL.Query().Get("key") != "" {
		return adapters.ProviderGemini
	}
	return adapters.ProviderUnknown
}

// redactTarget returns target with the key query parameter masked.
func redactTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "(unparseable target)"
	}
	q := u.Query()
	if !q.Has("key") {
		return target
	}
	q.Set("key", utils.MaskKey(q.Get("key")))
	u.RawQuery = q.Encode()
	return u.String()
}
