package gateway

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/utils"
)

// operationalPaths bypass the rate limiter.
var operationalPaths = map[string]bool{
	"/health":  true,
	"/stats":   true,
	"/metrics": true,
}

// rateLimitMiddleware enforces the per-client-IP sliding window. Counter store
// failures let the request through.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if operationalPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		client := utils.ClientIP(r)
		d := g.limiter.Allow(r.Context(), client)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			provider, _ := g.detector.Detect(r.Method, r.URL.Path, r.Header, r.URL.Query())
			g.metrics.RecordRequest(provider.String(), monitoring.HandlingRateLimited)
			log.Info().Str("client_ip", client).Str("path", r.URL.Path).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(g.limiter.Window().Seconds())))
			g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
