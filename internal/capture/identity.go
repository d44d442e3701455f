package capture

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/utils"
)

// conversationWindow groups calls from one client into a conversation.
const conversationWindow = 300 // seconds

// sensitiveHeaders never leave the proxy in a usage record.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-goog-api-key":      true,
	"api-key":             true,
	"cookie":              true,
	"set-cookie":          true,
}

// NewRequest derives the request identity of r. The provider credential is
// hashed here and never stored raw.
func NewRequest(r *http.Request, adapter adapters.Adapter, correlationID string, now time.Time) Request {
	ip := utils.ClientIP(r)
	ua := r.UserAgent()

	req := Request{
		CorrelationID:  correlationID,
		ConversationID: ConversationID(ip, ua, now),
		Method:         r.Method,
		Path:           r.URL.Path,
		ClientIP:       ip,
		ClientIPHash:   utils.HashKey(ip),
		UserAgent:      ua,
		Headers:        SanitizeHeaders(r.Header),
		Timestamp:      now,
	}
	if adapter != nil {
		cred := adapter.Credential(r.Header, r.URL.Query())
		req.CredentialHash = utils.HashKey(cred)
		req.CredentialFormatValid = adapters.ValidKeyFormat(adapter.Provider(), cred)
	}
	return req
}

// ConversationID buckets calls by client and five-minute window.
func ConversationID(ip, userAgent string, now time.Time) string {
	bucket := now.Unix() / conversationWindow
	return "conv_" + utils.HashKey(fmt.Sprintf("%s:%s:%d", ip, userAgent, bucket))
}

// SanitizeHeaders flattens h and strips credential-bearing headers.
func SanitizeHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return lo.OmitBy(flat, func(k, _ string) bool {
		return sensitiveHeaders[k]
	})
}
