package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/capture"
	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/utils"
)

// DefaultBufferSize is the relay read buffer size.
const DefaultBufferSize = 4096

var errNoTarget = errors.New("no upstream for request")

// hopHeaders are connection-level headers that are never forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// getRequestID returns the caller's X-Request-ID or a fresh one. It doubles
// as the capture correlation id.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// =============================================================================
// PROXY
// =============================================================================

// handleProxy forwards every non-operational request. Capture never changes
// what the client receives.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := g.getRequestID(r)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	provider, adapter := g.detector.Detect(r.Method, r.URL.Path, r.Header, r.URL.Query())

	var handle *capture.Handle
	if adapter != nil && g.capturer != nil {
		req := capture.NewRequest(r, adapter, requestID, start)
		handle = g.capturer.Begin(capture.NewContext(req, adapter, body))
		g.metrics.RecordRequest(provider.String(), monitoring.HandlingCaptured)
	} else {
		g.metrics.RecordRequest(provider.String(), monitoring.HandlingPassthrough)
	}

	resp, err := g.forward(r.Context(), r, body, adapter)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, errNoTarget) {
			status = http.StatusBadRequest
			log.Warn().Err(err).
				Str("request_id", requestID).
				Str("path", r.URL.Path).
				Msg("no upstream for request")
		} else {
			log.Error().Err(err).
				Str("request_id", requestID).
				Str("provider", provider.String()).
				Str("path", r.URL.Path).
				Msg("upstream request failed")
		}
		g.writeError(w, "upstream request failed: "+err.Error(), status)
		handle.Complete(capture.ResponseCapture{StatusCode: status, Timestamp: time.Now(), Err: err})
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderRequestID, requestID)
	w.WriteHeader(resp.StatusCode)

	var (
		acc  *capture.Accumulator
		sink io.Writer
	)
	if handle != nil {
		acc = capture.NewAccumulator(g.config.Capture.MaxResponseBytes)
		sink = acc
	}
	partial, relayErr := g.relay(w, resp.Body, sink)

	if resp.StatusCode >= 400 && acc != nil {
		b := acc.Bytes()
		if len(b) > config.MaxErrorBodyLogLen {
			b = b[:config.MaxErrorBodyLogLen]
		}
		log.Warn().
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Str("body", string(b)).
			Msg("upstream returned error")
	}

	if handle == nil {
		return
	}
	handle.Complete(capture.ResponseCapture{
		Body:        acc.Bytes(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Timestamp:   time.Now(),
		Partial:     partial,
		Truncated:   acc.Truncated(),
		Err:         relayErr,
	})
	log.Debug().
		Str("request_id", requestID).
		Str("provider", provider.String()).
		Int("status", resp.StatusCode).
		Int64("bytes", acc.Total()).
		Dur("latency", time.Since(start)).
		Msg("request relayed")
}

// forward sends the request body unchanged to the resolved upstream.
func (g *Gateway) forward(ctx context.Context, r *http.Request, body []byte, adapter adapters.Adapter) (*http.Response, error) {
	target, err := g.targetURL(r, adapter)
	if err != nil {
		return nil, err
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vv := range r.Header {
		if hopHeaders[k] || k == HeaderTargetURL || k == "Host" || k == "Content-Length" || k == "Accept-Encoding" {
			continue
		}
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	if adapter != nil {
		for k, v := range adapter.RequiredHeaders() {
			if outReq.Header.Get(k) == "" {
				outReq.Header.Set(k, v)
			}
		}
	}

	log.Debug().
		Str("target", redactTarget(target)).
		Str("x-api-key", utils.MaskKey(r.Header.Get("x-api-key"))).
		Str("authorization", utils.MaskKey(r.Header.Get("Authorization"))).
		Msg("forwarding request")

	resp, err := g.httpClient.Do(outReq)
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = redactTarget(urlErr.URL)
	}
	return resp, err
}

// targetURL resolves X-Target-URL (path appended unless already present),
// the detected provider's base URL, or for unknown traffic the provider the
// request's credential points at.
func (g *Gateway) targetURL(r *http.Request, adapter adapters.Adapter) (string, error) {
	target := r.Header.Get(HeaderTargetURL)
	if target == "" {
		if adapter == nil {
			adapter = g.detector.Adapter(autoDetectProvider(r))
		}
		if adapter == nil {
			return "", fmt.Errorf("%w: missing %s header", errNoTarget, HeaderTargetURL)
		}
		target = strings.TrimSuffix(adapter.BaseURL(), "/") + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		return target, nil
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: invalid target URL %q", errNoTarget, target)
	}
	if !g.isAllowedHost(parsed.Host) {
		return "", fmt.Errorf("%w: target host not allowed: %s", errNoTarget, parsed.Host)
	}
	if !strings.HasSuffix(parsed.Path, r.URL.Path) {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + r.URL.Path
	}
	if parsed.RawQuery == "" {
		parsed.RawQuery = r.URL.RawQuery
	}
	return parsed.String(), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// relay copies the upstream body to the client chunk by chunk, flushing after
// each write, and tees it into sink. It reports whether the relay stopped
// before the upstream body ended.
func (g *Gateway) relay(w http.ResponseWriter, reader io.Reader, sink io.Writer) (bool, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, DefaultBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if sink != nil {
				_, _ = sink.Write(chunk)
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				log.Debug().Err(writeErr).Msg("client disconnected")
				return true, nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			log.Debug().Err(err).Msg("error reading upstream body")
			return true, err
		}
	}
}
