package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/prompt-gateway/internal/capture"
	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/store"
	"github.com/compresr/prompt-gateway/internal/store/sqlite"
	"github.com/compresr/prompt-gateway/internal/utils"
)

const testKey = "sk-test-0123456789abcdefghij"

const chatResponse = `{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"Paris."}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`

// upstream records what the gateway forwarded.
type upstream struct {
	mu      sync.Mutex
	server  *httptest.Server
	bodies  []string
	headers []http.Header
	paths   []string
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.bodies = append(u.bodies, string(body))
		u.headers = append(u.headers, r.Header.Clone())
		u.paths = append(u.paths, r.URL.RequestURI())
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) host() string {
	parsed, _ := url.Parse(u.server.URL)
	return parsed.Host
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Upstream.OpenAI = upstreamURL
	cfg.Upstream.Anthropic = upstreamURL
	cfg.Upstream.Gemini = upstreamURL
	cfg.Capture.FallbackPath = filepath.Join(dir, "fallback.jsonl")
	cfg.Capture.DispatchTimeout = time.Second
	cfg.Capture.StageTimeout = time.Second
	cfg.Capture.ResponseTimeout = 5 * time.Second
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimensions = 64
	cfg.Store.Path = filepath.Join(dir, "prompts.db")
	cfg.RateLimit.Enabled = false
	return cfg
}

type testGateway struct {
	*Gateway
	store *sqlite.Store
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *testGateway {
	t.Helper()
	s, err := sqlite.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	g, err := New(cfg, append([]Option{WithBackend(s)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(g.costs.Stop)
	return &testGateway{Gateway: g, store: s}
}

// drain waits for every in-flight capture to finish.
func (tg *testGateway) drain(t *testing.T) {
	t.Helper()
	if tg.capturer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.capturer.Close(ctx))
}

func (tg *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	return rec
}

func chatRequest(requestID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	return req
}

func usageFor(t *testing.T, s *sqlite.Store, requestID string) *store.PromptUsage {
	t.Helper()
	usages, err := s.UsagesByCorrelation(context.Background(), requestID)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	return usages[0]
}

// =============================================================================
// PROXY
// =============================================================================

func TestProxy_CapturesChatCompletion(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is the capital of France?"}],"temperature":0.2}`
	rec := tg.do(chatRequest("req-chat", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chatResponse, rec.Body.String())
	assert.Equal(t, "req-chat", rec.Header().Get(HeaderRequestID))

	require.Len(t, up.bodies, 1)
	assert.Equal(t, body, up.bodies[0], "body must be forwarded byte for byte")
	assert.Equal(t, "/v1/chat/completions", up.paths[0])
	assert.Equal(t, "Bearer "+testKey, up.headers[0].Get("Authorization"))

	tg.drain(t)
	u := usageFor(t, tg.store, "req-chat")
	assert.Equal(t, store.StatusSuccess, u.Status)
	assert.Equal(t, "openai", u.Provider)
	assert.Equal(t, "gpt-4o-mini", u.Model)
	require.NotNil(t, u.RawContent)
	assert.Contains(t, *u.RawContent, "capital of France")
	assert.NotNil(t, u.PromptID)
	assert.Equal(t, utils.HashKey(testKey), u.CredentialHash)
	assert.Equal(t, http.StatusOK, u.HTTPStatus)
	require.NotNil(t, u.TokensIn)
	require.NotNil(t, u.TokensOut)
	assert.Equal(t, 12, *u.TokensIn)
	assert.Equal(t, 3, *u.TokensOut)
	assert.Equal(t, "Paris.", u.ResponseContent)

	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testKey, "raw credential must never be persisted")
}

func TestProxy_RepeatedPromptIsSame(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	tg.do(chatRequest("req-a", `{"model":"gpt-4o","messages":[{"role":"user","content":"Summarize {doc} in three bullet points"}]}`))
	tg.drain(t)
	first := usageFor(t, tg.store, "req-a")

	tg2 := newTestGateway(t, tg.config)
	tg2.do(chatRequest("req-b", `{"model":"gpt-4o","messages":[{"role":"user","content":"Summarize {report} in three bullet points"}]}`))
	tg2.drain(t)
	second := usageFor(t, tg2.store, "req-b")

	require.NotNil(t, first.PromptID)
	require.NotNil(t, second.PromptID)
	assert.Equal(t, *first.PromptID, *second.PromptID)

	count, err := tg2.store.CountPrompts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestProxy_UnknownTrafficPassesThroughUncaptured(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, `{"ok":true}`))
	cfg := testConfig(t, up.server.URL)
	cfg.Upstream.AllowedHosts = []string{up.host()}
	tg := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/moderations?x=1", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set(HeaderTargetURL, up.server.URL)
	rec := tg.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, up.paths, 1)
	assert.Equal(t, "/v1/moderations?x=1", up.paths[0])
	assert.Empty(t, up.headers[0].Get(HeaderTargetURL))

	tg.drain(t)
	n, err := tg.store.CountUsages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, tg.metrics.FullStats().Requests.Passthrough)
}

func TestProxy_MalformedBodyForwardedAndMarkedParseFailed(t *testing.T) {
	errBody := `{"error":{"message":"invalid JSON"}}`
	up := newUpstream(t, jsonHandler(http.StatusBadRequest, errBody))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	rec := tg.do(chatRequest("req-bad", `{"model": "gpt-4o", "messages": [`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errBody, rec.Body.String())
	require.Len(t, up.bodies, 1)
	assert.Equal(t, `{"model": "gpt-4o", "messages": [`, up.bodies[0])

	tg.drain(t)
	u := usageFor(t, tg.store, "req-bad")
	assert.Equal(t, store.StatusParseFailed, u.Status)
	assert.Nil(t, u.RawContent)
	assert.Nil(t, u.PromptID)
	assert.Equal(t, http.StatusBadRequest, u.HTTPStatus)
}

func TestProxy_StreamingResponseRelayedAndCaptured(t *testing.T) {
	stream := "data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, event := range strings.SplitAfter(stream, "\n\n") {
			_, _ = io.WriteString(w, event)
			flusher.Flush()
		}
	})
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	rec := tg.do(chatRequest("req-stream", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Say hello"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stream, rec.Body.String())
	assert.True(t, rec.Flushed)

	tg.drain(t)
	u := usageFor(t, tg.store, "req-stream")
	assert.Equal(t, store.StatusSuccess, u.Status)
	assert.Equal(t, "Hello world", u.ResponseContent)
	require.NotNil(t, u.TokensOut)
	assert.Equal(t, 2, *u.TokensOut)
	assert.False(t, u.Partial)
}

func TestProxy_TruncatedCaptureDoesNotTruncateClient(t *testing.T) {
	big := `{"choices":[{"message":{"content":"` + strings.Repeat("x", 4096) + `"}}]}`
	up := newUpstream(t, jsonHandler(http.StatusOK, big))
	cfg := testConfig(t, up.server.URL)
	cfg.Capture.MaxResponseBytes = 128
	tg := newTestGateway(t, cfg)

	rec := tg.do(chatRequest("req-big", `{"model":"gpt-4o","messages":[{"role":"user","content":"long answer please"}]}`))

	assert.Equal(t, big, rec.Body.String())
	tg.drain(t)
	u := usageFor(t, tg.store, "req-big")
	assert.True(t, u.Truncated)
}

type downBackend struct {
	store.Backend
	calls int
	mu    sync.Mutex
}

var errDown = errors.New("connection refused")

func (d *downBackend) CreateUsage(context.Context, *store.PromptUsage) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return errDown
}

func (d *downBackend) UpdateUsage(context.Context, *store.PromptUsage) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return errDown
}

func TestProxy_PersistenceDownDoesNotAffectResponse(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	s, err := sqlite.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	backend := &downBackend{Backend: s}

	g, err := New(cfg, WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(g.costs.Stop)
	tg := &testGateway{Gateway: g, store: s}

	rec := tg.do(chatRequest("req-down", `{"model":"gpt-4o","messages":[{"role":"user","content":"hello there"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chatResponse, rec.Body.String())

	tg.drain(t)
	assert.Equal(t, 3, backend.calls, "one attempt per dispatch, no retries")
	assert.EqualValues(t, 3, g.metrics.FallbackWrites())
	assert.Zero(t, g.metrics.DroppedRecords())
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	up.server.Close()
	tg := newTestGateway(t, cfg)

	rec := tg.do(chatRequest("req-502", `{"model":"gpt-4o","messages":[{"role":"user","content":"anyone there?"}]}`))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "gateway_error", body.Error.Type)

	tg.drain(t)
	u := usageFor(t, tg.store, "req-502")
	assert.Equal(t, http.StatusBadGateway, u.HTTPStatus)
	assert.Contains(t, u.Metadata, capture.MetaUpstreamError)
}

func TestProxy_CaptureDisabled(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	cfg.Capture.Enabled = false
	tg := newTestGateway(t, cfg)

	rec := tg.do(chatRequest("req-off", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, tg.capturer)
	n, err := tg.store.CountUsages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProxy_RequiredHeadersFilledAndEncodingStripped(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, `{"content":[{"type":"text","text":"ok"}]}`))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "sk-ant-REDACTED")
	req.Header.Set("Accept-Encoding", "br")
	tg.do(req)

	require.Len(t, up.headers, 1)
	assert.NotEmpty(t, up.headers[0].Get("anthropic-version"))
	assert.NotEqual(t, "br", up.headers[0].Get("Accept-Encoding"))
}

// =============================================================================
// TARGET RESOLUTION
// =============================================================================

func TestTargetURL(t *testing.T) {
	cfg := testConfig(t, "https://api.example.com")
	cfg.Upstream.AllowedHosts = []string{"proxy.internal:8443"}
	tg := newTestGateway(t, cfg)

	_, openai := tg.detector.Detect(http.MethodPost, "/v1/chat/completions",
		http.Header{"Authorization": []string{"Bearer " + testKey}}, nil)
	require.NotNil(t, openai)

	tests := []struct {
		name    string
		path    string
		target  string
		want    string
		wantErr bool
	}{
		{name: "provider base url", path: "/v1/chat/completions?a=b", want: "https://api.example.com/v1/chat/completions?a=b"},
		{name: "target gets path appended", path: "/v1/chat/completions", target: "https://proxy.internal:8443/openai", want: "https://proxy.internal:8443/openai/v1/chat/completions"},
		{name: "target already has path", path: "/v1/chat/completions", target: "https://api.example.com/v1/chat/completions", want: "https://api.example.com/v1/chat/completions"},
		{name: "host not allowed", path: "/v1/chat/completions", target: "https://evil.example.org", wantErr: true},
		{name: "garbage target", path: "/v1/chat/completions", target: "::", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.target != "" {
				req.Header.Set(HeaderTargetURL, tt.target)
			}
			got, err := tg.targetURL(req, openai)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errNoTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := tg.targetURL(httptest.NewRequest(http.MethodPost, "/v1/unknown", nil), nil)
	assert.ErrorIs(t, err, errNoTarget)
}

func TestTargetURL_UnknownRoutedByCredential(t *testing.T) {
	cfg := testConfig(t, "https://unused.example.com")
	cfg.Upstream.OpenAI = "https://openai.example.com"
	cfg.Upstream.Anthropic = "https://anthropic.example.com"
	cfg.Upstream.Gemini = "https://gemini.example.com"
	tg := newTestGateway(t, cfg)

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   string
	}{
		{name: "anthropic version", path: "/v1/models", header: http.Header{"Anthropic-Version": []string{"2023-06-01"}}, want: "https://anthropic.example.com/v1/models"},
		{name: "anthropic x-api-key", path: "/v1/models", header: http.Header{"X-Api-Key": []string{"sk-ant-api03-abc"}}, want: "https://anthropic.example.com/v1/models"},
		{name: "anthropic bearer", path: "/v1/models", header: http.Header{"Authorization": []string{"Bearer sk-ant-api03-abc"}}, want: "https://anthropic.example.com/v1/models"},
		{name: "openai bearer", path: "/v1/models?limit=5", header: http.Header{"Authorization": []string{"Bearer " + testKey}}, want: "https://openai.example.com/v1/models?limit=5"},
		{name: "gemini header", path: "/v1beta/models", header: http.Header{"X-Goog-Api-Key": []string{"AIzaSyD-abc"}}, want: "https://gemini.example.com/v1beta/models"},
		{name: "gemini query key", path: "/v1beta/models?key=AIzaSyD-abc", header: http.Header{}, want: "https://gemini.example.com/v1beta/models?key=AIzaSyD-abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header = tt.header
			got, err := tg.targetURL(req, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer session-token")
	_, err := tg.targetURL(req, nil)
	assert.ErrorIs(t, err, errNoTarget)
}

func TestProxy_UnknownRoutedByCredential(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, `{"data":[]}`))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := tg.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":[]}`, rec.Body.String())
	require.Len(t, up.paths, 1)
	assert.Equal(t, "/v1/models", up.paths[0])
	assert.Equal(t, "Bearer "+testKey, up.headers[0].Get("Authorization"))

	tg.drain(t)
	n, err := tg.store.CountUsages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, tg.metrics.FullStats().Requests.Passthrough)
}

func TestProxy_UnroutableIsBadRequestAndNotError(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, "{}"))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	rec := tg.do(httptest.NewRequest(http.MethodPost, "/v1/whatever", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, up.bodies)
	assert.Contains(t, logs.String(), "no upstream for request")
	assert.NotContains(t, logs.String(), `"level":"error"`)
}

func TestProxy_ForwardLogMasksQueryKey(t *testing.T) {
	const geminiKey = "AIzaSyD-0123456789abcdefghijklmnop"
	up := newUpstream(t, jsonHandler(http.StatusOK, "{}"))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	rec := tg.do(httptest.NewRequest(http.MethodGet, "/v1beta/models?key="+geminiKey, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, up.paths, 1)
	assert.Contains(t, up.paths[0], geminiKey, "upstream still receives the key")
	assert.Contains(t, logs.String(), "forwarding request")
	assert.NotContains(t, logs.String(), geminiKey)
}

func TestProxy_UpstreamErrorMasksQueryKey(t *testing.T) {
	const geminiKey = "AIzaSyD-0123456789abcdefghijklmnop"
	up := newUpstream(t, jsonHandler(http.StatusOK, "{}"))
	cfg := testConfig(t, up.server.URL)
	up.server.Close()
	tg := newTestGateway(t, cfg)

	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	rec := tg.do(httptest.NewRequest(http.MethodGet, "/v1beta/models?key="+geminiKey, nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, logs.String(), "upstream request failed")
	assert.NotContains(t, logs.String(), geminiKey)
	assert.NotContains(t, rec.Body.String(), geminiKey)
}

func TestRedactTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "no query", target: "https://api.example.com/v1/models", want: "https://api.example.com/v1/models"},
		{name: "other params kept", target: "https://api.example.com/v1/x?alt=sse", want: "https://api.example.com/v1/x?alt=sse"},
		{name: "key masked", target: "https://api.example.com/v1beta/models?alt=sse&key=AIzaSyD-0123456789abcdefghij", want: "https://api.example.com/v1beta/models?alt=sse&key=AIzaSyD-...ghij"},
		{name: "short key", target: "https://api.example.com/v1beta/models?key=abc", want: "https://api.example.com/v1beta/models?key=%2A%2A%2A%2A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, redactTarget(tt.target))
		})
	}
}

// =============================================================================
// RATE LIMIT
// =============================================================================

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Requests = 2
	tg := newTestGateway(t, cfg)

	send := func() *httptest.ResponseRecorder {
		req := chatRequest("", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
		req.RemoteAddr = "203.0.113.7:5555"
		return tg.do(req)
	}

	first := send()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, send().Code)

	third := send()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "0", third.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", third.Header().Get("Retry-After"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusTooManyRequests, send().Code)
	}
	assert.Len(t, up.bodies, 2, "rejected request must not reach upstream")

	other := chatRequest("", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	other.RemoteAddr = "203.0.113.8:5555"
	assert.Equal(t, http.StatusOK, tg.do(other).Code, "limits are per client")

	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	health.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, http.StatusOK, tg.do(health).Code)

	tg.drain(t)
	assert.EqualValues(t, 1, tg.metrics.FullStats().Requests.RateLimited)
}

type failingCounterStore struct{}

func (failingCounterStore) Hit(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestRateLimit_StoreFailureFailsOpen(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Requests = 1
	tg := newTestGateway(t, cfg, WithCounterStore(failingCounterStore{}))

	for i := 0; i < 3; i++ {
		rec := tg.do(chatRequest("", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	tg.drain(t)
	assert.EqualValues(t, 3, tg.metrics.RateLimitStoreErrors())
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestStats_LoopbackOnly(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	tg.do(chatRequest("req-stats", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	tg.drain(t)

	remote := httptest.NewRequest(http.MethodGet, "/stats", nil)
	remote.RemoteAddr = "198.51.100.4:1234"
	assert.Equal(t, http.StatusForbidden, tg.do(remote).Code)

	local := httptest.NewRequest(http.MethodGet, "/stats", nil)
	local.RemoteAddr = "127.0.0.1:1234"
	rec := tg.do(local)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.CaptureEnabled)
	assert.EqualValues(t, 1, stats.Requests.Captured)
	assert.Equal(t, 1, stats.RecentSummary.Total)
	assert.Len(t, stats.Recent, 1)
	assert.NotContains(t, rec.Body.String(), testKey)
}

func TestHealth(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, "{}"))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	rec := tg.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	tg := newTestGateway(t, testConfig(t, up.server.URL))

	tg.do(chatRequest("req-metrics", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	tg.drain(t)

	rec := tg.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prompt_gateway_")
}

func TestShutdown_WaitsForCaptures(t *testing.T) {
	up := newUpstream(t, jsonHandler(http.StatusOK, chatResponse))
	cfg := testConfig(t, up.server.URL)
	s, err := sqlite.Open(cfg.Store.Path)
	require.NoError(t, err)
	g, err := New(cfg, WithBackend(s))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, chatRequest("req-shutdown", `{"model":"gpt-4o","messages":[{"role":"user","content":"bye"}]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	reopened, err := sqlite.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer reopened.Close()
	u := usageFor(t, reopened, "req-shutdown")
	assert.Equal(t, store.StatusSuccess, u.Status)
	assert.NotNil(t, u.ResponseTimestamp)
}
