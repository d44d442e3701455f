// Package capture records intercepted LLM calls without touching the proxied traffic.
//
// DESIGN: A capture is an immutable Context value threaded through ordered stages:
//   - parse:    adapter.ParseRequest -> prompt text, system prompt, model, params
//   - embed:    masked prompt text -> vector
//   - classify: vector -> SAME / FORK / NEW against the vector index
//   - link:     lineage manager creates or links the Prompt row
//
// Each stage returns a new Context. The Capturer runs every capture in its own
// goroutine (bounded by a semaphore), persists the PromptUsage through the
// Dispatcher, then waits for the response phase handed over by Handle.Complete.
package capture

import (
	"maps"
	"slices"
	"time"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
)

// Request is the identity of an intercepted call, fixed when it arrives.
type Request struct {
	CorrelationID         string
	ConversationID        string
	Method                string
	Path                  string
	ClientIP              string
	ClientIPHash          string
	UserAgent             string
	CredentialHash        string
	CredentialFormatValid bool
	Headers               map[string]string // sanitized, no credentials
	Timestamp             time.Time
}

// Context is the immutable state of one capture. The zero value is not useful;
// build one with NewContext and derive new values with the With* methods.
type Context struct {
	req      Request
	adapter  adapters.Adapter
	body     []byte
	parsed   adapters.ParsedRequest
	vector   []float32
	result   *similarity.Result
	promptID string
	status   store.Status
	errMsg   string
	metadata map[string]any
}

// NewContext starts a capture. body is copied.
func NewContext(req Request, adapter adapters.Adapter, body []byte) Context {
	req.Headers = maps.Clone(req.Headers)
	return Context{
		req:     req,
		adapter: adapter,
		body:    slices.Clone(body),
		status:  store.StatusPending,
	}
}

// Request returns the request identity.
func (c Context) Request() Request {
	r := c.req
	r.Headers = maps.Clone(c.req.Headers)
	return r
}

// Adapter returns the provider adapter selected by the detector.
func (c Context) Adapter() adapters.Adapter { return c.adapter }

// Provider returns the detected provider.
func (c Context) Provider() adapters.Provider {
	if c.adapter == nil {
		return adapters.ProviderUnknown
	}
	return c.adapter.Provider()
}

// Body returns a copy of the captured request body.
func (c Context) Body() []byte { return slices.Clone(c.body) }

// Parsed returns the parsed request.
func (c Context) Parsed() adapters.ParsedRequest {
	p := c.parsed
	p.Params = maps.Clone(c.parsed.Params)
	return p
}

// Vector returns a copy of the embedding, or nil before the embed stage.
func (c Context) Vector() []float32 { return slices.Clone(c.vector) }

// Result returns the classification result, if classification ran.
func (c Context) Result() (similarity.Result, bool) {
	if c.result == nil {
		return similarity.Result{}, false
	}
	return *c.result, true
}

// PromptID returns the linked prompt id, or "".
func (c Context) PromptID() string { return c.promptID }

// Status returns the capture status.
func (c Context) Status() store.Status { return c.status }

// Err returns the failure message of a failed capture.
func (c Context) Err() string { return c.errMsg }

// Metadata returns a copy of the capture metadata.
func (c Context) Metadata() map[string]any { return maps.Clone(c.metadata) }

// WithParsed returns a copy carrying the parsed request.
func (c Context) WithParsed(p adapters.ParsedRequest) Context {
	p.Params = maps.Clone(p.Params)
	if p.PromptText != nil {
		text := *p.PromptText
		p.PromptText = &text
	}
	c.parsed = p
	return c
}

// WithVector returns a copy carrying the embedding.
func (c Context) WithVector(v []float32) Context {
	c.vector = slices.Clone(v)
	return c
}

// WithResult returns a copy carrying the classification result.
func (c Context) WithResult(r similarity.Result) Context {
	if r.MatchID != nil {
		id := *r.MatchID
		r.MatchID = &id
	}
	c.result = &r
	return c
}

// WithPromptID returns a copy linked to promptID.
func (c Context) WithPromptID(id string) Context {
	c.promptID = id
	return c
}

// WithStatus returns a copy with a new status and failure message. A terminal
// status is never replaced.
func (c Context) WithStatus(s store.Status, errMsg string) Context {
	if c.status.IsTerminal() {
		return c
	}
	c.status = s
	c.errMsg = errMsg
	return c
}

// WithMetadata returns a copy with key set to value.
func (c Context) WithMetadata(key string, value any) Context {
	m := maps.Clone(c.metadata)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	c.metadata = m
	return c
}

// ResponseCapture is the response phase of a capture, produced by the proxy
// once the upstream response has been relayed (or has failed).
type ResponseCapture struct {
	Body        []byte
	StatusCode  int
	ContentType string
	Timestamp   time.Time
	Partial     bool // client disconnected or upstream stream broke mid-way
	Truncated   bool // body exceeded the accumulator cap
	Err         error
}
