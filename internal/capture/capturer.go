package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/costcontrol"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/store"
)

// Metadata keys written on usage records.
const (
	MetaCredentialFormatValid = "credential_format_valid"
	MetaHeaders               = "request_headers"
	MetaParams                = "params"
	MetaTier                  = "tier"
	MetaSimilarity            = "similarity"
	MetaMatchID               = "match_id"
	MetaEstimatedCost         = "estimated_cost_usd"
	MetaResponseTimeout       = "response_timeout"
	MetaUpstreamError         = "upstream_error"
	MetaRejected              = "capture_rejected"
	MetaPanic                 = "panic"
)

// Config bounds capture work.
type Config struct {
	MaxInFlight     int64
	ResponseTimeout time.Duration // how long to wait for Handle.Complete
	RejectBuffer    int
}

// Capturer runs captures off the proxy path.
type Capturer struct {
	pipeline        *Pipeline
	dispatcher      *Dispatcher
	metrics         *monitoring.MetricsCollector
	costs           *costcontrol.Tracker
	captureLog      *monitoring.CaptureLog
	sem             *semaphore.Weighted
	responseTimeout time.Duration

	// records rejected at the in-flight bound, written by writeRejected
	rejected   chan *store.PromptUsage
	writerDone chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	newID func() string
	now   func() time.Time
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(c *Capturer) { c.metrics = m }
}

// WithCostTracker records estimated spend per credential hash.
func WithCostTracker(t *costcontrol.Tracker) Option {
	return func(c *Capturer) { c.costs = t }
}

// WithCaptureLog records finalized captures in l.
func WithCaptureLog(l *monitoring.CaptureLog) Option {
	return func(c *Capturer) { c.captureLog = l }
}

// NewCapturer creates a capturer running pipeline and persisting through dispatcher.
func NewCapturer(cfg Config, pipeline *Pipeline, dispatcher *Dispatcher, opts ...Option) *Capturer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = config.DefaultMaxInFlight
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = config.DefaultResponseTimeout
	}
	if cfg.RejectBuffer <= 0 {
		cfg.RejectBuffer = config.DefaultRejectBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Capturer{
		pipeline:        pipeline,
		dispatcher:      dispatcher,
		sem:             semaphore.NewWeighted(cfg.MaxInFlight),
		responseTimeout: cfg.ResponseTimeout,
		rejected:        make(chan *store.PromptUsage, cfg.RejectBuffer),
		writerDone:      make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		newID:           uuid.NewString,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = dispatcher.metrics
	}
	go c.writeRejected()
	return c
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle connects a running capture to the response phase of its request.
type Handle struct {
	resp chan ResponseCapture
	once sync.Once
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		resp: make(chan ResponseCapture, 1),
		done: make(chan struct{}),
	}
}

// Complete hands over the response. Only the first call counts; it never blocks.
func (h *Handle) Complete(rc ResponseCapture) {
	if h == nil {
		return
	}
	h.once.Do(func() { h.resp <- rc })
}

// Done is closed once the capture has been finalized.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// =============================================================================
// CAPTURE
// =============================================================================

// Begin starts capturing c and returns immediately. When the in-flight bound
// is reached the pending record is handed to the fallback writer; if its
// buffer is full too the record is dropped.
func (cp *Capturer) Begin(c Context) *Handle {
	h := newHandle()

	if !cp.sem.TryAcquire(1) {
		cp.metrics.RecordRejected()
		usage := cp.newUsage(c)
		usage.Metadata[MetaRejected] = true
		select {
		case cp.rejected <- usage:
			log.Warn().
				Str("correlation_id", c.req.CorrelationID).
				Msg("capture: in-flight limit reached, pending record sent to fallback queue")
		default:
			cp.metrics.RecordDropped()
			log.Error().
				Str("usage_id", usage.ID).
				Str("correlation_id", c.req.CorrelationID).
				Msg("capture: in-flight limit reached and fallback writer busy, record dropped")
		}
		close(h.done)
		return h
	}

	cp.wg.Add(1)
	cp.metrics.CaptureStarted()
	go cp.run(c, h)
	return h
}

// Close waits for in-flight captures. When ctx expires first, running
// captures are cancelled and Close returns ctx.Err().
func (cp *Capturer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cp.cancel()
	case <-ctx.Done():
		cp.cancel()
		return ctx.Err()
	}

	select {
	case <-cp.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeRejected appends rejected records to the fallback queue so Begin
// never waits on disk. Records still buffered at shutdown are written
// before it exits.
func (cp *Capturer) writeRejected() {
	defer close(cp.writerDone)
	for {
		select {
		case u := <-cp.rejected:
			cp.dispatcher.Fallback(OpCreate, u, "capture saturated")
		case <-cp.ctx.Done():
			for {
				select {
				case u := <-cp.rejected:
					cp.dispatcher.Fallback(OpCreate, u, "capture saturated")
				default:
					return
				}
			}
		}
	}
}

// run executes both capture phases for one request, in order.
func (cp *Capturer) run(c Context, h *Handle) {
	usage := cp.newUsage(c)
	persisted := false

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("usage_id", usage.ID).
				Str("correlation_id", usage.CorrelationID).
				Interface("panic", r).
				Msg("capture: recovered panic")
			if err := usage.Transition(store.StatusError); err == nil {
				usage.ErrorMessage = fmt.Sprintf("panic: %v", r)
			}
			usage.Metadata[MetaPanic] = fmt.Sprint(r)
			cp.dispatch(usage, &persisted)
		}
		cp.sem.Release(1)
		cp.metrics.CaptureFinished()
		close(h.done)
		cp.wg.Done()
	}()

	// Request phase.
	cp.dispatch(usage, &persisted)
	c = cp.pipeline.Run(cp.ctx, c)
	applyContext(usage, c)
	cp.dispatch(usage, &persisted)

	// Response phase.
	cp.attachResponse(usage, c, h)
	cp.dispatch(usage, &persisted)

	cp.finish(usage, c)
}

// dispatch creates the record until one create has been persisted, then updates it.
func (cp *Capturer) dispatch(u *store.PromptUsage, persisted *bool) {
	op := OpUpdate
	if !*persisted {
		op = OpCreate
	}
	if cp.dispatcher.Dispatch(cp.ctx, op, u.Clone()) == Persisted {
		*persisted = true
	}
}

func (cp *Capturer) newUsage(c Context) *store.PromptUsage {
	req := c.req
	return &store.PromptUsage{
		ID:               cp.newID(),
		Provider:         c.Provider().String(),
		CorrelationID:    req.CorrelationID,
		ConversationID:   req.ConversationID,
		RequestTimestamp: req.Timestamp,
		ClientIP:         req.ClientIP,
		ClientIPHash:     req.ClientIPHash,
		UserAgent:        req.UserAgent,
		CredentialHash:   req.CredentialHash,
		Status:           store.StatusPending,
		Metadata: map[string]any{
			MetaCredentialFormatValid: req.CredentialFormatValid,
			MetaHeaders:               req.Headers,
		},
	}
}

// applyContext copies the request-phase outcome onto the usage record.
func applyContext(u *store.PromptUsage, c Context) {
	parsed := c.parsed
	u.RawContent = parsed.PromptText
	u.SystemPrompt = parsed.SystemPrompt
	u.Model = parsed.Model
	if len(parsed.Params) > 0 {
		u.Metadata[MetaParams] = parsed.Params
	}
	if c.promptID != "" {
		id := c.promptID
		u.PromptID = &id
	}
	if res, ok := c.Result(); ok {
		u.Metadata[MetaTier] = string(res.Tier)
		u.Metadata[MetaSimilarity] = res.Similarity
		if res.MatchID != nil {
			u.Metadata[MetaMatchID] = *res.MatchID
		}
	}
	for k, v := range c.metadata {
		u.Metadata[k] = v
	}
	if err := u.Transition(c.status); err != nil {
		log.Warn().Err(err).Str("usage_id", u.ID).Msg("capture: status transition refused")
		return
	}
	u.ErrorMessage = c.errMsg
}

// attachResponse waits for the response phase and folds it into u.
func (cp *Capturer) attachResponse(u *store.PromptUsage, c Context, h *Handle) {
	timer := time.NewTimer(cp.responseTimeout)
	defer timer.Stop()

	var rc ResponseCapture
	select {
	case rc = <-h.resp:
	case <-timer.C:
		u.Metadata[MetaResponseTimeout] = true
		return
	case <-cp.ctx.Done():
		u.Metadata[MetaResponseTimeout] = true
		return
	}

	if rc.Err != nil {
		u.Metadata[MetaUpstreamError] = rc.Err.Error()
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = cp.now()
	}

	resp := parseResponse(c.adapter, rc, c.parsed.Stream)
	if err := u.AttachResponse(store.ResponseData{
		Timestamp:  rc.Timestamp,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		Content:    resp.Text,
		HTTPStatus: rc.StatusCode,
		Partial:    rc.Partial,
		Truncated:  rc.Truncated,
	}); err != nil {
		log.Warn().Err(err).Str("usage_id", u.ID).Msg("capture: response not attached")
		return
	}

	if u.Model == "" {
		u.Model = resp.Model
	}
	if resp.TokensIn == nil && resp.TokensOut == nil {
		return
	}
	in, out := 0, 0
	if resp.TokensIn != nil {
		in = *resp.TokensIn
	}
	if resp.TokensOut != nil {
		out = *resp.TokensOut
	}
	model := resp.Model
	if model == "" {
		model = u.Model
	}
	var cost float64
	if cp.costs != nil {
		cost = cp.costs.RecordUsage(u.CredentialHash, model, in, out)
	} else {
		cost = costcontrol.EstimateCost(model, in, out)
	}
	u.Metadata[MetaEstimatedCost] = cost
	cp.metrics.RecordAPIUsage(u.Provider, in, out)
}

// parseResponse extracts text and usage from a relayed response body.
func parseResponse(a adapters.Adapter, rc ResponseCapture, stream bool) adapters.ParsedResponse {
	if a == nil || len(rc.Body) == 0 {
		return adapters.ParsedResponse{}
	}
	if adapters.IsEventStream(rc.ContentType) || (rc.ContentType == "" && stream) {
		p := adapters.NewStreamParser(a)
		p.Feed(rc.Body)
		return p.Result()
	}
	return a.ParseResponse(rc.Body)
}

func (cp *Capturer) finish(u *store.PromptUsage, c Context) {
	cp.metrics.RecordCapture(u.Provider, string(u.Status))

	entry := monitoring.CaptureLogEntry{
		Timestamp:     cp.now(),
		UsageID:       u.ID,
		CorrelationID: u.CorrelationID,
		Provider:      u.Provider,
		Model:         u.Model,
		Status:        string(u.Status),
		PromptID:      c.promptID,
		LatencyMs:     u.LatencyMs,
	}
	if res, ok := c.Result(); ok && u.Status == store.StatusSuccess {
		cp.metrics.RecordTier(string(res.Tier))
		entry.Tier = string(res.Tier)
		entry.Similarity = res.Similarity
	}
	if cp.captureLog != nil {
		cp.captureLog.Record(entry)
	}

	log.Debug().
		Str("usage_id", u.ID).
		Str("correlation_id", u.CorrelationID).
		Str("provider", u.Provider).
		Str("status", string(u.Status)).
		Str("tier", entry.Tier).
		Str("prompt_id", entry.PromptID).
		Msg("capture: finalized")
}
