// Package gateway is the capturing reverse proxy.
//
// DESIGN: Every inbound request is forwarded unchanged. Known provider shapes
// (OpenAI, Anthropic, Gemini) are also handed to the capture.Capturer, which
// works off the request path:
//
//	client -> rate limit -> detect -> Begin(capture) -> forward -> tee(client, accumulator) -> Complete
//
// Unknown traffic is passed through with no capture. Operational endpoints:
//   - GET /health   liveness
//   - GET /stats    JSON counters (loopback only)
//   - GET /metrics  Prometheus
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/adapters"
	"github.com/compresr/prompt-gateway/internal/capture"
	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/costcontrol"
	"github.com/compresr/prompt-gateway/internal/embedding"
	"github.com/compresr/prompt-gateway/internal/fallback"
	"github.com/compresr/prompt-gateway/internal/lineage"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/ratelimit"
	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
	"github.com/compresr/prompt-gateway/internal/store/postgres"
	"github.com/compresr/prompt-gateway/internal/store/remote"
	"github.com/compresr/prompt-gateway/internal/store/sqlite"
)

// Gateway headers.
const (
	HeaderTargetURL = "X-Target-URL"
	HeaderRequestID = "X-Request-ID"
)

// Gateway is the capturing proxy server.
type Gateway struct {
	config     *config.Config
	detector   *adapters.Detector
	capturer   *capture.Capturer
	limiter    *ratelimit.Limiter
	metrics    *monitoring.MetricsCollector
	captureLog *monitoring.CaptureLog
	costs      *costcontrol.Tracker
	httpClient *http.Client
	allowed    map[string]bool

	backend      store.Backend
	counterStore ratelimit.CounterStore
	server       *http.Server
}

// Option overrides a component built from config.
type Option func(*options)

type options struct {
	backend      store.Backend
	embedder     embedding.Embedder
	counterStore ratelimit.CounterStore
	httpClient   *http.Client
	fallback     fallback.Writer
}

// WithBackend uses b instead of opening store.type.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithEmbedder uses e instead of building embedding.provider.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithCounterStore uses s instead of building rate_limit.store.
func WithCounterStore(s ratelimit.CounterStore) Option {
	return func(o *options) { o.counterStore = s }
}

// WithUpstreamClient sets the HTTP client used to reach providers.
func WithUpstreamClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithFallback uses w instead of opening capture.fallback_path.
func WithFallback(w fallback.Writer) Option {
	return func(o *options) { o.fallback = w }
}

// New builds a gateway from cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	detector := adapters.NewDetector(adapters.BaseURLs{
		adapters.ProviderOpenAI:    cfg.Upstream.OpenAI,
		adapters.ProviderAnthropic: cfg.Upstream.Anthropic,
		adapters.ProviderGemini:    cfg.Upstream.Gemini,
	})
	g := &Gateway{
		config:     cfg,
		detector:   detector,
		metrics:    monitoring.NewMetricsCollector(),
		captureLog: monitoring.NewCaptureLog(),
		costs:      costcontrol.NewTracker(cfg.Monitoring.CostTTL),
		httpClient: o.httpClient,
	}
	if g.httpClient == nil {
		g.httpClient = newUpstreamClient(cfg.Upstream.Timeout)
	}
	g.allowed = g.allowedHosts()

	if cfg.Capture.Enabled {
		if err := g.initCapture(o); err != nil {
			g.costs.Stop()
			return nil, err
		}
	}
	if cfg.RateLimit.Enabled {
		if err := g.initRateLimit(o); err != nil {
			g.closeBackends()
			return nil, err
		}
	}
	return g, nil
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: config.DefaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (g *Gateway) initCapture(o options) error {
	cfg := g.config

	backend := o.backend
	if backend == nil {
		b, err := openBackend(cfg.Store, cfg.Embedding.Dimensions)
		if err != nil {
			return err
		}
		backend = b
	}
	g.backend = backend

	embedder := o.embedder
	if embedder == nil {
		embedder = newEmbedder(cfg.Embedding)
	}
	embedClient := embedding.NewClient(embedder,
		embedding.WithTimeout(cfg.Embedding.Timeout),
		embedding.WithDimensions(cfg.Embedding.Dimensions),
	)

	fb := o.fallback
	if fb == nil && cfg.Capture.FallbackPath != "" {
		q, err := fallback.Open(cfg.Capture.FallbackPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Capture.FallbackPath).
				Msg("fallback queue unavailable, failed dispatches will be dropped")
		} else {
			fb = q
		}
	}

	classifier := similarity.NewClassifier(backend, similarity.Thresholds{
		Same: cfg.Similarity.SameThreshold,
		Fork: cfg.Similarity.ForkThreshold,
	}, cfg.Similarity.TopK)
	pipeline := capture.NewPipeline(
		capture.DefaultStages(embedClient, classifier, lineage.NewManager(backend)),
		cfg.Capture.StageTimeout, g.metrics,
	)
	dispatcher := capture.NewDispatcher(backend, fb, cfg.Capture.DispatchTimeout, g.metrics)

	g.capturer = capture.NewCapturer(capture.Config{
		MaxInFlight:     cfg.Capture.MaxInFlight,
		ResponseTimeout: cfg.Capture.ResponseTimeout,
	}, pipeline, dispatcher,
		capture.WithMetrics(g.metrics),
		capture.WithCostTracker(g.costs),
		capture.WithCaptureLog(g.captureLog),
	)

	log.Info().
		Str("store", cfg.Store.Type).
		Str("embedder", embedder.Name()).
		Float64("same_threshold", cfg.Similarity.SameThreshold).
		Float64("fork_threshold", cfg.Similarity.ForkThreshold).
		Int64("max_in_flight", cfg.Capture.MaxInFlight).
		Msg("capture enabled")
	return nil
}

func openBackend(cfg config.StoreConfig, dimensions int) (store.Backend, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.Open(ctx, cfg.DSN, dimensions)
	case "remote":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = remote.DefaultTimeout
		}
		return remote.NewClient(cfg.URL, cfg.APIKey, remote.WithTimeout(timeout)), nil
	case "sqlite", "":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func newEmbedder(cfg config.EmbeddingConfig) embedding.Embedder {
	if strings.EqualFold(cfg.Provider, "hash") {
		return embedding.NewHashEmbedder(cfg.Dimensions)
	}
	return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
	})
}

func (g *Gateway) initRateLimit(o options) error {
	cfg := g.config.RateLimit

	cs := o.counterStore
	if cs == nil {
		switch strings.ToLower(cfg.Store) {
		case "redis":
			rs, err := ratelimit.NewRedisStoreFromURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("rate limit store: %w", err)
			}
			cs = rs
		default:
			cs = ratelimit.NewMemoryStore(cfg.Window, ratelimit.WithMaxEntries(cfg.Requests+1))
		}
	}
	g.counterStore = cs

	g.limiter = ratelimit.New(cs, cfg.Requests, cfg.Window,
		ratelimit.WithStoreTimeout(cfg.StoreTimeout),
		ratelimit.WithStoreErrorHook(func(error) { g.metrics.RecordRateLimitStoreError() }),
	)
	return nil
}

// allowedHosts is the set of hosts an X-Target-URL may point at.
func (g *Gateway) allowedHosts() map[string]bool {
	allowed := make(map[string]bool)
	for _, p := range []adapters.Provider{adapters.ProviderOpenAI, adapters.ProviderAnthropic, adapters.ProviderGemini} {
		if a := g.detector.Adapter(p); a != nil {
			if u, err := url.Parse(a.BaseURL()); err == nil && u.Host != "" {
				allowed[strings.ToLower(u.Host)] = true
			}
		}
	}
	for _, h := range g.config.Upstream.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return allowed
}

func (g *Gateway) isAllowedHost(host string) bool {
	return g.allowed[strings.ToLower(host)]
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *monitoring.MetricsCollector { return g.metrics }

// Handler returns the HTTP handler with all routes and middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	if g.config.Monitoring.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", g.handleProxy)
	return g.rateLimitMiddleware(mux)
}

// Start listens on the configured port and blocks until the server stops.
func (g *Gateway) Start() error {
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", g.config.Server.Port),
		Handler:           g.Handler(),
		ReadTimeout:       g.config.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      g.config.Server.WriteTimeout,
	}
	log.Info().Int("port", g.config.Server.Port).Msg("prompt gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight captures and closes
// the backends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if g.capturer != nil {
		if err := g.capturer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("captures: %w", err))
		}
	}
	g.closeBackends()
	return errors.Join(errs...)
}

func (g *Gateway) closeBackends() {
	g.costs.Stop()
	if g.backend != nil {
		if err := g.backend.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
	if c, ok := g.counterStore.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
