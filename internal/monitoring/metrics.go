// Package monitoring - metrics.go provides capture counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests:    proxied requests, split into captured / passthrough / rate limited
//   - statuses:    terminal PromptUsage status per capture
//   - tiers:       SAME / FORK / NEW classification outcomes
//   - dispatch:    persistence failures, fallback writes, dropped records
//   - tokens:      input/output tokens reported by providers
//
// Every counter is mirrored to Prometheus (registered once per process) and
// exposed on /metrics; the atomics back the JSON /stats endpoint.
package monitoring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMetrics holds the process-wide Prometheus collectors.
type promMetrics struct {
	requests        *prometheus.CounterVec
	captures        *prometheus.CounterVec
	tiers           *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	fallbackWrites  prometheus.Counter
	droppedRecords  prometheus.Counter
	rateLimitErrors prometheus.Counter
	rejected        prometheus.Counter
	tokens          *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

var (
	promOnce   sync.Once
	sharedProm *promMetrics
)

func registerProm() *promMetrics {
	promOnce.Do(func() {
		sharedProm = &promMetrics{
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_gateway_requests_total",
					Help: "Proxied requests by provider and handling",
				},
				[]string{"provider", "handling"},
			),
			captures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_gateway_captures_total",
					Help: "Finalized captures by provider and terminal status",
				},
				[]string{"provider", "status"},
			),
			tiers: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_gateway_classifications_total",
					Help: "Similarity classification outcomes by tier",
				},
				[]string{"tier"},
			),
			dispatchErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_gateway_dispatch_errors_total",
					Help: "Failed persistence dispatch attempts by operation",
				},
				[]string{"op"},
			),
			fallbackWrites: promauto.NewCounter(prometheus.CounterOpts{
				Name: "prompt_gateway_fallback_writes_total",
				Help: "Records written to the fallback queue",
			}),
			droppedRecords: promauto.NewCounter(prometheus.CounterOpts{
				Name: "prompt_gateway_dropped_records_total",
				Help: "Records lost after both dispatch and fallback failed",
			}),
			rateLimitErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "prompt_gateway_ratelimit_store_errors_total",
				Help: "Rate limiter counter store errors (requests allowed)",
			}),
			rejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "prompt_gateway_captures_rejected_total",
				Help: "Captures not started because the in-flight limit was reached",
			}),
			tokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_gateway_tokens_total",
					Help: "Provider-reported tokens by provider and direction",
				},
				[]string{"provider", "direction"},
			),
			stageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "prompt_gateway_stage_duration_seconds",
					Help:    "Capture stage duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
				},
				[]string{"stage"},
			),
			inFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prompt_gateway_captures_in_flight",
				Help: "Captures currently running",
			}),
		}
	})
	return sharedProm
}

// Request handling labels.
const (
	HandlingCaptured    = "captured"
	HandlingPassthrough = "passthrough"
	HandlingRateLimited = "rate_limited"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time
	prom      *promMetrics

	// Request counters
	requests    atomic.Int64
	captured    atomic.Int64
	passthrough atomic.Int64
	rateLimited atomic.Int64

	// Capture outcome counters
	statusMu sync.Mutex
	statuses map[string]int64
	same     atomic.Int64
	fork     atomic.Int64
	newTier  atomic.Int64
	rejected atomic.Int64
	inFlight atomic.Int64

	// Dispatch counters
	dispatchErrors atomic.Int64
	fallbackWrites atomic.Int64
	droppedRecords atomic.Int64

	rateLimitStoreErrors atomic.Int64

	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		prom:      registerProm(),
		statuses:  make(map[string]int64),
	}
}

// RecordRequest records a proxied request and how it was handled.
func (mc *MetricsCollector) RecordRequest(provider, handling string) {
	mc.requests.Add(1)
	switch handling {
	case HandlingCaptured:
		mc.captured.Add(1)
	case HandlingPassthrough:
		mc.passthrough.Add(1)
	case HandlingRateLimited:
		mc.rateLimited.Add(1)
	}
	mc.prom.requests.WithLabelValues(provider, handling).Inc()
}

// RecordCapture records the terminal status of a finished capture.
func (mc *MetricsCollector) RecordCapture(provider, status string) {
	mc.statusMu.Lock()
	mc.statuses[status]++
	mc.statusMu.Unlock()
	mc.prom.captures.WithLabelValues(provider, status).Inc()
}

// RecordTier records a classification outcome.
func (mc *MetricsCollector) RecordTier(tier string) {
	switch tier {
	case "SAME":
		mc.same.Add(1)
	case "FORK":
		mc.fork.Add(1)
	case "NEW":
		mc.newTier.Add(1)
	}
	mc.prom.tiers.WithLabelValues(tier).Inc()
}

// RecordStage records how long a capture stage took.
func (mc *MetricsCollector) RecordStage(stage string, d time.Duration) {
	mc.prom.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// CaptureStarted marks a capture goroutine as running.
func (mc *MetricsCollector) CaptureStarted() {
	mc.inFlight.Add(1)
	mc.prom.inFlight.Inc()
}

// CaptureFinished marks a capture goroutine as done.
func (mc *MetricsCollector) CaptureFinished() {
	mc.inFlight.Add(-1)
	mc.prom.inFlight.Dec()
}

// RecordRejected records a capture skipped because the in-flight limit was reached.
func (mc *MetricsCollector) RecordRejected() {
	mc.rejected.Add(1)
	mc.prom.rejected.Inc()
}

// RecordDispatchError records a failed persistence attempt.
func (mc *MetricsCollector) RecordDispatchError(op string) {
	mc.dispatchErrors.Add(1)
	mc.prom.dispatchErrors.WithLabelValues(op).Inc()
}

// RecordFallbackWrite records a record written to the fallback queue.
func (mc *MetricsCollector) RecordFallbackWrite() {
	mc.fallbackWrites.Add(1)
	mc.prom.fallbackWrites.Inc()
}

// RecordDropped records a record lost after dispatch and fallback both failed.
func (mc *MetricsCollector) RecordDropped() {
	mc.droppedRecords.Add(1)
	mc.prom.droppedRecords.Inc()
}

// RecordRateLimitStoreError records a counter store failure.
func (mc *MetricsCollector) RecordRateLimitStoreError() {
	mc.rateLimitStoreErrors.Add(1)
	mc.prom.rateLimitErrors.Inc()
}

// RecordAPIUsage records token usage reported by the provider.
func (mc *MetricsCollector) RecordAPIUsage(provider string, inputTokens, outputTokens int) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
	mc.prom.tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	mc.prom.tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

// DroppedRecords returns the number of records lost so far.
func (mc *MetricsCollector) DroppedRecords() int64 { return mc.droppedRecords.Load() }

// FallbackWrites returns the number of records written to the fallback queue.
func (mc *MetricsCollector) FallbackWrites() int64 { return mc.fallbackWrites.Load() }

// RateLimitStoreErrors returns the number of counter store failures.
func (mc *MetricsCollector) RateLimitStoreErrors() int64 { return mc.rateLimitStoreErrors.Load() }

// InFlight returns the number of running captures.
func (mc *MetricsCollector) InFlight() int64 { return mc.inFlight.Load() }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Statuses returns a copy of the per-status capture counts.
func (mc *MetricsCollector) Statuses() map[string]int64 {
	mc.statusMu.Lock()
	defer mc.statusMu.Unlock()
	out := make(map[string]int64, len(mc.statuses))
	for k, v := range mc.statuses {
		out[k] = v
	}
	return out
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:       mc.requests.Load(),
			Captured:    mc.captured.Load(),
			Passthrough: mc.passthrough.Load(),
			RateLimited: mc.rateLimited.Load(),
		},
		Captures: CaptureStats{
			Statuses: mc.Statuses(),
			InFlight: mc.inFlight.Load(),
			Rejected: mc.rejected.Load(),
		},
		Classification: ClassificationStats{
			Same: mc.same.Load(),
			Fork: mc.fork.Load(),
			New:  mc.newTier.Load(),
		},
		Dispatch: DispatchStats{
			Errors:         mc.dispatchErrors.Load(),
			FallbackWrites: mc.fallbackWrites.Load(),
			DroppedRecords: mc.droppedRecords.Load(),
		},
		Tokens: TokenStats{
			InputTokens:  mc.totalInputTokens.Load(),
			OutputTokens: mc.totalOutputTokens.Load(),
		},
		RateLimitStoreErrors: mc.rateLimitStoreErrors.Load(),
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime               string              `json:"uptime"`
	UptimeSeconds        int64               `json:"uptime_seconds"`
	StartedAt            string              `json:"started_at"`
	Requests             RequestStats        `json:"requests"`
	Captures             CaptureStats        `json:"captures"`
	Classification       ClassificationStats `json:"classification"`
	Dispatch             DispatchStats       `json:"dispatch"`
	Tokens               TokenStats          `json:"tokens"`
	RateLimitStoreErrors int64               `json:"ratelimit_store_errors"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total       int64 `json:"total"`
	Captured    int64 `json:"captured"`
	Passthrough int64 `json:"passthrough"`
	RateLimited int64 `json:"rate_limited"`
}

// CaptureStats holds capture outcome metrics.
type CaptureStats struct {
	Statuses map[string]int64 `json:"statuses"`
	InFlight int64            `json:"in_flight"`
	Rejected int64            `json:"rejected"`
}

// ClassificationStats holds tier counts.
type ClassificationStats struct {
	Same int64 `json:"same"`
	Fork int64 `json:"fork"`
	New  int64 `json:"new"`
}

// DispatchStats holds persistence dispatch metrics.
type DispatchStats struct {
	Errors         int64 `json:"errors"`
	FallbackWrites int64 `json:"fallback_writes"`
	DroppedRecords int64 `json:"dropped_records"`
}

// TokenStats holds provider-reported token totals.
type TokenStats struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
