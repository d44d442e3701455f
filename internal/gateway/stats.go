package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/compresr/prompt-gateway/internal/costcontrol"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/utils"
)

const recentCaptures = 20

// StatsResponse is the /stats payload.
type StatsResponse struct {
	monitoring.StatsResponse
	CaptureEnabled bool                         `json:"capture_enabled"`
	RecentSummary  monitoring.CaptureSummary    `json:"recent_summary"`
	Recent         []monitoring.CaptureLogEntry `json:"recent"`
	Cost           CostStats                    `json:"cost"`
}

// CostStats is estimated spend, keyed by credential hash.
type CostStats struct {
	TotalUSD float64                        `json:"total_usd"`
	Keys     []costcontrol.KeySpendSnapshot `json:"keys"`
}

// handleStats returns in-process counters. Only loopback callers are served.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !utils.IsLoopback(r.RemoteAddr) {
		g.writeError(w, "stats are only available from localhost", http.StatusForbidden)
		return
	}

	resp := StatsResponse{
		StatsResponse:  g.metrics.FullStats(),
		CaptureEnabled: g.capturer != nil,
		RecentSummary:  g.captureLog.Summary(),
		Recent:         g.captureLog.Recent(recentCaptures),
		Cost: CostStats{
			TotalUSD: g.costs.GetGlobalCost(),
			Keys:     g.costs.AllKeys(),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealth reports liveness and, when the store can be pinged, its state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	if p, ok := g.backend.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["store"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}
