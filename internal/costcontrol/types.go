// Package costcontrol estimates the cost of captured calls and aggregates
// spend per credential.
//
// DESIGN: Cost is estimated from provider-reported tokens and a static
// per-model pricing table. Spend is keyed by credential hash, never by the
// raw key. Tracking is observational only: nothing here blocks traffic.
package costcontrol

import "time"

// KeySpend tracks accumulated cost for a single credential hash.
type KeySpend struct {
	KeyHash      string
	Cost         float64
	RequestCount int
	InputTokens  int64
	OutputTokens int64
	Model        string
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// KeySpendSnapshot is a read-only copy of a KeySpend for /stats.
type KeySpendSnapshot struct {
	KeyHash      string    `json:"key_hash"`
	Cost         float64   `json:"cost_usd"`
	RequestCount int       `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}
