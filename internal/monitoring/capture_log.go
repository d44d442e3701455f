// Package monitoring - capture_log.go keeps recent capture outcomes in memory.
//
// DESIGN: Ring buffer of recent finalized captures for the /stats endpoint.
// Entries never carry prompt text or credentials.
package monitoring

import (
	"sync"
	"time"
)

const maxCaptureLogEntries = 100

// CaptureLogEntry records a single finalized capture.
type CaptureLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	UsageID       string    `json:"usage_id"`
	CorrelationID string    `json:"correlation_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model,omitempty"`
	Status        string    `json:"status"`
	Tier          string    `json:"tier,omitempty"`
	PromptID      string    `json:"prompt_id,omitempty"`
	Similarity    float64   `json:"similarity,omitempty"`
	LatencyMs     int64     `json:"latency_ms,omitempty"`
}

// CaptureLog keeps a ring buffer of recent captures.
type CaptureLog struct {
	mu      sync.RWMutex
	entries []CaptureLogEntry
}

// NewCaptureLog creates a new capture log.
func NewCaptureLog() *CaptureLog {
	return &CaptureLog{
		entries: make([]CaptureLogEntry, 0, maxCaptureLogEntries),
	}
}

// Record adds a capture to the log.
func (l *CaptureLog) Record(entry CaptureLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= maxCaptureLogEntries {
		// Shift: drop oldest
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
	} else {
		l.entries = append(l.entries, entry)
	}
}

// Recent returns the most recent N entries (newest first).
func (l *CaptureLog) Recent(n int) []CaptureLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}

	result := make([]CaptureLogEntry, n)
	for i := 0; i < n; i++ {
		result[i] = l.entries[len(l.entries)-1-i]
	}
	return result
}

// Count returns the number of entries held.
func (l *CaptureLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Summary returns counts by tier for the entries held.
func (l *CaptureLog) Summary() CaptureSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := CaptureSummary{Total: len(l.entries)}
	for _, e := range l.entries {
		switch e.Tier {
		case "SAME":
			s.Same++
		case "FORK":
			s.Fork++
		case "NEW":
			s.New++
		}
		if e.Status != "success" {
			s.Failed++
		}
	}
	return s
}

// CaptureSummary is a brief summary of recent capture activity.
type CaptureSummary struct {
	Total  int `json:"total"`
	Same   int `json:"same"`
	Fork   int `json:"fork"`
	New    int `json:"new"`
	Failed int `json:"failed"`
}
