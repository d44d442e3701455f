package costcontrol

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSpendTTL is how long an idle credential's spend is kept.
const DefaultSpendTTL = 24 * time.Hour

// Tracker aggregates estimated spend per credential hash.
type Tracker struct {
	ttl  time.Duration
	keys map[string]*KeySpend
	mu   sync.RWMutex

	// Stored as cost * 1e9 (nano-dollars) to use atomic int64 ops
	globalCostNano int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a spend tracker. Starts a background cleanup goroutine
// that runs until Stop is called.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultSpendTTL
	}
	t := &Tracker{
		ttl:  ttl,
		keys: make(map[string]*KeySpend),
		stop: make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Stop ends the cleanup goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RecordUsage adds the estimated cost of one call and returns it.
func (t *Tracker) RecordUsage(keyHash, model string, inputTokens, outputTokens int) float64 {
	cost := EstimateCost(model, inputTokens, outputTokens)
	if keyHash == "" {
		keyHash = "anonymous"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(keyHash, model)
	s.Cost += cost
	s.RequestCount++
	s.InputTokens += int64(inputTokens)
	s.OutputTokens += int64(outputTokens)
	s.LastUpdated = time.Now()
	if model != "" {
		s.Model = model
	}

	atomic.AddInt64(&t.globalCostNano, int64(cost*1e9))
	return cost
}

// GetGlobalCost returns total accumulated cost across all credentials.
func (t *Tracker) GetGlobalCost() float64 {
	return float64(atomic.LoadInt64(&t.globalCostNano)) / 1e9
}

// GetKeyCost returns accumulated cost for a credential hash.
func (t *Tracker) GetKeyCost(keyHash string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.keys[keyHash]; ok {
		return s.Cost
	}
	return 0
}

// AllKeys returns a snapshot of all credentials, highest spend first.
func (t *Tracker) AllKeys() []KeySpendSnapshot {
	t.mu.RLock()
	snapshots := make([]KeySpendSnapshot, 0, len(t.keys))
	for _, s := range t.keys {
		snapshots = append(snapshots, KeySpendSnapshot{
			KeyHash:      s.KeyHash,
			Cost:         s.Cost,
			RequestCount: s.RequestCount,
			InputTokens:  s.InputTokens,
			OutputTokens: s.OutputTokens,
			Model:        s.Model,
			CreatedAt:    s.CreatedAt,
			LastUpdated:  s.LastUpdated,
		})
	}
	t.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Cost != snapshots[j].Cost {
			return snapshots[i].Cost > snapshots[j].Cost
		}
		return snapshots[i].KeyHash < snapshots[j].KeyHash
	})
	return snapshots
}

func (t *Tracker) getOrCreateLocked(keyHash, model string) *KeySpend {
	if s, ok := t.keys[keyHash]; ok {
		return s
	}
	s := &KeySpend{
		KeyHash:     keyHash,
		Model:       model,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	t.keys[keyHash] = s
	return s
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.evictIdle(now)
		}
	}
}

// evictIdle removes credentials idle for longer than the TTL.
func (t *Tracker) evictIdle(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.keys {
		if now.Sub(s.LastUpdated) > t.ttl {
			atomic.AddInt64(&t.globalCostNano, -int64(s.Cost*1e9))
			delete(t.keys, id)
		}
	}
}
