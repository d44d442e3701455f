// Package ratelimit implements a per-client sliding-window request limiter.
//
// DESIGN: Limiter decides; CounterStore remembers.
//   - CounterStore.Hit records one request and returns the count inside the window
//   - MemoryStore: in-process sliding log (go-cache entries expire with the window)
//   - RedisStore:  sorted-set sliding log shared across gateway instances
//
// A store error never blocks traffic: the request is allowed and the error
// is reported through the OnStoreError hook.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults for the limiter.
const (
	DefaultRequests = 100
	DefaultWindow   = time.Minute
	KeyPrefix       = "rate_limit:"
)

// CounterStore records hits in a sliding window.
type CounterStore interface {
	// Hit records a request for key at now and returns how many requests
	// (including this one) fall inside (now-window, now].
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// FailOpen is set when the store failed and the request was allowed anyway.
	FailOpen bool
}

// Limiter enforces Limit requests per Window per client key.
type Limiter struct {
	store   CounterStore
	limit   int
	window  time.Duration
	timeout time.Duration
	now     func() time.Time

	// OnStoreError is called for every counter store failure.
	OnStoreError func(error)
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// WithStoreErrorHook sets OnStoreError.
func WithStoreErrorHook(fn func(error)) Option {
	return func(l *Limiter) { l.OnStoreError = fn }
}

// New creates a limiter. Non-positive limit or window fall back to the defaults.
func New(store CounterStore, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		store:   store,
		limit:   limit,
		window:  window,
		timeout: 100 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured request limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records a request from client and reports whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, client string) Decision {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	count, err := l.store.Hit(ctx, KeyPrefix+client, l.now(), l.window)
	if err != nil {
		log.Warn().Err(err).Str("client", client).Msg("ratelimit: store error, allowing request")
		if l.OnStoreError != nil {
			l.OnStoreError(err)
		}
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, FailOpen: true}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= int64(l.limit)
	if !allowed {
		log.Warn().Str("client", client).Int64("count", count).Msg("ratelimit: limit exceeded")
	}
	return Decision{Allowed: allowed, Limit: l.limit, Remaining: remaining}
}
