package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type failingStore struct{ calls int }

func (f *failingStore) Hit(context.Context, string, time.Time, time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("connection refused")
}

func TestLimiter_SlidingWindow(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(NewMemoryStore(time.Minute), 3, time.Minute, WithClock(c.now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "1.2.3.4")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-(i+1), d.Remaining)
		c.t = c.t.Add(10 * time.Second)
	}

	d := l.Allow(ctx, "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 3, d.Limit)

	// Other clients are unaffected.
	assert.True(t, l.Allow(ctx, "5.6.7.8").Allowed)

	// Once the first hits slide out of the window, requests pass again.
	c.t = c.t.Add(45 * time.Second)
	assert.True(t, l.Allow(ctx, "1.2.3.4").Allowed)
}

func TestLimiter_FailOpen(t *testing.T) {
	store := &failingStore{}
	var hookErrs int
	l := New(store, 1, time.Minute, WithStoreErrorHook(func(error) { hookErrs++ }))

	for i := 0; i < 5; i++ {
		d := l.Allow(context.Background(), "client")
		assert.True(t, d.Allowed)
		assert.True(t, d.FailOpen)
	}
	assert.Equal(t, 5, store.calls)
	assert.Equal(t, 5, hookErrs)
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(NewMemoryStore(0), 0, 0)
	assert.Equal(t, DefaultRequests, l.Limit())
	assert.Equal(t, DefaultWindow, l.Window())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore(time.Minute).Hit(ctx, "k", time.Now(), time.Minute)
	assert.Error(t, err)
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	_, _ = s.Hit(context.Background(), "a", now, time.Minute)
	_, _ = s.Hit(context.Background(), "b", now, time.Minute)
	n, err := s.Hit(context.Background(), "a", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, s.Keys())
}

func TestMemoryStore_MaxEntriesBoundsLog(t *testing.T) {
	s := NewMemoryStore(time.Minute, WithMaxEntries(4))
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	var n int64
	for i := 0; i < 1000; i++ {
		var err error
		n, err = s.Hit(ctx, "flood", start.Add(time.Duration(i)*time.Millisecond), time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), n)

	v, ok := s.cache.Get("flood")
	require.True(t, ok)
	hits := v.([]time.Time)
	require.Len(t, hits, 4)
	assert.Equal(t, start.Add(999*time.Millisecond), hits[3], "newest hits are kept")
}

func TestLimiter_CappedStoreStillRejectsFlood(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(NewMemoryStore(time.Minute, WithMaxEntries(3)), 2, time.Minute, WithClock(c.now))
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "k").Allowed)
	assert.True(t, l.Allow(ctx, "k").Allowed)
	for i := 0; i < 50; i++ {
		c.t = c.t.Add(100 * time.Millisecond)
		assert.False(t, l.Allow(ctx, "k").Allowed)
	}

	// the flood's newest hits keep the client blocked for a full window
	c.t = c.t.Add(59 * time.Second)
	assert.False(t, l.Allow(ctx, "k").Allowed)
	c.t = c.t.Add(2 * time.Minute)
	assert.True(t, l.Allow(ctx, "k").Allowed)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewRedisStoreFromURL(url)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Ping(context.Background()))

	key := "test:" + uuid.NewString()
	now := time.Now()
	for i := 1; i <= 3; i++ {
		n, err := s.Hit(context.Background(), key, now.Add(time.Duration(i)*time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	n, err := s.Hit(context.Background(), key, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewRedisStoreFromURL_Invalid(t *testing.T) {
	_, err := NewRedisStoreFromURL("not a url")
	assert.Error(t, err)
}
