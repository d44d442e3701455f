// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the gateway listen port.
const DefaultPort = 18080

// DefaultServerReadTimeout for HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultUpstreamTimeout bounds a proxied upstream call.
const DefaultUpstreamTimeout = 10 * time.Minute

// DefaultDialTimeout is the TCP dial timeout.
const DefaultDialTimeout = 30 * time.Second

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// CAPTURE
// =============================================================================

// DefaultMaxInFlight bounds concurrently running captures.
const DefaultMaxInFlight = 256

// DefaultRejectBuffer is how many records rejected at the in-flight bound may
// wait for the fallback writer before further ones are dropped.
const DefaultRejectBuffer = 64

// DefaultDispatchTimeout bounds a single persistence attempt.
const DefaultDispatchTimeout = 5 * time.Second

// DefaultStageTimeout bounds a single capture stage (embed, classify, link).
const DefaultStageTimeout = 10 * time.Second

// DefaultResponseTimeout is how long a capture waits for the proxied response.
const DefaultResponseTimeout = 10 * time.Minute

// DefaultMaxResponseBytes caps the response bytes kept for capture (1 MiB).
const DefaultMaxResponseBytes = 1 << 20

// DefaultFallbackPath is the JSONL file for records that could not be dispatched.
const DefaultFallbackPath = "data/fallback.jsonl"

// =============================================================================
// SIMILARITY
// =============================================================================

// DefaultSameThreshold is the cosine score at or above which a prompt is SAME.
const DefaultSameThreshold = 0.95

// DefaultForkThreshold is the cosine score at or above which a prompt is a FORK.
const DefaultForkThreshold = 0.70

// DefaultTopK is how many neighbours the classifier asks the index for.
const DefaultTopK = 1

// =============================================================================
// EMBEDDING
// =============================================================================

// DefaultEmbeddingProvider selects the OpenAI-compatible embeddings API.
const DefaultEmbeddingProvider = "openai"

// DefaultEmbeddingModel is the embedding model used when none is configured.
const DefaultEmbeddingModel = "text-embedding-3-small"

// DefaultEmbeddingDimensions is the expected vector length.
const DefaultEmbeddingDimensions = 1536

// DefaultEmbeddingTimeout bounds one embedding call.
const DefaultEmbeddingTimeout = 5 * time.Second

// =============================================================================
// STORE
// =============================================================================

// DefaultStoreType is the embedded SQLite backend.
const DefaultStoreType = "sqlite"

// DefaultSQLitePath is the embedded database file.
const DefaultSQLitePath = "data/prompts.db"

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimit is requests per window per client IP.
const DefaultRateLimit = 100

// DefaultRateLimitWindow is the sliding window length.
const DefaultRateLimitWindow = time.Minute

// DefaultRateLimitStoreTimeout bounds a counter store call before failing open.
const DefaultRateLimitStoreTimeout = 100 * time.Millisecond

// =============================================================================
// MONITORING
// =============================================================================

// DefaultLogLevel for the global logger.
const DefaultLogLevel = "info"

// DefaultLogFormat is "console" or "json".
const DefaultLogFormat = "console"

// DefaultCostSessionTTL is how long per-credential spend is tracked.
const DefaultCostSessionTTL = 24 * time.Hour
