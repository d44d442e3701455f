// Package config loads the gateway configuration.
//
// DESIGN: A single YAML file, expanded with environment variables before parsing:
//   - ${VAR} and ${VAR:-default} are substituted from the environment
//   - missing keys keep the values from Default()
//   - Validate() runs after every Load and returns descriptive errors
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Capture    CaptureConfig    `yaml:"capture"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Store      StoreConfig      `yaml:"store"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig is the inbound HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig overrides provider base URLs. Empty means the public API.
// AllowedHosts extends the hosts an X-Target-URL header may point at; the
// provider base URL hosts are always allowed.
type UpstreamConfig struct {
	OpenAI       string        `yaml:"openai"`
	Anthropic    string        `yaml:"anthropic"`
	Gemini       string        `yaml:"gemini"`
	AllowedHosts []string      `yaml:"allowed_hosts"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CaptureConfig bounds the asynchronous capture work.
type CaptureConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxInFlight      int64         `yaml:"max_in_flight"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	MaxResponseBytes int           `yaml:"max_response_bytes"`
	FallbackPath     string        `yaml:"fallback_path"`
}

// SimilarityConfig holds the classification thresholds.
type SimilarityConfig struct {
	SameThreshold float64 `yaml:"same_threshold"`
	ForkThreshold float64 `yaml:"fork_threshold"`
	TopK          int     `yaml:"top_k"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // openai | hash
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type    string        `yaml:"type"` // sqlite | postgres | remote
	Path    string        `yaml:"path"` // sqlite file
	DSN     string        `yaml:"dsn"`  // postgres connection string
	URL     string        `yaml:"url"`  // remote persistence service
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig is the per-client sliding window.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Requests     int           `yaml:"requests"`
	Window       time.Duration `yaml:"window"`
	Store        string        `yaml:"store"` // memory | redis
	RedisURL     string        `yaml:"redis_url"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// MonitoringConfig covers logging and the operational endpoints.
type MonitoringConfig struct {
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	LogOutput      string        `yaml:"log_output"` // stdout | stderr | file path
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	CostTTL        time.Duration `yaml:"cost_ttl"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Upstream: UpstreamConfig{
			Timeout: DefaultUpstreamTimeout,
		},
		Capture: CaptureConfig{
			Enabled:          true,
			MaxInFlight:      DefaultMaxInFlight,
			DispatchTimeout:  DefaultDispatchTimeout,
			StageTimeout:     DefaultStageTimeout,
			ResponseTimeout:  DefaultResponseTimeout,
			MaxResponseBytes: DefaultMaxResponseBytes,
			FallbackPath:     DefaultFallbackPath,
		},
		Similarity: SimilarityConfig{
			SameThreshold: DefaultSameThreshold,
			ForkThreshold: DefaultForkThreshold,
			TopK:          DefaultTopK,
		},
		Embedding: EmbeddingConfig{
			Provider:   DefaultEmbeddingProvider,
			Model:      DefaultEmbeddingModel,
			Dimensions: DefaultEmbeddingDimensions,
			Timeout:    DefaultEmbeddingTimeout,
		},
		Store: StoreConfig{
			Type:    DefaultStoreType,
			Path:    DefaultSQLitePath,
			Timeout: DefaultDispatchTimeout,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Requests:     DefaultRateLimit,
			Window:       DefaultRateLimitWindow,
			Store:        "memory",
			StoreTimeout: DefaultRateLimitStoreTimeout,
		},
		Monitoring: MonitoringConfig{
			LogLevel:       DefaultLogLevel,
			LogFormat:      DefaultLogFormat,
			LogOutput:      "stdout",
			MetricsEnabled: true,
			CostTTL:        DefaultCostSessionTTL,
		},
	}
}

// Load reads, expands and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML on top of Default() and validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to "".
func ExpandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate checks value ranges and backend-specific requirements.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}

	s := c.Similarity
	if s.ForkThreshold <= 0 || s.ForkThreshold > 1 {
		return fmt.Errorf("similarity.fork_threshold must be in (0, 1], got %f", s.ForkThreshold)
	}
	if s.SameThreshold < s.ForkThreshold || s.SameThreshold > 1 {
		return fmt.Errorf("similarity.same_threshold must be in [fork_threshold, 1], got %f", s.SameThreshold)
	}
	if s.TopK < 1 {
		return fmt.Errorf("similarity.top_k must be >= 1, got %d", s.TopK)
	}

	if c.Capture.Enabled {
		if c.Capture.MaxInFlight < 1 {
			return fmt.Errorf("capture.max_in_flight must be >= 1, got %d", c.Capture.MaxInFlight)
		}
		if c.Capture.DispatchTimeout <= 0 {
			return fmt.Errorf("capture.dispatch_timeout must be positive")
		}
		if c.Capture.MaxResponseBytes <= 0 {
			return fmt.Errorf("capture.max_response_bytes must be positive")
		}

		switch strings.ToLower(c.Embedding.Provider) {
		case "openai":
			if c.Embedding.APIKey == "" {
				return fmt.Errorf("embedding.api_key is required for provider openai")
			}
		case "hash":
		default:
			return fmt.Errorf("embedding.provider must be openai or hash, got %q", c.Embedding.Provider)
		}
		if c.Embedding.Dimensions < 0 {
			return fmt.Errorf("embedding.dimensions must be >= 0, got %d", c.Embedding.Dimensions)
		}

		switch strings.ToLower(c.Store.Type) {
		case "sqlite":
			if c.Store.Path == "" {
				return fmt.Errorf("store.path is required for store type sqlite")
			}
		case "postgres":
			if c.Store.DSN == "" {
				return fmt.Errorf("store.dsn is required for store type postgres")
			}
		case "remote":
			if c.Store.URL == "" {
				return fmt.Errorf("store.url is required for store type remote")
			}
		default:
			return fmt.Errorf("store.type must be sqlite, postgres or remote, got %q", c.Store.Type)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests < 1 {
			return fmt.Errorf("rate_limit.requests must be >= 1, got %d", c.RateLimit.Requests)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
		switch strings.ToLower(c.RateLimit.Store) {
		case "memory":
		case "redis":
			if c.RateLimit.RedisURL == "" {
				return fmt.Errorf("rate_limit.redis_url is required for store redis")
			}
		default:
			return fmt.Errorf("rate_limit.store must be memory or redis, got %q", c.RateLimit.Store)
		}
	}

	switch strings.ToLower(c.Monitoring.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("monitoring.log_format must be console or json, got %q", c.Monitoring.LogFormat)
	}
	return nil
}
