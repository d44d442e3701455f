// Package embedding turns prompt text into fixed-length vectors.
//
// DESIGN: Client.Embed is the only entry point used by the capture pipeline:
//   - Mask():       templated variables -> canonical placeholder
//   - Preprocess(): whitespace normalization, input-limit truncation
//   - Embedder:     provider call (OpenAI-compatible API or local hashing)
//
// Every failure is returned as *Error so callers can mark the usage
// embedding_failed and skip classification.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultDimensions matches text-embedding-ada-002 and text-embedding-3-small.
const DefaultDimensions = 1536

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 5 * time.Second

// Embedder converts already-masked text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// ErrEmptyInput is returned when nothing is left to embed after preprocessing.
var ErrEmptyInput = errors.New("embedding: empty input")

// Error is a typed embedding failure.
type Error struct {
	Provider  string
	Transient bool // network errors, timeouts, 429 and 5xx responses
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding failed (%s): %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an embedding failure worth retrying later.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// Client masks, preprocesses and embeds prompt text.
type Client struct {
	embedder   Embedder
	dimensions int
	timeout    time.Duration
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithDimensions sets the expected vector length; 0 disables the check.
func WithDimensions(n int) ClientOption {
	return func(c *Client) {
		c.dimensions = n
	}
}

// NewClient wraps an Embedder.
func NewClient(embedder Embedder, opts ...ClientOption) *Client {
	c := &Client{
		embedder:   embedder,
		dimensions: DefaultDimensions,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimensions returns the expected vector length.
func (c *Client) Dimensions() int { return c.dimensions }

// Prepare returns the exact text that would be sent to the embedder.
func Prepare(raw string) string {
	return Preprocess(Mask(raw))
}

// Embed masks and embeds raw prompt text.
func (c *Client) Embed(ctx context.Context, raw string) ([]float32, error) {
	text := Prepare(raw)
	if text == "" {
		return nil, &Error{Provider: c.embedder.Name(), Err: ErrEmptyInput}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, &Error{
			Provider:  c.embedder.Name(),
			Transient: errors.Is(err, context.DeadlineExceeded),
			Err:       err,
		}
	}
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return nil, &Error{
			Provider: c.embedder.Name(),
			Err:      fmt.Errorf("expected %d dimensions, got %d", c.dimensions, len(vec)),
		}
	}
	return vec, nil
}
