// Package remote is a persistence backend that talks to an HTTP JSON service.
//
// ENDPOINTS:
//   - POST  /internal/prompt-usage          create a usage record
//   - PATCH /internal/prompt-usage/{id}     finalize a usage record
//   - POST  /internal/prompts               create a prompt
//   - GET   /internal/prompts/{id}          load a prompt
//   - POST  /internal/prompts/{id}/usage    increment the usage counter
//   - POST  /internal/prompts/{id}/crossrefs
//   - POST  /internal/prompts/search        nearest-neighbour query
//
// Every response is wrapped as {"success": bool, "message": string, "data": ...}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/compresr/prompt-gateway/internal/store"
	"github.com/compresr/prompt-gateway/internal/utils"
)

// DefaultTimeout bounds one call to the persistence service.
const DefaultTimeout = 5 * time.Second

const maxErrorBody = 500

// Client is an HTTP store.Backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ store.Backend = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = timeout
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close implements store.Backend.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// =============================================================================
// USAGES
// =============================================================================

// CreateUsage posts a new usage record.
func (c *Client) CreateUsage(ctx context.Context, u *store.PromptUsage) error {
	body, err := utils.MarshalNoEscape(u)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/internal/prompt-usage", body, nil)
}

// UpdateUsage patches a usage record. The id travels in the path only.
func (c *Client) UpdateUsage(ctx context.Context, u *store.PromptUsage) error {
	body, err := utils.MarshalNoEscape(u)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	if body, err = sjson.DeleteBytes(body, "id"); err != nil {
		return fmt.Errorf("building usage patch: %w", err)
	}
	return c.do(ctx, http.MethodPatch, "/internal/prompt-usage/"+url.PathEscape(u.ID), body, nil)
}

// =============================================================================
// PROMPTS
// =============================================================================

// CreatePrompt posts a new prompt.
func (c *Client) CreatePrompt(ctx context.Context, p *store.Prompt) error {
	body, err := utils.MarshalNoEscape(p)
	if err != nil {
		return fmt.Errorf("marshaling prompt: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/internal/prompts", body, nil)
}

// GetPrompt loads a prompt by id.
func (c *Client) GetPrompt(ctx context.Context, id string) (*store.Prompt, error) {
	var p store.Prompt
	if err := c.do(ctx, http.MethodGet, "/internal/prompts/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IncrementUsage bumps a prompt's usage counter.
func (c *Client) IncrementUsage(ctx context.Context, id string) (int64, error) {
	var data usageCountData
	if err := c.do(ctx, http.MethodPost, "/internal/prompts/"+url.PathEscape(id)+"/usage", []byte("{}"), &data); err != nil {
		return 0, err
	}
	return data.UsageCount, nil
}

// CreateCrossref records a relationship from c.SourceID.
func (c *Client) CreateCrossref(ctx context.Context, ref *store.Crossref) error {
	body, err := utils.MarshalNoEscape(ref)
	if err != nil {
		return fmt.Errorf("marshaling crossref: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/internal/prompts/"+url.PathEscape(ref.SourceID)+"/crossrefs", body, nil)
}

// Nearest asks the service for the k most similar prompts.
func (c *Client) Nearest(ctx context.Context, vector []float32, k int) ([]store.Neighbor, error) {
	if k < 1 {
		k = 1
	}
	vec, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("marshaling vector: %w", err)
	}
	body, err := sjson.SetRawBytes([]byte(`{}`), "embedding", vec)
	if err == nil {
		body, err = sjson.SetBytes(body, "k", k)
	}
	if err != nil {
		return nil, fmt.Errorf("building search body: %w", err)
	}

	var data searchData
	if err := c.do(ctx, http.MethodPost, "/internal/prompts/search", body, &data); err != nil {
		return nil, err
	}

	out := make([]store.Neighbor, 0, len(data.Results))
	for _, r := range data.Results {
		n := store.Neighbor{PromptID: r.PromptID, Similarity: r.Similarity}
		if ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
			n.CreatedAt = ts
		}
		out = append(out, n)
	}
	return out, nil
}

// =============================================================================
// HTTP Helpers
// =============================================================================

// do sends body (if any) and decodes the data field of a wrapped response
// into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "prompt-gateway/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		if resp.StatusCode == http.StatusNotFound {
			apiErr.Err = store.ErrNotFound
		}
		return apiErr
	}

	if len(respBody) == 0 {
		return nil
	}
	var wrapped APIResponse[json.RawMessage]
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !wrapped.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: wrapped.Message}
	}
	if result == nil || len(wrapped.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(wrapped.Data, result); err != nil {
		return fmt.Errorf("parsing response data: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var wrapped APIResponse[json.RawMessage]
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Message != "" {
		return wrapped.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
