package remote

import "fmt"

// APIResponse is the generic wrapper for all persistence service responses.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// APIError is a non-2xx answer from the persistence service.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // store.ErrNotFound for 404
}

func (e *APIError) Error() string {
	return fmt.Sprintf("persistence service: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports whether the request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type usageCountData struct {
	UsageCount int64 `json:"usage_count"`
}

type searchData struct {
	Results []neighborData `json:"results"`
}

type neighborData struct {
	PromptID   string  `json:"prompt_id"`
	Similarity float64 `json:"similarity"`
	CreatedAt  string  `json:"created_at"`
}
