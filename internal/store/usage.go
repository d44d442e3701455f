package store

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a PromptUsage.
type Status string

const (
	StatusPending              Status = "pending"
	StatusSuccess              Status = "success"
	StatusParseFailed          Status = "parse_failed"
	StatusEmbeddingFailed      Status = "embedding_failed"
	StatusClassificationFailed Status = "classification_failed"
	StatusError                Status = "error"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusSuccess, StatusParseFailed,
	StatusEmbeddingFailed, StatusClassificationFailed, StatusError,
}

var (
	// ErrTerminalStatus is returned when a terminal status would be overwritten.
	ErrTerminalStatus = errors.New("store: usage status is terminal")
	// ErrResponseAttached is returned when response data is attached twice.
	ErrResponseAttached = errors.New("store: response already attached")
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != ""
}

// IsFailure reports whether s is a terminal failure state.
func (s Status) IsFailure() bool {
	return s.IsTerminal() && s != StatusSuccess
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
// Only pending may move, and only to a terminal state.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() || next == StatusPending {
		return false
	}
	return s == StatusPending || s == ""
}

// =============================================================================
// PROMPT USAGE
// =============================================================================

// PromptUsage is one intercepted LLM call.
type PromptUsage struct {
	ID                string         `json:"id"`
	PromptID          *string        `json:"prompt_id,omitempty"`
	RawContent        *string        `json:"raw_content"`
	SystemPrompt      string         `json:"system_prompt,omitempty"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model,omitempty"`
	CorrelationID     string         `json:"correlation_id"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	RequestTimestamp  time.Time      `json:"request_timestamp"`
	ResponseTimestamp *time.Time     `json:"response_timestamp,omitempty"`
	TokensIn          *int           `json:"tokens_in,omitempty"`
	TokensOut         *int           `json:"tokens_out,omitempty"`
	ResponseContent   string         `json:"response_content,omitempty"`
	ClientIP          string         `json:"client_ip,omitempty"`
	ClientIPHash      string         `json:"client_ip_hash,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	CredentialHash    string         `json:"credential_hash,omitempty"`
	Status            Status         `json:"status"`
	HTTPStatus        int            `json:"http_status,omitempty"`
	LatencyMs         int64          `json:"latency_ms,omitempty"`
	Partial           bool           `json:"partial,omitempty"`
	Truncated         bool           `json:"truncated,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Transition moves the usage to next, refusing to overwrite a terminal status.
func (u *PromptUsage) Transition(next Status) error {
	if !u.Status.CanTransition(next) {
		if u.Status.IsTerminal() {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, u.Status, next)
		}
		return fmt.Errorf("store: invalid status transition %s -> %s", u.Status, next)
	}
	u.Status = next
	return nil
}

// ResponseData is the response-phase part of a usage record.
type ResponseData struct {
	Timestamp  time.Time
	TokensIn   *int
	TokensOut  *int
	Content    string
	HTTPStatus int
	Partial    bool
	Truncated  bool
}

// AttachResponse fills the response fields exactly once. It never touches
// Status, so a failure state stays a failure state.
func (u *PromptUsage) AttachResponse(r ResponseData) error {
	if u.ResponseTimestamp != nil {
		return ErrResponseAttached
	}
	ts := r.Timestamp
	u.ResponseTimestamp = &ts
	u.TokensIn = r.TokensIn
	u.TokensOut = r.TokensOut
	u.ResponseContent = r.Content
	u.HTTPStatus = r.HTTPStatus
	u.Partial = r.Partial
	u.Truncated = r.Truncated
	if !u.RequestTimestamp.IsZero() {
		u.LatencyMs = ts.Sub(u.RequestTimestamp).Milliseconds()
	}
	return nil
}

// TotalTokens returns input plus output tokens, counting missing values as zero.
func (u *PromptUsage) TotalTokens() int {
	total := 0
	if u.TokensIn != nil {
		total += *u.TokensIn
	}
	if u.TokensOut != nil {
		total += *u.TokensOut
	}
	return total
}

// Clone returns a deep copy safe to hand to another goroutine.
func (u *PromptUsage) Clone() *PromptUsage {
	c := *u
	if u.PromptID != nil {
		id := *u.PromptID
		c.PromptID = &id
	}
	if u.RawContent != nil {
		raw := *u.RawContent
		c.RawContent = &raw
	}
	if u.ResponseTimestamp != nil {
		ts := *u.ResponseTimestamp
		c.ResponseTimestamp = &ts
	}
	if u.TokensIn != nil {
		n := *u.TokensIn
		c.TokensIn = &n
	}
	if u.TokensOut != nil {
		n := *u.TokensOut
		c.TokensOut = &n
	}
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
