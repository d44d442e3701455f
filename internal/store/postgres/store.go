// Package postgres is a shared persistence backend on PostgreSQL with pgvector.
//
// DESIGN: Prompts carry a pgvector column; Nearest orders by the cosine
// distance operator (<=>) so the database does the ranking. Vectors travel in
// the pgvector text format ("[0.1,0.2]") and are cast with ::vector, which
// avoids a dedicated codec.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/store"
)

// Store is a pgx-backed store.Backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)

// Open connects to dsn and applies the schema. dimensions > 0 fixes the
// vector column size and enables an HNSW cosine index.
func Open(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	// prevent deadlocks from concurrent capture goroutines
	if cfg.MaxConns < 20 {
		cfg.MaxConns = 20
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).
		Int("dimensions", dimensions).Msg("postgres store ready")
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) initSchema(ctx context.Context, dimensions int) error {
	vectorType := "vector"
	if dimensions > 0 {
		vectorType = fmt.Sprintf("vector(%d)", dimensions)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id          TEXT PRIMARY KEY,
			content     TEXT NOT NULL,
			embedding   ` + vectorType + ` NOT NULL,
			parent_id   TEXT REFERENCES prompts(id),
			version     INTEGER NOT NULL DEFAULT 1,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			usage_count BIGINT NOT NULL DEFAULT 0,
			provider    TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			CHECK (parent_id IS NULL OR parent_id <> id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_parent ON prompts(parent_id)`,
		`CREATE TABLE IF NOT EXISTS prompt_usages (
			id               TEXT PRIMARY KEY,
			prompt_id        TEXT,
			raw_content      TEXT,
			system_prompt    TEXT NOT NULL DEFAULT '',
			provider         TEXT NOT NULL,
			model            TEXT NOT NULL DEFAULT '',
			correlation_id   TEXT NOT NULL,
			conversation_id  TEXT NOT NULL DEFAULT '',
			request_ts       TIMESTAMPTZ NOT NULL,
			response_ts      TIMESTAMPTZ,
			tokens_in        INTEGER,
			tokens_out       INTEGER,
			response_content TEXT NOT NULL DEFAULT '',
			client_ip        TEXT NOT NULL DEFAULT '',
			client_ip_hash   TEXT NOT NULL DEFAULT '',
			user_agent       TEXT NOT NULL DEFAULT '',
			credential_hash  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			http_status      INTEGER NOT NULL DEFAULT 0,
			latency_ms       BIGINT NOT NULL DEFAULT 0,
			partial          BOOLEAN NOT NULL DEFAULT FALSE,
			truncated        BOOLEAN NOT NULL DEFAULT FALSE,
			error_message    TEXT NOT NULL DEFAULT '',
			metadata         JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usages_prompt ON prompt_usages(prompt_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usages_correlation ON prompt_usages(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS prompt_crossrefs (
			id           TEXT PRIMARY KEY,
			source_id    TEXT NOT NULL REFERENCES prompts(id),
			target_id    TEXT NOT NULL REFERENCES prompts(id),
			relationship TEXT NOT NULL,
			similarity   DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL,
			CHECK (source_id <> target_id)
		)`,
	}
	if dimensions > 0 {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_prompts_embedding
			ON prompts USING hnsw (embedding vector_cosine_ops)`)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PROMPTS
// =============================================================================

// CreatePrompt inserts a new prompt.
func (s *Store) CreatePrompt(ctx context.Context, p *store.Prompt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompts (id, content, embedding, parent_id, version, active, usage_count,
		                     provider, model, created_at, updated_at)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Content, store.FormatVector(p.Embedding), p.ParentID, p.Version, p.Active,
		p.UsageCount, p.Provider, p.Model, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prompt: %w", err)
	}
	return nil
}

// GetPrompt loads a prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id string) (*store.Prompt, error) {
	var (
		p         store.Prompt
		embedding string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, content, embedding::text, parent_id, version, active, usage_count,
		       provider, model, created_at, updated_at
		FROM prompts WHERE id = $1`, id).
		Scan(&p.ID, &p.Content, &embedding, &p.ParentID, &p.Version, &p.Active, &p.UsageCount,
			&p.Provider, &p.Model, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	if p.Embedding, err = store.ParseVector(embedding); err != nil {
		return nil, err
	}
	return &p, nil
}

// IncrementUsage bumps the usage counter and returns the new value.
func (s *Store) IncrementUsage(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		UPDATE prompts SET usage_count = usage_count + 1, updated_at = $1
		WHERE id = $2 RETURNING usage_count`, time.Now(), id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return count, nil
}

// CreateCrossref inserts a relationship between two prompts.
func (s *Store) CreateCrossref(ctx context.Context, c *store.Crossref) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_crossrefs (id, source_id, target_id, relationship, similarity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.SourceID, c.TargetID, c.Relationship, c.Similarity, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert crossref: %w", err)
	}
	return nil
}

// =============================================================================
// VECTOR INDEX
// =============================================================================

// Nearest returns the k active prompts closest to vector by cosine distance.
// Ties go to the most recently created prompt.
func (s *Store) Nearest(ctx context.Context, vector []float32, k int) ([]store.Neighbor, error) {
	if k < 1 {
		k = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity, created_at
		FROM prompts
		WHERE active
		ORDER BY embedding <=> $1::vector, created_at DESC
		LIMIT $2`, store.FormatVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest prompts: %w", err)
	}
	defer rows.Close()

	var out []store.Neighbor
	for rows.Next() {
		var n store.Neighbor
		if err := rows.Scan(&n.PromptID, &n.Similarity, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// USAGES
// =============================================================================

// CreateUsage inserts a usage record.
func (s *Store) CreateUsage(ctx context.Context, u *store.PromptUsage) error {
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO prompt_usages (id, prompt_id, raw_content, system_prompt, provider, model,
			correlation_id, conversation_id, request_ts, response_ts, tokens_in, tokens_out,
			response_content, client_ip, client_ip_hash, user_agent, credential_hash, status,
			http_status, latency_ms, partial, truncated, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24::jsonb)`,
		u.ID, u.PromptID, u.RawContent, u.SystemPrompt, u.Provider, u.Model,
		u.CorrelationID, u.ConversationID, u.RequestTimestamp, u.ResponseTimestamp,
		u.TokensIn, u.TokensOut, u.ResponseContent, u.ClientIP, u.ClientIPHash,
		u.UserAgent, u.CredentialHash, string(u.Status), u.HTTPStatus, u.LatencyMs,
		u.Partial, u.Truncated, u.ErrorMessage, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	return nil
}

// UpdateUsage finalizes a usage record. A stored terminal status is never
// overwritten and response fields are only written while still empty.
func (s *Store) UpdateUsage(ctx context.Context, u *store.PromptUsage) error {
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE prompt_usages SET
			prompt_id        = COALESCE(prompt_id, $1),
			raw_content      = COALESCE(raw_content, $2),
			system_prompt    = $3,
			model            = $4,
			status           = CASE WHEN status = 'pending' THEN $5 ELSE status END,
			error_message    = CASE WHEN status = 'pending' THEN $6 ELSE error_message END,
			response_ts      = COALESCE(response_ts, $7),
			tokens_in        = CASE WHEN response_ts IS NULL THEN $8 ELSE tokens_in END,
			tokens_out       = CASE WHEN response_ts IS NULL THEN $9 ELSE tokens_out END,
			response_content = CASE WHEN response_ts IS NULL THEN $10 ELSE response_content END,
			http_status      = $11,
			latency_ms       = $12,
			partial          = $13,
			truncated        = $14,
			metadata         = $15::jsonb
		WHERE id = $16`,
		u.PromptID, u.RawContent, u.SystemPrompt, u.Model,
		string(u.Status), u.ErrorMessage,
		u.ResponseTimestamp, u.TokensIn, u.TokensOut, u.ResponseContent,
		u.HTTPStatus, u.LatencyMs, u.Partial, u.Truncated, meta,
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UsagesByCorrelation returns usage records for a request id.
func (s *Store) UsagesByCorrelation(ctx context.Context, correlationID string) ([]*store.PromptUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, prompt_id, raw_content, system_prompt, provider, model, correlation_id,
		       conversation_id, request_ts, response_ts, tokens_in, tokens_out, response_content,
		       client_ip, client_ip_hash, user_agent, credential_hash, status, http_status,
		       latency_ms, partial, truncated, error_message, metadata
		FROM prompt_usages WHERE correlation_id = $1 ORDER BY request_ts`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usages: %w", err)
	}
	defer rows.Close()

	var out []*store.PromptUsage
	for rows.Next() {
		var (
			u      store.PromptUsage
			status string
			meta   []byte
		)
		if err := rows.Scan(&u.ID, &u.PromptID, &u.RawContent, &u.SystemPrompt, &u.Provider, &u.Model,
			&u.CorrelationID, &u.ConversationID, &u.RequestTimestamp, &u.ResponseTimestamp,
			&u.TokensIn, &u.TokensOut, &u.ResponseContent, &u.ClientIP, &u.ClientIPHash,
			&u.UserAgent, &u.CredentialHash, &status, &u.HTTPStatus, &u.LatencyMs,
			&u.Partial, &u.Truncated, &u.ErrorMessage, &meta); err != nil {
			return nil, err
		}
		u.Status = store.Status(status)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &u.Metadata)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}
