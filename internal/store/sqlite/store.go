// Package sqlite is an embedded persistence backend for captured prompts.
//
// DESIGN: A single SQLite file (modernc.org/sqlite, no cgo) holds prompts,
// usages and crossrefs. Nearest-neighbour search is a brute-force cosine scan
// over active prompts, which is adequate for a single gateway's corpus; use the
// postgres backend (pgvector) for shared deployments.
//
// Timestamps are stored as unix nanoseconds so ordering ties resolve exactly.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
)

// Store is a SQLite-backed store.Backend.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps pragmas and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prompts (
		id          TEXT PRIMARY KEY,
		content     TEXT NOT NULL,
		embedding   TEXT NOT NULL,
		parent_id   TEXT REFERENCES prompts(id),
		version     INTEGER NOT NULL DEFAULT 1,
		active      INTEGER NOT NULL DEFAULT 1,
		usage_count INTEGER NOT NULL DEFAULT 0,
		provider    TEXT NOT NULL DEFAULT '',
		model       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		CHECK (parent_id IS NULL OR parent_id <> id)
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_parent ON prompts(parent_id);

	CREATE TABLE IF NOT EXISTS prompt_usages (
		id               TEXT PRIMARY KEY,
		prompt_id        TEXT,
		raw_content      TEXT,
		system_prompt    TEXT NOT NULL DEFAULT '',
		provider         TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		correlation_id   TEXT NOT NULL,
		conversation_id  TEXT NOT NULL DEFAULT '',
		request_ts       INTEGER NOT NULL,
		response_ts      INTEGER,
		tokens_in        INTEGER,
		tokens_out       INTEGER,
		response_content TEXT NOT NULL DEFAULT '',
		client_ip        TEXT NOT NULL DEFAULT '',
		client_ip_hash   TEXT NOT NULL DEFAULT '',
		user_agent       TEXT NOT NULL DEFAULT '',
		credential_hash  TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		http_status      INTEGER NOT NULL DEFAULT 0,
		latency_ms       INTEGER NOT NULL DEFAULT 0,
		partial          INTEGER NOT NULL DEFAULT 0,
		truncated        INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT NOT NULL DEFAULT '',
		metadata         TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_usages_prompt ON prompt_usages(prompt_id);
	CREATE INDEX IF NOT EXISTS idx_usages_correlation ON prompt_usages(correlation_id);

	CREATE TABLE IF NOT EXISTS prompt_crossrefs (
		id           TEXT PRIMARY KEY,
		source_id    TEXT NOT NULL REFERENCES prompts(id),
		target_id    TEXT NOT NULL REFERENCES prompts(id),
		relationship TEXT NOT NULL,
		similarity   REAL NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		CHECK (source_id <> target_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROMPTS
// =============================================================================

// CreatePrompt inserts a new prompt.
func (s *Store) CreatePrompt(ctx context.Context, p *store.Prompt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, content, embedding, parent_id, version, active, usage_count,
		                     provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Content, store.FormatVector(p.Embedding), nullString(p.ParentID), p.Version,
		boolInt(p.Active), p.UsageCount, p.Provider, p.Model,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prompt: %w", err)
	}
	return nil
}

// GetPrompt loads a prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id string) (*store.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, embedding, parent_id, version, active, usage_count,
		       provider, model, created_at, updated_at
		FROM prompts WHERE id = ?`, id)

	var (
		p                    store.Prompt
		embedding            string
		parentID             sql.NullString
		active               int
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Content, &embedding, &parentID, &p.Version, &active, &p.UsageCount,
		&p.Provider, &p.Model, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	if p.Embedding, err = store.ParseVector(embedding); err != nil {
		return nil, err
	}
	if parentID.Valid {
		pid := parentID.String
		p.ParentID = &pid
	}
	p.Active = active != 0
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

// IncrementUsage bumps the usage counter and returns the new value.
func (s *Store) IncrementUsage(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE prompts SET usage_count = usage_count + 1, updated_at = ?
		WHERE id = ? RETURNING usage_count`, time.Now().UnixNano(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return count, nil
}

// Deactivate soft-deletes a prompt; it no longer appears in Nearest results.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE prompts SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountPrompts returns the number of prompt rows.
func (s *Store) CountPrompts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts`).Scan(&n)
	return n, err
}

// CreateCrossref inserts a relationship between two prompts.
func (s *Store) CreateCrossref(ctx context.Context, c *store.Crossref) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_crossrefs (id, source_id, target_id, relationship, similarity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceID, c.TargetID, c.Relationship, c.Similarity, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert crossref: %w", err)
	}
	return nil
}

// Crossrefs lists relationships originating at sourceID.
func (s *Store) Crossrefs(ctx context.Context, sourceID string) ([]store.Crossref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relationship, similarity, created_at
		FROM prompt_crossrefs WHERE source_id = ? ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crossrefs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Crossref
	for rows.Next() {
		var c store.Crossref
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SourceID, &c.TargetID, &c.Relationship, &c.Similarity, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// VECTOR INDEX
// =============================================================================

// Nearest scans active prompts and returns the k most similar.
func (s *Store) Nearest(ctx context.Context, vector []float32, k int) ([]store.Neighbor, error) {
	if k < 1 {
		k = 1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, created_at FROM prompts WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var neighbors []store.Neighbor
	for rows.Next() {
		var (
			id, embedding string
			createdAt     int64
		)
		if err := rows.Scan(&id, &embedding, &createdAt); err != nil {
			return nil, err
		}
		vec, err := store.ParseVector(embedding)
		if err != nil {
			continue
		}
		neighbors = append(neighbors, store.Neighbor{
			PromptID:   id,
			Similarity: similarity.Cosine(vector, vec),
			CreatedAt:  time.Unix(0, createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].CreatedAt.After(neighbors[j].CreatedAt)
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompt_usages (id, prompt_id, raw_content, system_prompt, provider, model,
			correlation_id, conversation_id, request_ts, response_ts, tokens_in, tokens_out,
			response_content, client_ip, client_ip_hash, user_agent, credential_hash, status,
			http_status, latency_ms, partial, truncated, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, nullString(u.PromptID), nullString(u.RawContent), u.SystemPrompt, u.Provider, u.Model,
		u.CorrelationID, u.ConversationID, u.RequestTimestamp.UnixNano(), nullTime(u.ResponseTimestamp),
		nullInt(u.TokensIn), nullInt(u.TokensOut), u.ResponseContent, u.ClientIP, u.ClientIPHash,
		u.UserAgent, u.CredentialHash, string(u.Status), u.HTTPStatus, u.LatencyMs,
		boolInt(u.Partial), boolInt(u.Truncated), u.ErrorMessage, meta,
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_usages SET
			prompt_id        = COALESCE(prompt_id, ?),
			raw_content      = COALESCE(raw_content, ?),
			system_prompt    = ?,
			model            = ?,
			status           = CASE WHEN status = 'pending' THEN ? ELSE status END,
			error_message    = CASE WHEN status = 'pending' THEN ? ELSE error_message END,
			response_ts      = COALESCE(response_ts, ?),
			tokens_in        = CASE WHEN response_ts IS NULL THEN ? ELSE tokens_in END,
			tokens_out       = CASE WHEN response_ts IS NULL THEN ? ELSE tokens_out END,
			response_content = CASE WHEN response_ts IS NULL THEN ? ELSE response_content END,
			http_status      = ?,
			latency_ms       = ?,
			partial          = ?,
			truncated        = ?,
			metadata         = ?
		WHERE id = ?`,
		nullString(u.PromptID), nullString(u.RawContent), u.SystemPrompt, u.Model,
		string(u.Status), u.ErrorMessage,
		nullTime(u.ResponseTimestamp), nullInt(u.TokensIn), nullInt(u.TokensOut), u.ResponseContent,
		u.HTTPStatus, u.LatencyMs, boolInt(u.Partial), boolInt(u.Truncated), meta,
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetUsage loads a usage record by id.
func (s *Store) GetUsage(ctx context.Context, id string) (*store.PromptUsage, error) {
	rows, err := s.queryUsages(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

// UsagesByCorrelation returns usage records for a request id.
func (s *Store) UsagesByCorrelation(ctx context.Context, correlationID string) ([]*store.PromptUsage, error) {
	return s.queryUsages(ctx, `WHERE correlation_id = ?`, correlationID)
}

// CountUsages returns the number of usage rows.
func (s *Store) CountUsages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompt_usages`).Scan(&n)
	return n, err
}

func (s *Store) queryUsages(ctx context.Context, where string, args ...any) ([]*store.PromptUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt_id, raw_content, system_prompt, provider, model, correlation_id,
		       conversation_id, request_ts, response_ts, tokens_in, tokens_out, response_content,
		       client_ip, client_ip_hash, user_agent, credential_hash, status, http_status,
		       latency_ms, partial, truncated, error_message, metadata
		FROM prompt_usages `+where+` ORDER BY request_ts`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.PromptUsage
	for rows.Next() {
		var (
			u                    store.PromptUsage
			promptID, rawContent sql.NullString
			requestTS            int64
			responseTS           sql.NullInt64
			tokensIn, tokensOut  sql.NullInt64
			status, meta         string
			partial, truncated   int
		)
		if err := rows.Scan(&u.ID, &promptID, &rawContent, &u.SystemPrompt, &u.Provider, &u.Model,
			&u.CorrelationID, &u.ConversationID, &requestTS, &responseTS, &tokensIn, &tokensOut,
			&u.ResponseContent, &u.ClientIP, &u.ClientIPHash, &u.UserAgent, &u.CredentialHash,
			&status, &u.HTTPStatus, &u.LatencyMs, &partial, &truncated, &u.ErrorMessage, &meta); err != nil {
			return nil, err
		}
		if promptID.Valid {
			v := promptID.String
			u.PromptID = &v
		}
		if rawContent.Valid {
			v := rawContent.String
			u.RawContent = &v
		}
		u.RequestTimestamp = time.Unix(0, requestTS)
		if responseTS.Valid {
			ts := time.Unix(0, responseTS.Int64)
			u.ResponseTimestamp = &ts
		}
		if tokensIn.Valid {
			n := int(tokensIn.Int64)
			u.TokensIn = &n
		}
		if tokensOut.Valid {
			n := int(tokensOut.Int64)
			u.TokensOut = &n
		}
		u.Status = store.Status(status)
		u.Partial = partial != 0
		u.Truncated = truncated != 0
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &u.Metadata)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
