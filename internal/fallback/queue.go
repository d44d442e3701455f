// Package fallback is the durable write-ahead path for capture records that
// could not be dispatched to the persistence service.
//
// DESIGN: Queue appends one JSON object per line (JSONL) to a local file:
//   - Key:     RFC3339Nano capture time + usage id, sortable by capture time
//   - Kind:    which dispatch operation failed (create / update)
//   - Payload: the full usage record at the time of the failure
//
// Records are appended under a mutex and fsync'd; replay is an external concern.
package fallback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one failed dispatch.
type Record struct {
	Key        string          `json:"key"`
	CapturedAt time.Time       `json:"captured_at"`
	Kind       string          `json:"kind"`
	UsageID    string          `json:"usage_id"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// NewRecord builds a record keyed by capture time and usage id.
func NewRecord(kind, usageID string, capturedAt time.Time, reason string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal fallback payload: %w", err)
	}
	capturedAt = capturedAt.UTC()
	return Record{
		Key:        capturedAt.Format(time.RFC3339Nano) + "/" + usageID,
		CapturedAt: capturedAt,
		Kind:       kind,
		UsageID:    usageID,
		Reason:     reason,
		Payload:    data,
	}, nil
}

// Writer accepts fallback records.
type Writer interface {
	Append(r Record) error
}

// Queue is an append-only JSONL file.
type Queue struct {
	path string
	mu   sync.Mutex
}

// Open creates the queue file (and its directory) if needed.
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, errors.New("fallback: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("fallback: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("fallback: open: %w", err)
	}
	_ = f.Close()
	return &Queue{path: path}, nil
}

// Path returns the queue file path.
func (q *Queue) Path() string { return q.path }

// Append writes r as a single line.
func (q *Queue) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll returns every record in append order. Lines that fail to decode are skipped.
func (q *Queue) ReadAll() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// Len returns the number of records in the queue.
func (q *Queue) Len() (int, error) {
	records, err := q.ReadAll()
	return len(records), err
}
