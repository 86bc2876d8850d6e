package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentalon/tenancy-assistant/internal/state"
)

// createdAt is stored in fixed-width UTC so ORDER BY on the text column is
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// TranscriptStore is the SQLite-backed transcript history.
type TranscriptStore struct {
	db *DB
}

// NewTranscriptStore returns a store that uses db.
func NewTranscriptStore(db *DB) *TranscriptStore {
	return &TranscriptStore{db: db}
}

// Record inserts t. A transcript with an existing id replaces the old row.
func (s *TranscriptStore) Record(ctx context.Context, t *state.Transcript) error {
	calls := t.ToolCalls
	if calls == nil {
		calls = []string{}
	}
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("transcript %s: marshal tool calls: %w", t.ID, err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.SQLDB().ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, question, answer, error, rounds, tool_calls, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Question, t.Answer, t.Error, t.Rounds, string(callsJSON),
		t.Duration.Milliseconds(), createdAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("transcript %s: insert: %w", t.ID, err)
	}
	return nil
}

// Recent returns up to n transcripts, newest first. n <= 0 returns all.
func (s *TranscriptStore) Recent(ctx context.Context, n int) ([]state.Transcript, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, question, answer, error, rounds, tool_calls, duration_ms, created_at
		 FROM transcripts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []state.Transcript
	for rows.Next() {
		var (
			t                    state.Transcript
			callsJSON, createdAt string
			durationMS           int64
		)
		if err := rows.Scan(&t.ID, &t.Question, &t.Answer, &t.Error, &t.Rounds, &callsJSON, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if callsJSON != "" {
			_ = json.Unmarshal([]byte(callsJSON), &t.ToolCalls)
		}
		t.Duration = time.Duration(durationMS) * time.Millisecond
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	return out, nil
}

// Count returns the number of stored transcripts.
func (s *TranscriptStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.SQLDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcripts: %w", err)
	}
	return n, nil
}
