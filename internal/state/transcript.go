// Package state keeps the history of answered questions.
package state

import (
	"context"
	"sync"
	"time"
)

// Transcript is the record of one orchestrator run. Error is empty when
// the run produced an answer.
type Transcript struct {
	ID        string        `json:"id"`
	Question  string        `json:"question"`
	Answer    string        `json:"answer,omitempty"`
	Error     string        `json:"error,omitempty"`
	Rounds    int           `json:"rounds"`
	ToolCalls []string      `json:"toolCalls"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Failed reports whether the run ended without an answer.
func (t *Transcript) Failed() bool {
	return t.Error != ""
}

// MemoryLog keeps the most recent transcripts in memory. serve --http
// records to it when no data directory is configured.
type MemoryLog struct {
	mu    sync.RWMutex
	items []Transcript
	limit int
}

// NewMemoryLog returns a log holding at most limit transcripts
// (0 = unbounded).
func NewMemoryLog(limit int) *MemoryLog {
	return &MemoryLog{limit: limit}
}

// Record appends t, dropping the oldest entry once the limit is reached.
func (m *MemoryLog) Record(_ context.Context, t *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.ToolCalls = append([]string(nil), t.ToolCalls...)
	m.items = append(m.items, cp)
	if m.limit > 0 && len(m.items) > m.limit {
		m.items = m.items[len(m.items)-m.limit:]
	}
	return nil
}

// Recent returns up to n transcripts, newest first. n <= 0 returns all.
func (m *MemoryLog) Recent(_ context.Context, n int) ([]Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.items) {
		n = len(m.items)
	}
	out := make([]Transcript, 0, n)
	for i := len(m.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.items[i])
	}
	return out, nil
}
