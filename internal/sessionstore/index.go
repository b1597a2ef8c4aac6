package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SessionSummary is one entry in the flat-JSON session summary index
// (the Open-Question resolution from SPEC_FULL.md §8.1: a JSON file, not
// SQLite).
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	UpdatedAt       int64  `json:"updated_at"`
	RunCount        int    `json:"run_count"`
	LastUserMessage string `json:"last_user_message"`
}

// SummaryIndex is the atomic-written sessions/state.json file: a map of
// session_id -> SessionSummary.
type SummaryIndex struct {
	path string

	mu       sync.Mutex
	sessions map[string]*SessionSummary
}

func loadSummaryIndex(path string) (*SummaryIndex, error) {
	idx := &SummaryIndex{path: path, sessions: make(map[string]*SessionSummary)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("sessionstore: read summary index: %w", err)
	}

	var entries []*SessionSummary
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("sessionstore: parse summary index: %w", err)
	}
	for _, e := range entries {
		idx.sessions[e.SessionID] = e
	}
	return idx, nil
}

// touch records a new run for sessionID, bumping its run count and
// updated_at, and persists the index atomically.
func (idx *SummaryIndex) touch(sessionID string, updatedAt int64, lastUserMessage string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s, ok := idx.sessions[sessionID]
	if !ok {
		s = &SessionSummary{SessionID: sessionID}
		idx.sessions[sessionID] = s
	}
	s.UpdatedAt = updatedAt
	s.RunCount++
	if lastUserMessage != "" {
		s.LastUserMessage = lastUserMessage
	}

	return idx.persistLocked()
}

func (idx *SummaryIndex) persistLocked() error {
	entries := make([]*SessionSummary, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		entries = append(entries, s)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt > entries[j].UpdatedAt })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal summary index: %w", err)
	}

	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sessionstore: write temp index: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessionstore: rename index: %w", err)
	}
	return nil
}

// List returns sessions sorted by updated_at descending, capped at limit
// (0 means unlimited).
func (s *Store) List(limit int) []SessionSummary {
	s.index.mu.Lock()
	defer s.index.mu.Unlock()

	entries := make([]SessionSummary, 0, len(s.index.sessions))
	for _, e := range s.index.sessions {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt > entries[j].UpdatedAt })

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
