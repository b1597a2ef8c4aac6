// Package sessionstore implements the append-only per-run journal and
// session-summary index described in spec.md §4.6: writers append JSONL
// records under a date-sharded tree, readers reconstruct a replayable
// event stream and list sessions by recency.
package sessionstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kousw/codelia/internal/agentevent"
)

// SchemaVersion is written into every journal header record.
const SchemaVersion = 1

// RecordType discriminates journal line kinds.
type RecordType string

const (
	RecordHeader   RecordType = "header"
	RecordRunStart RecordType = "run.start"
	RecordEvent    RecordType = "agent.event"
	RecordRunEnd   RecordType = "run.end"
)

// Record is one JSONL line in a run journal.
type Record struct {
	Type      RecordType      `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	StartedAt int64           `json:"started_at,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Status    string          `json:"status,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Final     json.RawMessage `json:"final,omitempty"`

	// SchemaVersion and PromptDigests are only populated on header records.
	SchemaVersion int      `json:"schema_version,omitempty"`
	PromptDigests []string `json:"prompt_digests,omitempty"`
}

// Store owns the sessions/ tree: per-run journal files plus the session
// summary index.
type Store struct {
	root string

	mu      sync.Mutex
	writers map[string]*journalWriter // run_id -> open writer
	index   *SummaryIndex
}

// New creates a Store rooted at root (typically <state dir>/sessions).
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	idx, err := loadSummaryIndex(filepath.Join(root, "state.json"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, writers: make(map[string]*journalWriter), index: idx}, nil
}

// journalPath returns the date-sharded path for a run's journal file,
// based on startedAt (a unix-millis timestamp).
func (s *Store) journalPath(runID string, startedAt int64) string {
	t := time.UnixMilli(startedAt).UTC()
	return filepath.Join(s.root,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		runID+".jsonl",
	)
}

// journalWriter appends records to one run's journal file.
type journalWriter struct {
	mu   sync.Mutex
	file *os.File
}

func (s *Store) writerFor(runID string, startedAt int64) (*journalWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[runID]; ok {
		return w, nil
	}

	path := s.journalPath(runID, startedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: mkdir journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open journal: %w", err)
	}
	w := &journalWriter{file: f}
	s.writers[runID] = w
	return w, nil
}

func (w *journalWriter) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessionstore: write record: %w", err)
	}
	return nil
}

// RunStart appends the header + run.start records for a new run, and
// updates the session summary index.
func (s *Store) RunStart(runID, sessionID string, startedAt int64, input json.RawMessage, userMessage string) error {
	w, err := s.writerFor(runID, startedAt)
	if err != nil {
		return err
	}

	if err := w.append(Record{
		Type:          RecordHeader,
		RunID:         runID,
		SessionID:     sessionID,
		StartedAt:     startedAt,
		SchemaVersion: SchemaVersion,
	}); err != nil {
		return err
	}
	if err := w.append(Record{
		Type:      RecordRunStart,
		RunID:     runID,
		SessionID: sessionID,
		Input:     input,
	}); err != nil {
		return err
	}

	return s.index.touch(sessionID, startedAt, userMessage)
}

// AppendEvent appends one agent.event record for an in-flight run.
func (s *Store) AppendEvent(runID, sessionID string, seq int64, ev agentevent.Event) error {
	w, err := s.existingWriter(runID)
	if err != nil {
		return err
	}
	encoded, err := agentevent.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sessionstore: encode event: %w", err)
	}
	return w.append(Record{
		Type:      RecordEvent,
		RunID:     runID,
		SessionID: sessionID,
		Seq:       seq,
		Event:     encoded,
	})
}

// RunEnd appends the terminal run.end record and closes the run's writer.
func (s *Store) RunEnd(runID, sessionID, status string, final json.RawMessage) error {
	w, err := s.existingWriter(runID)
	if err != nil {
		return err
	}
	if err := w.append(Record{
		Type:      RecordRunEnd,
		RunID:     runID,
		SessionID: sessionID,
		Status:    status,
		Final:     final,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.writers, runID)
	s.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (s *Store) existingWriter(runID string) (*journalWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[runID]
	if !ok {
		return nil, fmt.Errorf("sessionstore: no open journal for run %s", runID)
	}
	return w, nil
}

// ReadJournal reads every record of a run's journal file from disk. It does
// not assume any line-size bound (header lines may exceed 64KB).
func ReadJournal(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open journal: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)

	var records []Record
	for {
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimRight(line, "\r\n"); len(line) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("sessionstore: decode record: %w", err)
			}
			records = append(records, rec)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("sessionstore: scan journal: %w", readErr)
		}
	}
	return records, nil
}

// FindJournal locates a run's journal file under root by scanning the
// date-sharded tree (used when the caller only has a run_id, not the
// run's start time).
func FindJournal(root, runID string) (string, error) {
	target := runID + ".jsonl"
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() && d.Name() == target {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("sessionstore: journal for run %s not found", runID)
	}
	return found, nil
}
