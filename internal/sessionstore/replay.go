package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/kousw/codelia/internal/agentevent"
)

// ReplayedEvent pairs a run ID with the event emitted (or synthesized)
// during that run, in original recording order.
type ReplayedEvent struct {
	RunID string
	Event agentevent.Event
}

// HistoryResult is the output of History: the replayed event stream plus
// how many runs and events it covers, and whether either cap was hit.
type HistoryResult struct {
	Runs      int
	Events    []ReplayedEvent
	Truncated bool
}

// History streams the recorded events for sessionID back in original
// order across however many run journals belong to it, honoring maxRuns
// and maxEvents caps (0 means unlimited for either). For every run.start
// record carrying user input text, a hidden_user_message event is
// synthesized immediately before that run's other events, so a client can
// rebuild the assistant bubble without a separate user-message store.
func (s *Store) History(sessionID string, maxRuns, maxEvents int) (HistoryResult, error) {
	runs, err := s.runsForSession(sessionID)
	if err != nil {
		return HistoryResult{}, err
	}

	result := HistoryResult{}
	for _, runID := range runs {
		if maxRuns > 0 && result.Runs >= maxRuns {
			result.Truncated = true
			break
		}

		path, err := s.pathForRun(runID)
		if err != nil {
			continue
		}
		records, err := ReadJournal(path)
		if err != nil {
			continue
		}

		runEvents, runTruncated := replayRun(records)
		for _, re := range runEvents {
			if maxEvents > 0 && len(result.Events) >= maxEvents {
				result.Truncated = true
				return result, nil
			}
			result.Events = append(result.Events, ReplayedEvent{RunID: runID, Event: re})
		}
		if runTruncated {
			result.Truncated = true
		}
		result.Runs++
	}

	return result, nil
}

// replayRun reconstructs one run's event sequence from its journal
// records, synthesizing a hidden_user_message ahead of the run's own
// events when run.start carried user input text.
func replayRun(records []Record) (events []agentevent.Event, truncated bool) {
	for _, rec := range records {
		switch rec.Type {
		case RecordRunStart:
			if text := userInputText(rec.Input); text != "" {
				events = append(events, agentevent.HiddenUserMessage{Content: text})
			}
		case RecordEvent:
			ev, err := agentevent.Unmarshal(rec.Event)
			if err != nil {
				truncated = true
				continue
			}
			events = append(events, ev)
		}
	}
	return events, truncated
}

// userInputText extracts a plain-text representation of a run.start
// record's input payload, which may be a bare string or an ordered list
// of {text,image_url} parts.
func userInputText(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(input, &asString); err == nil {
		return asString
	}

	var asObject struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &asObject); err == nil && asObject.Text != "" {
		return asObject.Text
	}

	var asParts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &asParts); err == nil {
		for _, p := range asParts {
			if p.Type == "text" && p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

// runsForSession returns run IDs belonging to sessionID across the whole
// date-sharded tree, sorted by run start order (which run_id's ULID
// encodes, so lexical order already is chronological order).
func (s *Store) runsForSession(sessionID string) ([]string, error) {
	var runIDs []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".jsonl" {
			return nil
		}
		records, err := ReadJournal(path)
		if err != nil || len(records) == 0 {
			return nil
		}
		if records[0].SessionID == sessionID {
			runIDs = append(runIDs, records[0].RunID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(runIDs)
	return runIDs, nil
}

// pathForRun locates a run's journal file by scanning the tree for
// run_id.jsonl (a small Store may keep an in-memory index in the future;
// for now this mirrors FindJournal).
func (s *Store) pathForRun(runID string) (string, error) {
	return FindJournal(s.root, runID)
}
