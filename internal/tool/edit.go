package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kousw/codelia/internal/editengine"
	"github.com/kousw/codelia/internal/event"
	"github.com/kousw/codelia/internal/sandbox"
)

const editDescription = `Performs precise string replacements in files.

Usage:
- file_path must be absolute
- old_string must match the file; match_mode controls how: exact (default via
  auto), line_trimmed (ignores leading/trailing whitespace per line), or
  block_anchor (anchors on first/last line of a multi-line block, tolerating
  drift in the interior lines)
- Use replace_all to replace every match; otherwise the match must be unique
- expected_hash pins the edit to a known SHA-256 of the current content for
  optimistic-concurrency safety
- dry_run returns the diff without writing`

const diffContextLines = 3

// EditTool implements the tiered-match file editing tool.
type EditTool struct {
	workDir string
}

// EditInput represents the input for the edit tool.
type EditInput struct {
	FilePath            string              `json:"file_path"`
	OldString           string              `json:"old_string"`
	NewString           string              `json:"new_string"`
	ReplaceAll          bool                `json:"replace_all,omitempty"`
	MatchMode           editengine.MatchMode `json:"match_mode,omitempty"`
	ExpectedReplacements *int               `json:"expected_replacements,omitempty"`
	DryRun              bool                `json:"dry_run,omitempty"`
	ExpectedHash        string              `json:"expected_hash,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"old_string": {
				"type": "string",
				"description": "The text to replace; empty string replaces the whole file"
			},
			"new_string": {
				"type": "string",
				"description": "The replacement text"
			},
			"replace_all": {
				"type": "boolean",
				"description": "Replace all matches (default: false, requires a unique match)"
			},
			"match_mode": {
				"type": "string",
				"enum": ["exact", "line_trimmed", "block_anchor", "auto"],
				"description": "Matching tier to use (default: auto)"
			},
			"expected_replacements": {
				"type": "integer",
				"description": "Fail unless exactly this many matches are found"
			},
			"dry_run": {
				"type": "boolean",
				"description": "Return the diff without writing to disk"
			},
			"expected_hash": {
				"type": "string",
				"description": "SHA-256 of the current file content; fails with HashMismatch if stale"
			}
		},
		"required": ["file_path", "old_string", "new_string"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	workDir := t.workDir
	if toolCtx != nil && toolCtx.WorkDir != "" {
		workDir = toolCtx.WorkDir
	}
	sb, err := sandbox.New(workDir, workDir, "")
	if err != nil {
		return nil, fmt.Errorf("failed to construct sandbox: %w", err)
	}

	resolved, err := sb.Resolve(params.FilePath)
	if err != nil {
		if sandbox.IsPathEscape(err) {
			return &Result{
				Title:  "Edit rejected",
				Output: fmt.Sprintf("Security error: %v", err),
				Error:  err,
			}, nil
		}
		return nil, err
	}

	existing, readErr := os.ReadFile(resolved)
	content := string(existing)
	fileExists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return nil, fmt.Errorf("failed to read file: %w", readErr)
	}

	if params.ExpectedHash != "" {
		sum := sha256.Sum256(existing)
		actual := hex.EncodeToString(sum[:])
		if actual != params.ExpectedHash {
			return &Result{
				Title:  "Edit rejected",
				Output: fmt.Sprintf("HashMismatch: file content changed (expected %s, got %s)", params.ExpectedHash, actual),
			}, nil
		}
	}

	if params.OldString == params.NewString && params.OldString != "" {
		return &Result{
			Title:  fmt.Sprintf("No-op edit on %s", filepath.Base(resolved)),
			Output: "old_string and new_string are identical; nothing to do",
			Metadata: map[string]any{
				"file":         resolved,
				"replacements": 0,
			},
		}, nil
	}

	var newContent string
	var replacements int
	resolvedMode := params.MatchMode

	if params.OldString == "" {
		newContent = params.NewString
		replacements = 1
	} else {
		matches, mode, findErr := editengine.Find(content, params.OldString, params.MatchMode)
		resolvedMode = mode
		if findErr != nil {
			if findErr == editengine.ErrNoMatch {
				msg := "old_string not found in file. The content may have changed or the string doesn't exist"
				if line, sim, ok := editengine.ClosestMiss(content, params.OldString); ok {
					msg = fmt.Sprintf("%s. Closest near-miss starts at line %d (%d%% similar); re-read the file and retry with its current text", msg, line, int(sim*100))
				}
				return &Result{
					Title:  fmt.Sprintf("Edit failed on %s", filepath.Base(resolved)),
					Output: msg,
				}, nil
			}
			return &Result{
				Title:  fmt.Sprintf("Edit failed on %s", filepath.Base(resolved)),
				Output: fmt.Sprintf("Error: %v", findErr),
			}, nil
		}

		if len(matches) > 1 && !params.ReplaceAll {
			return &Result{
				Title:  fmt.Sprintf("Edit failed on %s", filepath.Base(resolved)),
				Output: fmt.Sprintf("Error: Multiple matches (%d) found for old_string; use replace_all or provide more context", len(matches)),
			}, nil
		}

		if params.ExpectedReplacements != nil && *params.ExpectedReplacements != len(matches) {
			return &Result{
				Title:  fmt.Sprintf("Edit failed on %s", filepath.Base(resolved)),
				Output: fmt.Sprintf("Error: %v", &editengine.CountMismatchError{Expected: *params.ExpectedReplacements, Actual: len(matches)}),
			}, nil
		}

		newContent = editengine.Apply(content, matches, params.NewString)
		replacements = len(matches)
	}

	relPath := relativePath(resolved, workDir)
	diff := editengine.UnifiedDiff(relPath, content, newContent, diffContextLines)

	if params.DryRun {
		return &Result{
			Title:  fmt.Sprintf("Dry-run edit on %s", filepath.Base(resolved)),
			Output: diff,
			Metadata: map[string]any{
				"file":         resolved,
				"replacements": replacements,
				"match_mode":   string(resolvedMode),
				"diff":         diff,
				"dry_run":      true,
			},
		}, nil
	}

	if !fileExists {
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			return nil, fmt.Errorf("failed to create parent directories: %w", err)
		}
	}
	if err := os.WriteFile(resolved, []byte(newContent), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{
				File: resolved,
			},
		})
	}

	return &Result{
		Title:  fmt.Sprintf("Edited %s", filepath.Base(resolved)),
		Output: fmt.Sprintf("Replaced %d occurrence(s)\n\n%s", replacements, diff),
		Metadata: map[string]any{
			"file":         resolved,
			"replacements": replacements,
			"match_mode":   string(resolvedMode),
			"diff":         diff,
		},
	}, nil
}

func (t *EditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
