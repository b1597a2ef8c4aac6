package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kousw/codelia/internal/sandbox"
)

const globDescription = `Fast file pattern matching tool that works with any codebase size.

Usage:
- Supports glob patterns like "**/*.js" or "src/**/*.ts"
- "*" matches any run within a path segment, "?" matches one character,
  "**" matches any number of segments including zero
- Returns matching file paths sorted by modification time (newest first)`

const maxGlobResults = 100

// GlobTool implements file pattern matching under the sandbox, anchored full
// path matching per doublestar's "**" semantics.
type GlobTool struct {
	workDir string
}

// GlobInput represents the input for the glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewGlobTool creates a new glob tool.
func NewGlobTool(workDir string) *GlobTool {
	return &GlobTool{workDir: workDir}
}

func (t *GlobTool) ID() string          { return "glob" }
func (t *GlobTool) Description() string { return globDescription }

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The glob pattern to match files against"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: current directory)"
			}
		},
		"required": ["pattern"]
	}`)
}

type globHit struct {
	relPath string
	modTime int64
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GlobInput
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

	searchDir := sb.RootDir()
	if params.Path != "" {
		resolved, err := sb.Resolve(params.Path)
		if err != nil {
			if sandbox.IsPathEscape(err) {
				return &Result{Title: "Glob rejected", Output: fmt.Sprintf("Security error: %v", err)}, nil
			}
			return nil, err
		}
		searchDir = resolved
	}

	if !doublestar.ValidatePattern(params.Pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", params.Pattern)
	}

	var hits []globHit
	walkErr := filepath.WalkDir(searchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(searchDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		matched, matchErr := doublestar.Match(params.Pattern, rel)
		if matchErr != nil || !matched {
			return nil
		}
		info, infoErr := d.Info()
		var modTime int64
		if infoErr == nil {
			modTime = info.ModTime().UnixNano()
		}
		hits = append(hits, globHit{relPath: rel, modTime: modTime})
		return nil
	})
	if walkErr != nil && walkErr != ctx.Err() {
		return nil, fmt.Errorf("glob walk failed: %w", walkErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime > hits[j].modTime })

	truncated := false
	if len(hits) > maxGlobResults {
		hits = hits[:maxGlobResults]
		truncated = true
	}

	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = filepath.Join(searchDir, h.relPath)
	}

	if len(paths) == 0 {
		return &Result{
			Title:  "Glob search",
			Output: "No files matched the pattern",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	outputStr := strings.Join(paths, "\n")
	if truncated {
		outputStr += fmt.Sprintf("\n\n(Showing %d of more files)", maxGlobResults)
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d files", len(paths)),
		Output: outputStr,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(paths),
			"truncated": truncated,
		},
	}, nil
}

func (t *GlobTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
