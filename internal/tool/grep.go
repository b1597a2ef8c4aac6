package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kousw/codelia/internal/sandbox"
)

const grepDescription = `Searches file contents using a regular expression.

Usage:
- pattern is a Go-flavored regular expression (RE2 syntax)
- Use include to restrict the search to files matching a glob (e.g. "*.go")
- Returns matching file:line:content triples, capped at the first 100 matches`

const maxGrepMatches = 100

// GrepTool implements content search under the sandbox using Go's regexp
// package, walking the tree directly instead of shelling out to an external
// search binary.
type GrepTool struct {
	workDir string
}

// GrepInput represents the input for the grep tool.
type GrepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

// GrepMatch represents a single match.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// NewGrepTool creates a new grep tool.
func NewGrepTool(workDir string) *GrepTool {
	return &GrepTool{workDir: workDir}
}

func (t *GrepTool) ID() string          { return "grep" }
func (t *GrepTool) Description() string { return grepDescription }

func (t *GrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The regular expression pattern to search for (RE2 syntax)"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: current directory)"
			},
			"include": {
				"type": "string",
				"description": "Glob to restrict which files are searched (e.g. \"*.go\")"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GrepInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return &Result{
			Title:  "Grep failed",
			Output: fmt.Sprintf("Error: invalid pattern: %v", err),
		}, nil
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
				return &Result{Title: "Grep rejected", Output: fmt.Sprintf("Security error: %v", err)}, nil
			}
			return nil, err
		}
		searchDir = resolved
	}

	var matches []GrepMatch
	truncated := false

	walkErr := filepath.WalkDir(searchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != searchDir && shouldIgnore(d.Name(), true, defaultIgnorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if truncated {
			return nil
		}
		if params.Include != "" {
			matched, _ := doublestar.Match(params.Include, d.Name())
			if !matched {
				return nil
			}
		}

		found, scanErr := grepFile(path, re, &matches)
		if scanErr != nil {
			return nil
		}
		if found && len(matches) >= maxGrepMatches {
			matches = matches[:maxGrepMatches]
			truncated = true
		}
		return nil
	})
	if walkErr != nil && walkErr != ctx.Err() {
		return nil, fmt.Errorf("grep walk failed: %w", walkErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].File != matches[j].File {
			return matches[i].File < matches[j].File
		}
		return matches[i].Line < matches[j].Line
	})

	if len(matches) == 0 {
		return &Result{
			Title:  "Grep search",
			Output: "No matches found",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	var out strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&out, "%s:%d:%s\n", m.File, m.Line, m.Content)
	}
	outputStr := strings.TrimRight(out.String(), "\n")
	if truncated {
		outputStr += fmt.Sprintf("\n\n(Showing first %d matches)", maxGrepMatches)
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d matches", len(matches)),
		Output: outputStr,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(matches),
			"truncated": truncated,
			"matches":   matches,
		},
	}, nil
}

// grepFile scans a single file line by line, appending matches. It reports
// whether any match was appended and skips files that look binary.
func grepFile(path string, re *regexp.Regexp, matches *[]GrepMatch) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if isBinary(head[:n]) {
		return false, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false, err
	}

	found := false
	lineNum := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if re.MatchString(line) {
			*matches = append(*matches, GrepMatch{File: path, Line: lineNum, Content: line})
			found = true
			if len(*matches) >= maxGrepMatches {
				break
			}
		}
	}
	return found, scanner.Err()
}

func isBinary(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func (t *GrepTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
