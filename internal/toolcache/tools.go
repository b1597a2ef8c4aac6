package toolcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kousw/codelia/internal/tool"
)

// ReadTool exposes line-ranged random access to an offloaded tool output,
// addressed by the ref id embedded in the inline marker.
func ReadTool(c *Cache) tool.Tool { return &cacheReadTool{cache: c} }

// GrepTool exposes pattern search over an offloaded tool output.
func GrepTool(c *Cache) tool.Tool { return &cacheGrepTool{cache: c} }

type cacheReadTool struct{ cache *Cache }

func (t *cacheReadTool) ID() string { return "cache_read" }

func (t *cacheReadTool) Description() string {
	return "Read a line range from a cached tool output previously offloaded as ref=<id>."
}

func (t *cacheReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"ref": {"type": "string", "description": "The cache ref id from a ref=<id> marker"},
			"offset": {"type": "integer", "description": "1-based first line to read (default 1)"},
			"limit": {"type": "integer", "description": "Maximum number of lines to read (default: to the end)"}
		},
		"required": ["ref"]
	}`)
}

func (t *cacheReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var in struct {
		Ref    string `json:"ref"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	text, err := t.cache.Read(in.Ref, in.Offset, in.Limit)
	if err != nil {
		return &tool.Result{Title: "Cache read failed", Output: fmt.Sprintf("Error: %v", err)}, nil
	}
	return &tool.Result{Title: fmt.Sprintf("ref %s", in.Ref), Output: text}, nil
}

func (t *cacheReadTool) EinoTool() einotool.InvokableTool { return tool.NewEinoToolWrapper(t) }

type cacheGrepTool struct{ cache *Cache }

func (t *cacheGrepTool) ID() string { return "cache_grep" }

func (t *cacheGrepTool) Description() string {
	return "Search a cached tool output (offloaded as ref=<id>) for a pattern, with context lines."
}

func (t *cacheGrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"ref": {"type": "string", "description": "The cache ref id from a ref=<id> marker"},
			"pattern": {"type": "string", "description": "Substring or regular expression to search for"},
			"regex": {"type": "boolean", "description": "Treat pattern as a regular expression"},
			"before": {"type": "integer", "description": "Context lines before each match"},
			"after": {"type": "integer", "description": "Context lines after each match"},
			"max_matches": {"type": "integer", "description": "Stop after this many matches"}
		},
		"required": ["ref", "pattern"]
	}`)
}

func (t *cacheGrepTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var in struct {
		Ref        string `json:"ref"`
		Pattern    string `json:"pattern"`
		Regex      bool   `json:"regex"`
		Before     int    `json:"before"`
		After      int    `json:"after"`
		MaxMatches int    `json:"max_matches"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	matches, err := t.cache.Grep(in.Ref, in.Pattern, in.Regex, in.Before, in.After, in.MaxMatches)
	if err != nil {
		return &tool.Result{Title: "Cache grep failed", Output: fmt.Sprintf("Error: %v", err)}, nil
	}
	if len(matches) == 0 {
		return &tool.Result{Title: "No matches", Output: fmt.Sprintf("No matches for %q in ref %s.", in.Pattern, in.Ref)}, nil
	}

	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("--\n")
		}
		for j, line := range m.Before {
			fmt.Fprintf(&b, "%d- %s\n", m.Line-len(m.Before)+j, line)
		}
		fmt.Fprintf(&b, "%s: %s\n", m.RefMark, m.Text)
		for j, line := range m.After {
			fmt.Fprintf(&b, "%d- %s\n", m.Line+1+j, line)
		}
	}
	return &tool.Result{
		Title:  fmt.Sprintf("%d matches in ref %s", len(matches), in.Ref),
		Output: b.String(),
	}, nil
}

func (t *cacheGrepTool) EinoTool() einotool.InvokableTool { return tool.NewEinoToolWrapper(t) }
