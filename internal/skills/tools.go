package skills

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kousw/codelia/internal/tool"
)

// Manager owns a Catalog and Loader and exposes them as the skill_search
// and skill_load tools, refreshed on demand by the caller (typically
// before each run, after re-walking the AGENTS chain).
type Manager struct {
	loader *Loader
	get    func() *Catalog
}

// NewManager builds a Manager whose catalog is produced lazily by
// catalogFn, so callers can rebuild it per-run without re-registering tools.
func NewManager(catalogFn func() *Catalog) *Manager {
	return &Manager{loader: NewLoader(DefaultCaps), get: catalogFn}
}

// SearchTool returns the skill_search tool.
func (m *Manager) SearchTool() tool.Tool {
	return &searchTool{mgr: m}
}

// LoadTool returns the skill_load tool.
func (m *Manager) LoadTool() tool.Tool {
	return &loadTool{mgr: m}
}

type searchTool struct{ mgr *Manager }

func (t *searchTool) ID() string          { return "skill_search" }
func (t *searchTool) Description() string { return "Search the catalog of available skills by name or description keywords." }

func (t *searchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query (skill name or keywords)"}
		},
		"required": ["query"]
	}`)
}

type searchInput struct {
	Query string `json:"query"`
}

func (t *searchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	cat := t.mgr.get()
	results := cat.Search(in.Query)
	if len(results) == 0 {
		return &tool.Result{Title: "No skills found", Output: fmt.Sprintf("No skills matched %q.", in.Query)}, nil
	}

	var out []map[string]any
	for _, r := range results {
		out = append(out, map[string]any{
			"name":        r.Skill.Name,
			"description": r.Skill.Description,
			"scope":       r.Skill.Scope,
			"score":       r.Score,
		})
	}
	data, _ := json.MarshalIndent(out, "", "  ")

	return &tool.Result{
		Title:  fmt.Sprintf("%d skills matched", len(results)),
		Output: string(data),
	}, nil
}

func (t *searchTool) EinoTool() einotool.InvokableTool { return tool.NewEinoToolWrapper(t) }

type loadTool struct{ mgr *Manager }

func (t *loadTool) ID() string          { return "skill_load" }
func (t *loadTool) Description() string { return "Load a skill's full instructions into context by name." }

func (t *loadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The skill name to load"}
		},
		"required": ["name"]
	}`)
}

type loadInput struct {
	Name string `json:"name"`
}

func (t *loadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var in loadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	cat := t.mgr.get()
	s, ok := cat.ByName(in.Name)
	if !ok {
		return &tool.Result{Title: "Skill not found", Output: fmt.Sprintf("No skill named %q.", in.Name)}, nil
	}

	envelope, err := t.mgr.loader.Load(s)
	if err != nil {
		return &tool.Result{Title: "Skill load failed", Output: fmt.Sprintf("Error: %v", err)}, nil
	}

	return &tool.Result{
		Title:  fmt.Sprintf("Loaded skill %s", s.Name),
		Output: envelope,
	}, nil
}

func (t *loadTool) EinoTool() einotool.InvokableTool { return tool.NewEinoToolWrapper(t) }
