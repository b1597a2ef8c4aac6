// Package session provides session processing and the agentic loop behind
// the HTTP transport.
package session

// Agent represents an agent configuration for processing.
type Agent struct {
	// Name is the agent identifier.
	Name string `json:"name"`

	// Prompt is the base system prompt for this agent.
	Prompt string `json:"prompt"`

	// Temperature for LLM sampling.
	Temperature float64 `json:"temperature,omitempty"`

	// TopP for nucleus sampling.
	TopP float64 `json:"topP,omitempty"`

	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps int `json:"maxSteps,omitempty"`

	// Tools is the list of enabled tool IDs. Empty means all enabled.
	Tools []string `json:"tools,omitempty"`

	// DisabledTools is the list of disabled tool IDs; it wins over Tools.
	DisabledTools []string `json:"disabledTools,omitempty"`

	// Permission contains permission policy for this agent.
	Permission AgentPermission `json:"permission,omitempty"`
}

// AgentPermission defines permission policies for an agent. Each value is
// "allow", "deny", or "ask" (the default).
type AgentPermission struct {
	// DoomLoop defines how to handle repeated identical tool calls.
	DoomLoop string `json:"doomLoop,omitempty"`

	// Bash defines the permission policy for bash commands.
	Bash string `json:"bash,omitempty"`

	// Write defines the permission policy for file writes.
	Write string `json:"write,omitempty"`
}

// ToolEnabled returns whether a tool is enabled for this agent.
func (a *Agent) ToolEnabled(toolID string) bool {
	for _, disabled := range a.DisabledTools {
		if disabled == toolID {
			return false
		}
	}

	if len(a.Tools) == 0 {
		return true
	}

	for _, enabled := range a.Tools {
		if enabled == toolID {
			return true
		}
	}
	return false
}

// DefaultAgent returns the default agent configuration.
func DefaultAgent() *Agent {
	return &Agent{
		Name:        "default",
		Temperature: 0.7,
		TopP:        1.0,
		MaxSteps:    50,
		Permission: AgentPermission{
			DoomLoop: "ask",
			Bash:     "ask",
			Write:    "ask",
		},
	}
}

// CodeAgent returns an agent profile for making code changes.
func CodeAgent() *Agent {
	return &Agent{
		Name:        "code",
		Temperature: 0.3,
		TopP:        0.95,
		MaxSteps:    100,
		Prompt: `You are a software engineer working inside a sandboxed workspace.
Read before you write; match the conventions already present in the codebase.
Prefer the smallest change that satisfies the request, and say why when a
change is not obvious from the diff.`,
		Permission: AgentPermission{
			DoomLoop: "ask",
			Bash:     "ask",
			Write:    "allow",
		},
	}
}

// PlanAgent returns a read-only agent profile for analysis and planning.
func PlanAgent() *Agent {
	return &Agent{
		Name:        "plan",
		Temperature: 0.5,
		TopP:        1.0,
		MaxSteps:    20,
		Prompt: `You are an analyst working inside a sandboxed workspace. Explore the
code, break the task down into concrete steps, and explain the trade-offs.
You cannot modify files or run commands; propose the changes instead.`,
		DisabledTools: []string{"write", "edit", "bash"},
		Permission: AgentPermission{
			DoomLoop: "deny",
			Bash:     "deny",
			Write:    "deny",
		},
	}
}
