// Package agentevent defines the tagged AgentEvent variants emitted during
// a run (spec.md §3), shared by internal/agentloop (the producer),
// internal/sessionstore (the journal writer/reader), and internal/rpc (the
// wire encoder). Kept as its own package, with no agentloop/sessionstore/
// rpc imports, to avoid import cycles between those three.
package agentevent

import (
	"encoding/json"
	"fmt"
)

// Event is the common interface every AgentEvent variant implements.
// Consumers should type-switch exhaustively rather than relying on the
// Kind() string alone.
type Event interface {
	Kind() string
}

// Text is an incremental assistant text delta.
type Text struct {
	Content string `json:"content"`
}

func (Text) Kind() string { return "text" }

// Reasoning is a hidden chain-of-thought delta.
type Reasoning struct {
	Content string `json:"content"`
}

func (Reasoning) Kind() string { return "reasoning" }

// ToolCall announces a tool invocation the loop is about to make.
type ToolCall struct {
	Tool       string          `json:"tool"`
	Args       map[string]any  `json:"args"`
	ToolCallID string          `json:"toolCallID"`
	RawArgs    string          `json:"rawArgs,omitempty"`
}

func (ToolCall) Kind() string { return "tool_call" }

// ToolResult carries a tool's outcome back to the model.
type ToolResult struct {
	Tool       string `json:"tool"`
	Result     string `json:"result"`
	ToolCallID string `json:"toolCallID"`
	IsError    bool   `json:"isError,omitempty"`
}

func (ToolResult) Kind() string { return "tool_result" }

// PermissionPreview is shown before a write-sensitive tool runs, pending
// permission-engine resolution.
type PermissionPreview struct {
	Tool      string  `json:"tool"`
	FilePath  string  `json:"filePath,omitempty"`
	Language  string  `json:"language,omitempty"`
	Diff      string  `json:"diff,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
}

func (PermissionPreview) Kind() string { return "permission.preview" }

// PermissionReady signals that a previously previewed tool may now run.
type PermissionReady struct {
	Tool string `json:"tool"`
}

func (PermissionReady) Kind() string { return "permission.ready" }

// StepStart marks the beginning of one loop iteration.
type StepStart struct{}

func (StepStart) Kind() string { return "step_start" }

// StepComplete marks the end of one loop iteration.
type StepComplete struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

func (StepComplete) Kind() string { return "step_complete" }

// CompactionStart announces that history compaction has begun.
type CompactionStart struct{}

func (CompactionStart) Kind() string { return "compaction_start" }

// CompactionComplete reports whether compaction actually changed anything.
type CompactionComplete struct {
	Compacted bool `json:"compacted"`
}

func (CompactionComplete) Kind() string { return "compaction_complete" }

// HiddenUserMessage is synthesized only during history replay, to let
// clients rebuild the user-turn bubble that originally preceded a run.
type HiddenUserMessage struct {
	Content string `json:"content"`
}

func (HiddenUserMessage) Kind() string { return "hidden_user_message" }

// SystemReminder surfaces a new/updated AGENTS.md discovered mid-run.
type SystemReminder struct {
	Path   string `json:"path"`
	Reason string `json:"reason"` // "new" | "updated"
}

func (SystemReminder) Kind() string { return "system_reminder" }

// Final is the terminal event of a successful run.
type Final struct {
	Content string `json:"content"`
}

func (Final) Kind() string { return "final" }

// envelope is the on-the-wire/on-disk shape: a discriminator plus the
// variant's own fields inlined via RawMessage.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes an Event into its {"type":...,"data":{...}} envelope.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("agentevent: marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Type: e.Kind(), Data: data})
}

// Unmarshal decodes an envelope back into its concrete Event type.
func Unmarshal(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("agentevent: unmarshal envelope: %w", err)
	}

	var target Event
	switch env.Type {
	case "text":
		target = &Text{}
	case "reasoning":
		target = &Reasoning{}
	case "tool_call":
		target = &ToolCall{}
	case "tool_result":
		target = &ToolResult{}
	case "permission.preview":
		target = &PermissionPreview{}
	case "permission.ready":
		target = &PermissionReady{}
	case "step_start":
		target = &StepStart{}
	case "step_complete":
		target = &StepComplete{}
	case "compaction_start":
		target = &CompactionStart{}
	case "compaction_complete":
		target = &CompactionComplete{}
	case "hidden_user_message":
		target = &HiddenUserMessage{}
	case "system_reminder":
		target = &SystemReminder{}
	case "final":
		target = &Final{}
	default:
		return nil, fmt.Errorf("agentevent: unknown event type %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, fmt.Errorf("agentevent: unmarshal %s: %w", env.Type, err)
		}
	}

	switch v := target.(type) {
	case *Text:
		return *v, nil
	case *Reasoning:
		return *v, nil
	case *ToolCall:
		return *v, nil
	case *ToolResult:
		return *v, nil
	case *PermissionPreview:
		return *v, nil
	case *PermissionReady:
		return *v, nil
	case *StepStart:
		return *v, nil
	case *StepComplete:
		return *v, nil
	case *CompactionStart:
		return *v, nil
	case *CompactionComplete:
		return *v, nil
	case *HiddenUserMessage:
		return *v, nil
	case *SystemReminder:
		return *v, nil
	case *Final:
		return *v, nil
	}
	return target, nil
}

// IsFinal reports whether e is the terminal Final event.
func IsFinal(e Event) bool {
	_, ok := e.(Final)
	return ok
}
