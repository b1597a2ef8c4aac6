// Package executor provides task execution implementations.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/kousw/codelia/internal/agent"
	"github.com/kousw/codelia/internal/agentevent"
	"github.com/kousw/codelia/internal/agentloop"
	"github.com/kousw/codelia/internal/event"
	"github.com/kousw/codelia/internal/permission"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/storage"
	"github.com/kousw/codelia/internal/tool"
	"github.com/kousw/codelia/pkg/types"
)

// SubagentExecutor implements tool.TaskExecutor by running a nested
// agentloop.Loop for the subagent: a child session is recorded in storage,
// the subagent gets a tool registry filtered to what its profile enables
// (never the task tool itself), and the loop's final event becomes the
// task result handed back to the parent.
type SubagentExecutor struct {
	storage          *storage.Storage
	providerRegistry *provider.Registry
	toolRegistry     *tool.Registry
	agentRegistry    *agent.Registry
	projects         *permission.ProjectsStore
	mode             permission.Mode
	projectKey       string
	workDir          string
	defaultModel     string // "provider/model"
}

// SubagentExecutorConfig holds configuration for creating a SubagentExecutor.
type SubagentExecutorConfig struct {
	Storage          *storage.Storage
	ProviderRegistry *provider.Registry
	ToolRegistry     *tool.Registry
	AgentRegistry    *agent.Registry
	Projects         *permission.ProjectsStore
	Mode             permission.Mode
	ProjectKey       string
	WorkDir          string
	DefaultModel     string
}

// NewSubagentExecutor creates a new SubagentExecutor.
func NewSubagentExecutor(cfg SubagentExecutorConfig) *SubagentExecutor {
	return &SubagentExecutor{
		storage:          cfg.Storage,
		providerRegistry: cfg.ProviderRegistry,
		toolRegistry:     cfg.ToolRegistry,
		agentRegistry:    cfg.AgentRegistry,
		projects:         cfg.Projects,
		mode:             cfg.Mode,
		projectKey:       cfg.ProjectKey,
		workDir:          cfg.WorkDir,
		defaultModel:     cfg.DefaultModel,
	}
}

// subagentMaxSteps bounds a nested loop; it equals agentloop's default cap.
const subagentMaxSteps = 50

// ExecuteSubtask implements tool.TaskExecutor.ExecuteSubtask.
// It creates a child session, runs the subagent's loop, and returns the
// final text.
func (e *SubagentExecutor) ExecuteSubtask(
	ctx context.Context,
	parentSessionID string,
	agentName string,
	prompt string,
	opts tool.TaskOptions,
) (*tool.TaskResult, error) {
	agentConfig, err := e.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentName, err)
	}
	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("agent %s cannot be used as subagent (mode: %s)", agentName, agentConfig.Mode)
	}

	childSession, err := e.createChildSession(ctx, parentSessionID, agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to create child session: %w", err)
	}

	modelID := e.resolveModel(opts.Model)
	providerID, _ := provider.ParseModelString(modelID)
	p, err := e.providerRegistry.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("subagent provider: %w", err)
	}

	userMsg, err := e.recordMessage(ctx, childSession, "user", prompt, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	loop := agentloop.New(
		agentloop.NewProviderChatModel(p),
		e.subagentRegistry(agentConfig),
		e.projects,
		e.mode,
		e.projectKey,
		nil, // non-interactive: an AskUser verdict denies
		agentloop.Config{Model: modelID, MaxSteps: subagentMaxSteps},
	)

	toolCtx := &tool.Context{SessionID: childSession.ID, WorkDir: e.workDir, Agent: agentName}

	var finalText string
	result := loop.Run(ctx, agentConfig.Prompt, []*schema.Message{{Role: schema.User, Content: prompt}}, toolCtx, func(seq int64, ev agentevent.Event) {
		if f, ok := ev.(agentevent.Final); ok {
			finalText = f.Content
		}
	})

	if result.Status != "completed" {
		errText := "subtask " + result.Status
		if result.Err != nil {
			errText = result.Err.Error()
		}
		return &tool.TaskResult{
			Output:    fmt.Sprintf("Error executing subtask: %s", errText),
			SessionID: childSession.ID,
			Error:     errText,
			Metadata: map[string]any{
				"parentSessionID": parentSessionID,
				"userMessageID":   userMsg.ID,
			},
		}, nil
	}

	assistantMsg, err := e.recordMessage(ctx, childSession, "assistant", finalText, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to record assistant message: %w", err)
	}

	return &tool.TaskResult{
		Output:    finalText,
		SessionID: childSession.ID,
		AgentID:   agentName,
		Metadata: map[string]any{
			"parentSessionID":    parentSessionID,
			"assistantMessageID": assistantMsg.ID,
			"userMessageID":      userMsg.ID,
		},
	}, nil
}

// subagentRegistry builds the tool registry the subagent is allowed to use:
// the parent's tools filtered by the agent profile, minus the task tool so
// subagents cannot recurse.
func (e *SubagentExecutor) subagentRegistry(a *agent.Agent) *tool.Registry {
	sub := tool.NewRegistry(e.workDir, e.storage)
	for _, t := range e.toolRegistry.List() {
		if t.ID() == "task" {
			continue
		}
		if !a.ToolEnabled(t.ID()) {
			continue
		}
		sub.Register(t)
	}
	return sub
}

// createChildSession creates a new session as a child of the parent session.
func (e *SubagentExecutor) createChildSession(ctx context.Context, parentSessionID string, agentName string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sessionID := ulid.Make().String()

	// Inherit the parent session's directory when it can be found
	var parentSession types.Session
	var directory string
	projects, err := e.storage.List(ctx, []string{"session"})
	if err == nil {
		for _, projectID := range projects {
			if err := e.storage.Get(ctx, []string{"session", projectID, parentSessionID}, &parentSession); err == nil {
				directory = parentSession.Directory
				break
			}
		}
	}
	if directory == "" {
		directory = e.workDir
	}

	projectID := hashDirectory(directory)

	sess := &types.Session{
		ID:        sessionID,
		ProjectID: projectID,
		Directory: directory,
		Title:     fmt.Sprintf("Subtask: %s", agentName),
		ParentID:  &parentSessionID,
		Version:   "1",
		Summary:   types.SessionSummary{},
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := e.storage.Put(ctx, []string{"session", projectID, sess.ID}, sess); err != nil {
		return nil, fmt.Errorf("failed to save child session: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: sess},
	})

	return sess, nil
}

// recordMessage persists one user or assistant turn of the child session so
// the session views can replay the subtask afterwards.
func (e *SubagentExecutor) recordMessage(ctx context.Context, sess *types.Session, role, text, modelID string) (*types.Message, error) {
	now := time.Now().UnixMilli()
	msgID := ulid.Make().String()
	providerID, bareModelID := provider.ParseModelString(modelID)

	msg := &types.Message{
		ID:         msgID,
		SessionID:  sess.ID,
		Role:       role,
		ProviderID: providerID,
		ModelID:    bareModelID,
		Model: &types.ModelRef{
			ProviderID: providerID,
			ModelID:    bareModelID,
		},
		Path: &types.MessagePath{
			Cwd:  sess.Directory,
			Root: sess.Directory,
		},
		Time: types.MessageTime{
			Created: now,
		},
	}
	if err := e.storage.Put(ctx, []string{"message", sess.ID, msg.ID}, msg); err != nil {
		return nil, fmt.Errorf("failed to save %s message: %w", role, err)
	}

	partID := ulid.Make().String()
	textPart := &types.TextPart{
		ID:        partID,
		SessionID: sess.ID,
		MessageID: msg.ID,
		Type:      "text",
		Text:      text,
	}
	if err := e.storage.Put(ctx, []string{"part", msg.ID, partID}, textPart); err != nil {
		return nil, fmt.Errorf("failed to save text part: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: msg},
	})
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: textPart},
	})

	return msg, nil
}

// resolveModel maps the task tool's model alias (sonnet, opus, haiku) onto a
// full provider/model string, defaulting to the runtime's model.
func (e *SubagentExecutor) resolveModel(modelOption string) string {
	providerID, modelID := provider.ParseModelString(e.defaultModel)
	if providerID == "" {
		providerID = "anthropic"
	}

	switch modelOption {
	case "sonnet":
		modelID = "claude-sonnet-4-20250514"
	case "opus":
		modelID = "claude-opus-4-20250514"
	case "haiku":
		modelID = "claude-haiku-3-20240307"
	}
	return providerID + "/" + modelID
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
