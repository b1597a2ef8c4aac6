// Package agentloop drives one run of the model/tool iteration described
// in spec.md §4.4: call the chat model, stream text or dispatch a tool-call
// batch, consult the permission engine for write-sensitive tools, and emit
// the agentevent.Event stream a session records and a client renders.
//
// It is deliberately independent of internal/session's processor/loop,
// which remains as the storage-facing message/part model (see
// internal/sessionstore); this package owns only the live iteration.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/kousw/codelia/internal/agentevent"
	"github.com/kousw/codelia/internal/agentsmd"
	"github.com/kousw/codelia/internal/editengine"
	"github.com/kousw/codelia/internal/permission"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/tool"
	"github.com/kousw/codelia/internal/toolcache"
)

// ModelStream is the subset of provider.CompletionStream the loop needs,
// narrowed so fakes don't have to construct a real eino StreamReader.
type ModelStream interface {
	Recv() (*schema.Message, error)
	Close()
}

// ChatModel is the minimal provider surface the loop drives. provider.Provider
// satisfies this once adapted by NewProviderChatModel.
type ChatModel interface {
	CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (ModelStream, error)
}

// NewProviderChatModel adapts a provider.Provider (whose CreateCompletion
// returns the concrete *provider.CompletionStream) to ChatModel.
func NewProviderChatModel(p provider.Provider) ChatModel {
	return providerChatModel{p: p}
}

type providerChatModel struct{ p provider.Provider }

func (a providerChatModel) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (ModelStream, error) {
	return a.p.CreateCompletion(ctx, req)
}

// Usage accumulates token counts for one model id (spec.md §4.4).
type Usage struct {
	Input         int64
	CachedInput   int64
	CacheCreation int64
	Output        int64
	Total         int64
}

// RunUsageSummary reports accumulated usage keyed by model id.
type RunUsageSummary struct {
	ByModel map[string]Usage
}

// Compactor summarizes prior turns when context runs low (spec.md §4.4's
// "context_left_percent" trigger). Implementations decide what "compacted"
// means; a nil Compactor disables compaction entirely.
type Compactor interface {
	Compact(ctx context.Context, messages []*schema.Message) (compacted []*schema.Message, changed bool, err error)
}

// PermissionPrompt asks the UI layer to resolve an AskUser verdict. Returning
// approved=false denies the call; remember requests the decision be
// persisted as a project rule (spec.md §4.5's "remember=true").
type PermissionPrompt func(ctx context.Context, preview agentevent.PermissionPreview) (approved bool, remember bool, reason string)

// Emit receives one sequenced event. seq is monotonically increasing and
// densely packed within a run (spec.md §5's ordering guarantee).
type Emit func(seq int64, e agentevent.Event)

// writeSensitive names the tool IDs that require a permission.preview before
// dispatch (spec.md §4.4 step 4b).
var writeSensitive = map[string]bool{"write": true, "edit": true, "bash": true}

// Config tunes one Loop.
type Config struct {
	Model    string
	MaxSteps int

	// OutputCacheThreshold is the byte size above which a tool result is
	// offloaded to Cache and replaced inline by a ref marker. Cache may be
	// nil, in which case offloading is disabled regardless of this value.
	OutputCacheThreshold int
	Cache                *toolcache.Cache

	// CompactionThreshold is the context_left_percent below which
	// compaction triggers, if Compactor is non-nil.
	CompactionThreshold float64
	Compactor           Compactor

	// RetryBackoff governs transient model-call retries. A nil value uses
	// backoff.NewExponentialBackOff()'s defaults.
	RetryBackoff backoff.BackOff

	// Agents, when non-nil, is consulted after every file-touching tool
	// call: AGENTS.md files that are new or changed along the chain to the
	// touched path are surfaced as system_reminder events and re-injected
	// into the conversation.
	Agents *agentsmd.Resolver
}

const defaultMaxSteps = 50
const defaultOutputCacheThreshold = 16 * 1024

// Loop drives a single run to completion, cancellation, or error.
type Loop struct {
	model       ChatModel
	tools       *tool.Registry
	permissions *permission.ProjectsStore
	mode        permission.Mode
	projectKey  string
	sessionRules []permission.Rule
	prompt      PermissionPrompt
	cfg         Config

	seq   atomic.Int64
	usage map[string]*Usage
	doom  *permission.DoomLoopDetector
}

// New constructs a Loop. permissions/prompt may be nil to always-allow
// write-sensitive tools (used by tests and non-interactive callers).
func New(model ChatModel, tools *tool.Registry, permissions *permission.ProjectsStore, mode permission.Mode, projectKey string, prompt PermissionPrompt, cfg Config) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.OutputCacheThreshold <= 0 {
		cfg.OutputCacheThreshold = defaultOutputCacheThreshold
	}
	return &Loop{
		model:       model,
		tools:       tools,
		permissions: permissions,
		mode:        mode,
		projectKey:  projectKey,
		prompt:      prompt,
		cfg:         cfg,
		usage:       make(map[string]*Usage),
		doom:        permission.NewDoomLoopDetector(),
	}
}

// Usage returns the accumulated usage summary so far.
func (l *Loop) Usage() RunUsageSummary {
	out := make(map[string]Usage, len(l.usage))
	for k, v := range l.usage {
		out[k] = *v
	}
	return RunUsageSummary{ByModel: out}
}

// RunResult is Run's terminal outcome.
type RunResult struct {
	Status string // "completed" | "cancelled" | "error"
	Err    error
}

// Run drives the model/tool loop until a Final event, cancellation, error,
// or the step budget is exhausted (spec.md §4.4). toolCtx.AbortCh, if set,
// is additionally observed alongside ctx for cancellation.
func (l *Loop) Run(ctx context.Context, systemPrompt string, messages []*schema.Message, toolCtx *tool.Context, emit Emit) RunResult {
	history := make([]*schema.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		history = append(history, &schema.Message{Role: schema.System, Content: systemPrompt})
	}
	history = append(history, messages...)

	toolInfos, err := l.tools.ToolInfos()
	if err != nil {
		return RunResult{Status: "error", Err: fmt.Errorf("agentloop: tool infos: %w", err)}
	}

	for step := 0; step < l.cfg.MaxSteps; step++ {
		if cancelled(ctx, toolCtx) {
			return RunResult{Status: "cancelled"}
		}

		emit(l.next(), agentevent.StepStart{})
		stepStart := time.Now()

		text, calls, status, err := l.runModelTurn(ctx, history, toolInfos, emit)
		if err != nil {
			emit(l.next(), agentevent.StepComplete{Status: "error", DurationMs: time.Since(stepStart).Milliseconds()})
			return RunResult{Status: "error", Err: err}
		}
		if status == "cancelled" {
			emit(l.next(), agentevent.StepComplete{Status: "cancelled", DurationMs: time.Since(stepStart).Milliseconds()})
			return RunResult{Status: "cancelled"}
		}

		if len(calls) == 0 {
			emit(l.next(), agentevent.Final{Content: text})
			emit(l.next(), agentevent.StepComplete{Status: "completed", DurationMs: time.Since(stepStart).Milliseconds()})
			return RunResult{Status: "completed"}
		}

		assistantMsg := &schema.Message{Role: schema.Assistant, Content: text}
		for _, c := range calls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, schema.ToolCall{
				ID:       c.id,
				Function: schema.FunctionCall{Name: c.name, Arguments: c.args},
			})
		}
		history = append(history, assistantMsg)

		done, toolMsgs, runResult := l.dispatchToolCalls(ctx, calls, toolCtx, emit)
		history = append(history, toolMsgs...)
		if runResult.Status != "" {
			emit(l.next(), agentevent.StepComplete{Status: runResult.Status, DurationMs: time.Since(stepStart).Milliseconds()})
			return runResult
		}
		if done != nil {
			emit(l.next(), agentevent.Final{Content: done.Content})
			emit(l.next(), agentevent.StepComplete{Status: "completed", DurationMs: time.Since(stepStart).Milliseconds()})
			return RunResult{Status: "completed"}
		}

		emit(l.next(), agentevent.StepComplete{Status: "completed", DurationMs: time.Since(stepStart).Milliseconds()})

		if l.cfg.Compactor != nil {
			if left := contextLeftPercent(history); left < l.cfg.CompactionThreshold {
				emit(l.next(), agentevent.CompactionStart{})
				compacted, changed, cErr := l.cfg.Compactor.Compact(ctx, history)
				if cErr == nil {
					if changed {
						history = compacted
					}
					emit(l.next(), agentevent.CompactionComplete{Compacted: changed})
				}
			}
		}
	}

	return RunResult{Status: "error", Err: fmt.Errorf("agentloop: exceeded max steps (%d)", l.cfg.MaxSteps)}
}

func (l *Loop) next() int64 { return l.seq.Add(1) }

func cancelled(ctx context.Context, toolCtx *tool.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if toolCtx != nil && toolCtx.IsAborted() {
		return true
	}
	return false
}

// runModelTurn calls the chat model once (with retry) and accumulates its
// streamed response into plain text plus a tool-call batch.
func (l *Loop) runModelTurn(ctx context.Context, history []*schema.Message, toolInfos []*schema.ToolInfo, emit Emit) (string, []toolCallAccum, string, error) {
	req := &provider.CompletionRequest{Model: l.cfg.Model, Messages: history, Tools: toolInfos}

	var stream ModelStream
	op := func() error {
		s, err := l.model.CreateCompletion(ctx, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	bo := l.cfg.RetryBackoff
	if bo == nil {
		bo = backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	}
	if err := backoff.Retry(op, bo); err != nil {
		return "", nil, "", fmt.Errorf("agentloop: create completion: %w", err)
	}
	defer stream.Close()

	acc := newAccumulator()
	for {
		if ctx.Err() != nil {
			return "", nil, "cancelled", nil
		}
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", nil, "", fmt.Errorf("agentloop: receive: %w", err)
		}
		if msg == nil {
			break
		}
		if delta := msg.Content; delta != "" {
			acc.text.WriteString(delta)
			emit(l.next(), agentevent.Text{Content: delta})
		}
		if msg.ReasoningContent != "" {
			emit(l.next(), agentevent.Reasoning{Content: msg.ReasoningContent})
		}
		acc.absorbToolCalls(msg.ToolCalls)
		if msg.ResponseMeta != nil {
			l.absorbUsage(msg.ResponseMeta)
		}
	}

	return acc.text.String(), acc.finishedCalls(), "", nil
}

func (l *Loop) absorbUsage(meta *schema.ResponseMeta) {
	if meta.Usage == nil {
		return
	}
	model := l.cfg.Model
	u, ok := l.usage[model]
	if !ok {
		u = &Usage{}
		l.usage[model] = u
	}
	u.Input += int64(meta.Usage.PromptTokens)
	u.Output += int64(meta.Usage.CompletionTokens)
	u.Total += int64(meta.Usage.PromptTokens) + int64(meta.Usage.CompletionTokens)
}

// contextLeftPercent is a placeholder heuristic until a model's true context
// window is threaded through: it treats message count against a nominal
// budget, giving the Compactor a signal to act on well before MaxSteps.
func contextLeftPercent(history []*schema.Message) float64 {
	const nominalBudget = 200
	used := float64(len(history)) / nominalBudget
	if used > 1 {
		used = 1
	}
	return 1 - used
}

type doneResult struct{ Content string }

// dispatchToolCalls executes one step's tool-call batch in order, emitting
// tool_call/permission.preview/tool_result per spec.md §4.4 step 4. It
// returns either a non-nil doneResult (the `done` sentinel tool fired) or a
// RunResult with a non-empty Status if the run must stop (cancellation).
func (l *Loop) dispatchToolCalls(ctx context.Context, calls []toolCallAccum, toolCtx *tool.Context, emit Emit) (*doneResult, []*schema.Message, RunResult) {
	var toolMsgs []*schema.Message

	for _, c := range calls {
		if cancelled(ctx, toolCtx) {
			return nil, toolMsgs, RunResult{Status: "cancelled"}
		}

		var parsedArgs map[string]any
		_ = json.Unmarshal([]byte(c.args), &parsedArgs)
		emit(l.next(), agentevent.ToolCall{Tool: c.name, Args: parsedArgs, ToolCallID: c.id, RawArgs: c.args})

		if c.name == "done" {
			content, _ := parsedArgs["result"].(string)
			if content == "" {
				content, _ = parsedArgs["message"].(string)
			}
			return &doneResult{Content: content}, toolMsgs, RunResult{}
		}

		if denied, reason := l.checkDoomLoop(ctx, c, toolCtx, emit); denied {
			emit(l.next(), agentevent.ToolResult{Tool: c.name, Result: reason, ToolCallID: c.id, IsError: true})
			toolMsgs = append(toolMsgs, toolResultMessage(c.id, reason))
			continue
		}

		if writeSensitive[c.name] {
			preview := l.buildPreview(c.name, parsedArgs, toolCtx)
			emit(l.next(), preview)

			verdict := l.evaluate(c.name, c.args, parsedArgs)
			if verdict == permission.VerdictAskUser {
				if l.prompt == nil {
					verdict = permission.VerdictDeny
				} else {
					approved, remember, reason := l.prompt(ctx, preview)
					if !approved {
						verdict = permission.VerdictDeny
						if reason == "" {
							reason = "denied by user"
						}
					} else {
						verdict = permission.VerdictAllow
						if remember && l.permissions != nil {
							_ = l.permissions.AppendRule(l.projectKey, permission.Rule{Tool: c.name, Action: permission.ActionAllow})
						}
					}
				}
			}
			if verdict == permission.VerdictDeny {
				reason := "denied by permission policy"
				emit(l.next(), agentevent.ToolResult{Tool: c.name, Result: reason, ToolCallID: c.id, IsError: true})
				toolMsgs = append(toolMsgs, toolResultMessage(c.id, reason))
				continue
			}
			emit(l.next(), agentevent.PermissionReady{Tool: c.name})
		}

		result, execErr := l.execute(ctx, c, toolCtx)
		output := result
		isErr := execErr != nil
		if isErr {
			output = execErr.Error()
		}
		output = l.maybeOffload(output)

		emit(l.next(), agentevent.ToolResult{Tool: c.name, Result: output, ToolCallID: c.id, IsError: isErr})
		toolMsgs = append(toolMsgs, toolResultMessage(c.id, output))

		if fileTouching[c.name] {
			toolMsgs = append(toolMsgs, l.surfaceAgentsChanges(parsedArgs, toolCtx, emit)...)
		}
	}

	return nil, toolMsgs, RunResult{}
}

// fileTouching names the tools whose path argument can move the agent into
// a directory subtree with its own AGENTS.md instructions.
var fileTouching = map[string]bool{"read": true, "write": true, "edit": true, "list": true, "glob": true, "grep": true}

// surfaceAgentsChanges reports AGENTS.md files that appeared or changed
// along the chain to a path a tool just touched. Each change is emitted as
// a system_reminder event and its content re-injected into the conversation
// so the model sees the new instructions on its next turn.
func (l *Loop) surfaceAgentsChanges(parsedArgs map[string]any, toolCtx *tool.Context, emit Emit) []*schema.Message {
	if l.cfg.Agents == nil {
		return nil
	}
	p := pathArg(parsedArgs)
	if p == "" {
		return nil
	}
	if !filepath.IsAbs(p) && toolCtx != nil && toolCtx.WorkDir != "" {
		p = filepath.Join(toolCtx.WorkDir, p)
	}

	changes, err := l.cfg.Agents.ResolveForPath(p)
	if err != nil || len(changes) == 0 {
		return nil
	}

	var msgs []*schema.Message
	for _, ch := range changes {
		emit(l.next(), agentevent.SystemReminder{Path: ch.Path, Reason: string(ch.Reason)})
		data, rerr := os.ReadFile(ch.Path)
		if rerr != nil {
			continue
		}
		msgs = append(msgs, &schema.Message{
			Role:    schema.User,
			Content: fmt.Sprintf("<system-reminder>\n%s instructions from %s:\n\n%s\n</system-reminder>", ch.Reason, ch.Path, strings.TrimSpace(string(data))),
		})
	}
	return msgs
}

// pathArg extracts the filesystem path a tool call targets, across the
// naming variants the tool schemas use.
func pathArg(args map[string]any) string {
	for _, key := range []string{"filePath", "file_path", "path"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// checkDoomLoop escalates when the same tool is called with identical
// arguments DoomLoopThreshold times in a row: the user is asked once via
// ui.confirm, and a non-interactive run (no prompt wired) denies the call so
// the model sees the loop and can break out of it.
func (l *Loop) checkDoomLoop(ctx context.Context, c toolCallAccum, toolCtx *tool.Context, emit Emit) (denied bool, reason string) {
	sessionID := ""
	if toolCtx != nil {
		sessionID = toolCtx.SessionID
	}
	if !l.doom.Check(sessionID, c.name, c.args) {
		return false, ""
	}

	preview := agentevent.PermissionPreview{
		Tool:    c.name,
		Summary: fmt.Sprintf("%s called with identical arguments %d times in a row", c.name, permission.DoomLoopThreshold),
	}
	emit(l.next(), preview)

	if l.prompt != nil {
		approved, _, _ := l.prompt(ctx, preview)
		if approved {
			l.doom.Reset(sessionID)
			emit(l.next(), agentevent.PermissionReady{Tool: c.name})
			return false, ""
		}
	}
	return true, fmt.Sprintf("Permission denied: %s repeated with identical arguments %d times; change the arguments or take a different approach", c.name, permission.DoomLoopThreshold)
}

func (l *Loop) execute(ctx context.Context, c toolCallAccum, toolCtx *tool.Context) (string, error) {
	t, ok := l.tools.Get(c.name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", c.name)
	}
	if toolCtx == nil {
		toolCtx = &tool.Context{}
	}
	toolCtx.CallID = c.id
	res, err := t.Execute(ctx, json.RawMessage(c.args), toolCtx)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// maybeOffload replaces output with a ref=<id> marker when it exceeds the
// configured threshold and a Cache is wired (spec.md §4.4 step 4d).
func (l *Loop) maybeOffload(output string) string {
	if l.cfg.Cache == nil || len(output) <= l.cfg.OutputCacheThreshold {
		return output
	}
	ref, err := l.cfg.Cache.Store([]byte(output))
	if err != nil {
		return output
	}
	lines := strings.Count(output, "\n") + 1
	return fmt.Sprintf("ref=%s (%d bytes, %d lines, offloaded to tool-output cache; use cache_read or cache_grep with this ref)", ref, len(output), lines)
}

func (l *Loop) evaluate(toolName, rawArgs string, parsedArgs map[string]any) permission.Verdict {
	command := ""
	skillName := ""
	if toolName == "bash" {
		command, _ = parsedArgs["command"].(string)
	}
	if toolName == "skill_load" {
		skillName, _ = parsedArgs["name"].(string)
	}

	var project []permission.Rule
	if l.permissions != nil {
		project = l.permissions.Get(l.projectKey).Rules
	}
	return permission.Evaluate(l.mode, nil, project, l.sessionRules, toolName, command, skillName)
}

// buildPreview constructs the permission.preview payload: a diff for
// edit/write (language hint resolved from extension), a command line for
// bash (spec.md §4.4 step 4b).
func (l *Loop) buildPreview(toolName string, args map[string]any, toolCtx *tool.Context) agentevent.PermissionPreview {
	switch toolName {
	case "bash":
		cmd, _ := args["command"].(string)
		return agentevent.PermissionPreview{Tool: toolName, Summary: cmd}
	case "write", "edit":
		path, _ := args["filePath"].(string)
		if path == "" {
			path, _ = args["file_path"].(string)
		}
		newContent, _ := args["content"].(string)
		if newContent == "" {
			newContent, _ = args["new_string"].(string)
		}

		workDir := ""
		if toolCtx != nil {
			workDir = toolCtx.WorkDir
		}
		before := ""
		if workDir != "" && path != "" {
			if data, err := os.ReadFile(filepath.Join(workDir, path)); err == nil {
				before = string(data)
			}
		}
		diff := editengine.UnifiedDiff(path, before, newContent, 3)
		return agentevent.PermissionPreview{
			Tool:     toolName,
			FilePath: path,
			Language: languageHint(path, newContent),
			Diff:     diff,
		}
	default:
		return agentevent.PermissionPreview{Tool: toolName}
	}
}

// languageHint resolves a preview's syntax-highlight language: explicit
// override isn't modeled here (callers may set it directly on the returned
// preview), so this falls through shebang → file extension (spec.md §4.4
// step 4b's "shebang → diff headers → file extension" chain, the diff-header
// step being a no-op for a UnifiedDiff we generate ourselves).
func languageHint(path, content string) string {
	if strings.HasPrefix(content, "#!") {
		line, _, _ := strings.Cut(content, "\n")
		switch {
		case strings.Contains(line, "python"):
			return "python"
		case strings.Contains(line, "bash"), strings.Contains(line, "sh"):
			return "bash"
		case strings.Contains(line, "node"):
			return "javascript"
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	case ".sh":
		return "bash"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func toolResultMessage(toolCallID, content string) *schema.Message {
	return &schema.Message{Role: schema.Tool, Content: content, ToolCallID: toolCallID}
}
