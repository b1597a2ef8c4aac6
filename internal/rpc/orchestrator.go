package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/kousw/codelia/internal/agentevent"
	"github.com/kousw/codelia/internal/agentloop"
	"github.com/kousw/codelia/internal/agentsmd"
	"github.com/kousw/codelia/internal/contextwatch"
	"github.com/kousw/codelia/internal/mcp"
	"github.com/kousw/codelia/internal/permission"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/sandbox"
	"github.com/kousw/codelia/internal/sessionstore"
	"github.com/kousw/codelia/internal/skills"
	"github.com/kousw/codelia/internal/toolcache"
	"github.com/kousw/codelia/internal/tool"
)

// Deps bundles every component Orchestrator wires together, one instance
// per component per process (spec.md §2's component table).
type Deps struct {
	Sandbox     *sandbox.Sandbox
	Tools       *tool.Registry
	Providers   *provider.Registry
	Sessions    *sessionstore.Store
	Projects    *permission.ProjectsStore
	Agents      *agentsmd.Resolver
	MCP         *mcp.Client
	MCPAuth     *mcp.TokenStore
	Cache       *toolcache.Cache
	DefaultMode permission.Mode
	ProjectKey  string
	DefaultModel string
}

// RunState tracks one live or finished run (spec.md §3's Run entity).
type RunState struct {
	RunID     string
	SessionID string
	Status    string // queued|running|awaiting_ui|completed|error|cancelled
	StartedAt int64
	FinishedAt int64
	Usage     agentloop.RunUsageSummary

	cancel  context.CancelFunc
	abortCh chan struct{}
	once    sync.Once
}

func (rs *RunState) abort() {
	rs.once.Do(func() {
		if rs.cancel != nil {
			rs.cancel()
		}
		close(rs.abortCh)
	})
}

// Orchestrator owns run IDs and lifecycle, dispatching each run.start to a
// fresh agentloop.Loop and streaming its events back over a Transport
// (spec.md §2's "Run orchestrator" row, §4.4).
type Orchestrator struct {
	deps Deps
	tx   *Transport

	mu   sync.Mutex
	runs map[string]*RunState

	skillCatalog *skills.Catalog
	watcher      *contextwatch.Watcher
}

// NewOrchestrator builds an Orchestrator bound to tx for its UI-mediated
// requests and agent.event/run.status/run.context notifications. The
// skill_search/skill_load tools are registered here, bound to the lazily
// discovered catalog.
func NewOrchestrator(deps Deps, tx *Transport) *Orchestrator {
	o := &Orchestrator{
		deps: deps,
		tx:   tx,
		runs: make(map[string]*RunState),
	}
	if deps.Tools != nil {
		mgr := skills.NewManager(func() *skills.Catalog {
			cat, err := o.loadSkillCatalog()
			if err != nil || cat == nil {
				return skills.EmptyCatalog()
			}
			return cat
		})
		deps.Tools.Register(mgr.SearchTool())
		deps.Tools.Register(mgr.LoadTool())
		if deps.Cache != nil {
			deps.Tools.Register(toolcache.ReadTool(deps.Cache))
			deps.Tools.Register(toolcache.GrepTool(deps.Cache))
		}
	}
	o.startContextWatcher()
	return o
}

// startContextWatcher invalidates the cached skill catalog when a SKILL.md
// (or anything under a .agents/skills tree) changes on disk. AGENTS.md
// changes need no action here: the agentsmd resolver re-checks mtimes on
// every tool path.
func (o *Orchestrator) startContextWatcher() {
	if o.deps.Sandbox == nil {
		return
	}
	leaf := o.deps.Sandbox.WorkingDir()
	root := leaf
	if o.deps.Agents != nil {
		if r, err := o.deps.Agents.ProjectRoot(leaf); err == nil {
			root = r
		}
	}
	chain, err := projectChainDirs(root, leaf)
	if err != nil {
		return
	}
	w, err := contextwatch.NewWatcher(chain, func(kind contextwatch.Kind, path string) {
		if kind == contextwatch.KindSkills {
			o.InvalidateSkillCatalog()
		}
	})
	if err != nil {
		return
	}
	w.Start()
	o.watcher = w
}

// InvalidateSkillCatalog drops the cached skill catalog so the next
// skills.list or run rediscovers it from disk.
func (o *Orchestrator) InvalidateSkillCatalog() {
	o.mu.Lock()
	o.skillCatalog = nil
	o.mu.Unlock()
}

// Close releases the orchestrator's background resources.
func (o *Orchestrator) Close() {
	if o.watcher != nil {
		_ = o.watcher.Stop()
	}
}

// RunStartParams is run.start's params object.
type RunStartParams struct {
	SessionID   string          `json:"session_id,omitempty"`
	Input       json.RawMessage `json:"input"`
	Model       string          `json:"model,omitempty"`
	LoadHistory bool            `json:"load_history,omitempty"`
}

// RunStartResult is run.start's immediate response (the run continues
// asynchronously, streaming agent.event/run.status notifications).
type RunStartResult struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// newID returns a lexically-sortable unique ID (ulid), used for both
// run_id and a generated session_id.
func newID() string { return ulid.Make().String() }

// StartRun assigns a run_id, loads session history if requested, builds
// the initial system prompt (default + AGENTS chain + SKILLS catalog),
// and spawns the agent loop in its own goroutine (spec.md §2's data-flow
// paragraph). It returns immediately; the run's outcome arrives as
// agent.event/run.status notifications.
func (o *Orchestrator) StartRun(params RunStartParams) (RunStartResult, *ErrorObject) {
	if len(params.Input) == 0 {
		return RunStartResult{}, errObj(ErrInvalidParams, "run.start: input is required")
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = newID()
	}
	runID := newID()
	startedAt := time.Now().UnixMilli()

	rs := &RunState{
		RunID:     runID,
		SessionID: sessionID,
		Status:    "queued",
		StartedAt: startedAt,
		abortCh:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel

	o.mu.Lock()
	o.runs[runID] = rs
	o.mu.Unlock()

	userText := extractUserText(params.Input)
	if err := o.deps.Sessions.RunStart(runID, sessionID, startedAt, params.Input, userText); err != nil {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
		return RunStartResult{}, errObj(ErrRuntimeInternal, fmt.Sprintf("run.start: journal: %v", err))
	}

	go o.runLoop(ctx, rs, params, userText)

	return RunStartResult{RunID: runID, SessionID: sessionID}, nil
}

// CancelRun aborts the in-flight model call and any running tool for
// run_id (spec.md §4.4's cancellation paragraph, P8).
func (o *Orchestrator) CancelRun(runID string) *ErrorObject {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return errObj(ErrRunNotFound, fmt.Sprintf("run.cancel: unknown run_id %q", runID))
	}
	rs.abort()
	return nil
}

func (o *Orchestrator) runState(runID string) (*RunState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.runs[runID]
	return rs, ok
}

func (o *Orchestrator) setStatus(rs *RunState, status, message string) {
	o.mu.Lock()
	rs.Status = status
	o.mu.Unlock()
	_ = o.tx.SendNotification("run.status", map[string]any{
		"run_id": rs.RunID, "status": status, "message": message,
	})
}

// runLoop drives one run to completion: builds messages (replayed history
// + the new turn), resolves the model, constructs a Loop, and streams its
// events into both the journal and the transport.
func (o *Orchestrator) runLoop(ctx context.Context, rs *RunState, params RunStartParams, userText string) {
	o.setStatus(rs, "running", "")

	messages, err := o.buildMessages(rs.SessionID, params)
	if err != nil {
		o.finishError(rs, fmt.Errorf("run.start: build messages: %w", err))
		return
	}

	systemPrompt, err := o.buildSystemPrompt()
	if err != nil {
		o.finishError(rs, fmt.Errorf("run.start: system prompt: %w", err))
		return
	}

	modelID := params.Model
	if modelID == "" {
		modelID = o.deps.DefaultModel
	}
	providerID, _ := provider.ParseModelString(modelID)
	if providerID == "" {
		m, merr := o.deps.Providers.DefaultModel()
		if merr != nil {
			o.finishError(rs, fmt.Errorf("run.start: resolve model: %w", merr))
			return
		}
		modelID = m.ProviderID + "/" + m.ID
		providerID = m.ProviderID
	}
	p, err := o.deps.Providers.Get(providerID)
	if err != nil {
		o.finishError(rs, fmt.Errorf("run.start: provider: %w", err))
		return
	}

	loop := agentloop.New(
		agentloop.NewProviderChatModel(p),
		o.deps.Tools,
		o.deps.Projects,
		o.deps.DefaultMode,
		o.deps.ProjectKey,
		o.makePermissionPrompt(rs),
		agentloop.Config{
			Model:  modelID,
			Cache:  o.deps.Cache,
			Agents: o.deps.Agents,
		},
	)

	toolCtx := &tool.Context{SessionID: rs.SessionID, WorkDir: o.deps.Sandbox.WorkingDir(), AbortCh: rs.abortCh}

	emit := func(seq int64, ev agentevent.Event) {
		_ = o.deps.Sessions.AppendEvent(rs.RunID, rs.SessionID, seq, ev)
		encoded, err := agentevent.Marshal(ev)
		if err == nil {
			_ = o.tx.SendNotification("agent.event", map[string]any{
				"run_id": rs.RunID, "seq": seq, "event": json.RawMessage(encoded),
			})
		}
		if _, ok := ev.(agentevent.StepComplete); ok {
			_ = o.tx.SendNotification("run.context", map[string]any{
				"run_id": rs.RunID, "context_left_percent": contextLeftPercent(len(messages)),
			})
		}
	}

	result := loop.Run(ctx, systemPrompt, messages, toolCtx, emit)

	finishedAt := time.Now().UnixMilli()
	o.mu.Lock()
	rs.Usage = loop.Usage()
	rs.FinishedAt = finishedAt
	o.mu.Unlock()

	switch result.Status {
	case "cancelled":
		_ = o.deps.Sessions.RunEnd(rs.RunID, rs.SessionID, "cancelled", nil)
		o.setStatus(rs, "cancelled", "")
	case "error":
		o.finishError(rs, result.Err)
	default:
		_ = o.deps.Sessions.RunEnd(rs.RunID, rs.SessionID, "completed", nil)
		o.setStatus(rs, "completed", "")
	}
}

func (o *Orchestrator) finishError(rs *RunState, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = o.deps.Sessions.RunEnd(rs.RunID, rs.SessionID, "error", nil)
	o.setStatus(rs, "error", msg)
}

// contextLeftPercent mirrors agentloop's internal heuristic (message count
// against a nominal budget) so run.context notifications track the same
// signal the loop uses to decide whether to compact.
func contextLeftPercent(messageCount int) float64 {
	const nominalBudget = 200
	used := float64(messageCount) / nominalBudget
	if used > 1 {
		used = 1
	}
	return 1 - used
}

// makePermissionPrompt adapts Transport.SendUIRequest into the
// agentloop.PermissionPrompt callback: an AskUser verdict becomes a
// ui.confirm round trip, suspending the run as awaiting_ui until the
// client answers (spec.md §4.4 step 4c, §6's UI-mediated requests).
func (o *Orchestrator) makePermissionPrompt(rs *RunState) agentloop.PermissionPrompt {
	return func(ctx2 context.Context, preview agentevent.PermissionPreview) (approved, remember bool, reason string) {
		o.setStatus(rs, "awaiting_ui", "")
		result, rpcErr, err := o.tx.SendUIRequest(ctx2, "ui.confirm", map[string]any{
			"run_id":  rs.RunID,
			"tool":    preview.Tool,
			"preview": preview,
		})
		o.setStatus(rs, "running", "")
		if err != nil || rpcErr != nil {
			return false, false, "ui.confirm failed"
		}
		var answer struct {
			OK       bool   `json:"ok"`
			Remember bool   `json:"remember"`
			Reason   string `json:"reason"`
		}
		if jerr := json.Unmarshal(result, &answer); jerr != nil {
			return false, false, "malformed ui.confirm answer"
		}
		return answer.OK, answer.Remember, answer.Reason
	}
}

// buildMessages reconstructs the prior conversation from the session
// journal (when requested) and appends the new user turn.
func (o *Orchestrator) buildMessages(sessionID string, params RunStartParams) ([]*schema.Message, error) {
	var messages []*schema.Message

	if params.LoadHistory && sessionID != "" {
		hist, err := o.deps.Sessions.History(sessionID, 0, 0)
		if err != nil {
			return nil, err
		}
		messages = replayToMessages(hist)
	}

	text := extractUserText(params.Input)
	messages = append(messages, &schema.Message{Role: schema.User, Content: text})
	return messages, nil
}

// replayToMessages folds a session's replayed event stream into a chat
// message list: each hidden_user_message starts a new user turn, and
// accumulated text/final events become the assistant's reply to it. Tool
// calls/results are not replayed into the re-prompt (they remain available
// verbatim via session.history for a client's own replay); only the
// textual exchange is needed to continue the conversation with the model.
func replayToMessages(hist sessionstore.HistoryResult) []*schema.Message {
	var out []*schema.Message
	var assistantBuf strings.Builder
	flush := func() {
		if assistantBuf.Len() > 0 {
			out = append(out, &schema.Message{Role: schema.Assistant, Content: assistantBuf.String()})
			assistantBuf.Reset()
		}
	}

	for _, re := range hist.Events {
		switch ev := re.Event.(type) {
		case agentevent.HiddenUserMessage:
			flush()
			out = append(out, &schema.Message{Role: schema.User, Content: ev.Content})
		case agentevent.Text:
			assistantBuf.WriteString(ev.Content)
		case agentevent.Final:
			if ev.Content != "" {
				assistantBuf.Reset()
				assistantBuf.WriteString(ev.Content)
			}
			flush()
		}
	}
	flush()
	return out
}

// extractUserText pulls a plain-text rendering out of run.start's input,
// which may be a bare string or an ordered {text,image_url} part list
// (spec.md §3's Run.input).
func extractUserText(input json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(input, &asString); err == nil {
		return asString
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Type == "text" && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// buildSystemPrompt composes the default prompt, the AGENTS.md chain, and
// a one-line-per-skill SKILLS catalog summary (spec.md §2's data-flow
// paragraph).
func (o *Orchestrator) buildSystemPrompt() (string, error) {
	var sections []string
	sections = append(sections, defaultSystemPrompt)

	if o.deps.Agents != nil {
		entries, err := o.deps.Agents.Load(o.deps.Sandbox.WorkingDir())
		if err == nil {
			if rendered := agentsmd.Render(entries); rendered != "" {
				sections = append(sections, rendered)
			}
		}
	}

	if cat, err := o.loadSkillCatalog(); err == nil && cat != nil {
		if summary := renderSkillsCatalog(cat); summary != "" {
			sections = append(sections, summary)
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

// defaultSystemPrompt is the runtime's baseline instruction set, before any
// AGENTS.md or SKILLS content is layered on.
const defaultSystemPrompt = `You are a coding agent with access to tools for reading, writing, and ` +
	`executing commands inside a sandboxed workspace. Use tools deliberately, ` +
	`explain non-obvious actions, and prefer the smallest change that satisfies ` +
	`the request.`

// loadSkillCatalog discovers the SKILLS catalog for the current project
// chain, caching it on first use (spec.md §4.7).
func (o *Orchestrator) loadSkillCatalog() (*skills.Catalog, error) {
	o.mu.Lock()
	if o.skillCatalog != nil {
		defer o.mu.Unlock()
		return o.skillCatalog, nil
	}
	o.mu.Unlock()

	root := o.deps.Sandbox.WorkingDir()
	if o.deps.Agents != nil {
		if r, err := o.deps.Agents.ProjectRoot(root); err == nil {
			root = r
		}
	}
	chain, err := projectChainDirs(root, o.deps.Sandbox.WorkingDir())
	if err != nil {
		return nil, err
	}
	home, _ := os.UserHomeDir()

	cat, err := skills.Discover(chain, home)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.skillCatalog = cat
	o.mu.Unlock()
	return cat, nil
}

// projectChainDirs returns [root, ..., leaf], mirroring agentsmd's
// unexported chainDirs so internal/skills.Discover can be fed the same
// chain without internal/agentsmd needing to export it.
func projectChainDirs(root, leaf string) ([]string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	leafAbs, err := filepath.Abs(leaf)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(rootAbs, leafAbs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{rootAbs, leafAbs}, nil
	}
	if rel == "." {
		return []string{rootAbs}, nil
	}
	dirs := []string{rootAbs}
	cur := rootAbs
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs, nil
}

func renderSkillsCatalog(cat *skills.Catalog) string {
	all := cat.All()
	if len(all) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Available skills\n\n")
	for _, s := range all {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}
