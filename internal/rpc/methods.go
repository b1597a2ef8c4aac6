package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/kousw/codelia/internal/agentevent"
	"github.com/kousw/codelia/internal/mcp"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/tool"
)

// handle dispatches one decoded Request to the matching method per
// spec.md §6's method table, returning the Response to send (nil for a
// notification, which produces no reply).
func (s *Server) handle(req Request) *Response {
	var result any
	var rpcErr *ErrorObject

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "run.start":
		result, rpcErr = s.handleRunStart(req.Params)
	case "run.cancel":
		result, rpcErr = s.handleRunCancel(req.Params)
	case "session.list":
		result, rpcErr = s.handleSessionList(req.Params)
	case "session.history":
		result, rpcErr = s.handleSessionHistory(req.Params)
	case "model.list":
		result, rpcErr = s.handleModelList()
	case "model.set":
		result, rpcErr = s.handleModelSet(req.Params)
	case "mcp.list":
		result, rpcErr = s.handleMCPList()
	case "skills.list":
		result, rpcErr = s.handleSkillsList()
	case "context.inspect":
		result, rpcErr = s.handleContextInspect(req.Params)
	case "theme.set":
		result, rpcErr = s.handleThemeSet(req.Params)
	case "tool.call":
		result, rpcErr = s.handleToolCall(req.Params)
	case "auth.logout":
		result, rpcErr = s.handleAuthLogout(req.Params)
	default:
		rpcErr = errObj(ErrMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}

	if req.IsNotification() {
		return nil
	}
	resp := &Response{JSONRPC: ProtocolVersion, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = mustMarshal(result)
	}
	return resp
}

func unmarshalParams(raw json.RawMessage, v any) *ErrorObject {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errObj(ErrInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

type initializeParams struct {
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

type initializeResult struct {
	RuntimeName    string `json:"runtime_name"`
	RuntimeVersion string `json:"runtime_version"`
}

func (s *Server) handleInitialize(raw json.RawMessage) (any, *ErrorObject) {
	var p initializeParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	return initializeResult{RuntimeName: "codelia", RuntimeVersion: s.version}, nil
}

func (s *Server) handleRunStart(raw json.RawMessage) (any, *ErrorObject) {
	var p RunStartParams
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	result, rpcErr := s.orch.StartRun(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return result, nil
}

func (s *Server) handleRunCancel(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.RunID == "" {
		return nil, errObj(ErrInvalidParams, "run.cancel: run_id is required")
	}
	if rpcErr := s.orch.CancelRun(p.RunID); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]any{"run_id": p.RunID, "cancelled": true}, nil
}

func (s *Server) handleSessionList(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		Limit int `json:"limit,omitempty"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	sessions := s.orch.deps.Sessions.List(p.Limit)
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) handleSessionHistory(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		SessionID string `json:"session_id"`
		MaxRuns   int    `json:"max_runs,omitempty"`
		MaxEvents int    `json:"max_events,omitempty"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.SessionID == "" {
		return nil, errObj(ErrInvalidParams, "session.history: session_id is required")
	}
	hist, herr := s.orch.deps.Sessions.History(p.SessionID, p.MaxRuns, p.MaxEvents)
	if herr != nil {
		return nil, errObj(ErrSessionLoadFail, herr.Error())
	}

	type envelopedEvent struct {
		RunID string          `json:"run_id"`
		Event json.RawMessage `json:"event"`
	}
	events := make([]envelopedEvent, 0, len(hist.Events))
	for _, re := range hist.Events {
		encoded, err := agentevent.Marshal(re.Event)
		if err != nil {
			continue
		}
		events = append(events, envelopedEvent{RunID: re.RunID, Event: encoded})
	}

	return map[string]any{
		"runs":      hist.Runs,
		"events":    events,
		"truncated": hist.Truncated,
	}, nil
}

func (s *Server) handleModelList() (any, *ErrorObject) {
	if s.orch.deps.Providers == nil {
		return map[string]any{"models": []any{}}, nil
	}
	return map[string]any{"models": s.orch.deps.Providers.AllModels()}, nil
}

func (s *Server) handleModelSet(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		Model string `json:"model"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Model == "" {
		return nil, errObj(ErrInvalidParams, "model.set: model is required")
	}
	providerID, modelID := provider.ParseModelString(p.Model)
	if _, err := s.orch.deps.Providers.GetModel(providerID, modelID); err != nil {
		return nil, errObj(ErrInvalidParams, err.Error())
	}
	s.orch.mu.Lock()
	s.orch.deps.DefaultModel = p.Model
	s.orch.mu.Unlock()
	return map[string]any{"model": p.Model}, nil
}

func (s *Server) handleMCPList() (any, *ErrorObject) {
	if s.orch.deps.MCP == nil {
		return map[string]any{"servers": []mcp.ServerStatus{}}, nil
	}
	return map[string]any{"servers": s.orch.deps.MCP.Status()}, nil
}

func (s *Server) handleSkillsList() (any, *ErrorObject) {
	cat, err := s.orch.loadSkillCatalog()
	if err != nil {
		return nil, errObj(ErrRuntimeInternal, err.Error())
	}
	return map[string]any{"skills": cat.All()}, nil
}

func (s *Server) handleContextInspect(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	rs, ok := s.orch.runState(p.RunID)
	if !ok {
		return nil, errObj(ErrRunNotFound, fmt.Sprintf("context.inspect: unknown run_id %q", p.RunID))
	}
	s.orch.mu.Lock()
	status, usage := rs.Status, rs.Usage
	s.orch.mu.Unlock()
	return map[string]any{
		"run_id": rs.RunID,
		"status": status,
		"usage":  usage,
	}, nil
}

func (s *Server) handleThemeSet(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		Theme string `json:"theme"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	// Theme/presentation is explicitly out of the runtime's scope
	// (spec.md §1): acknowledged so clients can treat it as a no-op-safe
	// round trip rather than an unknown method.
	return map[string]any{"theme": p.Theme}, nil
}

func (s *Server) handleToolCall(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	t, ok := s.orch.deps.Tools.Get(p.Tool)
	if !ok {
		return nil, errObj(ErrInvalidParams, fmt.Sprintf("tool.call: unknown tool %q", p.Tool))
	}
	toolCtx := &tool.Context{WorkDir: s.orch.deps.Sandbox.WorkingDir()}
	res, execErr := t.Execute(s.ctx, p.Args, toolCtx)
	if execErr != nil {
		return nil, errObj(ErrRuntimeInternal, execErr.Error())
	}
	return map[string]any{"output": res.Output}, nil
}

func (s *Server) handleAuthLogout(raw json.RawMessage) (any, *ErrorObject) {
	var p struct {
		Provider  string `json:"provider,omitempty"`
		MCPServer string `json:"mcp_server,omitempty"`
	}
	if rpcErr := unmarshalParams(raw, &p); rpcErr != nil {
		return nil, rpcErr
	}
	// Provider keys are opaque strings the runtime forwards, never stores
	// (spec.md §1's non-goals), so a provider logout is acknowledged for the
	// client to clear its own cache. MCP tokens ARE ours: drop them from
	// mcp-auth.json.
	if p.MCPServer != "" && s.orch.deps.MCPAuth != nil {
		if err := s.orch.deps.MCPAuth.Delete(p.MCPServer); err != nil {
			return nil, errObj(ErrRuntimeInternal, err.Error())
		}
	}
	return map[string]any{"provider": p.Provider, "logged_out": true}, nil
}
