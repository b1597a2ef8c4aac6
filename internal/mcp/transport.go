package mcp

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// ProtocolVersionHeader echoes back to every MCP HTTP/SSE request, pinning
// the wire version this client speaks.
const ProtocolVersionHeader = "2025-11-25"

// TokenRefresher refreshes an OAuth access token for an MCP server, used
// when a request comes back 401.
type TokenRefresher func() (string, error)

// sessionTransport wraps an http.RoundTripper to add the behavior the SDK's
// bare SSEClientTransport doesn't provide: pinning MCP-Protocol-Version,
// echoing back a server-assigned MCP-Session-Id on every subsequent request,
// and retrying a 401 exactly once after refreshing the bearer token.
type sessionTransport struct {
	base      http.RoundTripper
	headers   map[string]string
	sessionID atomic.Value // string
	mu        sync.Mutex
	token     string
	refresh   TokenRefresher
}

// newSessionTransport builds a RoundTripper for one MCP server connection.
// headers are config-supplied extras applied to every request; refresh may
// be nil if the server does not use OAuth.
func newSessionTransport(base http.RoundTripper, headers map[string]string, initialToken string, refresh TokenRefresher) *sessionTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &sessionTransport{base: base, headers: headers, token: initialToken, refresh: refresh}
	t.sessionID.Store("")
	return t
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || t.refresh == nil {
		return resp, nil
	}

	// One refresh, one retry. A second 401 comes straight back to the
	// caller; refreshing again in the same call is an error.
	resp.Body.Close()
	t.mu.Lock()
	newToken, rerr := t.refresh()
	if rerr == nil {
		t.token = newToken
	}
	t.mu.Unlock()
	if rerr != nil {
		return nil, fmt.Errorf("mcp: token refresh after 401 failed: %w", rerr)
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, fmt.Errorf("mcp: replay request body: %w", berr)
		}
		retry.Body = body
	}
	return t.do(retry)
}

func (t *sessionTransport) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("MCP-Protocol-Version", ProtocolVersionHeader)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	t.mu.Unlock()
	if sid, _ := t.sessionID.Load().(string); sid != "" {
		req.Header.Set("MCP-Session-Id", sid)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if sid := resp.Header.Get("MCP-Session-Id"); sid != "" {
		t.sessionID.Store(sid)
	}
	return resp, nil
}

// cliSequence hands out stable "cli-<n>" correlation labels for stdio MCP
// server subprocesses, used in logging to tell concurrent child processes
// apart regardless of PID reuse.
var cliSequence int64

// nextCLILabel returns the next sequential stdio correlation label.
func nextCLILabel() string {
	n := atomic.AddInt64(&cliSequence, 1)
	return fmt.Sprintf("cli-%d", n)
}
