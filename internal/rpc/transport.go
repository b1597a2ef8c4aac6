package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// maxLineBytes bounds one JSON-RPC line. Session journal headers may run to
// 64KB (spec.md §4.6); RPC envelopes carrying a preview diff or a tool
// result can approach that too, so the scanner buffer is sized well above
// bufio.Scanner's 64KB default rather than truncating silently.
const maxLineBytes = 8 * 1024 * 1024

// peek is decoded first to route an incoming line: a "method" member means
// it's a Request or Notification bound for the orchestrator; its absence
// means it's a Response answering one of our own outbound UI-mediated
// requests (ui.confirm, ui.prompt, ...).
type peek struct {
	Method *string         `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// Transport frames JSON-RPC 2.0 over a newline-delimited duplex stream
// (spec.md §6). Reads happen on a single goroutine via Run; writes are
// safe from any goroutine.
type Transport struct {
	w  io.Writer
	wmu sync.Mutex

	scanner *bufio.Scanner

	pendingMu sync.Mutex
	pending   map[string]chan *Response
	nextOutID atomic.Int64
}

// NewTransport wraps a reader/writer pair for one stdio RPC session.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Transport{
		w:       w,
		scanner: sc,
		pending: make(map[string]chan *Response),
	}
}

func (t *Transport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: marshal: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	_, err = t.w.Write([]byte("\n"))
	return err
}

// SendResponse writes a Response frame.
func (t *Transport) SendResponse(resp Response) error {
	resp.JSONRPC = ProtocolVersion
	return t.writeLine(resp)
}

// SendNotification writes a runtime->client Notification (no ID, no
// Response expected).
func (t *Transport) SendNotification(method string, params any) error {
	return t.writeLine(Notification{JSONRPC: ProtocolVersion, Method: method, Params: mustMarshal(params)})
}

// SendUIRequest sends a runtime->client request that expects a Response
// (ui.confirm, ui.prompt, ui.pick, ui.clipboard.read — spec.md §6), and
// blocks until that Response arrives, ctx is cancelled, or Close runs.
func (t *Transport) SendUIRequest(ctx context.Context, method string, params any) (json.RawMessage, *ErrorObject, error) {
	id := fmt.Sprintf("ui-%d", t.nextOutID.Add(1))
	ch := make(chan *Response, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	req := Request{JSONRPC: ProtocolVersion, ID: mustMarshal(id), Method: method, Params: mustMarshal(params)}
	if err := t.writeLine(req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, nil, fmt.Errorf("rpc: transport closed before %s answered", method)
		}
		return resp.Result, resp.Error, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, nil, ctx.Err()
	}
}

// Run reads frames until EOF or ctx is cancelled, dispatching each decoded
// Request/Notification to onRequest on its own goroutine (so a slow
// handler — e.g. a long-running run.start — never blocks draining further
// frames, per spec.md §5's "MUST drain incoming frames even while a run is
// active"). Responses to our own outbound UI-mediated requests are routed
// to their waiting SendUIRequest call instead.
func (t *Transport) Run(ctx context.Context, onRequest func(Request)) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for t.scanner.Scan() {
			line := append([]byte(nil), t.scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- t.scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			t.closePending()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				t.closePending()
				return <-scanErr
			}
			t.dispatchLine(line, onRequest)
		}
	}
}

func (t *Transport) dispatchLine(line []byte, onRequest func(Request)) {
	var p peek
	if err := json.Unmarshal(line, &p); err != nil {
		return // malformed frame: drop rather than kill the whole session
	}

	if p.Method == nil {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return
		}
		t.resolvePending(resp)
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	go onRequest(req)
}

func (t *Transport) resolvePending(resp Response) {
	var id string
	_ = json.Unmarshal(resp.ID, &id)

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (t *Transport) closePending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}
