package agentloop

import (
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// toolCallAccum is one fully-assembled tool call: id, name, and the
// concatenated argument-string deltas.
type toolCallAccum struct {
	id   string
	name string
	args string
}

// accumulator reassembles a streamed response into plain text plus an
// ordered tool-call batch, mirroring the index-based tracking
// internal/session/stream.go uses for the same eino streaming shape:
// a start chunk carries ID+Name, delta chunks carry only Arguments.
type accumulator struct {
	text  strings.Builder
	order []string // lookup keys in first-seen order
	ids   map[string]string
	names map[string]string
	args  map[string]*strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{
		ids:   make(map[string]string),
		names: make(map[string]string),
		args:  make(map[string]*strings.Builder),
	}
}

func (a *accumulator) absorbToolCalls(calls []schema.ToolCall) {
	for _, tc := range calls {
		key := lookupKey(tc)
		if key == "" {
			continue
		}
		if _, seen := a.args[key]; !seen {
			a.order = append(a.order, key)
			a.args[key] = &strings.Builder{}
		}
		if tc.ID != "" {
			a.ids[key] = tc.ID
		}
		if tc.Function.Name != "" {
			a.names[key] = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			a.args[key].WriteString(tc.Function.Arguments)
		}
	}
}

func lookupKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return "idx:" + strconv.Itoa(*tc.Index)
	}
	if tc.ID != "" {
		return tc.ID
	}
	return ""
}

// finishedCalls returns the accumulated calls in first-seen order, skipping
// any that never received a name (malformed stream).
func (a *accumulator) finishedCalls() []toolCallAccum {
	var out []toolCallAccum
	for _, key := range a.order {
		name := a.names[key]
		if name == "" {
			continue
		}
		id := a.ids[key]
		if id == "" {
			id = key
		}
		out = append(out, toolCallAccum{id: id, name: name, args: a.args[key].String()})
	}
	return out
}
