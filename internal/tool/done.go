package tool

import (
	"context"
	"encoding/json"

	einotool "github.com/cloudwego/eino/components/tool"
)

// DoneTool signals that the current task is complete. The agent loop
// intercepts calls to it by name and converts them into the run's final
// event, so Execute only runs when a client invokes it directly.
type DoneTool struct{}

// NewDoneTool creates a new done tool.
func NewDoneTool() *DoneTool {
	return &DoneTool{}
}

func (t *DoneTool) ID() string { return "done" }

func (t *DoneTool) Description() string {
	return "Signal that the task is complete. Call this with your final answer once no further tool use is needed."
}

func (t *DoneTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"result": {
				"type": "string",
				"description": "The final answer or completion summary for the user"
			}
		},
		"required": ["result"]
	}`)
}

func (t *DoneTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var in struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &Result{Title: "Invalid input", Output: "Error: " + err.Error()}, nil
	}
	return &Result{Title: "Task complete", Output: in.Result}, nil
}

func (t *DoneTool) EinoTool() einotool.InvokableTool { return NewEinoToolWrapper(t) }
