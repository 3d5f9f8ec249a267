package agent

import "context"

// ToolSpec describes how the agent should present a tool to the model. Name is the
// tool's identity within one agent.
type ToolSpec struct {
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	InputSchema      map[string]any   `json:"input_schema,omitempty"`
	RequiresApproval bool             `json:"requires_approval,omitempty"`
	Examples         []map[string]any `json:"examples,omitempty"`
}

// ToolRequest captures an invocation request for a tool. Everything a tool needs to know
// about the calling conversation travels here rather than through shared state.
type ToolRequest struct {
	ThreadID  string
	AgentName string
	CallID    string
	Arguments map[string]any
	// Runtime holds the agent's ephemeral, caller-supplied parameters.
	Runtime map[string]any
}

// ToolResponse represents the structured response returned by a tool.
type ToolResponse struct {
	Content  string
	Metadata map[string]string
}

// Tool exposes structured metadata and an invocation handler.
type Tool interface {
	Spec() ToolSpec
	Invoke(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

// ToolFunc is the handler signature wrapped by NewFuncTool.
type ToolFunc func(ctx context.Context, req ToolRequest) (ToolResponse, error)

type funcTool struct {
	spec ToolSpec
	fn   ToolFunc
}

// NewFuncTool builds a Tool from a spec and a closure. Factories use it to bind agent
// state (for example a persistent parameter) into the tool's implementation.
func NewFuncTool(spec ToolSpec, fn ToolFunc) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() ToolSpec { return t.spec }

func (t *funcTool) Invoke(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	return t.fn(ctx, req)
}

// PersistentParams are the durable, caller-supplied settings of an agent.
type PersistentParams struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	// ToolKnowledge is free-form guidance passed to tool selection.
	ToolKnowledge string `json:"toolKnowledge,omitempty"`
}
