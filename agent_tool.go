package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/universal-tool-calling-protocol/go-utcp/src/providers/base"
	"github.com/universal-tool-calling-protocol/go-utcp/src/tools"
)

var instructionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"instruction": map[string]any{
			"type":        "string",
			"description": "The instruction or query for the agent.",
		},
	},
	"required": []string{"instruction"},
}

// AgentToolAdapter adapts an Agent to the Tool interface. Each call is a message on the
// wrapped agent's own thread.
type AgentToolAdapter struct {
	agent       *Agent
	name        string
	description string
}

// NewAgentTool creates a new tool that wraps an Agent.
func NewAgentTool(name, description string, agent *Agent) Tool {
	return &AgentToolAdapter{
		agent:       agent,
		name:        name,
		description: description,
	}
}

func (t *AgentToolAdapter) Spec() ToolSpec {
	return ToolSpec{
		Name:        t.name,
		Description: t.description,
		InputSchema: instructionSchema,
	}
}

func (t *AgentToolAdapter) Invoke(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	instruction, ok := req.Arguments["instruction"].(string)
	if !ok || strings.TrimSpace(instruction) == "" {
		return ToolResponse{}, fmt.Errorf("missing or invalid 'instruction' argument")
	}

	reply, err := t.agent.SendMessage(ctx, instruction)
	if err != nil {
		return ToolResponse{}, err
	}
	return ToolResponse{
		Content: reply.Text,
		Metadata: map[string]string{
			"agent":     t.agent.Name(),
			"thread_id": t.agent.ThreadID(),
			"caller":    req.ThreadID,
		},
	}, nil
}

// AsTool returns a Tool representation of the Agent.
func (a *Agent) AsTool(name, description string) Tool {
	return NewAgentTool(name, description, a)
}

// AsFactory returns a Factory contributing the agent as a single tool, so one agent can
// be selected into another like any other tool provider.
func (a *Agent) AsFactory(name, description string) Factory {
	return func(_ context.Context, _ *Agent) (FactoryResult, error) {
		if !a.Initialized() {
			return FactoryResult{}, fmt.Errorf("agent %s: %w", a.Name(), ErrNotInitialized)
		}
		tool := a.AsTool(name, description)
		return FactoryResult{
			Tools:  []Tool{tool},
			Schema: map[string]ToolSpec{name: tool.Spec()},
		}, nil
	}
}

// AsUTCPTool exposes the agent as a UTCP tool with an in-process handler.
func (a *Agent) AsUTCPTool(name, description string) tools.Tool {
	providerName := strings.TrimSpace(name)
	if parts := strings.Split(name, "."); len(parts) > 1 {
		providerName = parts[0]
	}
	return tools.Tool{
		Name:        name,
		Description: description,
		Provider: &base.BaseProvider{
			Name:         providerName,
			ProviderType: base.ProviderCLI,
		},
		Inputs: tools.ToolInputOutputSchema{
			Type:       "object",
			Properties: instructionSchema["properties"].(map[string]any),
			Required:   []string{"instruction"},
		},
		Outputs: tools.ToolInputOutputSchema{
			Type: "object",
			Properties: map[string]any{
				"response":  map[string]any{"type": "string"},
				"thread_id": map[string]any{"type": "string"},
			},
		},
		// UTCP handlers receive a call-context map rather than a context.Context.
		Handler: tools.ToolHandler(func(_ map[string]interface{}, inputs map[string]interface{}) (map[string]interface{}, error) {
			instruction, ok := inputs["instruction"].(string)
			if !ok || strings.TrimSpace(instruction) == "" {
				return nil, fmt.Errorf("missing or invalid 'instruction'")
			}
			reply, err := a.SendMessage(context.Background(), instruction)
			if err != nil {
				return nil, err
			}
			return map[string]any{"response": reply.Text, "thread_id": a.ThreadID()}, nil
		}),
	}
}
