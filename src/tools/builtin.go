// Package tools provides tool factories: a few built-in tools and adapters for tools
// served over UTCP and MCP.
package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	agent "github.com/Protocol-Lattice/go-agent-server"
)

// Built-in factory names accepted by Builtin.
const (
	BuiltinEcho       = "echo"
	BuiltinCalculator = "calculator"
	BuiltinTime       = "time"
)

// RuntimeTimezone is the runtime parameter the time factory reads its location from.
const RuntimeTimezone = "timezone"

// Builtin returns the factory registered under name.
func Builtin(name string) (agent.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BuiltinEcho:
		return EchoFactory, nil
	case BuiltinCalculator:
		return CalculatorFactory, nil
	case BuiltinTime:
		return TimeFactory, nil
	default:
		return nil, fmt.Errorf("%w: builtin %q", agent.ErrUnknownFactory, name)
	}
}

// single wraps one tool as a factory result.
func single(tool agent.Tool) agent.FactoryResult {
	spec := tool.Spec()
	return agent.FactoryResult{
		Tools:  []agent.Tool{tool},
		Schema: map[string]agent.ToolSpec{spec.Name: spec},
	}
}

// EchoTool repeats the provided text. Useful for testing tool wiring.
func EchoTool() agent.Tool {
	return agent.NewFuncTool(agent.ToolSpec{
		Name:        "echo",
		Description: "Echoes the provided text back to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to echo."},
			},
			"required": []any{"text"},
		},
		Examples: []map[string]any{{"text": "hello"}},
	}, func(_ context.Context, req agent.ToolRequest) (agent.ToolResponse, error) {
		text, ok := req.Arguments["text"]
		if !ok {
			return agent.ToolResponse{}, fmt.Errorf("missing 'text' argument")
		}
		return agent.ToolResponse{Content: strings.TrimSpace(fmt.Sprint(text))}, nil
	})
}

func EchoFactory(context.Context, *agent.Agent) (agent.FactoryResult, error) {
	return single(EchoTool()), nil
}

// CalculatorTool evaluates basic arithmetic expressions in the form "a op b".
type CalculatorTool struct{}

func (c *CalculatorTool) Spec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "calculator",
		Description: "Evaluates simple math expressions such as '2 + 2' or '5 * 3'.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Expression in the form '<number> <operator> <number>'.",
				},
			},
			"required": []any{"expression"},
		},
		Examples: []map[string]any{{"expression": "21 / 3"}},
	}
}

func (c *CalculatorTool) Invoke(_ context.Context, req agent.ToolRequest) (agent.ToolResponse, error) {
	exprRaw, ok := req.Arguments["expression"]
	if !ok {
		return agent.ToolResponse{}, fmt.Errorf("missing 'expression' argument")
	}
	result, err := Evaluate(fmt.Sprint(exprRaw))
	if err != nil {
		return agent.ToolResponse{}, err
	}
	return agent.ToolResponse{Content: strconv.FormatFloat(result, 'f', -1, 64)}, nil
}

// Evaluate computes "<number> <op> <number>" for +, -, *, x and /.
func Evaluate(expression string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(expression))
	if len(fields) != 3 {
		return 0, fmt.Errorf("expected format '<number> <op> <number>'")
	}

	left, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid left operand: %w", err)
	}
	right, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid right operand: %w", err)
	}

	switch fields[1] {
	case "+":
		return left + right, nil
	case "-":
		return left - right, nil
	case "*", "x", "X":
		return left * right, nil
	case "/":
		if math.Abs(right) < 1e-12 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	default:
		return 0, fmt.Errorf("unsupported operator %q", fields[1])
	}
}

func CalculatorFactory(context.Context, *agent.Agent) (agent.FactoryResult, error) {
	return single(&CalculatorTool{}), nil
}

// TimeTool reports the current time in loc, RFC3339 formatted.
func TimeTool(loc *time.Location, now func() time.Time) agent.Tool {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return agent.NewFuncTool(agent.ToolSpec{
		Name:        "time",
		Description: fmt.Sprintf("Returns the current time (%s).", loc),
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(context.Context, agent.ToolRequest) (agent.ToolResponse, error) {
		return agent.ToolResponse{
			Content:  now().In(loc).Format(time.RFC3339),
			Metadata: map[string]string{"timezone": loc.String()},
		}, nil
	})
}

// TimeFactory binds the time tool to the agent's "timezone" runtime parameter.
// An unknown zone fails the factory.
func TimeFactory(_ context.Context, a *agent.Agent) (agent.FactoryResult, error) {
	loc := time.UTC
	if a != nil {
		if raw, ok := a.RuntimeValue(RuntimeTimezone); ok {
			name := strings.TrimSpace(fmt.Sprint(raw))
			if name != "" {
				l, err := time.LoadLocation(name)
				if err != nil {
					return agent.FactoryResult{}, fmt.Errorf("time tool: %w", err)
				}
				loc = l
			}
		}
	}
	return single(TimeTool(loc, nil)), nil
}
