package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

// InvalidToolPrefix marks a capability the model wanted but the agent does not have.
// Names carrying it never resolve to a tool.
const InvalidToolPrefix = "INVALID_TOOL:"

func isInvalidToolSentinel(name string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(name)), InvalidToolPrefix)
}

// OrchestrationFallback decides which tools a turn gets when selection fails.
type OrchestrationFallback int

const (
	// FallbackNoTools runs the turn without tools.
	FallbackNoTools OrchestrationFallback = iota
	// FallbackAllTools runs the turn with every loaded tool.
	FallbackAllTools
)

func (f OrchestrationFallback) String() string {
	switch f {
	case FallbackAllTools:
		return "all_tools"
	default:
		return "no_tools"
	}
}

// ParseOrchestrationFallback accepts "none", "no_tools", "all" or "all_tools".
func ParseOrchestrationFallback(s string) (OrchestrationFallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no_tools":
		return FallbackNoTools, nil
	case "all", "all_tools":
		return FallbackAllTools, nil
	default:
		return FallbackNoTools, fmt.Errorf("unknown orchestration fallback %q", s)
	}
}

// OrchestratorState is Idle between messages and Resolving during a selection call.
type OrchestratorState int32

const (
	OrchestratorIdle OrchestratorState = iota
	OrchestratorResolving
)

func (s OrchestratorState) String() string {
	if s == OrchestratorResolving {
		return "resolving"
	}
	return "idle"
}

// OrchestrationResult is the outcome of one selection pass.
type OrchestrationResult struct {
	// Selected lists the catalog names that resolved, in the model's order.
	Selected []string `json:"selected"`
	// Missing holds capabilities the model flagged with InvalidToolPrefix.
	Missing []string `json:"missing,omitempty"`
	// Unresolved holds names that matched no loaded tool.
	Unresolved []string `json:"unresolved,omitempty"`
	// Degraded is set when the model call or the reply parse failed.
	Degraded bool   `json:"degraded,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Raw      string `json:"-"`
	Tools    []Tool `json:"-"`
}

// OrchestratorState reports whether a selection call is in flight.
func (a *Agent) OrchestratorState() OrchestratorState {
	return OrchestratorState(a.state.Load())
}

// Orchestrate asks the model which loaded tools the message needs. It never fails:
// model or parse errors are logged and the configured fallback applies.
func (a *Agent) Orchestrate(ctx context.Context, message string) OrchestrationResult {
	ctx, span := a.tracer.Start(ctx, "agent.Orchestrate")
	defer span.End()

	a.state.Store(int32(OrchestratorResolving))
	defer a.state.Store(int32(OrchestratorIdle))

	specs := a.catalog.Specs()
	if len(specs) == 0 {
		return OrchestrationResult{Selected: []string{}}
	}

	directive := buildSelectionDirective(specs, a.persistent.ToolKnowledge)
	completion, err := a.model.GenerateMessages(ctx, []models.Message{
		{Role: models.RoleSystem, Content: directive},
		{Role: models.RoleUser, Content: message},
	})
	if err != nil {
		return a.degrade(fmt.Errorf("tool selection model call: %w", err), "")
	}

	raw := models.Text(completion)
	names, err := parseToolSelection(raw)
	if err != nil {
		return a.degrade(err, raw)
	}

	res := a.resolveSelection(names)
	res.Raw = raw
	if len(res.Missing) > 0 {
		a.logger.Info("model requested unavailable tools",
			slog.String("thread", a.threadID),
			slog.Any("missing", res.Missing))
	}
	if len(res.Unresolved) > 0 {
		a.logger.Warn("model selected unknown tools",
			slog.String("thread", a.threadID),
			slog.Any("unresolved", res.Unresolved))
	}
	span.SetAttributes(
		attribute.Int("selected", len(res.Selected)),
		attribute.Int("unresolved", len(res.Unresolved)),
	)
	return res
}

func (a *Agent) resolveSelection(names []string) OrchestrationResult {
	res := OrchestrationResult{Selected: []string{}}
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if isInvalidToolSentinel(name) {
			res.Missing = append(res.Missing, strings.TrimSpace(name[len(InvalidToolPrefix):]))
			continue
		}
		tool, spec, ok := a.catalog.Lookup(name)
		if !ok {
			res.Unresolved = append(res.Unresolved, name)
			continue
		}
		key := catalogKey(spec.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		res.Selected = append(res.Selected, spec.Name)
		res.Tools = append(res.Tools, tool)
	}
	return res
}

func (a *Agent) degrade(cause error, raw string) OrchestrationResult {
	a.logger.Warn("tool selection failed",
		slog.String("thread", a.threadID),
		slog.String("fallback", a.fallback.String()),
		slog.Any("err", cause))

	res := OrchestrationResult{
		Selected: []string{},
		Degraded: true,
		Cause:    cause.Error(),
		Raw:      raw,
	}
	if a.fallback == FallbackAllTools {
		res.Tools = a.catalog.Tools()
		res.Selected = a.catalog.Names()
	}
	return res
}

var errNotToolArray = errors.New("tool selection reply is not a JSON array of strings")

// parseToolSelection reads the whole reply as a JSON array of strings. A surrounding
// markdown code fence is tolerated.
func parseToolSelection(raw string) ([]string, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, errNotToolArray
	}
	var names []string
	if err := json.Unmarshal([]byte(text), &names); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotToolArray, err)
	}
	return names, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func buildSelectionDirective(specs []ToolSpec, knowledge string) string {
	var sb strings.Builder
	sb.WriteString("You are a tool selection engine. Decide which of the available tools are needed to answer the user's message.\n\n")
	sb.WriteString("AVAILABLE TOOLS:\n")
	for _, spec := range specs {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", spec.Name, strings.TrimSpace(spec.Description)))
	}
	if k := strings.TrimSpace(knowledge); k != "" {
		sb.WriteString("\nTOOL KNOWLEDGE:\n")
		sb.WriteString(k)
		sb.WriteString("\n")
	}
	sb.WriteString(`
RULES:
1. Reply with ONLY a JSON array of tool name strings. No markdown, no explanations.
2. Use the exact tool names listed above.
3. Reply with [] when no tool is needed.
4. If the message needs a capability none of the tools provide, add "` + InvalidToolPrefix + `<capability>" to the array.
`)
	return sb.String()
}
