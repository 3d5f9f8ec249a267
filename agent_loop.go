package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Protocol-Lattice/go-agent-server/src/cache"
	"github.com/Protocol-Lattice/go-agent-server/src/checkpoint"
	"github.com/Protocol-Lattice/go-agent-server/src/concurrent"
	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

// Sentinel errors for loop termination and tool dispatch.
var (
	ErrMaxIterations   = errors.New("agent: max iterations reached")
	ErrLoopDetected    = errors.New("agent: loop detected")
	ErrToolDenied      = errors.New("tool call denied")
	ErrToolUnavailable = errors.New("tool not available for this turn")
)

// Default values for LoopConfig.
const (
	DefaultMaxIterations    = 6
	DefaultHistoryLimit     = 40
	DefaultLoopThreshold    = 3
	DefaultMaxParallelTools = 4
	DefaultLoopTimeout      = 5 * time.Minute
)

const checkpointSaveTimeout = 10 * time.Second

// StopReason describes why a turn ended.
type StopReason string

const (
	StopReasonComplete      StopReason = "complete"
	StopReasonMaxIterations StopReason = "max_iterations"
	StopReasonLoopDetected  StopReason = "loop_detected"
	StopReasonTimeout       StopReason = "timeout"
	StopReasonError         StopReason = "error"
)

// ToolCallRecord tracks one tool invocation during a turn.
type ToolCallRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Arguments map[string]any    `json:"arguments,omitempty"`
	Output    string            `json:"output,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// Reply is the outcome of one SendMessage call.
type Reply struct {
	Text          string               `json:"text"`
	ToolCalls     []ToolCallRecord     `json:"toolCalls,omitempty"`
	Iterations    int                  `json:"iterations"`
	StopReason    StopReason           `json:"stopReason"`
	Orchestration *OrchestrationResult `json:"orchestration,omitempty"`
}

// Turn is everything an Executor needs to answer one message.
type Turn struct {
	ThreadID     string
	AgentName    string
	SystemPrompt string
	Message      string
	// Tools is the set the turn may call, already narrowed by orchestration.
	Tools   []Tool
	Runtime map[string]any
	Model   models.Agent
	// Saver may be nil, in which case the turn is not persisted.
	Saver checkpoint.Saver
}

// Executor runs the multi-step reasoning for one turn.
type Executor interface {
	Run(ctx context.Context, turn Turn) (Reply, error)
}

// Approver gates tools whose spec sets RequiresApproval.
type Approver interface {
	Approve(ctx context.Context, req ToolRequest, spec ToolSpec) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ToolRequest, spec ToolSpec) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ToolRequest, spec ToolSpec) (bool, error) {
	return f(ctx, req, spec)
}

// AutoApprove approves every call.
var AutoApprove = ApproverFunc(func(context.Context, ToolRequest, ToolSpec) (bool, error) {
	return true, nil
})

// LoopConfig controls the reasoning loop.
type LoopConfig struct {
	// MaxIterations bounds model round-trips per turn.
	MaxIterations int
	// HistoryLimit is how many stored messages are replayed to the model.
	HistoryLimit int
	// LoopThreshold is how many identical tool calls end the turn as stuck.
	LoopThreshold    int
	MaxParallelTools int
	Timeout          time.Duration
	// Approver is consulted for approval-gated tools. Without one they are denied.
	Approver Approver
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = DefaultLoopThreshold
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultLoopTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	return c
}

// Loop is the default Executor. The model asks for tools by replying with
// {"tool_calls":[{"name":...,"arguments":{...}}]} and answers in plain text.
type Loop struct {
	config  LoopConfig
	prompts *cache.LRU[string]
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		config:  cfg.withDefaults(),
		prompts: cache.New[string](128, time.Hour),
	}
}

// Run executes the loop and persists the turn's messages to the thread checkpoint.
func (l *Loop) Run(ctx context.Context, turn Turn) (Reply, error) {
	if turn.Model == nil {
		return Reply{StopReason: StopReasonError}, ErrModelRequired
	}
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	history, err := l.loadHistory(ctx, turn)
	if err != nil {
		return Reply{StopReason: StopReasonError}, fmt.Errorf("load checkpoint: %w", err)
	}

	available := make(map[string]Tool, len(turn.Tools))
	specs := make([]ToolSpec, 0, len(turn.Tools))
	for _, tool := range turn.Tools {
		if tool == nil {
			continue
		}
		spec := tool.Spec()
		key := catalogKey(spec.Name)
		if _, dup := available[key]; !dup {
			specs = append(specs, spec)
		}
		available[key] = tool
	}

	messages := make([]models.Message, 0, len(history)+8)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: l.systemPrompt(turn.SystemPrompt, specs)})
	messages = append(messages, trimHistory(history, l.config.HistoryLimit)...)
	user := models.Message{Role: models.RoleUser, Content: turn.Message}
	messages = append(messages, user)
	added := []models.Message{user}

	finish := func(reply Reply, runErr error) (Reply, error) {
		if err := l.save(ctx, turn, history, added); err != nil {
			if runErr == nil {
				return reply, fmt.Errorf("save checkpoint: %w", err)
			}
			l.config.Logger.Warn("checkpoint save failed", slog.String("thread", turn.ThreadID), slog.Any("err", err))
		}
		return reply, runErr
	}

	detector := newLoopDetector(l.config.LoopThreshold)
	var reply Reply

	for i := 0; i < l.config.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			reply.Iterations = i
			reply.StopReason = StopReasonError
			if errors.Is(err, context.DeadlineExceeded) {
				reply.StopReason = StopReasonTimeout
			}
			return finish(reply, err)
		}

		completion, err := turn.Model.GenerateMessages(ctx, messages)
		if err != nil {
			reply.Iterations = i
			reply.StopReason = StopReasonError
			return finish(reply, fmt.Errorf("model: %w", err))
		}
		text := strings.TrimSpace(models.Text(completion))

		calls := parseToolCalls(text)
		if len(calls) == 0 || len(available) == 0 {
			reply.Text = text
			reply.Iterations = i + 1
			reply.StopReason = StopReasonComplete
			added = append(added, models.Message{Role: models.RoleAssistant, Content: text})
			return finish(reply, nil)
		}

		for _, call := range calls {
			if detector.record(call.Name, call.Arguments) {
				reply.Iterations = i + 1
				reply.StopReason = StopReasonLoopDetected
				return finish(reply, ErrLoopDetected)
			}
		}

		assistant := models.Message{Role: models.RoleAssistant, Content: text}
		messages = append(messages, assistant)
		added = append(added, assistant)

		records := l.execute(ctx, turn, available, calls)
		reply.ToolCalls = append(reply.ToolCalls, records...)
		for _, rec := range records {
			msg := models.Message{Role: models.RoleTool, Name: rec.Name, Content: rec.modelContent()}
			messages = append(messages, msg)
			added = append(added, msg)
		}
	}

	reply.Iterations = l.config.MaxIterations
	reply.StopReason = StopReasonMaxIterations
	return finish(reply, ErrMaxIterations)
}

func (l *Loop) loadHistory(ctx context.Context, turn Turn) ([]models.Message, error) {
	if turn.Saver == nil {
		return nil, nil
	}
	cp, err := turn.Saver.Get(ctx, turn.ThreadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cp.Messages, nil
}

func (l *Loop) save(ctx context.Context, turn Turn, history, added []models.Message) error {
	if turn.Saver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointSaveTimeout)
	defer cancel()

	msgs := make([]models.Message, 0, len(history)+len(added))
	msgs = append(msgs, history...)
	msgs = append(msgs, added...)
	return turn.Saver.Put(ctx, checkpoint.Checkpoint{
		ThreadID: turn.ThreadID,
		Messages: msgs,
		Metadata: map[string]string{"agent": turn.AgentName},
	})
}

// trimHistory keeps the newest limit messages without starting on an orphaned tool result.
func trimHistory(history []models.Message, limit int) []models.Message {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	for len(history) > 0 && history[0].Role == models.RoleTool {
		history = history[1:]
	}
	return history
}

func (l *Loop) execute(ctx context.Context, turn Turn, available map[string]Tool, calls []toolCall) []ToolCallRecord {
	records, errs := concurrent.ParallelMap(ctx, calls, func(ctx context.Context, call toolCall) (ToolCallRecord, error) {
		return l.invoke(ctx, turn, available, call), nil
	}, l.config.MaxParallelTools)

	for i, err := range errs {
		if err == nil {
			continue
		}
		records[i] = ToolCallRecord{
			ID:        uuid.NewString(),
			Name:      calls[i].Name,
			Arguments: calls[i].Arguments,
			Error:     err.Error(),
		}
		l.config.Logger.Warn("tool call failed",
			slog.String("thread", turn.ThreadID),
			slog.String("tool", calls[i].Name),
			slog.Any("err", err))
	}
	return records
}

func (l *Loop) invoke(ctx context.Context, turn Turn, available map[string]Tool, call toolCall) (rec ToolCallRecord) {
	start := time.Now()
	rec = ToolCallRecord{ID: uuid.NewString(), Name: call.Name, Arguments: call.Arguments}
	defer func() { rec.Duration = time.Since(start) }()

	tool, ok := available[catalogKey(call.Name)]
	if !ok {
		rec.Error = fmt.Sprintf("%v: %s", ErrToolUnavailable, call.Name)
		return rec
	}
	spec := tool.Spec()
	rec.Name = spec.Name

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	req := ToolRequest{
		ThreadID:  turn.ThreadID,
		AgentName: turn.AgentName,
		CallID:    rec.ID,
		Arguments: args,
		Runtime:   turn.Runtime,
	}

	if spec.RequiresApproval {
		if err := l.approve(ctx, req, spec); err != nil {
			rec.Error = err.Error()
			l.config.Logger.Info("tool call not approved",
				slog.String("thread", turn.ThreadID),
				slog.String("tool", spec.Name),
				slog.Any("err", err))
			return rec
		}
	}

	ctx, span := l.config.Tracer.Start(ctx, "tool.Invoke",
		trace.WithAttributes(attribute.String("tool", spec.Name), attribute.String("thread", turn.ThreadID)))
	defer span.End()

	resp, err := tool.Invoke(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec.Error = err.Error()
		return rec
	}
	rec.Output = resp.Content
	rec.Metadata = resp.Metadata
	return rec
}

func (l *Loop) approve(ctx context.Context, req ToolRequest, spec ToolSpec) error {
	if l.config.Approver == nil {
		return fmt.Errorf("%w: %s requires approval and no approver is configured", ErrToolDenied, spec.Name)
	}
	ok, err := l.config.Approver.Approve(ctx, req, spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolDenied, spec.Name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolDenied, spec.Name)
	}
	return nil
}

func (r ToolCallRecord) modelContent() string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	if strings.TrimSpace(r.Output) == "" {
		return "(no output)"
	}
	return r.Output
}

// systemPrompt appends the tool-calling instructions when the turn has tools.
func (l *Loop) systemPrompt(base string, specs []ToolSpec) string {
	if len(specs) == 0 {
		return base
	}
	var key strings.Builder
	for _, spec := range specs {
		key.WriteString(spec.Name)
		key.WriteByte(0)
		key.WriteString(spec.Description)
		key.WriteByte(0)
	}
	block := l.prompts.GetOrSet(cache.HashKey(key.String()), func() string {
		return renderToolInstructions(specs)
	})
	if strings.TrimSpace(base) == "" {
		return block
	}
	return base + "\n\n" + block
}

func renderToolInstructions(specs []ToolSpec) string {
	var sb strings.Builder
	sb.WriteString("You can call tools. To call one or more, reply with only this object:\n")
	sb.WriteString(`{"tool_calls":[{"name":"<tool name>","arguments":{}}]}`)
	sb.WriteString("\nTool results come back as messages tagged with the tool name. ")
	sb.WriteString("When you have what you need, answer the user in plain text.\n\nTools:\n")
	for _, spec := range specs {
		sb.WriteString(fmt.Sprintf("- %s: %s", spec.Name, strings.TrimSpace(spec.Description)))
		if spec.RequiresApproval {
			sb.WriteString(" (requires approval)")
		}
		sb.WriteString("\n")
		if len(spec.InputSchema) > 0 {
			if schemaJSON, err := json.MarshalIndent(spec.InputSchema, "  ", "  "); err == nil {
				sb.WriteString("  Input schema: ")
				sb.Write(schemaJSON)
				sb.WriteString("\n")
			}
		}
		if len(spec.Examples) > 0 {
			sb.WriteString("  Examples:\n")
			for _, ex := range spec.Examples {
				if exJSON, err := json.Marshal(ex); err == nil {
					sb.WriteString("    ")
					sb.Write(exJSON)
					sb.WriteString("\n")
				}
			}
		}
	}
	return sb.String()
}

type toolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseToolCalls extracts a tool_calls envelope from a model reply. Anything else is
// treated as a final answer.
func parseToolCalls(text string) []toolCall {
	body := stripCodeFence(text)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return nil
	}
	var envelope struct {
		ToolCalls []toolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &envelope); err != nil {
		return nil
	}
	calls := envelope.ToolCalls[:0]
	for _, c := range envelope.ToolCalls {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name != "" {
			calls = append(calls, c)
		}
	}
	return calls
}

// loopDetector counts identical tool calls within one turn.
type loopDetector struct {
	threshold int
	counts    map[string]int
}

func newLoopDetector(threshold int) *loopDetector {
	return &loopDetector{threshold: threshold, counts: make(map[string]int)}
}

// record registers a call and reports whether its signature reached the threshold.
func (d *loopDetector) record(name string, args map[string]any) bool {
	// json.Marshal sorts map keys, so equal arguments give equal signatures.
	normalized, err := json.Marshal(args)
	if err != nil {
		normalized = []byte(fmt.Sprint(args))
	}
	key := catalogKey(name) + ":" + string(normalized)
	d.counts[key]++
	return d.counts[key] >= d.threshold
}
