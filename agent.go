// Package agent builds conversational agents whose tools are resolved from factories at
// initialization and narrowed per message by an optional model-driven orchestration pass.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Protocol-Lattice/go-agent-server/src/checkpoint"
	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

const tracerName = "github.com/Protocol-Lattice/go-agent-server"

const defaultAgentName = "assistant"

// DefaultPromptTemplate renders the system prompt. Fields: Name, Instruction, Tools
// (the aggregated tool metadata), ToolKnowledge and ThreadID.
const DefaultPromptTemplate = `You are {{.Name}}.
{{- with .Instruction}}

{{.}}
{{- end}}
{{- with .Tools}}

Tools available in this conversation:
{{.}}
{{- end}}`

// Agent owns one conversation thread, the tools resolved for it and its checkpoint saver.
type Agent struct {
	model          models.Agent
	threadID       string
	persistent     PersistentParams
	runtime        map[string]any
	prompt         *template.Template
	orchestrate    bool
	fallback       OrchestrationFallback
	executor       Executor
	logger         *slog.Logger
	tracer         trace.Tracer
	factoryTimeout time.Duration

	catalog *ToolCatalog
	state   atomic.Int32

	mu           sync.RWMutex
	metadata     string
	systemPrompt string
	saver        checkpoint.Saver
	saverMode    string
	ownsSaver    bool
	initialized  bool
	report       LoadReport
}

// Options configure a new Agent.
type Options struct {
	Model      models.Agent
	ThreadID   string
	Persistent PersistentParams
	// Runtime parameters are visible to factories and tools but never persisted.
	Runtime map[string]any
	// PromptTemplate overrides DefaultPromptTemplate.
	PromptTemplate string
	// Orchestrate enables the per-message tool selection pass.
	Orchestrate bool
	Fallback    OrchestrationFallback
	Executor    Executor
	// Saver is used until Initialize names a checkpointer. The agent does not close it.
	Saver  checkpoint.Saver
	Logger *slog.Logger
	Tracer trace.Tracer
	// FactoryTimeout bounds each factory call when positive.
	FactoryTimeout time.Duration
	// Tools are registered before any factory runs.
	Tools []Tool
}

// New creates an Agent with the provided options.
func New(opts Options) (*Agent, error) {
	if opts.Model == nil {
		return nil, ErrModelRequired
	}
	threadID := strings.TrimSpace(opts.ThreadID)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}

	text := opts.PromptTemplate
	if strings.TrimSpace(text) == "" {
		text = DefaultPromptTemplate
	}
	tmpl, err := template.New("system").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	persistent := opts.Persistent
	persistent.Name = strings.TrimSpace(persistent.Name)
	if persistent.Name == "" {
		persistent.Name = defaultAgentName
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	executor := opts.Executor
	if executor == nil {
		executor = NewLoop(LoopConfig{Logger: logger, Tracer: tracer})
	}

	a := &Agent{
		model:          opts.Model,
		threadID:       threadID,
		persistent:     persistent,
		runtime:        copyRuntime(opts.Runtime),
		prompt:         tmpl,
		orchestrate:    opts.Orchestrate,
		fallback:       opts.Fallback,
		executor:       executor,
		logger:         logger.With(slog.String("agent", persistent.Name)),
		tracer:         tracer,
		factoryTimeout: opts.FactoryTimeout,
		catalog:        NewToolCatalog(),
		saver:          opts.Saver,
	}
	for _, tool := range opts.Tools {
		if tool == nil {
			continue
		}
		if _, err := a.catalog.Register(tool); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// InitOptions select the tool factories and checkpoint backend for Initialize.
type InitOptions struct {
	// Core factories are always resolved.
	Core []NamedFactory
	// All is the positional list ToolNumbers indexes into.
	All         []NamedFactory
	ToolNumbers []int
	// Registry and Tools select factories by stable name.
	Registry *Registry
	Tools    []string
	// CheckPointer names the backend: local, mongo, postgres, sqlite or neo4j.
	CheckPointer string
	Checkpoint   checkpoint.Config
}

// Initialize resolves every selected factory against the agent, renders the system
// prompt and opens the checkpoint backend. Factory failures are reported in the returned
// LoadReport and never fail the call. A backend connection error does.
// Calling Initialize again adds the new factories' tools to the existing set.
func (a *Agent) Initialize(ctx context.Context, opts InitOptions) (LoadReport, error) {
	ctx, span := a.tracer.Start(ctx, "agent.Initialize",
		trace.WithAttributes(attribute.String("thread", a.threadID)))
	defer span.End()

	factories, skipped := EffectiveFactories(opts.Core, opts.All, opts.ToolNumbers)
	if len(skipped) > 0 {
		a.logger.Warn("ignoring out-of-range tool selection",
			slog.String("thread", a.threadID),
			slog.Any("indices", skipped),
			slog.Int("available", len(opts.All)))
	}
	if len(opts.Tools) > 0 {
		if opts.Registry == nil {
			err := fmt.Errorf("select %v: no registry: %w", opts.Tools, ErrUnknownFactory)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return LoadReport{Skipped: skipped}, err
		}
		named, err := opts.Registry.Select(opts.Tools...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return LoadReport{Skipped: skipped}, err
		}
		factories = append(factories, named...)
	}

	if err := a.openSaver(ctx, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return LoadReport{Skipped: skipped}, err
	}

	report := ResolveTools(ctx, a, factories)
	report.Skipped = skipped

	if err := a.renderSystemPrompt(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	a.mu.Lock()
	a.initialized = true
	a.report = report
	a.mu.Unlock()

	if err := report.Err(); err != nil {
		a.logger.Warn("tools partially loaded", slog.String("thread", a.threadID), slog.Any("err", err))
	}
	a.logger.Info("agent initialized",
		slog.String("thread", a.threadID),
		slog.Int("tools", a.catalog.Len()),
		slog.String("load", string(report.Status())))
	return report, nil
}

func (a *Agent) openSaver(ctx context.Context, opts InitOptions) error {
	cfg := opts.Checkpoint
	if mode := strings.TrimSpace(opts.CheckPointer); mode != "" {
		cfg.Mode = mode
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	explicit := mode != ""
	if mode == "" || mode == "memory" {
		mode = checkpoint.ModeLocal
	}

	a.mu.RLock()
	current, currentMode := a.saver, a.saverMode
	a.mu.RUnlock()
	if current != nil && (!explicit || mode == currentMode) {
		return nil
	}

	saver, err := checkpoint.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s checkpointer: %w", mode, err)
	}

	a.mu.Lock()
	previous, owned := a.saver, a.ownsSaver
	a.saver, a.saverMode, a.ownsSaver = saver, mode, true
	a.mu.Unlock()

	if previous != nil && owned {
		if err := previous.Close(ctx); err != nil {
			a.logger.Warn("closing replaced checkpointer", slog.String("thread", a.threadID), slog.Any("err", err))
		}
	}
	return nil
}

type promptData struct {
	Name          string
	Instruction   string
	Tools         string
	ToolKnowledge string
	ThreadID      string
}

func (a *Agent) renderSystemPrompt() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sb strings.Builder
	err := a.prompt.Execute(&sb, promptData{
		Name:          a.persistent.Name,
		Instruction:   strings.TrimSpace(a.persistent.Instruction),
		Tools:         a.metadata,
		ToolKnowledge: strings.TrimSpace(a.persistent.ToolKnowledge),
		ThreadID:      a.threadID,
	})
	if err != nil {
		return fmt.Errorf("render system prompt: %w", err)
	}
	a.systemPrompt = strings.TrimSpace(sb.String())
	return nil
}

// SendMessage runs one user turn: an optional orchestration pass narrows the tool set,
// then the executor produces the reply and updates the thread checkpoint.
// Concurrent calls for the same agent are not serialised.
func (a *Agent) SendMessage(ctx context.Context, message string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, ErrEmptyMessage
	}

	a.mu.RLock()
	initialized := a.initialized
	saver := a.saver
	systemPrompt := a.systemPrompt
	a.mu.RUnlock()
	if !initialized {
		return Reply{}, ErrNotInitialized
	}

	ctx, span := a.tracer.Start(ctx, "agent.SendMessage",
		trace.WithAttributes(attribute.String("thread", a.threadID)))
	defer span.End()

	tools := a.catalog.Tools()
	var orchestration *OrchestrationResult
	if a.orchestrate {
		res := a.Orchestrate(ctx, message)
		orchestration = &res
		tools = res.Tools
	}

	reply, err := a.executor.Run(ctx, Turn{
		ThreadID:     a.threadID,
		AgentName:    a.persistent.Name,
		SystemPrompt: systemPrompt,
		Message:      message,
		Tools:        tools,
		Runtime:      a.Runtime(),
		Model:        a.model,
		Saver:        saver,
	})
	reply.Orchestration = orchestration
	span.SetAttributes(
		attribute.Int("tools", len(tools)),
		attribute.Int("tool_calls", len(reply.ToolCalls)),
		attribute.String("stop_reason", string(reply.StopReason)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reply, fmt.Errorf("send message: %w", err)
	}
	return reply, nil
}

// History returns the persisted conversation of the agent's thread.
func (a *Agent) History(ctx context.Context) ([]models.Message, error) {
	a.mu.RLock()
	saver := a.saver
	a.mu.RUnlock()
	if saver == nil {
		return nil, ErrNotInitialized
	}
	cp, err := saver.Get(ctx, a.threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cp.Messages, nil
}

// Close releases the checkpoint backend opened by Initialize and the model when it
// holds resources.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	saver, owned := a.saver, a.ownsSaver
	a.saver, a.ownsSaver, a.saverMode = nil, false, ""
	a.initialized = false
	a.mu.Unlock()

	var errs []error
	if saver != nil && owned {
		if err := saver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close checkpointer: %w", err))
		}
	}
	if closer, ok := a.model.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) ThreadID() string { return a.threadID }

func (a *Agent) Name() string { return a.persistent.Name }

// Persistent returns the caller-supplied durable settings.
func (a *Agent) Persistent() PersistentParams { return a.persistent }

// Runtime returns a copy of the ephemeral runtime parameters.
func (a *Agent) Runtime() map[string]any { return copyRuntime(a.runtime) }

// RuntimeValue looks up one runtime parameter.
func (a *Agent) RuntimeValue(key string) (any, bool) {
	v, ok := a.runtime[key]
	return v, ok
}

func (a *Agent) Model() models.Agent { return a.model }

func (a *Agent) ToolNames() []string { return a.catalog.Names() }

func (a *Agent) ToolCount() int { return a.catalog.Len() }

func (a *Agent) Tools() []Tool { return a.catalog.Tools() }

func (a *Agent) ToolSpecs() []ToolSpec { return a.catalog.Specs() }

// LookupTool finds a loaded tool by name, ignoring case.
func (a *Agent) LookupTool(name string) (Tool, ToolSpec, bool) { return a.catalog.Lookup(name) }

// Metadata returns the newline-joined tool summaries in settlement order.
func (a *Agent) Metadata() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata
}

func (a *Agent) SystemPrompt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.systemPrompt
}

// LoadReport returns the report of the most recent Initialize call.
func (a *Agent) LoadReport() LoadReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.report
}

func (a *Agent) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

func copyRuntime(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
