package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Protocol-Lattice/go-agent-server/src/concurrent"
)

// LoadStatus summarises one resolution pass.
type LoadStatus string

const (
	LoadEmpty        LoadStatus = "empty"
	LoadComplete     LoadStatus = "complete"
	LoadPartial      LoadStatus = "partial"
	LoadTotalFailure LoadStatus = "total_failure"
)

// FactoryOutcome records what one factory contributed, or why it contributed nothing.
type FactoryOutcome struct {
	Name     string        `json:"name"`
	Position int           `json:"position"`
	Tools    []string      `json:"tools,omitempty"`
	Replaced []string      `json:"replaced,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// LoadReport lists factory outcomes in settlement order.
type LoadReport struct {
	Outcomes []FactoryOutcome `json:"outcomes"`
	// Skipped holds selection indices that pointed outside the factory list.
	Skipped []int `json:"skipped,omitempty"`
}

func (r LoadReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r LoadReport) Failed() []FactoryOutcome {
	var failed []FactoryOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

func (r LoadReport) Status() LoadStatus {
	failed := len(r.Failed())
	switch {
	case len(r.Outcomes) == 0:
		return LoadEmpty
	case failed == 0:
		return LoadComplete
	case failed == len(r.Outcomes):
		return LoadTotalFailure
	default:
		return LoadPartial
	}
}

// Err returns a *ToolLoadError when any factory failed, nil otherwise.
func (r LoadReport) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &ToolLoadError{Failed: failed, Succeeded: r.Succeeded()}
}

// ResolveTools runs every factory concurrently against a and registers the tools of each
// successful one as it settles. A factory error or panic drops only that factory's
// contribution. The call returns once every factory has settled.
func ResolveTools(ctx context.Context, a *Agent, factories []NamedFactory) LoadReport {
	ctx, span := a.tracer.Start(ctx, "agent.ResolveTools")
	defer span.End()

	report := LoadReport{Outcomes: make([]FactoryOutcome, 0, len(factories))}

	settled := concurrent.SettleAll(ctx, factories, func(ctx context.Context, nf NamedFactory) (FactoryResult, error) {
		if nf.Factory == nil {
			return FactoryResult{}, fmt.Errorf("factory %s is nil", nf.Name)
		}
		if a.factoryTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.factoryTimeout)
			defer cancel()
		}
		return nf.Factory(ctx, a)
	})

	for s := range settled {
		nf := factories[s.Index]
		outcome := FactoryOutcome{Name: nf.Name, Position: s.Index, Duration: s.Duration}
		if s.Err != nil {
			outcome.Err = s.Err
			outcome.Error = s.Err.Error()
			a.logger.Warn("tool factory failed",
				slog.String("thread", a.threadID),
				slog.String("factory", nf.Name),
				slog.Any("err", s.Err))
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}
		outcome.Tools, outcome.Replaced = a.absorb(nf.Name, s.Value)
		report.Outcomes = append(report.Outcomes, outcome)
	}

	if len(factories) > 0 && report.Succeeded() == 0 {
		a.logger.Warn("no tool factory succeeded",
			slog.String("thread", a.threadID),
			slog.Int("factories", len(factories)))
	}

	span.SetAttributes(
		attribute.Int("factories", len(factories)),
		attribute.Int("succeeded", report.Succeeded()),
		attribute.String("status", string(report.Status())),
	)
	return report
}

// absorb registers one factory's tools and appends its metadata block.
func (a *Agent) absorb(factory string, res FactoryResult) (registered, replaced []string) {
	for _, tool := range res.Tools {
		if tool == nil {
			continue
		}
		name := tool.Spec().Name
		wasReplaced, err := a.catalog.Register(tool)
		if err != nil {
			a.logger.Warn("skipping tool",
				slog.String("thread", a.threadID),
				slog.String("factory", factory),
				slog.Any("err", err))
			continue
		}
		registered = append(registered, name)
		if wasReplaced {
			replaced = append(replaced, name)
			a.logger.Debug("tool replaced by later registration",
				slog.String("thread", a.threadID),
				slog.String("factory", factory),
				slog.String("tool", name))
		}
	}

	schema := res.Schema
	if len(schema) == 0 {
		schema = schemaFromTools(res.Tools)
	}
	a.appendMetadata(SummarizeSchema(registeredOnly(schema, registered)))
	return registered, replaced
}

// registeredOnly drops schema entries for tools the catalog did not accept, so the
// prompt never advertises a tool the agent cannot call.
func registeredOnly(schema map[string]ToolSpec, registered []string) map[string]ToolSpec {
	keep := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		keep[catalogKey(name)] = struct{}{}
	}
	out := make(map[string]ToolSpec, len(schema))
	for key, spec := range schema {
		name := spec.Name
		if strings.TrimSpace(name) == "" {
			name = key
		}
		if _, ok := keep[catalogKey(name)]; ok {
			out[key] = spec
		}
	}
	return out
}
