package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	agent "github.com/Protocol-Lattice/go-agent-server"
	"github.com/Protocol-Lattice/go-agent-server/src/manager"
	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks client errors that map to 400.
var errBadRequest = errors.New("bad request")

type createRequest struct {
	ThreadID       string                 `json:"threadId"`
	Model          models.Config          `json:"model"`
	Persistent     agent.PersistentParams `json:"persistent"`
	Runtime        map[string]any         `json:"runtime,omitempty"`
	Tools          []string               `json:"tools,omitempty"`
	ToolNumbers    []int                  `json:"toolNumbers,omitempty"`
	CheckPointer   string                 `json:"checkPointer,omitempty"`
	Orchestrate    *bool                  `json:"orchestrate,omitempty"`
	Fallback       string                 `json:"fallback,omitempty"`
	PromptTemplate string                 `json:"promptTemplate,omitempty"`
}

func (r *createRequest) validate() error {
	r.ThreadID = strings.TrimSpace(r.ThreadID)
	var missing []string
	if r.ThreadID == "" {
		missing = append(missing, "threadId")
	}
	if strings.TrimSpace(r.Model.Provider) == "" {
		missing = append(missing, "model.provider")
	} else if strings.TrimSpace(r.Model.ModelName) == "" && !strings.EqualFold(strings.TrimSpace(r.Model.Provider), "dummy") {
		missing = append(missing, "model.modelName")
	}
	if strings.TrimSpace(r.Persistent.Name) == "" {
		missing = append(missing, "persistent.name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", errBadRequest, strings.Join(missing, ", "))
	}
	return nil
}

type createResponse struct {
	ThreadID  string           `json:"threadId"`
	Name      string           `json:"name"`
	ToolCount int              `json:"toolCount"`
	Tools     []string         `json:"tools"`
	Load      agent.LoadStatus `json:"load"`
	Report    agent.LoadReport `json:"report"`
}

type sendRequest struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
}

type sendResponse struct {
	Reply         string                     `json:"reply"`
	ToolCalls     []agent.ToolCallRecord     `json:"toolCalls"`
	Iterations    int                        `json:"iterations"`
	StopReason    agent.StopReason           `json:"stopReason"`
	Orchestration *agent.OrchestrationResult `json:"orchestration,omitempty"`
}

type agentResponse struct {
	ThreadID    string           `json:"threadId"`
	Name        string           `json:"name"`
	ToolCount   int              `json:"toolCount"`
	Tools       []agent.ToolSpec `json:"tools"`
	Load        agent.LoadStatus `json:"load"`
	Initialized bool             `json:"initialized"`
}

type healthResponse struct {
	Status string `json:"status"`
	Agents int    `json:"agents"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleCreate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.metrics.createFailures.WithLabelValues("bad_request").Inc()
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := req.validate(); err != nil {
			s.metrics.createFailures.WithLabelValues("bad_request").Inc()
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if s.manager.Exists(req.ThreadID) {
			s.metrics.createFailures.WithLabelValues("conflict").Inc()
			writeError(w, http.StatusConflict, fmt.Errorf("%w: %s", manager.ErrAgentExists, req.ThreadID))
			return
		}

		a, report, err := s.createAgent(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			reason := "init"
			if errors.Is(err, errBadRequest) || errors.Is(err, agent.ErrUnknownFactory) || errors.Is(err, models.ErrUnknownProvider) {
				status, reason = http.StatusBadRequest, "bad_request"
			}
			s.metrics.createFailures.WithLabelValues(reason).Inc()
			s.logger.Warn("agent creation failed", "thread", req.ThreadID, "err", err)
			writeError(w, status, err)
			return
		}
		if err := s.manager.Add(a); err != nil {
			_ = a.Close(context.WithoutCancel(r.Context()))
			s.metrics.createFailures.WithLabelValues("conflict").Inc()
			writeError(w, http.StatusConflict, err)
			return
		}
		s.metrics.agentsCreated.Inc()
		s.metrics.observeLoad(report)

		writeJSON(w, http.StatusCreated, createResponse{
			ThreadID:  a.ThreadID(),
			Name:      a.Name(),
			ToolCount: a.ToolCount(),
			Tools:     a.ToolNames(),
			Load:      report.Status(),
			Report:    report,
		})
	}
}

// createAgent builds and initializes an agent from a request using the server defaults
// for anything the request leaves out.
func (s *Server) createAgent(ctx context.Context, req createRequest) (*agent.Agent, agent.LoadReport, error) {
	defaults := s.cfg.Agent

	fallbackName := req.Fallback
	if fallbackName == "" {
		fallbackName = defaults.Fallback
	}
	fallback, err := agent.ParseOrchestrationFallback(fallbackName)
	if err != nil {
		return nil, agent.LoadReport{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	orchestrate := defaults.Orchestrate
	if req.Orchestrate != nil {
		orchestrate = *req.Orchestrate
	}

	model, err := s.models(ctx, req.Model)
	if err != nil {
		return nil, agent.LoadReport{}, fmt.Errorf("initialize model: %w", err)
	}

	loop := agent.LoopConfig{
		MaxIterations:    defaults.MaxIterations,
		HistoryLimit:     defaults.HistoryLimit,
		MaxParallelTools: defaults.MaxParallelTools,
		Timeout:          defaults.TurnTimeout,
		Logger:           s.logger,
		Tracer:           s.tracer,
	}
	if defaults.AutoApprove {
		loop.Approver = agent.AutoApprove
	}

	a, err := agent.New(agent.Options{
		Model:          model,
		ThreadID:       req.ThreadID,
		Persistent:     req.Persistent,
		Runtime:        req.Runtime,
		PromptTemplate: req.PromptTemplate,
		Orchestrate:    orchestrate,
		Fallback:       fallback,
		Executor:       agent.NewLoop(loop),
		Logger:         s.logger,
		FactoryTimeout: defaults.FactoryTimeout,
	})
	if err != nil {
		return nil, agent.LoadReport{}, err
	}

	report, err := a.Initialize(ctx, agent.InitOptions{
		Core:         s.toolbox.Core,
		All:          s.toolbox.Optional,
		ToolNumbers:  req.ToolNumbers,
		Registry:     s.toolbox.Registry,
		Tools:        req.Tools,
		CheckPointer: req.CheckPointer,
		Checkpoint:   s.cfg.Checkpoints.For(req.CheckPointer),
	})
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, report, err
	}
	return a, report, nil
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: threadId and message are required", errBadRequest))
			return
		}

		start := time.Now()
		reply, err := s.manager.Send(r.Context(), strings.TrimSpace(req.ThreadID), req.Message)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.metrics.observeReply(reply, time.Since(start))

		calls := reply.ToolCalls
		if calls == nil {
			calls = []agent.ToolCallRecord{}
		}
		writeJSON(w, http.StatusOK, sendResponse{
			Reply:         reply.Text,
			ToolCalls:     calls,
			Iterations:    reply.Iterations,
			StopReason:    reply.StopReason,
			Orchestration: reply.Orchestration,
		})
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.manager.Get(chi.URLParam(r, "threadId"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agentResponse{
			ThreadID:    a.ThreadID(),
			Name:        a.Name(),
			ToolCount:   a.ToolCount(),
			Tools:       a.ToolSpecs(),
			Load:        a.LoadReport().Status(),
			Initialized: a.Initialized(),
		})
	}
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.manager.Get(chi.URLParam(r, "threadId"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		history, err := a.History(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if history == nil {
			history = []models.Message{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.manager.List())
	}
}

// handleTools lists the optional factories in the order toolNumbers indexes them.
func (s *Server) handleTools() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		core := make([]string, len(s.toolbox.Core))
		for i, f := range s.toolbox.Core {
			core[i] = f.Name
		}
		writeJSON(w, http.StatusOK, map[string][]string{
			"core":     core,
			"optional": s.toolbox.Names(),
		})
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.Remove(r.Context(), chi.URLParam(r, "threadId")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status: "ok",
			Agents: s.manager.Len(),
			Uptime: time.Since(s.started).Round(time.Second).String(),
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAgentExists):
		return http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
