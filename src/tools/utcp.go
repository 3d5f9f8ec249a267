package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	utcp "github.com/universal-tool-calling-protocol/go-utcp"
	utcptools "github.com/universal-tool-calling-protocol/go-utcp/src/tools"

	agent "github.com/Protocol-Lattice/go-agent-server"
)

// UTCPClient is the subset of the UTCP client the adapter needs.
type UTCPClient interface {
	SearchTools(query string, limit int) ([]utcptools.Tool, error)
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// UTCPConfig selects which tools of a UTCP client one factory exposes.
type UTCPConfig struct {
	// ProvidersFile is the providers JSON handed to the UTCP client.
	ProvidersFile string
	// Query filters the discovered tools. Empty lists everything.
	Query string
	Limit int
}

// UTCPSource connects to UTCP providers on first use and shares the client between
// every agent that selects it.
type UTCPSource struct {
	cfg  UTCPConfig
	dial func(ctx context.Context) (UTCPClient, error)

	mu     sync.Mutex
	client UTCPClient
}

// NewUTCPSource builds a source backed by a go-utcp client reading cfg.ProvidersFile.
func NewUTCPSource(cfg UTCPConfig) *UTCPSource {
	return &UTCPSource{
		cfg: cfg,
		dial: func(ctx context.Context) (UTCPClient, error) {
			return utcp.NewUTCPClient(ctx, &utcp.UtcpClientConfig{ProvidersFilePath: cfg.ProvidersFile}, nil, nil)
		},
	}
}

// NewUTCPSourceWithClient wraps an existing client.
func NewUTCPSourceWithClient(client UTCPClient, cfg UTCPConfig) *UTCPSource {
	return &UTCPSource{cfg: cfg, client: client}
}

func (s *UTCPSource) connect(ctx context.Context) (UTCPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("utcp: connect: %w", err)
	}
	s.client = client
	return client, nil
}

// Factory discovers the configured tools and wraps each one.
func (s *UTCPSource) Factory(ctx context.Context, _ *agent.Agent) (agent.FactoryResult, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return agent.FactoryResult{}, err
	}
	limit := s.cfg.Limit
	if limit <= 0 {
		limit = 50
	}
	found, err := client.SearchTools(s.cfg.Query, limit)
	if err != nil {
		return agent.FactoryResult{}, fmt.Errorf("utcp: search tools: %w", err)
	}

	res := agent.FactoryResult{Schema: make(map[string]agent.ToolSpec, len(found))}
	for _, t := range found {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		tool := &UTCPTool{client: client, remote: t}
		res.Tools = append(res.Tools, tool)
		res.Schema[t.Name] = tool.Spec()
	}
	return res, nil
}

// UTCPTool invokes one remote UTCP tool.
type UTCPTool struct {
	client UTCPClient
	remote utcptools.Tool
}

func (t *UTCPTool) Spec() agent.ToolSpec {
	schema := map[string]any{"type": t.remote.Inputs.Type}
	if schema["type"] == "" {
		schema["type"] = "object"
	}
	if len(t.remote.Inputs.Properties) > 0 {
		schema["properties"] = t.remote.Inputs.Properties
	}
	if len(t.remote.Inputs.Required) > 0 {
		schema["required"] = t.remote.Inputs.Required
	}
	return agent.ToolSpec{
		Name:        t.remote.Name,
		Description: t.remote.Description,
		InputSchema: schema,
	}
}

func (t *UTCPTool) Invoke(ctx context.Context, req agent.ToolRequest) (agent.ToolResponse, error) {
	out, err := t.client.CallTool(ctx, t.remote.Name, req.Arguments)
	if err != nil {
		return agent.ToolResponse{}, fmt.Errorf("utcp: call %s: %w", t.remote.Name, err)
	}
	content, err := stringify(out)
	if err != nil {
		return agent.ToolResponse{}, err
	}
	return agent.ToolResponse{
		Content:  content,
		Metadata: map[string]string{"provider": "utcp", "tool": t.remote.Name},
	}, nil
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val), nil
		}
		return string(b), nil
	}
}
