package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	agent "github.com/Protocol-Lattice/go-agent-server"
)

// MCPClient is the subset of the mcp-go client the adapter needs.
type MCPClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPConfig describes one MCP server. Command launches a stdio server; URL connects to
// a streamable HTTP server.
type MCPConfig struct {
	Command string
	Args    []string
	Env     []string
	URL     string
	// Prefix namespaces the server's tool names as "<prefix>.<name>".
	Prefix string
	// Allow restricts the exposed tools. Empty exposes all.
	Allow []string
}

// MCPSource starts or connects to an MCP server on first use and shares the session
// between agents.
type MCPSource struct {
	cfg  MCPConfig
	dial func(ctx context.Context) (MCPClient, error)

	mu     sync.Mutex
	client MCPClient
	closer func() error
}

func NewMCPSource(cfg MCPConfig) *MCPSource {
	s := &MCPSource{cfg: cfg}
	s.dial = s.dialServer
	return s
}

// NewMCPSourceWithClient wraps an already-initialized client.
func NewMCPSourceWithClient(c MCPClient, cfg MCPConfig) *MCPSource {
	return &MCPSource{cfg: cfg, client: c}
}

func (s *MCPSource) dialServer(ctx context.Context) (MCPClient, error) {
	var (
		c   *client.Client
		err error
	)
	switch {
	case strings.TrimSpace(s.cfg.Command) != "":
		c, err = client.NewStdioMCPClient(s.cfg.Command, s.cfg.Env, s.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
		}
	case strings.TrimSpace(s.cfg.URL) != "":
		c, err = client.NewStreamableHttpClient(s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", s.cfg.URL, err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start transport %s: %w", s.cfg.URL, err)
		}
	default:
		return nil, errors.New("mcp server needs a command or a url")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentd", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	s.closer = c.Close
	return c, nil
}

func (s *MCPSource) connect(ctx context.Context) (MCPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	s.client = c
	return c, nil
}

// Close shuts down a server session opened by the source.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closer := s.closer
	s.client, s.closer = nil, nil
	if closer == nil {
		return nil
	}
	return closer()
}

// Factory lists the server's tools and wraps each one.
func (s *MCPSource) Factory(ctx context.Context, _ *agent.Agent) (agent.FactoryResult, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return agent.FactoryResult{}, err
	}
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return agent.FactoryResult{}, fmt.Errorf("mcp: list tools: %w", err)
	}

	allowed := make(map[string]struct{}, len(s.cfg.Allow))
	for _, name := range s.cfg.Allow {
		allowed[strings.TrimSpace(name)] = struct{}{}
	}

	res := agent.FactoryResult{Schema: make(map[string]agent.ToolSpec, len(listed.Tools))}
	for _, def := range listed.Tools {
		if len(allowed) > 0 {
			if _, ok := allowed[def.Name]; !ok {
				continue
			}
		}
		tool := newMCPTool(c, def, s.cfg.Prefix)
		res.Tools = append(res.Tools, tool)
		res.Schema[tool.spec.Name] = tool.spec
	}
	return res, nil
}

// MCPTool adapts one MCP server tool to agent.Tool.
type MCPTool struct {
	client MCPClient
	remote string
	spec   agent.ToolSpec
}

func newMCPTool(c MCPClient, def mcp.Tool, prefix string) *MCPTool {
	name := def.Name
	if p := strings.TrimSpace(prefix); p != "" {
		name = p + "." + def.Name
	}
	return &MCPTool{
		client: c,
		remote: def.Name,
		spec: agent.ToolSpec{
			Name:        name,
			Description: def.Description,
			InputSchema: inputSchemaOf(def),
		},
	}
}

// inputSchemaOf reads the tool's input schema through its wire form, which covers both
// structured and raw schemas.
func inputSchemaOf(def mcp.Tool) map[string]any {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

func (t *MCPTool) Spec() agent.ToolSpec { return t.spec }

func (t *MCPTool) Invoke(ctx context.Context, req agent.ToolRequest) (agent.ToolResponse, error) {
	call := mcp.CallToolRequest{}
	call.Params.Name = t.remote
	call.Params.Arguments = req.Arguments

	result, err := t.client.CallTool(ctx, call)
	if err != nil {
		return agent.ToolResponse{}, fmt.Errorf("mcp: call %s: %w", t.remote, err)
	}
	text := resultText(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return agent.ToolResponse{}, fmt.Errorf("mcp: %s: %s", t.remote, text)
	}
	return agent.ToolResponse{
		Content:  text,
		Metadata: map[string]string{"provider": "mcp", "tool": t.remote},
	}, nil
}

// resultText joins the text parts of a call result.
func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var segments []string
	for _, part := range result.Content {
		if tc, ok := mcp.AsTextContent(part); ok {
			if trimmed := strings.TrimSpace(tc.Text); trimmed != "" {
				segments = append(segments, trimmed)
			}
		}
	}
	return strings.Join(segments, "\n")
}
