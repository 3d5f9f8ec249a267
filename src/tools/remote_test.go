package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	utcptools "github.com/universal-tool-calling-protocol/go-utcp/src/tools"

	agent "github.com/Protocol-Lattice/go-agent-server"
	"github.com/Protocol-Lattice/go-agent-server/src/config"
)

type fakeUTCPClient struct {
	tools   []utcptools.Tool
	results map[string]any
	query   string
	limit   int
	args    map[string]any
}

func (f *fakeUTCPClient) SearchTools(query string, limit int) ([]utcptools.Tool, error) {
	f.query, f.limit = query, limit
	return f.tools, nil
}

func (f *fakeUTCPClient) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	f.args = args
	res, ok := f.results[name]
	if !ok {
		return nil, errors.New("no such tool")
	}
	return res, nil
}

func TestUTCPSourceFactory(t *testing.T) {
	client := &fakeUTCPClient{
		tools: []utcptools.Tool{
			{
				Name:        "weather.today",
				Description: "Forecast for a city",
				Inputs: utcptools.ToolInputOutputSchema{
					Type:       "object",
					Properties: map[string]any{"city": map[string]any{"type": "string"}},
					Required:   []string{"city"},
				},
			},
			{Name: "  "},
		},
		results: map[string]any{"weather.today": map[string]any{"temp": 21}},
	}
	src := NewUTCPSourceWithClient(client, UTCPConfig{Query: "weather"})

	res, err := src.Factory(context.Background(), nil)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if client.query != "weather" || client.limit != 50 {
		t.Fatalf("unexpected search %q/%d", client.query, client.limit)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("expected blank-named tool to be skipped, got %d tools", len(res.Tools))
	}
	spec := res.Tools[0].Spec()
	if spec.Name != "weather.today" || spec.InputSchema["required"] == nil {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if _, ok := res.Schema["weather.today"]; !ok {
		t.Fatal("schema missing tool")
	}

	resp, err := res.Tools[0].Invoke(context.Background(), agent.ToolRequest{Arguments: map[string]any{"city": "Oslo"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Content != `{"temp":21}` || client.args["city"] != "Oslo" {
		t.Fatalf("unexpected call %q %v", resp.Content, client.args)
	}
}

func TestUTCPToolCallError(t *testing.T) {
	client := &fakeUTCPClient{results: map[string]any{}}
	tool := &UTCPTool{client: client, remote: utcptools.Tool{Name: "gone"}}
	if _, err := tool.Invoke(context.Background(), agent.ToolRequest{}); err == nil || !strings.Contains(err.Error(), "gone") {
		t.Fatalf("expected call error, got %v", err)
	}
}

func TestUTCPSourceDialFailure(t *testing.T) {
	src := &UTCPSource{dial: func(context.Context) (UTCPClient, error) { return nil, errors.New("no providers") }}
	if _, err := src.Factory(context.Background(), nil); err == nil {
		t.Fatal("expected dial error")
	}
}

type fakeMCPClient struct {
	tools   []mcp.Tool
	results map[string]*mcp.CallToolResult
	last    mcp.CallToolRequest
}

func (f *fakeMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.last = req
	res, ok := f.results[req.Params.Name]
	if !ok {
		return nil, errors.New("unknown tool")
	}
	return res, nil
}

func TestMCPSourceFactory(t *testing.T) {
	client := &fakeMCPClient{
		tools: []mcp.Tool{
			{
				Name:        "read_file",
				Description: "Reads a file",
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]any{"path": map[string]any{"type": "string"}},
				},
			},
			{Name: "delete_file", Description: "Deletes a file"},
		},
		results: map[string]*mcp.CallToolResult{
			"read_file": {Content: []mcp.Content{mcp.NewTextContent(" hello "), mcp.NewTextContent("world")}},
		},
	}
	src := NewMCPSourceWithClient(client, MCPConfig{Prefix: "fs", Allow: []string{"read_file"}})

	res, err := src.Factory(context.Background(), nil)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("allow-list not applied, got %d tools", len(res.Tools))
	}
	spec := res.Tools[0].Spec()
	if spec.Name != "fs.read_file" || spec.Description != "Reads a file" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if spec.InputSchema["type"] != "object" {
		t.Fatalf("input schema not carried over: %v", spec.InputSchema)
	}

	resp, err := res.Tools[0].Invoke(context.Background(), agent.ToolRequest{Arguments: map[string]any{"path": "/etc/hosts"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Content != "hello\nworld" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if client.last.Params.Name != "read_file" {
		t.Fatalf("remote name not used: %q", client.last.Params.Name)
	}
	if args := client.last.GetArguments(); args["path"] != "/etc/hosts" {
		t.Fatalf("arguments not forwarded: %v", args)
	}
}

func TestMCPToolReportsServerError(t *testing.T) {
	client := &fakeMCPClient{results: map[string]*mcp.CallToolResult{
		"boom": {IsError: true, Content: []mcp.Content{mcp.NewTextContent("disk full")}},
	}}
	tool := newMCPTool(client, mcp.Tool{Name: "boom"}, "")
	_, err := tool.Invoke(context.Background(), agent.ToolRequest{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestMCPSourceWithoutTarget(t *testing.T) {
	src := NewMCPSource(MCPConfig{})
	if _, err := src.Factory(context.Background(), nil); err == nil {
		t.Fatal("expected error without command or url")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFromManifest(t *testing.T) {
	m := &config.Manifest{
		Core: []string{"echo"},
		Tools: []config.ToolEntry{
			{Name: "echo", Kind: config.KindBuiltin, Builtin: "echo"},
			{Name: "calc", Kind: config.KindBuiltin, Builtin: "calculator"},
			{Name: "files", Kind: config.KindMCP, Command: "mcp-files", Env: map[string]string{"B": "2", "A": "1"}},
			{Name: "weather", Kind: config.KindUTCP, Providers: "providers.json"},
		},
	}
	box, err := FromManifest(m)
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	defer box.Close()

	if len(box.Core) != 1 || box.Core[0].Name != "echo" {
		t.Fatalf("unexpected core %+v", box.Core)
	}
	if got := strings.Join(box.Names(), ","); got != "calc,files,weather" {
		t.Fatalf("unexpected optional order %s", got)
	}
	if _, ok := box.Registry.Lookup("WEATHER"); !ok {
		t.Fatal("registry lookup should be case-insensitive")
	}
}

func TestFromManifestUnknownBuiltin(t *testing.T) {
	m := &config.Manifest{Tools: []config.ToolEntry{{Name: "x", Kind: config.KindBuiltin, Builtin: "warp"}}}
	if _, err := FromManifest(m); !errors.Is(err, agent.ErrUnknownFactory) {
		t.Fatalf("expected ErrUnknownFactory, got %v", err)
	}
}

func TestFromManifestDefault(t *testing.T) {
	box, err := FromManifest(nil)
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	if len(box.Optional) != 3 || len(box.Core) != 0 {
		t.Fatalf("unexpected default toolbox %+v", box)
	}
}

func TestEnvList(t *testing.T) {
	if got := strings.Join(envList(map[string]string{"B": "2", "A": "1"}), " "); got != "A=1 B=2" {
		t.Fatalf("got %q", got)
	}
	if envList(nil) != nil {
		t.Fatal("expected nil")
	}
}
