package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Protocol-Lattice/go-agent-server/src/config"
)

func TestPrintManifest(t *testing.T) {
	m := &config.Manifest{
		Core: []string{"echo"},
		Tools: []config.ToolEntry{
			{Name: "echo", Kind: config.KindBuiltin, Builtin: "echo"},
			{Name: "calc", Kind: config.KindBuiltin, Builtin: "calculator"},
			{Name: "files", Kind: config.KindMCP, URL: "http://localhost:9000/mcp"},
		},
	}
	var buf bytes.Buffer
	if err := printManifest(&buf, m); err != nil {
		t.Fatalf("printManifest: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "core") || !strings.Contains(lines[1], "echo") {
		t.Fatalf("core row wrong: %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "1") || !strings.Contains(lines[3], "files") || !strings.Contains(lines[3], "mcp") {
		t.Fatalf("optional row wrong: %q", lines[3])
	}
}

func TestToolsCommand(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(manifest, []byte("tools:\n  - name: calc\n    kind: builtin\n    builtin: calculator\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	settings := filepath.Join(dir, "agentd.yaml")
	if err := os.WriteFile(settings, []byte("listen: \":0\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tools", "--config", settings, "--tools", manifest})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("tools: %v", err)
	}
	if !strings.Contains(out.String(), "calc") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	tracer, shutdown, err := setupTracing(context.Background(), config.TracingSettings{})
	if err != nil {
		t.Fatalf("setupTracing: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestLoadManifestDefault(t *testing.T) {
	m, err := loadManifest("")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Tools) != 3 {
		t.Fatalf("expected built-in defaults, got %d", len(m.Tools))
	}
}
