package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Protocol-Lattice/go-agent-server/src/checkpoint"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Listen != ":8080" {
		t.Fatalf("listen = %q", s.Listen)
	}
	if s.Agent.MaxIterations != 6 || s.Agent.TurnTimeout != 5*time.Minute {
		t.Fatalf("unexpected agent defaults: %+v", s.Agent)
	}
	if s.Manager.IdleTTL != 30*time.Minute || s.Manager.SweepSchedule != "@every 1m" {
		t.Fatalf("unexpected manager defaults: %+v", s.Manager)
	}
	if s.Checkpoint.Default != checkpoint.ModeLocal {
		t.Fatalf("default checkpointer = %q", s.Checkpoint.Default)
	}
}

func TestNewViperReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	body := "listen: \":9000\"\nagent:\n  orchestrate: true\n  fallback: all\ncheckpoint:\n  default: sqlite\n  sqlite:\n    path: /tmp/x.db\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTD_AGENT_MAX_ITERATIONS", "9")
	t.Setenv("AGENTD_LOG_FORMAT", "json")

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Listen != ":9000" || !s.Agent.Orchestrate || s.Agent.Fallback != "all" {
		t.Fatalf("file values not applied: %+v", s)
	}
	if s.Agent.MaxIterations != 9 || s.Log.Format != "json" {
		t.Fatalf("env overrides not applied: %+v", s)
	}
	if got := s.Checkpoint.For(""); got.Mode != checkpoint.ModeSQLite || got.URI != "/tmp/x.db" {
		t.Fatalf("For default = %+v", got)
	}
}

func TestNewViperMissingExplicitFile(t *testing.T) {
	if _, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	s := Settings{Log: LogSettings{Level: "loud", Format: "xml"}, Agent: AgentSettings{MaxIterations: -1}}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"listen", "log.format", "log level", "max_iterations"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestCheckpointFor(t *testing.T) {
	c := CheckpointSettings{
		Default:  "local",
		Mongo:    MongoSettings{URI: "mongodb://db", Database: "d", Collection: "c"},
		Postgres: PostgresSettings{URI: "postgres://db", Table: "t"},
		Neo4j:    Neo4jSettings{URI: "bolt://db", Username: "u", Password: "p"},
	}
	if got := c.For("MONGO"); got.URI != "mongodb://db" || got.Database != "d" || got.Collection != "c" {
		t.Fatalf("mongo = %+v", got)
	}
	if got := c.For("postgres"); got.URI != "postgres://db" || got.Collection != "t" {
		t.Fatalf("postgres = %+v", got)
	}
	if got := c.For("neo4j"); got.Username != "u" || got.Password != "p" {
		t.Fatalf("neo4j = %+v", got)
	}
	if got := c.For(""); got.Mode != "local" || got.URI != "" {
		t.Fatalf("default = %+v", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "", "warn", "error"} {
		if _, err := ParseLevel(name); err != nil {
			t.Fatalf("%q: %v", name, err)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
