// Package config loads server settings through viper and the tool manifest from YAML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Protocol-Lattice/go-agent-server/src/checkpoint"
)

// EnvPrefix prefixes every environment override, e.g. AGENTD_LISTEN.
const EnvPrefix = "AGENTD"

// Settings is the full server configuration.
type Settings struct {
	Listen     string             `mapstructure:"listen"`
	ToolsFile  string             `mapstructure:"tools_file"`
	Log        LogSettings        `mapstructure:"log"`
	Checkpoint CheckpointSettings `mapstructure:"checkpoint"`
	Agent      AgentSettings      `mapstructure:"agent"`
	Manager    ManagerSettings    `mapstructure:"manager"`
	Tracing    TracingSettings    `mapstructure:"tracing"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CheckpointSettings holds connection details for every backend. Each agent picks its
// backend by name at creation time.
type CheckpointSettings struct {
	Default  string           `mapstructure:"default"`
	Mongo    MongoSettings    `mapstructure:"mongo"`
	Postgres PostgresSettings `mapstructure:"postgres"`
	SQLite   SQLiteSettings   `mapstructure:"sqlite"`
	Neo4j    Neo4jSettings    `mapstructure:"neo4j"`
}

type MongoSettings struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type PostgresSettings struct {
	URI   string `mapstructure:"uri"`
	Table string `mapstructure:"table"`
}

type SQLiteSettings struct {
	Path string `mapstructure:"path"`
}

type Neo4jSettings struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// AgentSettings are defaults applied to every agent the server creates.
type AgentSettings struct {
	Orchestrate      bool          `mapstructure:"orchestrate"`
	Fallback         string        `mapstructure:"fallback"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	MaxParallelTools int           `mapstructure:"max_parallel_tools"`
	FactoryTimeout   time.Duration `mapstructure:"factory_timeout"`
	TurnTimeout      time.Duration `mapstructure:"turn_timeout"`
	AutoApprove      bool          `mapstructure:"auto_approve"`
}

type ManagerSettings struct {
	// IdleTTL evicts agents without traffic for this long. Zero disables eviction.
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	CloseWorkers  int           `mapstructure:"close_workers"`
}

type TracingSettings struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// SetDefaults registers every key so environment overrides resolve during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("tools_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("checkpoint.default", checkpoint.ModeLocal)
	v.SetDefault("checkpoint.mongo.uri", "")
	v.SetDefault("checkpoint.mongo.database", "agentd")
	v.SetDefault("checkpoint.mongo.collection", "checkpoints")
	v.SetDefault("checkpoint.postgres.uri", "")
	v.SetDefault("checkpoint.postgres.table", "agent_checkpoints")
	v.SetDefault("checkpoint.sqlite.path", "agentd.db")
	v.SetDefault("checkpoint.neo4j.uri", "")
	v.SetDefault("checkpoint.neo4j.username", "neo4j")
	v.SetDefault("checkpoint.neo4j.password", "")
	v.SetDefault("checkpoint.neo4j.database", "")

	v.SetDefault("agent.orchestrate", false)
	v.SetDefault("agent.fallback", "none")
	v.SetDefault("agent.max_iterations", 6)
	v.SetDefault("agent.history_limit", 40)
	v.SetDefault("agent.max_parallel_tools", 4)
	v.SetDefault("agent.factory_timeout", "30s")
	v.SetDefault("agent.turn_timeout", "5m")
	v.SetDefault("agent.auto_approve", false)

	v.SetDefault("manager.idle_ttl", "30m")
	v.SetDefault("manager.sweep_schedule", "@every 1m")
	v.SetDefault("manager.close_workers", 8)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "agentd")
}

// NewViper returns a viper instance with defaults and AGENTD_ environment overrides.
// When file is empty, agentd.yaml is looked up in the working directory and
// $HOME/.agentd; a missing file is not an error.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("agentd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.agentd")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading settings: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Listen) == "" {
		errs = append(errs, errors.New("config: listen address is required"))
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", s.Log.Format))
	}
	if _, err := ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if s.Agent.MaxIterations < 0 {
		errs = append(errs, errors.New("config: agent.max_iterations must not be negative"))
	}
	if s.Manager.IdleTTL < 0 {
		errs = append(errs, errors.New("config: manager.idle_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// For returns the connection settings of the named backend. An empty mode uses the
// configured default.
func (c CheckpointSettings) For(mode string) checkpoint.Config {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(c.Default))
	}
	cfg := checkpoint.Config{Mode: mode}
	switch mode {
	case checkpoint.ModeMongo, "mongodb":
		cfg.URI, cfg.Database, cfg.Collection = c.Mongo.URI, c.Mongo.Database, c.Mongo.Collection
	case checkpoint.ModePostgres, "postgresql":
		cfg.URI, cfg.Collection = c.Postgres.URI, c.Postgres.Table
	case checkpoint.ModeSQLite:
		cfg.URI = c.SQLite.Path
	case checkpoint.ModeNeo4j:
		cfg.URI, cfg.Username, cfg.Password, cfg.Database = c.Neo4j.URI, c.Neo4j.Username, c.Neo4j.Password, c.Neo4j.Database
	}
	return cfg
}
