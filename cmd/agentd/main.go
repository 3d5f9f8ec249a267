// Command agentd serves conversational agents over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Protocol-Lattice/go-agent-server/src/config"
	"github.com/Protocol-Lattice/go-agent-server/src/manager"
	"github.com/Protocol-Lattice/go-agent-server/src/server"
	"github.com/Protocol-Lattice/go-agent-server/src/tools"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Serve tool-using LLM agents over HTTP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// Provider API keys usually live in .env; a missing file is fine.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "settings file (default ./agentd.yaml)")
	root.PersistentFlags().String("tools", "", "tool manifest file")
	root.AddCommand(serveCmd(&cfgFile), toolsCmd(&cfgFile))
	return root
}

// loadSettings reads settings and binds the command's flags over them.
func loadSettings(cmd *cobra.Command, cfgFile string, bindings map[string]string) (config.Settings, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return config.Settings{}, err
	}
	bindings["tools_file"] = "tools"
	if err := bindFlags(v, cmd, bindings); err != nil {
		return config.Settings{}, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func loadManifest(path string) (*config.Manifest, error) {
	if path == "" {
		return config.DefaultManifest(), nil
	}
	return config.LoadManifest(path)
}

func serveCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd, *cfgFile, map[string]string{
				"listen":            "listen",
				"log.level":         "log-level",
				"log.format":        "log-format",
				"agent.orchestrate": "orchestrate",
				"tracing.endpoint":  "otlp-endpoint",
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "text", "log format: text or json")
	cmd.Flags().Bool("orchestrate", false, "run a tool selection pass before each message")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port")
	return cmd
}

func serve(ctx context.Context, s config.Settings, logOut io.Writer) error {
	logger := s.Log.NewLogger(logOut)

	tracer, shutdownTracing, err := setupTracing(ctx, s.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("flushing traces failed", "err", err)
		}
	}()

	manifest, err := loadManifest(s.ToolsFile)
	if err != nil {
		return err
	}
	box, err := tools.FromManifest(manifest)
	if err != nil {
		return err
	}
	defer func() {
		if err := box.Close(); err != nil {
			logger.Warn("closing tool sources failed", "err", err)
		}
	}()

	mgr := manager.New(manager.Options{
		IdleTTL:       s.Manager.IdleTTL,
		SweepSchedule: s.Manager.SweepSchedule,
		CloseWorkers:  s.Manager.CloseWorkers,
		Logger:        logger,
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Stop()

	srv, err := server.New(server.Config{
		Manager:     mgr,
		Toolbox:     box,
		Agent:       s.Agent,
		Checkpoints: s.Checkpoint,
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		return err
	}
	logger.Info("agentd starting",
		"version", version,
		"core_tools", len(box.Core),
		"optional_tools", len(box.Optional),
		"checkpoint", s.Checkpoint.Default)
	return srv.ListenAndServe(ctx, s.Listen)
}

func toolsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tool factories the manifest offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd, *cfgFile, map[string]string{})
			if err != nil {
				return err
			}
			manifest, err := loadManifest(settings.ToolsFile)
			if err != nil {
				return err
			}
			return printManifest(cmd.OutOrStdout(), manifest)
		},
	}
}

// printManifest lists core factories first, then optional ones with the index a
// toolNumbers selection uses.
func printManifest(w io.Writer, m *config.Manifest) error {
	box, err := tools.FromManifest(m)
	if err != nil {
		return err
	}
	defer box.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tKIND")
	for _, f := range box.Core {
		entry, _ := m.Entry(f.Name)
		fmt.Fprintf(tw, "core\t%s\t%s\n", f.Name, entry.Kind)
	}
	for i, f := range box.Optional {
		entry, _ := m.Entry(f.Name)
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i, f.Name, entry.Kind)
	}
	return tw.Flush()
}
