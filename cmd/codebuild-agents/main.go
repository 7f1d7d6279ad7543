package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/codebuild-agents/internal/agent"
	"github.com/terrpan/codebuild-agents/internal/buildsvc"
	"github.com/terrpan/codebuild-agents/internal/buildsvc/codebuild"
	"github.com/terrpan/codebuild-agents/internal/buildsvc/docker"
	"github.com/terrpan/codebuild-agents/internal/config"
	"github.com/terrpan/codebuild-agents/internal/controlapi"
	"github.com/terrpan/codebuild-agents/internal/launcher"
	"github.com/terrpan/codebuild-agents/internal/otel"
)

var (
	cfgPath       string
	agentCount    int
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codebuild-agents",
	Short: "Ephemeral controller agents hosted in AWS CodeBuild builds",
	Long: `codebuild-agents provisions ephemeral builds that each host a single
controller agent, hands every build the bootstrap parameters its agent
needs to phone home, and waits for the agents to connect -- stopping the
build and deprovisioning the node when one never does.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Launch overrides
	f.IntVar(&agentCount, "agents", 1, "Number of agents to launch")
	f.IntVar(&flagOverrides.Launch.AgentTimeoutSeconds, "agent-timeout", 0, "Seconds to wait for an agent to connect")

	// Build overrides
	f.StringVar(&flagOverrides.Build.Project, "project", "", "CodeBuild project name")
	f.StringVar(&flagOverrides.Build.Image, "image", "", "Agent container image")
	f.StringVar(&flagOverrides.Build.ComputeType, "compute-type", "", "CodeBuild compute type")

	// Connection overrides
	f.StringVar(&flagOverrides.Connection.URL, "url", "", "Controller base URL")
	f.BoolVar(&flagOverrides.Connection.WebSocket, "web-socket", false, "Connect agents over a web socket")

	// Backend override
	f.StringVar(&flagOverrides.Service.Type, "service", "", "Build backend (codebuild, docker)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Launch.AgentTimeoutSeconds != 0 {
		cfg.Launch.AgentTimeoutSeconds = flagOverrides.Launch.AgentTimeoutSeconds
	}
	if flagOverrides.Build.Project != "" {
		cfg.Build.Project = flagOverrides.Build.Project
	}
	if flagOverrides.Build.Image != "" {
		cfg.Build.Image = flagOverrides.Build.Image
	}
	if flagOverrides.Build.ComputeType != "" {
		cfg.Build.ComputeType = flagOverrides.Build.ComputeType
	}
	if flagOverrides.Connection.URL != "" {
		cfg.Connection.URL = flagOverrides.Connection.URL
	}
	if flagOverrides.Connection.WebSocket {
		cfg.Connection.WebSocket = true
	}
	if flagOverrides.Service.Type != "" {
		cfg.Service.Type = flagOverrides.Service.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// newService creates the remote build backend selected by
// service.type.  This wiring lives here, not in the config package,
// so config stays a leaf import for every other package.
func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (buildsvc.Service, error) {
	switch cfg.Service.Type {
	case "codebuild":
		return codebuild.New(ctx, codebuild.Config{
			Region:   cfg.Service.CodeBuild.Region,
			Endpoint: cfg.Service.CodeBuild.Endpoint,
		}, logger.WithGroup("buildsvc.codebuild"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: cfg.Build.Image,
			Pull:  *cfg.Service.Docker.Pull,
		}, logger.WithGroup("buildsvc.docker"))
	default:
		return nil, fmt.Errorf("unsupported service type: %s", cfg.Service.Type)
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	if agentCount < 1 {
		return fmt.Errorf("--agents must be at least 1")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ResolveBuildSpec(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("service", cfg.Service.Type),
		slog.String("project", cfg.Build.Project),
		slog.Int("agentTimeoutSeconds", cfg.Launch.AgentTimeoutSeconds),
	)

	// ---------------------------------------------------------------
	// 3. Set up OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "codebuild-agents", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   *cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: true,
	})
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create the build service backend
	// ---------------------------------------------------------------
	service, err := newService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing build service: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Register agents and their launchers
	// ---------------------------------------------------------------
	registry := agent.NewRegistry(logger.WithGroup("registry"))

	agents := make([]*agent.Agent, 0, agentCount)
	launchers := make([]*launcher.Launcher, 0, agentCount)
	for range agentCount {
		a := registry.Create("")
		agents = append(agents, a)
		launchers = append(launchers, launcher.New(launcher.Config{
			Build:        cfg.Build,
			Connection:   cfg.Connection,
			AgentTimeout: time.Duration(cfg.Launch.AgentTimeoutSeconds) * time.Second,
			Service:      service,
			Nodes:        registry,
			Logger:       logger.WithGroup("launcher").With(slog.String("agent", a.Name())),
		}))
	}

	// ---------------------------------------------------------------
	// 6. Start the control API
	// ---------------------------------------------------------------
	// Disconnect callbacks all clear the same per-agent state, so any
	// launcher serves as the hook.
	api := controlapi.NewServer(
		logger.WithGroup("api"),
		cfg.API.Addr,
		registry,
		launchers[0],
		prometheus.DefaultGatherer,
		cfg.Service.Type,
	)
	go func() {
		if err := api.Run(ctx); err != nil {
			logger.Error("control API", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 7. Launch
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			launchers[i].Launch(ctx, a, launcher.WriterSink{W: os.Stdout})
		}()
	}
	wg.Wait()

	// ---------------------------------------------------------------
	// 8. Serve until interrupted
	// ---------------------------------------------------------------
	<-ctx.Done()
	logger.Info("shutting down gracefully")
	return nil
}
