// Coderd drives an external code-generation engine through complete coding
// runs: the user's request, a Dockerfile pass, a documentation pass, and a
// conditional image build.
//
// Usage:
//
//	# One-shot run from the command line
//	coderd run --directory webapp "add a health endpoint"
//
//	# Start the HTTP server
//	coderd serve
//
//	# Configure via file and environment
//	coderd serve --config /etc/coderd/config.yaml
//	CODERD_SERVER_PORT=8080 coderd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/acp"
	"github.com/fyrsmithlabs/coderd/internal/config"
	"github.com/fyrsmithlabs/coderd/internal/events"
	"github.com/fyrsmithlabs/coderd/internal/httpapi"
	"github.com/fyrsmithlabs/coderd/internal/logging"
	"github.com/fyrsmithlabs/coderd/internal/orchestrator"
	"github.com/fyrsmithlabs/coderd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coderd",
	Short: "Coding run daemon driving an external code-generation engine",
	Long: `coderd executes coding runs: it sends a user request to a
code-generation engine, follows up with Dockerfile and documentation
passes in the same session, and optionally builds a container image from
the result. Runs are available one-shot from the CLI or streamed over
HTTP as server-sent events.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coderd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

var runDirectory string

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Execute one coding run and print its events",
	Long: `Execute a single coding run and print each event to stdout as it
happens.

Examples:
  # Run against the project directory "webapp" under the root
  coderd run --directory webapp "add a health endpoint"

  # Run in the root itself (no image build)
  coderd run "explain the build system"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coderd HTTP server",
	Long: `Start the HTTP server. Runs are started with POST /api/v1/runs and
streamed back as server-sent events. Health and Prometheus metrics are
served on /health and /metrics.`,
	RunE: runServe,
}

func init() {
	runCmd.Flags().StringVar(&runDirectory, "directory", "", "project directory under the root")
}

// loadConfig loads configuration from the optional --config file plus
// environment overrides.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the structured logger from file configuration.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logCfg.Output.OTEL = cfg.Logging.OTEL
	return logging.NewLogger(logCfg, nil)
}

// initTelemetry starts OTEL export when enabled. Always returns a usable
// instance; export failures degrade to no-op providers.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.Endpoint
	}
	telCfg.Insecure = cfg.Telemetry.Insecure
	telCfg.SamplingRate = cfg.Telemetry.SamplingRate
	telCfg.ServiceVersion = version
	if err := telCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return telemetry.New(ctx, telCfg)
}

// acpConfig maps engine configuration onto the protocol client.
func acpConfig(cfg *config.Config) acp.Config {
	return acp.Config{
		Command:      cfg.Engine.Command,
		Args:         cfg.Engine.Args,
		StartTimeout: cfg.Engine.StartTimeout,
	}
}

// newService wires the orchestrator from configuration.
func newService(cfg *config.Config, logger *logging.Logger) (orchestrator.Service, error) {
	return orchestrator.NewService(&orchestrator.Config{
		RootDir:             cfg.Agent.RootDir,
		DockerRepo:          cfg.Agent.DockerRepo,
		DockerfilePrompt:    cfg.Prompts.Dockerfile,
		DocumentationPrompt: cfg.Prompts.Documentation,
		Engine: acpConfig(cfg),
	}, nil, nil, logger)
}

// connectEvents connects the optional NATS event publisher. Returns nils
// when publishing is not configured.
func connectEvents(cfg *config.Config, logger *logging.Logger) (*nats.Conn, events.Sink, error) {
	if cfg.Events.URL == "" {
		return nil, nil, nil
	}
	nc, err := nats.Connect(cfg.Events.URL,
		nats.Name(cfg.Agent.Name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.Events.URL, err)
	}
	prefix := cfg.Events.SubjectPrefix + ".runs"
	return nc, events.NewPublisher(nc, prefix, logger), nil
}

// runRun executes one run from the command line, printing events as they
// arrive.
func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	nc, publisher, err := connectEvents(cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	stdout := events.SinkFunc(func(e events.Event) {
		fmt.Println(e.String())
	})
	sink := events.Sink(stdout)
	if publisher != nil {
		sink = events.MultiSink{stdout, publisher}
	}

	summary, err := svc.Run(ctx, orchestrator.Request{
		Text:      args[0],
		Directory: runDirectory,
	}, sink)
	if err != nil {
		return err
	}

	logger.Info(ctx, "run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("events", summary.Events))
	return nil
}

// runServe starts the HTTP server and blocks until a signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger.Info(ctx, "starting coderd",
		zap.String("version", version),
		zap.String("root_dir", cfg.Agent.RootDir),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry_degraded", tel.Degraded()))

	nc, publisher, err := connectEvents(cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
		logger.Info(ctx, "event publishing enabled", zap.String("url", cfg.Events.URL))
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	srv, err := httpapi.NewServer(svc, publisher, logger, &httpapi.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info(context.Background(), "shutdown complete",
		zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	return nil
}
