// Package orchestrator drives a complete coding run: the user's request,
// the Dockerfile pass, the documentation pass, and the conditional image
// build, all emitted into one ordered event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/acp"
	"github.com/fyrsmithlabs/coderd/internal/approval"
	"github.com/fyrsmithlabs/coderd/internal/docker"
	"github.com/fyrsmithlabs/coderd/internal/events"
	"github.com/fyrsmithlabs/coderd/internal/fsbridge"
	"github.com/fyrsmithlabs/coderd/internal/logging"
	"github.com/fyrsmithlabs/coderd/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/coderd/internal/orchestrator"

// Config configures the orchestrator.
type Config struct {
	// RootDir is the absolute directory under which project directories
	// live. A run's working directory is RootDir joined with the request's
	// directory name.
	RootDir string

	// DockerRepo optionally prefixes built image tags.
	DockerRepo string

	// DockerfilePrompt is sent as the second stage of every run.
	DockerfilePrompt string

	// DocumentationPrompt is sent as the third stage of every run.
	DocumentationPrompt string

	// Engine describes the engine subprocess.
	Engine acp.Config
}

// Request is one coding run request.
type Request struct {
	// Text is the user's request, sent verbatim as the first stage.
	Text string

	// Directory optionally names the project directory under the root.
	// When empty the run works in the root itself and no image is built.
	Directory string
}

// Summary reports a completed run.
type Summary struct {
	RunID     string
	SessionID string
	Events    int

	// Build is nil when the run had no build target.
	Build *docker.Result
}

// Service runs coding requests.
type Service interface {
	// Run executes one request end to end, emitting every event of the run
	// into sink in order. It returns an error only when the engine cannot
	// be reached; everything else is reported through the event stream.
	Run(ctx context.Context, req Request, sink events.Sink) (*Summary, error)

	// Close releases the service.
	Close() error
}

// session is the slice of an engine session a run needs.
type session interface {
	stage.Prompter
	ID() string
}

// engine is one live engine subprocess.
type engine interface {
	NewSession(ctx context.Context, cwd string) (session, error)
	Close() error
}

// engineStarter spawns a fresh engine for a run.
type engineStarter func(ctx context.Context) (engine, error)

// service implements the Service interface.
type service struct {
	config  *Config
	start   engineStarter
	builder docker.Builder
	runner  *stage.Runner
	logger  *logging.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	runCounter   metric.Int64Counter
	runDuration  metric.Float64Histogram
	buildCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates an orchestrator Service. Each run spawns its own
// engine subprocess governed by policy and bridge.
func NewService(cfg *Config, policy approval.Policy, bridge fsbridge.Bridge, logger *logging.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !filepath.IsAbs(cfg.RootDir) {
		return nil, fmt.Errorf("root directory must be absolute: %q", cfg.RootDir)
	}
	if policy == nil {
		policy = approval.AllowFirst{}
	}
	if bridge == nil {
		bridge = fsbridge.NewLocal(logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	starter := func(ctx context.Context) (engine, error) {
		client := acp.NewClient(cfg.Engine, policy, bridge, logger)
		if err := client.Start(ctx); err != nil {
			return nil, err
		}
		return acpEngine{client}, nil
	}

	s := &service{
		config:  cfg,
		start:   starter,
		builder: docker.NewCLIBuilder(logger),
		runner:  stage.NewRunner(logger),
		logger:  logger.Named("orchestrator"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.runCounter, err = s.meter.Int64Counter(
		"coderd.orchestrator.runs_total",
		metric.WithDescription("Total number of coding runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}

	s.runDuration, err = s.meter.Float64Histogram(
		"coderd.orchestrator.run_duration_seconds",
		metric.WithDescription("Duration of coding runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run duration histogram", zap.Error(err))
	}

	s.buildCounter, err = s.meter.Int64Counter(
		"coderd.orchestrator.builds_total",
		metric.WithDescription("Total number of image builds"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create build counter", zap.Error(err))
	}
}

// acpEngine adapts acp.Client to the engine interface.
type acpEngine struct {
	client *acp.Client
}

func (e acpEngine) NewSession(ctx context.Context, cwd string) (session, error) {
	return e.client.NewSession(ctx, cwd)
}

func (e acpEngine) Close() error { return e.client.Close() }

// Run executes one request end to end.
func (s *service) Run(ctx context.Context, req Request, sink events.Sink) (*Summary, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New("service is closed")
	}
	s.mu.RUnlock()

	runID := uuid.New().String()
	ctx = logging.WithRunID(ctx, runID)

	ctx, span := s.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("directory", req.Directory),
	)

	started := time.Now()
	summary, err := s.run(ctx, runID, req, sink)
	elapsed := time.Since(started).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if s.runDuration != nil {
		s.runDuration.Record(ctx, elapsed)
	}

	return summary, err
}

func (s *service) run(ctx context.Context, runID string, req Request, sink events.Sink) (*Summary, error) {
	dirPath := filepath.Join(s.config.RootDir, req.Directory)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("preparing working directory: %w", err)
	}

	eng, err := s.start(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = eng.Close() }()

	sess, err := eng.NewSession(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, sess.ID())

	s.logger.Info(ctx, "run started",
		zap.String("run_id", runID),
		zap.String("directory", req.Directory),
		zap.String("cwd", dirPath))

	// All three stages share the one session so later prompts see the
	// conversation that produced the code.
	total := 0
	stages := []struct {
		stage events.Stage
		text  string
	}{
		{events.StageRequest, req.Text},
		{events.StageDockerfile, s.config.DockerfilePrompt},
		{events.StageDocumentation, s.config.DocumentationPrompt},
	}
	for _, st := range stages {
		n, err := s.runner.Run(ctx, sess, st.stage, runID, st.text, sink)
		if err != nil {
			return nil, err
		}
		total += n
	}

	summary := &Summary{RunID: runID, SessionID: sess.ID(), Events: total}

	if tag := docker.ImageTag(s.config.DockerRepo, req.Directory); tag != "" {
		result := s.buildImage(ctx, runID, tag, dirPath, sink)
		summary.Build = &result
	} else {
		s.logger.Info(ctx, "no build target, skipping image build")
	}

	s.logger.Info(ctx, "run complete",
		zap.String("run_id", runID), zap.Int("events", total))
	return summary, nil
}

// buildImage runs the image build and feeds its output into the event
// stream. The build's outcome is an event, never an error.
func (s *service) buildImage(ctx context.Context, runID, tag, dirPath string, sink events.Sink) docker.Result {
	ctx, span := s.tracer.Start(ctx, "orchestrator.build",
		trace.WithAttributes(attribute.String("image.tag", tag)))
	defer span.End()

	emit := func(typ events.Type, text string, success bool) {
		sink.Emit(events.Event{
			Time:    time.Now().UTC(),
			RunID:   runID,
			Stage:   events.StageBuild,
			Origin:  events.OriginDocker,
			Type:    typ,
			Text:    text,
			Success: success,
		})
	}

	emit(events.TypeLog, "Building image: "+tag, false)

	result := s.builder.Build(ctx, tag, dirPath, func(line string) {
		emit(events.TypeLog, line, false)
	})
	emit(events.TypeResult, result.Message, result.Success)

	if s.buildCounter != nil {
		s.buildCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", result.Success)))
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.Message)
	}
	return result
}

// Close releases the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
