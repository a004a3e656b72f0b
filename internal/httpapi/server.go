// Package httpapi exposes coderd over HTTP. Runs are started with a POST
// and streamed back as server-sent events, one SSE frame per run event.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/events"
	"github.com/fyrsmithlabs/coderd/internal/logging"
	"github.com/fyrsmithlabs/coderd/internal/orchestrator"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server provides the HTTP endpoints for coderd.
type Server struct {
	echo    *echo.Echo
	service orchestrator.Service
	extra   events.Sink
	logger  *logging.Logger
	config  *Config
}

// NewServer creates the HTTP server. extra, when non-nil, receives every
// run event in addition to the SSE stream; the NATS publisher plugs in
// here. logger is required for request tracking.
func NewServer(service orchestrator.Service, extra events.Sink, logger *logging.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("orchestrator service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090, ShutdownTimeout: 10 * time.Second}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		extra:   extra,
		logger:  logger.Named("httpapi"),
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleRun)
}

// RunRequest is the request body for POST /api/v1/runs.
type RunRequest struct {
	Text      string `json:"text"`
	Directory string `json:"directory,omitempty"`
}

// RunSummary is the payload of the terminal SSE frame.
type RunSummary struct {
	RunID        string `json:"run_id"`
	SessionID    string `json:"session_id"`
	Events       int    `json:"events"`
	BuildSuccess *bool  `json:"build_success,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "coderd"})
}

// handleRun starts a run and streams its events as SSE frames. The run
// executes on the request goroutine, so frames are written in emission
// order. The stream ends with a "done" frame carrying the run summary, or
// an "error" frame when the engine cannot be reached.
func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	sse := events.SinkFunc(func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(resp, "event: %s\n", e.Type)
		fmt.Fprintf(resp, "data: %s\n\n", data)
		resp.Flush()
	})
	sink := events.Sink(sse)
	if s.extra != nil {
		sink = events.MultiSink{sse, s.extra}
	}

	summary, err := s.service.Run(c.Request().Context(),
		orchestrator.Request{Text: req.Text, Directory: req.Directory}, sink)
	if err != nil {
		s.logger.Error(c.Request().Context(), "run failed", zap.Error(err))
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(resp, "event: error\ndata: %s\n\n", data)
		resp.Flush()
		return nil
	}

	out := RunSummary{RunID: summary.RunID, SessionID: summary.SessionID, Events: summary.Events}
	if summary.Build != nil {
		out.BuildSuccess = &summary.Build.Success
	}
	data, _ := json.Marshal(out)
	fmt.Fprintf(resp, "event: done\ndata: %s\n\n", data)
	resp.Flush()
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
