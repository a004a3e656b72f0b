// Package config provides configuration loading for coderd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables with a CODERD_ prefix. Defaults are applied for anything left
// unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete coderd configuration.
type Config struct {
	Agent     AgentConfig     `koanf:"agent"`
	Engine    EngineConfig    `koanf:"engine"`
	Prompts   PromptsConfig   `koanf:"prompts"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
}

// AgentConfig is the invocation configuration bundle: the agent identity,
// the root directory runs are scoped under, and the optional image
// repository prefix.
type AgentConfig struct {
	Name       string `koanf:"name"`
	RootDir    string `koanf:"root_dir"`
	DockerRepo string `koanf:"docker_repo"`
}

// EngineConfig describes how to start the external code-generation engine.
type EngineConfig struct {
	Command      string        `koanf:"command"`
	Args         []string      `koanf:"args"`
	StartTimeout time.Duration `koanf:"start_timeout"`
}

// PromptsConfig carries the fixed prompt texts for the automated follow-up
// stages. Overridable by the embedding application; defaults preserve the
// stock behavior.
type PromptsConfig struct {
	Dockerfile    string `koanf:"dockerfile"`
	Documentation string `koanf:"documentation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration in file-friendly form.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// EventsConfig holds optional NATS event publishing configuration.
// Publishing is disabled when URL is empty.
type EventsConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default prompt texts for the follow-up stages.
const (
	DefaultDockerfilePrompt    = "Create or update an appropriate Dockerfile for this project"
	DefaultDocumentationPrompt = "Update AGENTS.md with a summary of the changes made in this session"
)

// applyDefaults fills in zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "coder"
	}
	if cfg.Agent.RootDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Agent.RootDir = wd
		}
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = "gemini"
		if len(cfg.Engine.Args) == 0 {
			cfg.Engine.Args = []string{"--experimental-acp", "-y"}
		}
	}
	if cfg.Engine.StartTimeout <= 0 {
		cfg.Engine.StartTimeout = 30 * time.Second
	}
	if cfg.Prompts.Dockerfile == "" {
		cfg.Prompts.Dockerfile = DefaultDockerfilePrompt
	}
	if cfg.Prompts.Documentation == "" {
		cfg.Prompts.Documentation = DefaultDocumentationPrompt
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "coderd"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Agent.RootDir == "" {
		return fmt.Errorf("agent.root_dir is required")
	}
	if !filepath.IsAbs(c.Agent.RootDir) {
		return fmt.Errorf("agent.root_dir must be absolute, got %q", c.Agent.RootDir)
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be in [0,1], got %v", c.Telemetry.SamplingRate)
	}
	return nil
}
