// Package config handles loading, validating, and applying
// configuration for the CodeBuild agent launcher.  Configuration is
// read from a YAML file and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Build      BuildConfig      `yaml:"build"`
	Connection ConnectionConfig `yaml:"connection"`
	Service    ServiceConfig    `yaml:"service"`
	Launch     LaunchConfig     `yaml:"launch"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Build settings
// ---------------------------------------------------------------------------

// BuildConfig describes the remote build that hosts an agent.  The
// values become the per-launch overrides of the start-build request.
type BuildConfig struct {
	// Project is the CodeBuild project name (required when
	// service.type == "codebuild").
	Project string `yaml:"project"`

	// Image is the container image that runs the agent.
	// Default: "jenkins/inbound-agent:latest".
	Image string `yaml:"image"`

	// EnvironmentType is the CodeBuild environment type.
	// Default: "LINUX_CONTAINER".
	EnvironmentType string `yaml:"environment_type"`

	// ComputeType is the CodeBuild compute type.
	// Default: "BUILD_GENERAL1_SMALL".
	ComputeType string `yaml:"compute_type"`

	// BuildSpec is the inline buildspec payload handed to the build.
	BuildSpec string `yaml:"buildspec"`

	// BuildSpecPath points at a buildspec file.  If both BuildSpec and
	// BuildSpecPath are set, BuildSpec wins.
	BuildSpecPath string `yaml:"buildspec_path"`
}

// ---------------------------------------------------------------------------
// Controller connection
// ---------------------------------------------------------------------------

// ConnectionConfig holds the settings that decide how a launched agent
// reaches the controller.  Exactly one connection mode is selected per
// launch: direct (when Direct is set), web socket (when WebSocket is
// set), or the tunnel/default fallback.
type ConnectionConfig struct {
	// URL is the controller base URL.  Required for the web-socket and
	// fallback modes; forbidden on the wire in direct mode.
	URL string `yaml:"url"`

	// Direct is a host:port for a direct TCP connection to the
	// controller.  Setting it selects direct mode.
	Direct string `yaml:"direct"`

	// ControllerIdentity is the controller's instance identity,
	// required by agents connecting in direct mode.
	ControllerIdentity string `yaml:"controller_identity"`

	// Protocols optionally restricts the remoting protocols an agent
	// may use (direct mode only).
	Protocols string `yaml:"protocols"`

	// WebSocket makes agents connect over a web socket to URL.
	WebSocket bool `yaml:"web_socket"`

	// Tunnel is an optional host:port tunnel for the fallback mode.
	Tunnel string `yaml:"tunnel"`

	// ProxyCredentials are passed to the agent for authenticating with
	// an HTTP proxy (user:password).
	ProxyCredentials string `yaml:"proxy_credentials"`

	// NoKeepAlive disables the agent's connection keep-alive.
	NoKeepAlive bool `yaml:"no_keep_alive"`

	// DisableHTTPSCertValidation disables certificate validation on
	// the agent side.  For test controllers only.
	DisableHTTPSCertValidation bool `yaml:"disable_https_cert_validation"`

	// NoReconnect tells the agent to exit instead of reconnecting when
	// the connection drops.
	NoReconnect bool `yaml:"no_reconnect"`
}

// ---------------------------------------------------------------------------
// Build service backend
// ---------------------------------------------------------------------------

// ServiceConfig selects and configures the remote build backend.
type ServiceConfig struct {
	// Type selects the backend: "codebuild" (default) or "docker".
	Type string `yaml:"type"`

	// CodeBuild holds AWS settings.  Only read when Type == "codebuild".
	CodeBuild CodeBuildServiceConfig `yaml:"codebuild"`

	// Docker holds local-daemon settings.  Only read when Type == "docker".
	Docker DockerServiceConfig `yaml:"docker"`
}

// CodeBuildServiceConfig holds AWS client settings.  Credentials come
// from the default AWS credential chain; no credential fields exist here.
type CodeBuildServiceConfig struct {
	// Region is the AWS region.  If empty, the SDK's default region
	// resolution applies.
	Region string `yaml:"region"`

	// Endpoint overrides the CodeBuild endpoint (for local stacks).
	Endpoint string `yaml:"endpoint"`
}

// DockerServiceConfig holds local Docker daemon settings.
type DockerServiceConfig struct {
	// Pull controls whether the agent image is pulled at startup.
	// Default: true.  Use a *bool so "not set" (nil -> true) is
	// distinguishable from an explicit false.
	Pull *bool `yaml:"pull"`
}

// ---------------------------------------------------------------------------
// Launch
// ---------------------------------------------------------------------------

// LaunchConfig holds the launch lifecycle thresholds.
type LaunchConfig struct {
	// AgentTimeoutSeconds bounds how long a launch waits for the agent
	// to connect.  Default: 120.
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds"`
}

// ---------------------------------------------------------------------------
// Control API
// ---------------------------------------------------------------------------

// APIConfig configures the control-plane HTTP server.
type APIConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	// Default: true.  A *bool so "not set" (nil -> true) is
	// distinguishable from an explicit false.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Build.Image == "" {
		c.Build.Image = "jenkins/inbound-agent:latest"
	}
	if c.Build.EnvironmentType == "" {
		c.Build.EnvironmentType = "LINUX_CONTAINER"
	}
	if c.Build.ComputeType == "" {
		c.Build.ComputeType = "BUILD_GENERAL1_SMALL"
	}
	if c.Service.Type == "" {
		c.Service.Type = "codebuild"
	}
	if c.Service.Docker.Pull == nil {
		t := true
		c.Service.Docker.Pull = &t
	}
	if c.Launch.AgentTimeoutSeconds == 0 {
		c.Launch.AgentTimeoutSeconds = 120
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Insecure == nil {
		t := true
		c.OTel.Insecure = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	// The controller URL is needed by every connection mode except
	// direct, and even direct-mode agents derive their download URL
	// from it.
	if _, err := url.ParseRequestURI(c.Connection.URL); err != nil {
		return fmt.Errorf("connection.url: invalid URL %q: %w", c.Connection.URL, err)
	}

	if c.Connection.Direct != "" && c.Connection.ControllerIdentity == "" {
		return fmt.Errorf("connection.controller_identity is required when connection.direct is set")
	}
	if c.Connection.Direct != "" && c.Connection.WebSocket {
		return fmt.Errorf("connection.direct and connection.web_socket are mutually exclusive")
	}

	if c.Launch.AgentTimeoutSeconds < 0 {
		return fmt.Errorf("launch.agent_timeout_seconds must not be negative")
	}

	switch c.Service.Type {
	case "codebuild":
		if c.Build.Project == "" {
			return fmt.Errorf("build.project is required when service.type is \"codebuild\"")
		}
	case "docker":
		// OK
	default:
		return fmt.Errorf("service.type %q is not supported (supported: codebuild, docker)", c.Service.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolveBuildSpec reads the buildspec from BuildSpecPath if BuildSpec
// is not already set.
func (c *Config) ResolveBuildSpec() error {
	if c.Build.BuildSpec != "" || c.Build.BuildSpecPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.Build.BuildSpecPath)
	if err != nil {
		return fmt.Errorf("reading buildspec from %s: %w", c.Build.BuildSpecPath, err)
	}
	c.Build.BuildSpec = string(data)
	return nil
}
