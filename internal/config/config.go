// Package config handles loading, validating, and applying
// configuration for lazyrunner.  Configuration is read from a YAML file
// (with ${VAR} references expanded from the environment) and can be
// overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/lazyrunner/internal/gitlab"
	"github.com/terrpan/lazyrunner/internal/instance"
	"github.com/terrpan/lazyrunner/internal/instance/docker"
	"github.com/terrpan/lazyrunner/internal/instance/gcp"
	"github.com/terrpan/lazyrunner/internal/instance/yandex"
	"github.com/terrpan/lazyrunner/internal/lifecycle"
	"github.com/terrpan/lazyrunner/internal/otel"
	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitLab    GitLabConfig    `yaml:"gitlab"`
	Instance  InstanceConfig  `yaml:"instance"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitLab
// ---------------------------------------------------------------------------

// GitLabConfig holds the API credentials used by the pipeline poller and
// the secret that authenticates webhooks.
type GitLabConfig struct {
	// URL is the GitLab instance URL (e.g. https://gitlab.example.com).
	URL string `yaml:"url"`

	// Token is a personal, group or project access token with read_api scope.
	Token string `yaml:"token"`

	// WebhookSecret must match the X-Gitlab-Token header of webhook
	// deliveries and the token header of the admin endpoints.
	WebhookSecret string `yaml:"webhook_secret"`

	// NotFoundStatus is what a pipeline that no longer exists resolves
	// to.  Must be a terminal status.  Default: "canceled".
	NotFoundStatus string `yaml:"not_found_status"`

	// ErrorPolicy handles non-2xx responses other than 404: "retry"
	// keeps the pipeline tracked, "terminal" retires it.  Default: "retry".
	ErrorPolicy string `yaml:"error_policy"`

	// RetryMax is the number of HTTP retries per status query.  Default: 2.
	RetryMax *int `yaml:"retry_max"`
}

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// InstanceConfig selects and configures the compute backend.
type InstanceConfig struct {
	// Type selects the backend: "gcp", "yandex" or "docker".  Default: "gcp".
	Type string `yaml:"type"`

	// GCP holds Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPInstanceConfig `yaml:"gcp"`

	// Yandex holds Yandex Cloud settings.  Only read when Type == "yandex".
	Yandex YandexInstanceConfig `yaml:"yandex"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerInstanceConfig `yaml:"docker"`
}

// GCPInstanceConfig identifies a Compute Engine VM.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPInstanceConfig struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`
	Name    string `yaml:"name"`
}

// YandexInstanceConfig identifies a Yandex Cloud Compute instance and the
// service account key used to obtain IAM tokens.
type YandexInstanceConfig struct {
	InstanceID       string `yaml:"instance_id"`
	ServiceAccountID string `yaml:"service_account_id"`
	KeyID            string `yaml:"key_id"`

	// PrivateKeyPath points at the PEM private key of the authorized key.
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via ${VAR}).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`

	// RefreshBefore is how long before expiry the IAM token is
	// replaced.  Default: 1h, at most 12h.
	RefreshBefore time.Duration `yaml:"refresh_before"`

	// ComputeEndpoint and IAMEndpoint override the public API URLs.
	ComputeEndpoint string `yaml:"compute_endpoint"`
	IAMEndpoint     string `yaml:"iam_endpoint"`

	// RetryMax is the number of HTTP retries per IAM or Compute call.
	// Default: 3.
	RetryMax *int `yaml:"retry_max"`
}

// DockerInstanceConfig names a local container that stands in for the VM.
type DockerInstanceConfig struct {
	// Container is the container name (required).
	Container string `yaml:"container"`

	// Image, when set, creates the container if it does not exist.
	Image string `yaml:"image"`

	// Command overrides the image command for a created container.
	Command []string `yaml:"command"`

	// StopTimeout is the grace period before the container is killed.
	// Default: 30s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// LifecycleConfig holds the controller timings.
type LifecycleConfig struct {
	// StopAfter is the idle window before the instance is stopped.
	// Default: 10m.
	StopAfter time.Duration `yaml:"stop_after"`

	// ResendStartAfter re-issues a start to an instance believed on when
	// the last start is older than this.  Default: 5m.
	ResendStartAfter time.Duration `yaml:"resend_start_after"`

	// PipelinePollInterval and InstancePollInterval drive the
	// reconciliation pollers.  Default: 1m.  Use a *time.Duration so an
	// explicit 0 (poller disabled) is distinguishable from "not set".
	PipelinePollInterval *time.Duration `yaml:"pipeline_poll_interval"`
	InstancePollInterval *time.Duration `yaml:"instance_poll_interval"`

	// PollConcurrency caps concurrent pipeline status queries.  Default: 0,
	// every tracked pipeline is queried at once.
	PollConcurrency int `yaml:"poll_concurrency"`

	// ActionTimeout bounds one start or stop call.  Default: 5m.
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Listen is the address to bind.  Default: ":8080".
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.  Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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
	// Prometheus metrics on /metrics are always collected.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// ${VAR} and $VAR references are replaced from the environment before
// parsing.  If the file does not exist the returned Config will contain
// zero values which must be filled via flag overrides before calling
// Validate.
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

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitLab.NotFoundStatus == "" {
		c.GitLab.NotFoundStatus = string(pipeline.StatusCanceled)
	}
	if c.GitLab.ErrorPolicy == "" {
		c.GitLab.ErrorPolicy = string(gitlab.ErrorPolicyRetry)
	}
	if c.GitLab.RetryMax == nil {
		n := 2
		c.GitLab.RetryMax = &n
	}
	if c.Instance.Type == "" {
		c.Instance.Type = "gcp"
	}
	if c.Instance.Yandex.RefreshBefore == 0 {
		c.Instance.Yandex.RefreshBefore = time.Hour
	}
	if c.Instance.Yandex.RetryMax == nil {
		n := 3
		c.Instance.Yandex.RetryMax = &n
	}
	if c.Instance.Docker.StopTimeout == 0 {
		c.Instance.Docker.StopTimeout = 30 * time.Second
	}
	if c.Lifecycle.StopAfter == 0 {
		c.Lifecycle.StopAfter = lifecycle.DefaultStopAfter
	}
	if c.Lifecycle.ResendStartAfter == 0 {
		c.Lifecycle.ResendStartAfter = lifecycle.DefaultResendStartAfter
	}
	if c.Lifecycle.PipelinePollInterval == nil {
		d := time.Minute
		c.Lifecycle.PipelinePollInterval = &d
	}
	if c.Lifecycle.InstancePollInterval == nil {
		d := time.Minute
		c.Lifecycle.InstancePollInterval = &d
	}
	if c.Lifecycle.ActionTimeout == 0 {
		c.Lifecycle.ActionTimeout = lifecycle.DefaultActionTimeout
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := c.validateGitLab(); err != nil {
		return err
	}
	if err := c.validateInstance(); err != nil {
		return err
	}

	if c.Lifecycle.StopAfter < 0 {
		return fmt.Errorf("lifecycle.stop_after must be positive, got %s", c.Lifecycle.StopAfter)
	}
	if c.Lifecycle.ResendStartAfter < 0 {
		return fmt.Errorf("lifecycle.resend_start_after must be positive, got %s", c.Lifecycle.ResendStartAfter)
	}
	if c.Lifecycle.PollConcurrency < 0 {
		return fmt.Errorf("lifecycle.poll_concurrency must not be negative, got %d", c.Lifecycle.PollConcurrency)
	}
	if c.Lifecycle.ActionTimeout < 0 {
		return fmt.Errorf("lifecycle.action_timeout must be positive, got %s", c.Lifecycle.ActionTimeout)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateGitLab() error {
	u, err := url.ParseRequestURI(c.GitLab.URL)
	if err != nil {
		return fmt.Errorf("gitlab.url: invalid URL %q: %w", c.GitLab.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gitlab.url: unsupported scheme %q", u.Scheme)
	}
	if c.GitLab.Token == "" {
		return fmt.Errorf("gitlab.token is required")
	}
	if c.GitLab.WebhookSecret == "" {
		return fmt.Errorf("gitlab.webhook_secret is required")
	}
	if !pipeline.Status(c.GitLab.NotFoundStatus).IsTerminal() {
		return fmt.Errorf("gitlab.not_found_status %q is not a terminal pipeline status", c.GitLab.NotFoundStatus)
	}
	switch gitlab.ErrorPolicy(c.GitLab.ErrorPolicy) {
	case gitlab.ErrorPolicyRetry, gitlab.ErrorPolicyTerminal:
	default:
		return fmt.Errorf("gitlab.error_policy %q is not supported (supported: retry, terminal)", c.GitLab.ErrorPolicy)
	}
	if *c.GitLab.RetryMax < 0 {
		return fmt.Errorf("gitlab.retry_max must not be negative, got %d", *c.GitLab.RetryMax)
	}
	return nil
}

func (c *Config) validateInstance() error {
	switch c.Instance.Type {
	case "gcp":
		g := c.Instance.GCP
		if g.Project == "" {
			return fmt.Errorf("instance.gcp.project is required when instance.type is \"gcp\"")
		}
		if g.Zone == "" {
			return fmt.Errorf("instance.gcp.zone is required when instance.type is \"gcp\"")
		}
		if g.Name == "" {
			return fmt.Errorf("instance.gcp.name is required when instance.type is \"gcp\"")
		}
	case "yandex":
		y := c.Instance.Yandex
		if y.InstanceID == "" {
			return fmt.Errorf("instance.yandex.instance_id is required when instance.type is \"yandex\"")
		}
		if y.ServiceAccountID == "" {
			return fmt.Errorf("instance.yandex.service_account_id is required when instance.type is \"yandex\"")
		}
		if y.KeyID == "" {
			return fmt.Errorf("instance.yandex.key_id is required when instance.type is \"yandex\"")
		}
		if y.PrivateKey == "" && y.PrivateKeyPath == "" {
			return fmt.Errorf("instance.yandex.private_key or instance.yandex.private_key_path is required")
		}
		if y.RefreshBefore < 0 || y.RefreshBefore > yandex.MaxRefreshBefore {
			return fmt.Errorf("instance.yandex.refresh_before must be between 0 and %s, got %s", yandex.MaxRefreshBefore, y.RefreshBefore)
		}
		if *y.RetryMax < 0 {
			return fmt.Errorf("instance.yandex.retry_max must not be negative, got %d", *y.RetryMax)
		}
	case "docker":
		if c.Instance.Docker.Container == "" {
			return fmt.Errorf("instance.docker.container is required when instance.type is \"docker\"")
		}
	default:
		return fmt.Errorf("instance.type %q is not supported (supported: gcp, yandex, docker)", c.Instance.Type)
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

// NewGitLabClient creates the pipeline status client.
func (c *Config) NewGitLabClient(logger *slog.Logger) *gitlab.Client {
	return gitlab.NewClient(gitlab.Config{
		BaseURL:        c.GitLab.URL,
		Token:          c.GitLab.Token,
		NotFoundStatus: pipeline.Status(c.GitLab.NotFoundStatus),
		ErrorPolicy:    gitlab.ErrorPolicy(c.GitLab.ErrorPolicy),
		RetryMax:       *c.GitLab.RetryMax,
	}, logger.WithGroup("gitlab"))
}

// NewInstance creates the compute backend selected by instance.type.
func (c *Config) NewInstance(ctx context.Context, logger *slog.Logger) (instance.Instance, error) {
	switch c.Instance.Type {
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project: c.Instance.GCP.Project,
			Zone:    c.Instance.GCP.Zone,
			Name:    c.Instance.GCP.Name,
		}, logger.WithGroup("instance.gcp"))
	case "yandex":
		if err := c.resolvePrivateKey(); err != nil {
			return nil, err
		}
		y := c.Instance.Yandex
		log := logger.WithGroup("instance.yandex")
		tokens, err := yandex.NewTokenSource(yandex.TokenSourceConfig{
			ServiceAccountID: y.ServiceAccountID,
			KeyID:            y.KeyID,
			PrivateKeyPEM:    []byte(y.PrivateKey),
			RefreshBefore:    y.RefreshBefore,
			Endpoint:         y.IAMEndpoint,
			RetryMax:         *y.RetryMax,
		}, log)
		if err != nil {
			return nil, err
		}
		return yandex.New(yandex.Config{
			InstanceID: y.InstanceID,
			Endpoint:   y.ComputeEndpoint,
			RetryMax:   *y.RetryMax,
		}, tokens, log), nil
	case "docker":
		return docker.New(ctx, docker.Config{
			Container:   c.Instance.Docker.Container,
			Image:       c.Instance.Docker.Image,
			Command:     c.Instance.Docker.Command,
			StopTimeout: c.Instance.Docker.StopTimeout,
		}, logger.WithGroup("instance.docker"))
	default:
		return nil, fmt.Errorf("unsupported instance type: %s", c.Instance.Type)
	}
}

// resolvePrivateKey reads the Yandex private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	y := &c.Instance.Yandex
	if y.PrivateKey != "" || y.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(y.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", y.PrivateKeyPath, err)
	}
	y.PrivateKey = string(data)
	return nil
}

// ControllerConfig returns the controller settings.  The caller fills in
// the collaborators.
func (c *Config) ControllerConfig() lifecycle.Config {
	return lifecycle.Config{
		StopAfter:            c.Lifecycle.StopAfter,
		ResendStartAfter:     c.Lifecycle.ResendStartAfter,
		PipelinePollInterval: *c.Lifecycle.PipelinePollInterval,
		InstancePollInterval: *c.Lifecycle.InstancePollInterval,
		PollConcurrency:      c.Lifecycle.PollConcurrency,
		ActionTimeout:        c.Lifecycle.ActionTimeout,
	}
}

// InstanceName returns the provider-side name of the controlled instance.
func (c *Config) InstanceName() string {
	switch c.Instance.Type {
	case "gcp":
		return c.Instance.GCP.Name
	case "yandex":
		return c.Instance.Yandex.InstanceID
	case "docker":
		return c.Instance.Docker.Container
	}
	return ""
}

// OTelSDKConfig returns the telemetry settings, labelled with the
// controlled instance.  The caller sets the Prometheus Registerer.
func (c *Config) OTelSDKConfig() otel.Config {
	return otel.Config{
		Enabled:      c.OTel.Enabled,
		Endpoint:     c.OTel.Endpoint,
		Insecure:     c.OTel.Insecure,
		StdOut:       c.OTel.StdOut,
		InstanceType: c.Instance.Type,
		InstanceName: c.InstanceName(),
	}
}
