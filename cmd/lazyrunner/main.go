package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/lazyrunner/internal/buildinfo"
	"github.com/terrpan/lazyrunner/internal/config"
	"github.com/terrpan/lazyrunner/internal/lifecycle"
	"github.com/terrpan/lazyrunner/internal/otel"
	"github.com/terrpan/lazyrunner/internal/server"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lazyrunner",
	Short: "Power a single CI runner VM on and off from GitLab pipeline webhooks",
	Long: `lazyrunner receives GitLab pipeline webhooks and keeps one compute
instance (GCP, Yandex Cloud or a local Docker container) running only
while pipelines are active.  The instance is started on the first active
pipeline and stopped after an idle window once the last one finishes.
Two reconciliation pollers repair missed webhooks and out-of-band power
changes.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      buildinfo.String(),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitLab overrides
	f.StringVar(&flagOverrides.GitLab.URL, "gitlab-url", "", "GitLab URL (e.g. https://gitlab.example.com)")
	f.StringVar(&flagOverrides.GitLab.Token, "gitlab-token", "", "GitLab access token with read_api scope")
	f.StringVar(&flagOverrides.GitLab.WebhookSecret, "webhook-secret", "", "Secret expected in X-Gitlab-Token and the admin token header")

	// Instance overrides
	f.StringVar(&flagOverrides.Instance.Type, "instance-type", "", "Instance backend (gcp, yandex, docker)")

	// Lifecycle overrides
	f.DurationVar(&flagOverrides.Lifecycle.StopAfter, "stop-after", 0, "Idle window before the instance is stopped")
	f.DurationVar(&flagOverrides.Lifecycle.ResendStartAfter, "resend-start-after", 0, "Re-issue a start when the last one is older than this")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "HTTP listen address")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitLab.URL != "" {
		cfg.GitLab.URL = flagOverrides.GitLab.URL
	}
	if flagOverrides.GitLab.Token != "" {
		cfg.GitLab.Token = flagOverrides.GitLab.Token
	}
	if flagOverrides.GitLab.WebhookSecret != "" {
		cfg.GitLab.WebhookSecret = flagOverrides.GitLab.WebhookSecret
	}
	if flagOverrides.Instance.Type != "" {
		cfg.Instance.Type = flagOverrides.Instance.Type
	}
	if flagOverrides.Lifecycle.StopAfter != 0 {
		cfg.Lifecycle.StopAfter = flagOverrides.Lifecycle.StopAfter
	}
	if flagOverrides.Lifecycle.ResendStartAfter != 0 {
		cfg.Lifecycle.ResendStartAfter = flagOverrides.Lifecycle.ResendStartAfter
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("instance", cfg.Instance.Type),
		slog.Duration("stopAfter", cfg.Lifecycle.StopAfter),
		slog.Duration("resendStartAfter", cfg.Lifecycle.ResendStartAfter),
		slog.Duration("pipelinePollInterval", *cfg.Lifecycle.PipelinePollInterval),
		slog.Duration("instancePollInterval", *cfg.Lifecycle.InstancePollInterval),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	otelCfg := cfg.OTelSDKConfig()
	otelCfg.Registerer = registry
	otelShutdown, err := otel.SetupOTelSDK(ctx, "lazyrunner", otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize instance backend and GitLab client
	// ---------------------------------------------------------------
	inst, err := cfg.NewInstance(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing instance: %w", err)
	}
	defer func() {
		if err := inst.Close(); err != nil {
			logger.Error("instance client close error", slog.String("error", err.Error()))
		}
	}()

	gl := cfg.NewGitLabClient(logger)

	// ---------------------------------------------------------------
	// 5. Create controller and seed the instance belief
	// ---------------------------------------------------------------
	ctrlCfg := cfg.ControllerConfig()
	ctrlCfg.Instance = inst
	ctrlCfg.Statuses = gl
	ctrlCfg.Logger = logger.WithGroup("lifecycle")
	ctrl := lifecycle.New(ctrlCfg)

	// A failed probe is not fatal: belief stays off and the instance
	// poller corrects it.
	if err := ctrl.Probe(ctx); err != nil {
		logger.Warn("instance probe failed, assuming off", slog.String("error", err.Error()))
	}

	// ---------------------------------------------------------------
	// 6. Serve
	// ---------------------------------------------------------------
	srv := server.New(ctrl, server.Config{
		WebhookSecret: cfg.GitLab.WebhookSecret,
		InstanceType:  cfg.Instance.Type,
		Gatherer:      registry,
		Logger:        logger.WithGroup("server"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		// The pending stop is dropped; the instance keeps its power state.
		if cerr := ctrl.Close(shutdownCtx); cerr != nil {
			logger.Warn("instance calls still in flight at shutdown", slog.String("error", cerr.Error()))
		}
		return err
	})

	return g.Wait()
}
