package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/glossa/internal/app"
	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/health"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/server"
)

// shutdownTimeout bounds session teardown and store closing after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the practice server",
		Long: `Serves the practice WebSocket on /v1/practice together with the HTTP API,
health probes and Prometheus metrics. Practice settings and the log level are
reloaded when the configuration file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, configPath string, stdout io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, level := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("glossa starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Observe.TracesSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	flush, err := observe.InitSentry(observe.SentryConfig{
		DSN:              cfg.Observe.SentryDSN,
		Environment:      cfg.Observe.Environment,
		Release:          version,
		TracesSampleRate: cfg.Observe.TracesSampleRate,
	})
	if err != nil {
		return err
	}
	defer flush()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}

	printStartupSummary(stdout, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(r config.Reload) {
		d := r.Diff
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PracticeChanged {
			application.ApplyPractice(d.NewPractice)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
		}
	}, config.WithLogger(logger))
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	// ── Server ────────────────────────────────────────────────────────────────
	srv := server.New(application,
		server.WithLogger(logger),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithHealth(health.New(application.HealthCheckers())),
	)
	slog.Info("server ready, press Ctrl+C to shut down")
	serveErr := srv.ListenAndServe(ctx, cfg.Server.ListenAddr, cfg.Server.TLS)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		slog.Error("serve error", "err", serveErr)
		observe.CaptureError(ctx, serveErr, map[string]string{"component": "server"})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return serveErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         Glossa startup summary        ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "STT", cfg.Providers.STT)
	printProvider(w, "TTS", cfg.Providers.TTS)
	printProvider(w, "LLM", cfg.Providers.LLM)
	scripts := cfg.Storage.ScriptDir
	if scripts == "" {
		scripts = "(postgres)"
	}
	printRow(w, "Scripts", scripts)
	printRow(w, "Progress", string(cfg.Storage.Progress.Backend))
	if cfg.Server.MaxSessions > 0 {
		printRow(w, "Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
	} else {
		printRow(w, "Max sessions", "(unlimited)")
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind string, e config.ProviderEntry) {
	value := e.Name
	switch {
	case value == "":
		value = "(not configured)"
	case e.Model != "":
		value = e.Name + " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}
