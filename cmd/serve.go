package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/connectors/discord"
	"github.com/agentforge/forge/internal/connectors/telegram"
	"github.com/agentforge/forge/internal/extract"
	"github.com/agentforge/forge/internal/llm"
	"github.com/agentforge/forge/internal/metrics"
	"github.com/agentforge/forge/internal/monitor"
	"github.com/agentforge/forge/internal/router"
	"github.com/agentforge/forge/internal/server"
	"github.com/agentforge/forge/internal/store"
	"github.com/agentforge/forge/internal/telemetry"
	"github.com/agentforge/forge/internal/tmux"
	"github.com/agentforge/forge/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forge server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	driver := tmux.NewDriver("")
	if err := driver.Available(); err != nil {
		slog.Error("tmux unavailable; forge cannot supervise agents without it", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(config.ExpandHome(cfg.Defaults.DBPath))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	hub := ws.NewHub()
	manager := agent.NewManager(cfg, driver, db, hub)

	// Adopt surviving tmux sessions and recreate agents whose sessions died
	// while a snapshot remains.
	manager.Recover(ctx, monitor.DetectStatus)

	connMgr := connectors.NewManager()
	registerConnectors(connMgr, cfg)

	rtr := router.New(cfg, manager, connMgr, db)
	rtr.Bind()
	connMgr.StartAll(ctx)

	llmClient := llm.New(config.AnthropicAPIKey())
	extractor := extract.NewExtractor(llmClient, cfg.Defaults.ResponseRelay.Model, cfg.Defaults.ResponseRelay.MaxChars)
	summarizer := monitor.NewSummarizer(llmClient, cfg.Defaults.Summary)

	pollInterval := time.Duration(cfg.Defaults.PollInterval) * time.Second
	mon := monitor.New(manager, rtr, extractor, summarizer, hub, pollInterval)
	go mon.Run(ctx)

	registry := prometheus.NewRegistry()
	if cfg.Defaults.Metrics.Enabled {
		interval := time.Duration(cfg.Defaults.Metrics.Interval) * time.Second
		collector := metrics.NewCollector(manager, hub, registry, interval)
		go collector.Run(ctx)
	}

	// Watch blocks until ctx is cancelled, so it runs beside the server.
	go func() {
		if err := cfg.Watch(ctx, cfgPath, func() {
			rtr.RebuildChannelMap()
		}); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("graceful shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		connMgr.StopAll(shutdownCtx)
	}()

	slog.Info("forge starting",
		"version", Version,
		"projects", cfg.ProjectNames(),
		"connectors", len(connMgr.All()),
		"agents_recovered", manager.Store().Count(),
	)

	srv := server.New(cfg, manager, connMgr, db, hub, registry, Version)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// registerConnectors builds every enabled connector from config. A
// connector that fails to construct is logged and skipped.
func registerConnectors(mgr *connectors.Manager, cfg *config.Config) {
	for id, cc := range cfg.Connectors {
		if !cc.Enabled {
			continue
		}
		var (
			c   connectors.Connector
			err error
		)
		switch cc.Type {
		case "telegram":
			c, err = telegram.New(id, cc)
		case "discord":
			c, err = discord.New(id, cc)
		default:
			slog.Warn("unknown connector type", "connector", id, "type", cc.Type)
			continue
		}
		if err != nil {
			slog.Error("connector init failed", "connector", id, "error", err)
			continue
		}
		mgr.Register(c)
	}
}
