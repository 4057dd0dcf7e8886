// Package main is the Conductor entry point. One process hosts the
// orchestrator conversation, the worker agent fleet, the WebSocket fan-out
// hub and the HTTP API, sharing a single store and event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductor/conductor/internal/agent"
	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/common/tracing"
	"github.com/conductor/conductor/internal/db"
	"github.com/conductor/conductor/internal/events"
	gateway "github.com/conductor/conductor/internal/gateway/websocket"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/mcpserver"
	"github.com/conductor/conductor/internal/orchestrator"
	"github.com/conductor/conductor/internal/server"
	"github.com/conductor/conductor/internal/store"
	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tokenecon"
)

const defaultSystemPrompt = `You are an orchestrator coordinating a fleet of worker agents.
Create agents for well-scoped tasks, dispatch commands to them, monitor
their logs, and report progress back to the user. Prefer delegating work
over doing it yourself.`

func main() {
	var (
		sessionID  = flag.String("session", "", "resume an existing orchestrator session ID")
		cwd        = flag.String("cwd", "", "orchestrator working directory (overrides config)")
		configPath = flag.String("config", "", "directory containing config.yaml")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workingDir := resolveWorkingDir(*cwd, cfg.Orchestrator.WorkingDir)
	systemPrompt := loadSystemPrompt(cfg.Orchestrator.SystemPromptPath, log)

	log.Info("Starting Conductor",
		zap.String("working_dir", workingDir),
		zap.Bool("resume", *sessionID != ""))

	// Persistence: Postgres when a host is configured, SQLite otherwise.
	pool, err := openDatabase(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	st := store.New(pool)
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	hub := gateway.NewHub(
		cfg.WebSocket.PingIntervalDuration(),
		cfg.WebSocket.ConnectionTimeoutDuration(),
		log,
	)
	broadcaster := gateway.NewBroadcaster(hub, eventBus)

	client := llm.NewClient(cfg.Anthropic, log)
	summaries := summarizer.New(
		client.Messages(),
		cfg.Anthropic.FastModel,
		cfg.Anthropic.SummarizerTimeoutDuration(),
		log,
	)

	economy := tokenecon.New(cfg.TokenEconomy, tokenecon.ModelTiers{
		Cheap:   cfg.Anthropic.FastModel,
		Mid:     cfg.Anthropic.DefaultModel,
		Premium: cfg.Anthropic.PremiumModel,
	}, log, broadcaster.CostAlert)

	templates := agent.NewTemplateRegistry(workingDir, log)
	manager := agent.NewManager(agent.Config{
		WorkingDir:    workingDir,
		DefaultModel:  cfg.Anthropic.DefaultModel,
		FastModel:     cfg.Anthropic.FastModel,
		PremiumModel:  cfg.Anthropic.PremiumModel,
		ContextWindow: cfg.TokenEconomy.MaxContextTokens,
	}, st, client, broadcaster, summaries, templates, log)

	tools := manager.ManagementTools()

	svc := orchestrator.New(orchestrator.Config{
		SystemPrompt:     systemPrompt,
		WorkingDir:       workingDir,
		HistoryLimit:     cfg.Orchestrator.HistoryLimit,
		MaxContextTokens: cfg.TokenEconomy.MaxContextTokens,
		DefaultModel:     cfg.Anthropic.DefaultModel,
		FastModel:        cfg.Anthropic.FastModel,
		PremiumModel:     cfg.Anthropic.PremiumModel,
	}, st, client, economy, summaries, broadcaster, tools, log)

	if err := svc.Load(ctx, *sessionID); err != nil {
		log.Error("Failed to load orchestrator", zap.Error(err))
		os.Exit(1)
	}

	// The worker fleet belongs to the loaded orchestrator; completed worker
	// commands surface as subagent-stop entries in its system log.
	manager.SetOwner(svc.Orchestrator().ID)
	manager.SetSubagentStopFunc(svc.OnSubagentStop)

	httpServer := server.New(cfg.Server, svc, manager, st, hub, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return httpServer.Start(gctx)
	})

	if cfg.MCP.Enabled {
		mcpSrv, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, tools, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		defer func() { _ = mcpCleanup() }()
		log.Info("MCP server available",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Trace flush failed", zap.Error(err))
	}

	log.Info("Conductor stopped")
}

// openDatabase selects the backing store. SQLite splits writer and reader
// pools for WAL concurrency; Postgres shares one pool for both roles.
func openDatabase(cfg *config.Config, log *logger.Logger) (*db.Pool, error) {
	if cfg.Database.Host != "" {
		raw, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(raw, "pgx")
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return db.NewPool(conn, conn), nil
	}

	dbPath := os.Getenv("CONDUCTOR_DB_PATH")
	if dbPath == "" {
		dbPath = "./conductor.db"
	}
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	log.Info("Using SQLite database", zap.String("path", dbPath))
	return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

func resolveWorkingDir(flagCwd, configCwd string) string {
	if flagCwd != "" {
		return flagCwd
	}
	if configCwd != "" {
		return configCwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func loadSystemPrompt(path string, log *logger.Logger) string {
	if path == "" {
		return defaultSystemPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Failed to read system prompt file, using default",
			zap.String("path", path), zap.Error(err))
		return defaultSystemPrompt
	}
	return string(data)
}
