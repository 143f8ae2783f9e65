package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/database"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/events/bus"
	"github.com/astridclaw/astrid-agents/internal/executor"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
	"github.com/astridclaw/astrid-agents/internal/orchestrator"
	"github.com/astridclaw/astrid-agents/internal/orchestrator/streaming"
	"github.com/astridclaw/astrid-agents/internal/session"
	"github.com/astridclaw/astrid-agents/internal/webhook"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestrator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the event bus (in-memory when NATS is not configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Open the session backend
	backend, err := openSessionBackend(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open session backend", zap.Error(err),
			zap.String("backend", cfg.Sessions.Backend))
	}
	store := session.NewStore(backend, eventBus, log)
	defer store.Close()
	log.Info("Session store ready", zap.String("backend", cfg.Sessions.Backend))

	// 6. Initialize repository manager
	repos := gitrepo.NewManager(cfg.Repos, log)

	// 7. Register provider executors
	router := executor.NewRouter()
	router.Register(session.ProviderClaude,
		executor.NewClaudeExecutor(cfg.Providers.Claude, repos, log))
	router.Register(session.ProviderOpenAI,
		executor.NewHTTPExecutor(session.ProviderOpenAI, cfg.Providers.OpenAI,
			executor.NewOpenAIBackend(cfg.Providers.OpenAI, log), repos, log))
	router.Register(session.ProviderGemini,
		executor.NewHTTPExecutor(session.ProviderGemini, cfg.Providers.Gemini,
			executor.NewGeminiBackend(cfg.Providers.Gemini, log), repos, log))
	log.Info("Registered provider executors", zap.Int("providers", len(router.Providers())))

	// 8. Initialize orchestrator
	callbacks := orchestrator.NewCallbackClient(cfg.Webhook.CallbackURL, cfg.Webhook.Secret, log)
	orch := orchestrator.New(store, repos, router, callbacks, cfg, log)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// 9. Initialize websocket streaming hub
	hub := streaming.NewHub(log)
	if err := hub.Start(eventBus); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}

	// 10. Setup HTTP server with Gin
	engine := webhook.NewEngine(log)
	handler := webhook.NewHandler(cfg, store, orch, router, hub, log)
	handler.Register(engine)

	if cfg.Webhook.Secret == "" {
		log.Warn("No webhook secret configured; webhook route will reject deliveries")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()
	orch.Stop()

	log.Info("Orchestrator service stopped")
}

// openSessionBackend picks the persistence backend from configuration.
// An unset backend runs memory-only; sessions do not survive a restart.
func openSessionBackend(ctx context.Context, cfg *config.Config) (session.Backend, error) {
	switch cfg.Sessions.Backend {
	case "", "memory":
		return session.NopBackend{}, nil
	case "sqlite":
		return session.NewSQLiteBackend(cfg.Sessions.SQLitePath)
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return session.NewPostgresBackend(ctx, db)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Sessions.Backend)
	}
}
