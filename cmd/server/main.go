// agentbox - checkpointed LLM task agent with sandboxed execution
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/mkorolev/agentbox/internal/api"
	"github.com/mkorolev/agentbox/internal/config"
	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/engine"
	"github.com/mkorolev/agentbox/internal/middleware"
	"github.com/mkorolev/agentbox/internal/model"
	"github.com/mkorolev/agentbox/internal/sandbox"
	"github.com/mkorolev/agentbox/internal/store"
	"github.com/mkorolev/agentbox/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runtime, err := sandbox.NewDockerRuntime(cfg.SandboxImage, cfg.ContainerRuntime)
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Container runtime initialized", "image", cfg.SandboxImage)

	// Ensure custom bridge network exists for sandbox containers.
	networkID, err := runtime.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	registry := sandbox.NewRegistry(runtime, repo)
	locks := engine.NewSessionLocks()
	policy := engine.NewRulePolicy(cfg.SensitiveTools, cfg.SensitivePatterns)
	client := model.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)

	eng := engine.New(repo, registry, client, policy, locks, engine.Config{
		MaxIterations: cfg.MaxIterations,
		MaxTokens:     cfg.MaxTokens,
		ExecTimeout:   cfg.ExecTimeout,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, eng, registry)
	healthHandler := api.NewHealthHandler(repo, registry)
	wsHandler := ws.NewEventHandler(eng, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start idle sweeper.
	sweeper := sandbox.NewSweeper(registry, runtime, locks, cfg.SweepInterval, cfg.SandboxIdleTTL)
	sweeper.Start(ctx)
	slog.Info("Sandbox sweeper started", "interval", cfg.SweepInterval, "idle_ttl", cfg.SandboxIdleTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Destroy remaining sandboxes so state carries over to the next process.
	registry.ReapAll(shutdownCtx, domain.ReapShutdown)

	slog.Info("Server stopped successfully")
}
