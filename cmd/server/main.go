// Panelforge - interactive narrative session server
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

	"github.com/avelier/panelforge/internal/api"
	"github.com/avelier/panelforge/internal/audit"
	"github.com/avelier/panelforge/internal/config"
	"github.com/avelier/panelforge/internal/engine"
	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/identity"
	"github.com/avelier/panelforge/internal/middleware"
	"github.com/avelier/panelforge/internal/payment"
	"github.com/avelier/panelforge/internal/story"
	"github.com/avelier/panelforge/internal/store"
	"github.com/avelier/panelforge/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	shutdownTracing, err := telemetry.Init(context.Background(), cfg.TraceDir)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

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

	var auditLog audit.Logger = audit.NopLogger{}
	if cfg.Audit.Enabled {
		turnLogger, err := audit.NewTurnLogger(audit.Config{
			Enabled:       cfg.Audit.Enabled,
			Dir:           cfg.Audit.Dir,
			GlobalEnabled: cfg.Audit.GlobalEnabled,
			GlobalPath:    cfg.Audit.GlobalPath,
			QueueSize:     cfg.Audit.QueueSize,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize turn audit log", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := turnLogger.Close(); closeErr != nil {
				slog.Warn("Failed to close turn audit log", "error", closeErr)
			}
		}()
		auditLog = turnLogger
	}

	generator, err := generate.NewStreamClient(generate.StreamClientConfig{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.BackendAPIKey,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize generation client", "error", err)
		os.Exit(1)
	}
	defer generator.Close()
	slog.Info("Generation backend configured", "url", cfg.BackendURL)

	eng := engine.New(repo, generator, auditLog, logger, engine.Config{
		MaxPanels:         cfg.MaxPanels,
		ContextLimit:      cfg.ContextLimit,
		GenerationTimeout: cfg.GenerationTimeout,
	})

	storyHandler := story.NewHandler(eng, repo,
		cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	storyHandler.RegisterRoutes(r)

	// Payment settlement peer (only when a ledger is configured).
	if cfg.PaymentsEnabled() {
		ledger, err := payment.NewRPCClient(cfg.LedgerURL, 15*time.Second)
		if err != nil {
			slog.Error("Failed to initialize ledger client", "error", err)
			os.Exit(1)
		}
		verifier, err := payment.NewVerifier(ledger, cfg.ContractAddress)
		if err != nil {
			slog.Error("Failed to initialize payment verifier", "error", err)
			os.Exit(1)
		}
		split, err := payment.NewSplit(
			payment.Share{Recipient: "creator", Percent: 60},
			payment.Share{Recipient: "platform", Percent: 20},
			payment.Share{Recipient: "curator", Percent: 20},
		)
		if err != nil {
			slog.Error("Failed to build revenue split", "error", err)
			os.Exit(1)
		}
		payment.NewHandler(verifier, split).RegisterRoutes(r)
		slog.Info("Payment verification enabled", "contract", cfg.ContractAddress)
	} else {
		slog.Info("Payment verification disabled (LEDGER_URL or CONTRACT_ADDRESS not set)")
	}

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		os.Exit(1)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Tracing shutdown failed", "error", err)
	}

	slog.Info("Server stopped successfully")
}
