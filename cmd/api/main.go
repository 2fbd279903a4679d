// Package main is the entry point for the SnapSage metering API server.
//
// It loads configuration from the environment, opens the Postgres pool, wires
// the plan state machine, quota gate, and Stripe/model clients together, and
// serves the versioned HTTP API with graceful shutdown on SIGINT/SIGTERM.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"snapsage/internal/api/handlers"
	"snapsage/internal/auth"
	"snapsage/internal/billing"
	"snapsage/internal/config"
	"snapsage/internal/core"
	"snapsage/internal/db"
	"snapsage/internal/external"
	"snapsage/internal/metering"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("snapsage metering API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database pool: %w", err)
	}
	defer pool.Close()

	// Repositories.
	planRepo := db.NewUserPlanRepo(pool, logger)
	quotaRepo := db.NewUsageQuotaRepo(pool, logger)
	usageRepo := db.NewUsageLogRepo(pool, logger)

	// External providers.
	stripeClient := external.NewStripeClient(cfg.Billing, planRepo, logger)
	stripeVerifier := external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret)
	modelClient := external.NewOpenAIClient(cfg.Model)

	// Domain services.
	registry := billing.NewStaticPlanRegistry()
	quotaService := metering.NewQuotaService(quotaRepo, registry, logger)
	stateMachine := billing.NewPlanStateMachine(planRepo, quotaService, registry, stripeClient, logger)
	ledger := metering.NewUsageLedger(usageRepo, logger)
	gate := metering.NewGate(stateMachine, quotaService, registry, modelClient, ledger, logger)

	// HTTP chassis.
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret.Unmask())
	srv, err := core.NewServer(cfg, logger, verifier)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	assistHandler := handlers.NewAssistHandler(gate, logger)
	planHandler := handlers.NewPlanHandler(stateMachine, quotaService, usageRepo, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, cfg, core.NewValidator(), logger)
	webhookHandler := handlers.NewStripeWebhookHandler(stripeVerifier, stateMachine, logger)

	srv.V1Registrars = append(srv.V1Registrars,
		assistHandler.RegisterRoutes,
		planHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.WebhookRegistrars = append(srv.WebhookRegistrars,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool opens and verifies the Postgres connection pool.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the server with graceful shutdown on SIGINT/SIGTERM.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
