// Package main is the entry point for the gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gembiz/gateway/internal/config"
	"github.com/gembiz/gateway/internal/handler"
	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/relay"
	"github.com/gembiz/gateway/internal/store"
	"github.com/gembiz/gateway/internal/upstream"
	"github.com/gembiz/gateway/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := setupLogger(cfg)
	logger.Info("starting gateway",
		"port", cfg.Port,
		"accounts_file", cfg.AccountsFile,
	)

	// Load the account pool
	policy := cfg.RetryPolicy()
	accounts, err := config.LoadAccounts(cfg.AccountsFile, policy)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	// Create counter store (Redis optional)
	st, err := store.New(store.Options{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		PoolSize:  cfg.RedisPoolSize,
		Timeout:   cfg.RedisTimeout,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = st.Connect(ctx) // Redis being down is not fatal
	cancel()

	// Restore persisted counters
	if counters, err := st.LoadCounters(context.Background()); err == nil {
		for _, acct := range accounts {
			if c, ok := counters[acct.ID]; ok {
				acct.RestoreCounters(c)
			}
		}
	} else {
		logger.Warn("failed to restore counters", "error", err)
	}

	accountPool := pool.New(pool.Options{
		Accounts: accounts,
		Policy:   policy,
		Logger:   logger,
	})

	// Create upstream client and wire it as the token source
	client := upstream.NewClient(upstream.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.RequestTimeout,
		Logger:              logger,
	})
	accountPool.SetTokenSource(client)

	// Session affinity and conversation serialization
	sessions := pool.NewSessionCache(cfg.SessionTTL, logger)
	locks := pool.NewLockRegistry()

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go sessions.StartBackgroundCleanup(cleanupCtx, cfg.CleanupInterval, locks)

	orch := relay.New(relay.Options{
		Pool:     accountPool,
		Sessions: sessions,
		Locks:    locks,
		Opener:   client,
		Logger:   logger,
	})

	// Create handlers
	chatHandler := handler.NewChatHandler(orch, client, sessions, st, logger)
	modelsHandler := handler.NewModelsHandler()
	adminHandler := handler.NewAdminHandler(accountPool, sessions, st, cfg.AccountsFile, logger)
	healthHandler := handler.NewHealthHandler(accountPool, st)

	// Create API key validators. The admin key also opens the API
	// surface, but when it is configured the admin routes accept it
	// alone.
	validateAPIKey := func(key string) bool {
		if cfg.APIKey == "" {
			return true // No API key configured, allow all
		}
		return key == cfg.APIKey || (cfg.AdminAPIKey != "" && key == cfg.AdminAPIKey)
	}
	validateAdminKey := validateAPIKey
	if cfg.AdminAPIKey != "" {
		validateAdminKey = func(key string) bool {
			return key == cfg.AdminAPIKey
		}
	}

	// Create router
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("POST /v1/chat/completions", chatHandler)
	mux.Handle("GET /v1/models", modelsHandler)
	mux.HandleFunc("GET /v1/models/{id}", modelsHandler.Get)
	adminHandler.Register(mux)

	// Apply middleware
	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, validateAdminKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Persist counters before exit
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
	for _, status := range accountPool.Snapshot() {
		if acct, err := accountPool.Account(status.ID); err == nil {
			_ = st.SaveCounters(persistCtx, acct.ID, acct.Counters())
		}
	}
	cancelPersist()

	// Close connections
	client.Close()
	if err := st.Close(); err != nil {
		logger.Error("failed to close Redis connection", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
