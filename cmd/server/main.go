// Package main is the entry point for the tombstone API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tombstone/internal/app"
	"tombstone/internal/config"
	v1 "tombstone/internal/infrastructure/http/v1"
	"tombstone/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := logger.WithLogger(context.Background(), log)
	log.Infow("starting tombstone server", "version", version, "driver", cfg.Database.Driver)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	router := v1.NewRouter(v1.RouterConfig{
		Service:  a.Service,
		Bulk:     a.BulkOptions(),
		Database: a.DB,
		Backend:  cfg.Database.Driver,
		Version:  version,
		Logger:   log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Infow("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
