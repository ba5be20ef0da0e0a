// server is the central relay: it ingests forwarder sessions into the
// relational store, fans events out to receiver sessions, and exposes the
// loopback admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"timerelay/internal/config"
	"timerelay/internal/logging"
	"timerelay/internal/server"
	"timerelay/internal/server/store"
)

func main() {
	configPath := flag.String("config", "", "path to the server configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("server", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		// Corruption or migration failure at open is fatal by contract.
		logger.Fatal("database migration failed", zap.Error(err))
	}

	srv := server.New(cfg, pg, logger)

	stopSweep, err := srv.StartRetentionSweep(cfg.CursorRetentionSchedule)
	if err != nil {
		logger.Fatal("invalid cursor retention schedule", zap.Error(err))
	}
	if stopSweep != nil {
		defer stopSweep()
	}

	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: srv.AdminHandler()}
	go func() {
		logger.Info("admin API listening", zap.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin server terminated", zap.Error(err))
		}
	}()

	mainServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server terminated", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = mainServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}
