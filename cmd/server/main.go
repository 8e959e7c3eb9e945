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

	"github.com/kirillkom/retrieval-engine/internal/bootstrap"
	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewJSONLogger("retrieval-engine", "info").Error("config_load_failed", "error", err.Error())
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("retrieval-engine", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err.Error())
		os.Exit(1)
	}
	defer app.Close()

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- app.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("api_server_failed", "error", err.Error())
	case err := <-runDone:
		if err != nil {
			logger.Error("scheduler_failed", "error", err.Error())
		}
		runDone <- nil
	}
	stop()
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err.Error())
	}
	if err := app.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("scheduler_shutdown_incomplete", "error", err.Error())
	}
	logger.Info("shutdown_complete")
}
