package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/medrag/internal/app"
	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/logging"
	"github.com/knoguchi/medrag/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up structured logging
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting medrag service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"document", cfg.FilePath,
	)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close backends", "error", err)
		}
	}()

	go a.Sessions.Run(ctx, 5*time.Minute)

	if cfg.WarmOnStart {
		go func() {
			res, err := a.Pipeline.Warm(ctx)
			if err != nil {
				slog.Error("failed to warm corpus cache", "error", err)
				return
			}
			slog.Info("warmed corpus cache", "corpus", res.CorpusKey, "embeddings", len(res.Embeddings))
		}()
	}

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
		Auth:   a.Auth,
	}, server.NewQueryService(a.Pipeline))

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:     cfg.HTTPPort,
		Logger:   logger,
		Auth:     a.Auth,
		Metrics:  a.Metrics,
		Sessions: a.Sessions,
	}, a.Pipeline)

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}
