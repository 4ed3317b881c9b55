package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/config"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/server"
)

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	upstreamURL := flag.String("upstream", "", "Agent service URL (overrides UPSTREAM_URL)")
	dev := flag.Bool("dev", false, "Development mode: console logs, debug level")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *upstreamURL != "" {
		cfg.Upstream.URL = *upstreamURL
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("falling back to default logger", zap.Error(err))
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("server error", zap.Error(err))
	}
}
