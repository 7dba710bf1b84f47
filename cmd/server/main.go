package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ArionMiles/ledgerlink/internal/daemon"
	"github.com/ArionMiles/ledgerlink/pkg/config"
	"github.com/ArionMiles/ledgerlink/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig()).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.FromStrings(cfg.LogLevel, cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"environment", cfg.Environment,
		"api_base_url", cfg.APIBaseURL,
		"receipt_store", cfg.Receipts.Store,
	)

	// Setup context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := daemon.New(logger).Run(ctx, cfg); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
