package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/feed"
	"github.com/rickgao/tickcast/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting publisher",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadPublisher(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"group", cfg.Multicast.Group,
		"multicast_port", cfg.Multicast.Port,
		"retransmit_port", cfg.Retransmit.Port,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	pub, err := feed.NewPublisher(cfg, logger)
	if err != nil {
		logger.Error("failed to create publisher", "error", err)
		os.Exit(1)
	}

	if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("publisher failed", "error", err)
		os.Exit(1)
	}

	stats := pub.Stats()
	logger.Info("publisher stopped",
		"sent", stats.Sent,
		"dropped", stats.Dropped,
		"served", stats.Served,
		"refused", stats.Refused,
	)
}
