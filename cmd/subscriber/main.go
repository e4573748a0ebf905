package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/tickcast/internal/archive"
	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/ingest"
	"github.com/rickgao/tickcast/internal/protocol"
	"github.com/rickgao/tickcast/internal/strategy"
	"github.com/rickgao/tickcast/internal/version"
	"github.com/rickgao/tickcast/internal/wsfeed"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting subscriber",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadSubscriber(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"group", cfg.Multicast.Group,
		"multicast_port", cfg.Multicast.Port,
		"publisher", cfg.Recovery.PublisherHost,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals: cooperative, so the mark-to-market report
	// always runs.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// The trading rule is the primary consumer.
	engine := strategy.NewEngine(logger)

	// Optional delivered-tick archive.
	var queue *archive.Queue
	var writer *archive.Writer
	if cfg.Archive.Backend != "" {
		store, err := archive.NewStore(cfg.Archive, logger)
		if err != nil {
			logger.Error("failed to create archive store", "error", err)
			os.Exit(1)
		}
		queue = archive.NewQueue(cfg.Archive.QueueSize)
		writer = archive.NewWriter(cfg.Archive, queue, store, logger)
		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start archive writer", "error", err)
			os.Exit(1)
		}
	}

	// Optional websocket mirror of the delivered stream.
	var hub *wsfeed.Hub
	if cfg.LiveFeed.Port > 0 {
		hub = wsfeed.NewHub(cfg.LiveFeed, logger)
		if err := hub.Start(ctx); err != nil {
			logger.Error("failed to start live feed", "error", err)
			os.Exit(1)
		}
	}

	instanceID := cfg.Instance.ID
	deliver := func(tick protocol.Tick, recovered bool) {
		engine.OnTick(tick)
		if queue != nil {
			queue.Push(archive.NewRow(instanceID, tick, time.Now().UnixNano(), recovered))
		}
		if hub != nil {
			hub.Publish(tick, recovered)
		}
	}

	sub := ingest.NewSubscriber(cfg, deliver, logger)
	if err := sub.Run(ctx); err != nil {
		logger.Error("subscriber failed", "error", err)
		shutdownSidecars(writer, hub, logger)
		os.Exit(1)
	}

	shutdownSidecars(writer, hub, logger)
	printFinalReport(engine, sub, logger)
}

// shutdownSidecars stops the archive writer and the live feed with a bounded
// grace period.
func shutdownSidecars(writer *archive.Writer, hub *wsfeed.Hub, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Error("archive writer stop failed", "error", err)
		}
	}
	if hub != nil {
		hub.Stop(shutdownCtx)
	}
}

// printFinalReport marks open positions to market and logs the session
// summary.
func printFinalReport(engine *strategy.Engine, sub *ingest.Subscriber, logger *slog.Logger) {
	rep := engine.Report()

	for _, pos := range rep.Open {
		logger.Info("open position",
			"symbol", pos.Symbol,
			"entry", pos.EntryPrice,
			"last", pos.LastPrice,
			"unrealized", pos.Unrealized,
		)
	}

	stats := sub.Stats()
	logger.Info("session report",
		"realized_pnl", rep.Realized,
		"unrealized_pnl", rep.Unrealized,
		"net_pnl", rep.Net,
		"trades", rep.Trades,
		"delivered", stats.Delivered,
		"recovered", stats.Recovered,
		"lost", stats.Lost,
	)
}
