package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/wallet-ledger/internal/config"
	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/scheduler"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/internal/transfers"
)

func main() {
	once := flag.Bool("once", false, "run the watchers and the due runner once, then exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger, *once); err != nil {
		logger.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	l := ledger.New(db.Ledger(), ledger.WithLogger(logger), ledger.WithObserver(metrics.PostingObserver{}))
	engine := requests.NewService(
		db.Requests(), l,
		transfers.NewRegistry(fees.NewEngine(logger), transfers.WithLogger(logger)),
		cfg.Settings(),
		requests.WithLogger(logger),
		requests.WithLimitChecker(limits.NewChecker(logger)),
	)

	store := db.Scheduler()
	watcher := scheduler.NewWatcher(store, scheduler.NewPlanner(store, time.Now, logger), time.Now, logger)
	runner := scheduler.NewRunner(store, engine, logger)
	runner.BatchSize = cfg.SchedulerBatchSize

	c := scheduler.NewCron(watcher, runner, logger)
	c.WatchSpec = cfg.SchedulerWatchSpec
	c.RunSpec = cfg.SchedulerRunSpec

	if once {
		c.Watch()
		c.Run()
		return nil
	}

	if err := c.Start(); err != nil {
		return err
	}
	logger.Info("scheduler started")
	<-ctx.Done()

	logger.Info("stopping scheduler, waiting for running jobs")
	<-c.Stop().Done()
	return nil
}
