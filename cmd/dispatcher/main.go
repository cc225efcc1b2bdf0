package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/wallet-ledger/internal/config"
	"github.com/example/wallet-ledger/internal/outbox"
	"github.com/example/wallet-ledger/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("outbox dispatcher started", "broker", cfg.EventBroker)
	return outbox.NewDispatcher(db.Outbox(), publisher, logger).Run(ctx)
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (outbox.Publisher, error) {
	switch cfg.EventBroker {
	case "rabbitmq":
		return outbox.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	case "kafka":
		return outbox.NewKafkaPublisher(cfg.Brokers(), cfg.KafkaTopic, logger), nil
	default:
		return outbox.LogPublisher{Logger: logger}, nil
	}
}
