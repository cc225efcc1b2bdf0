package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/config"
	"github.com/example/wallet-ledger/internal/storage"
)

func main() {
	clientID := flag.String("client-id", "", "register (or replace) an operator client")
	clientSecret := flag.String("client-secret", "", "secret of -client-id")
	scopes := flag.String("scopes", "requests:read requests:write requests:execute balances:read cards:write", "space separated scopes of -client-id")
	keyOut := flag.String("signing-key-out", "", "generate an OAuth signing key at this path and exit")
	flag.Parse()

	if *keyOut != "" {
		if err := writeSigningKey(*keyOut); err != nil {
			slog.Error("failed to write signing key", "path", *keyOut, "error", err)
			os.Exit(1)
		}
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("schema applied", "driver", cfg.DatabaseDriver)

	if *clientID == "" {
		return
	}
	if *clientSecret == "" {
		logger.Error("-client-secret is required with -client-id")
		os.Exit(1)
	}
	if err := db.PutClient(ctx, *clientID, *clientSecret, strings.Fields(*scopes)); err != nil {
		logger.Error("failed to register client", "client_id", *clientID, "error", err)
		os.Exit(1)
	}
	logger.Info("client registered", "client_id", *clientID)
}

func writeSigningKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	keys, err := auth.NewKeySet()
	if err != nil {
		return err
	}
	if err := keys.WriteFile(path); err != nil {
		return err
	}
	slog.Info("signing key written", "path", path, "kid", keys.KeyID())
	return nil
}
