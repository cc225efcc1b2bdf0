package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/config"
	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/rpc"
	"github.com/example/wallet-ledger/internal/security"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/internal/tan"
	"github.com/example/wallet-ledger/internal/transfers"
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
		logger.Error("ledger service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OAuthSigningKeyFile == "" {
		return errors.New("OAUTH_SIGNING_KEY_FILE is required to validate callers")
	}
	keys, err := auth.LoadKeySet(cfg.OAuthSigningKeyFile)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := []requests.Option{
		requests.WithLogger(logger),
		requests.WithLimitChecker(limits.NewChecker(logger)),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		opts = append(opts, requests.WithTANService(tan.NewService(rdb, logger)))
	}

	l := ledger.New(db.Ledger(), ledger.WithLogger(logger), ledger.WithObserver(metrics.PostingObserver{}))
	engine := requests.NewService(
		db.Requests(), l,
		transfers.NewRegistry(fees.NewEngine(logger), transfers.WithLogger(logger)),
		cfg.Settings(),
		opts...,
	)

	var tlsCfg *tls.Config
	tlsFiles := security.TLSConfig{
		CertFile:          cfg.TLSCertFile,
		KeyFile:           cfg.TLSKeyFile,
		CAFile:            cfg.TLSCAFile,
		RequireClientAuth: cfg.TLSRequireClientAuth,
	}
	if tlsFiles.Enabled() {
		if tlsCfg, err = security.LoadServerTLSConfig(tlsFiles); err != nil {
			return err
		}
	} else if cfg.Production() {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required in " + cfg.Environment)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.AllowedCIDRs())
	if err != nil {
		return err
	}
	srv, hs := rpc.NewGRPCServer(rpc.NewServer(engine, l, logger), rpc.Options{
		Validator: &auth.JWTValidator{KeySet: keys, Issuer: cfg.OAuthIssuer},
		TLS:       tlsCfg,
		Allowlist: allowlist,
		Logger:    logger,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger grpc server listening", "addr", cfg.GRPCAddr, "tls", tlsCfg != nil)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down grpc server")
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
