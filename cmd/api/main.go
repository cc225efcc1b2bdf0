package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/wallet-ledger/internal/api"
	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/cards"
	"github.com/example/wallet-ledger/internal/config"
	"github.com/example/wallet-ledger/internal/crypto"
	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/internal/tan"
	"github.com/example/wallet-ledger/internal/transfers"
	"github.com/example/wallet-ledger/pkg/audit"
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
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allowlist, err := security.ParseCIDRAllowlist(cfg.AllowedCIDRs())
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var (
		rdb     *redis.Client
		limiter *security.RedisTokenBucket
		opts    = []requests.Option{
			requests.WithLogger(logger),
			requests.WithLimitChecker(limits.NewChecker(logger)),
		}
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		opts = append(opts, requests.WithTANService(tan.NewService(rdb, logger)))
		if cfg.RateLimitCapacity > 0 {
			limiter = &security.RedisTokenBucket{
				Redis:      rdb,
				Prefix:     "wallet_api",
				Capacity:   cfg.RateLimitCapacity,
				RefillRate: cfg.RateLimitRefill,
			}
		}
	}

	keys, err := keySet(cfg, logger)
	if err != nil {
		return err
	}

	kmsDir := cfg.KMSKeyStore
	if kmsDir == "" {
		kmsDir = "keys"
		logger.Warn("KMS_KEY_STORE not set, using local key directory", "dir", kmsDir)
	}
	kms, err := crypto.NewFileKMS(kmsDir)
	if err != nil {
		return err
	}

	l := ledger.New(db.Ledger(), ledger.WithLogger(logger), ledger.WithObserver(metrics.PostingObserver{}))
	engine := requests.NewService(
		db.Requests(), l,
		transfers.NewRegistry(fees.NewEngine(logger), transfers.WithLogger(logger)),
		cfg.Settings(),
		opts...,
	)

	auditor := audit.NewChainLogger(func(e *audit.LogEntry) {
		logger.Info("audit", "hash", e.Hash, "previous_hash", e.PreviousHash, "payload", e.Payload)
	})

	router, err := api.NewRouter(api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          db,
			Keys:           keys,
			Issuer:         cfg.OAuthIssuer,
			AccessTokenTTL: cfg.AccessTokenTTL,
			Logger:         logger,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: cfg.OAuthIssuer},
		Requests:     engine,
		Lister:       db,
		Balances:     l,
		Cards:        cards.NewRegistry(db, kms, logger),
		Health:       func(ctx context.Context) error { return db.SQL().PingContext(ctx) },
		Metrics:      promhttp.Handler(),
		Auditor:      auditor,
		RateLimiter:  limiter,
		IPAllowlist:  allowlist,
		CORSOrigins:  cfg.CORSOrigins(),
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	tlsFiles := security.TLSConfig{
		CertFile:          cfg.TLSCertFile,
		KeyFile:           cfg.TLSKeyFile,
		CAFile:            cfg.TLSCAFile,
		RequireClientAuth: cfg.TLSRequireClientAuth,
	}
	var tlsCfg *tls.Config
	if tlsFiles.Enabled() {
		if tlsCfg, err = security.LoadServerTLSConfig(tlsFiles); err != nil {
			return err
		}
	} else if cfg.Production() {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required in " + cfg.Environment)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}
	ln, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("wallet api listening", "addr", cfg.APIAddr, "tls", tlsCfg != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// keySet loads the shared signing key, or generates one for development.
func keySet(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.OAuthSigningKeyFile != "" {
		return auth.LoadKeySet(cfg.OAuthSigningKeyFile)
	}
	logger.Warn("OAUTH_SIGNING_KEY_FILE not set, tokens are only valid for this process")
	return auth.NewKeySet()
}
