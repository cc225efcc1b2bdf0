package rpc

import (
	"crypto/tls"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/security"
)

const maxMsgSize = 1024 * 1024

type Options struct {
	Validator *auth.JWTValidator
	// TLS may be nil for plaintext listeners.
	TLS       *tls.Config
	Allowlist security.Allowlist
	Logger    *slog.Logger
}

// NewGRPCServer wires srv behind the allowlist, logging and auth
// interceptors and registers the standard health service next to it.
func NewGRPCServer(srv RequestServiceServer, opts Options) (*grpc.Server, *health.Server) {
	so := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(
			AllowlistInterceptor(opts.Allowlist),
			LoggingInterceptor(opts.Logger),
			AuthInterceptor(opts.Validator),
		),
	}
	if opts.TLS != nil {
		so = append(so, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}
	s := grpc.NewServer(so...)
	RegisterRequestServiceServer(s, srv)

	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}
