package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
)

// Engine is the part of the request service the RPC surface drives.
type Engine interface {
	Create(ctx context.Context, req *requests.Request) (*requests.Request, error)
	Submit(ctx context.Context, id, actor string) (*requests.Request, error)
	Get(ctx context.Context, id string) (*requests.Request, error)
	Execute(ctx context.Context, id, actor string) (*requests.Request, error)
	Cancel(ctx context.Context, id, reason, actor string) (*requests.Request, error)
}

type BalanceReader interface {
	BalanceAsOf(ctx context.Context, ref ledger.TargetRef, at time.Time) (decimal.Decimal, error)
}

// Server implements RequestServiceServer over the engine.
type Server struct {
	engine   Engine
	balances BalanceReader
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(engine Engine, balances BalanceReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, balances: balances, logger: logger, now: time.Now}
}

var _ RequestServiceServer = (*Server)(nil)

// SubmitRequest creates the request and immediately submits it.
func (s *Server) SubmitRequest(ctx context.Context, in *SubmitRequestRequest) (*RequestResponse, error) {
	if in.Request == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if in.Request.Initiator == "" {
		in.Request.Initiator = requests.InitiatorAdmin
	}
	actor := actorFrom(ctx, in.Actor)
	created, err := s.engine.Create(ctx, in.Request)
	if err != nil {
		return nil, s.toStatus(err)
	}
	submitted, err := s.engine.Submit(ctx, created.ID, actor)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &RequestResponse{Request: submitted}, nil
}

func (s *Server) GetRequest(ctx context.Context, in *GetRequestRequest) (*RequestResponse, error) {
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	req, err := s.engine.Get(ctx, in.ID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &RequestResponse{Request: req}, nil
}

func (s *Server) ExecuteRequest(ctx context.Context, in *ExecuteRequestRequest) (*RequestResponse, error) {
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	req, err := s.engine.Execute(ctx, in.ID, actorFrom(ctx, in.Actor))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &RequestResponse{Request: req}, nil
}

func (s *Server) CancelRequest(ctx context.Context, in *CancelRequestRequest) (*RequestResponse, error) {
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	req, err := s.engine.Cancel(ctx, in.ID, in.Reason, actorFrom(ctx, in.Actor))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &RequestResponse{Request: req}, nil
}

func (s *Server) BalanceAsOf(ctx context.Context, in *BalanceAsOfRequest) (*BalanceAsOfResponse, error) {
	ref := ledger.TargetRef{Kind: in.Kind, ID: in.ID}
	if !ref.Valid() {
		return nil, status.Error(codes.InvalidArgument, "kind must be account, card or revenue_account and id is required")
	}
	at := in.AsOf.UTC()
	if in.AsOf.IsZero() {
		at = s.now().UTC()
	}
	bal, err := s.balances.BalanceAsOf(ctx, ref, at)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &BalanceAsOfResponse{Target: ref, Balance: bal, AsOf: at}, nil
}

// actorFrom prefers the authenticated client over a caller supplied name.
func actorFrom(ctx context.Context, fallback string) string {
	if ai, ok := auth.AuthInfoFromContext(ctx); ok && ai.ClientID != "" {
		return "client:" + ai.ClientID
	}
	if fallback == "" {
		return "rpc"
	}
	return fallback
}

func (s *Server) toStatus(err error) error {
	var (
		verr  *ledger.ValidationError
		opErr *requests.InvalidOperationError
		trErr *requests.InvalidStateTransitionError
	)
	switch {
	case errors.As(err, &verr):
		return status.Errorf(codes.InvalidArgument, "%s: %s", verr.Field, verr.Reason)
	case errors.As(err, &opErr), errors.As(err, &trErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, requests.ErrTANUnavailable), errors.Is(err, ledger.ErrPersistence):
		s.logger.Error("rpc failed", "error", err)
		return status.Error(codes.Unavailable, err.Error())
	}
	if rule, ok := ledger.IsBusinessRule(err); ok {
		return status.Errorf(codes.FailedPrecondition, "%s: %v", rule, err)
	}
	s.logger.Error("rpc failed", "error", err)
	return status.Errorf(codes.Internal, "internal error: %v", err)
}

// correlationKey is the metadata form of the HTTP correlation header.
const correlationKey = "x-correlation-id"

// MethodScopes lists the scope each method requires.
var MethodScopes = map[string]string{
	MethodSubmitRequest:  auth.ScopeRequestsWrite,
	MethodGetRequest:     auth.ScopeRequestsRead,
	MethodExecuteRequest: auth.ScopeRequestsExecute,
	MethodCancelRequest:  auth.ScopeRequestsExecute,
	MethodBalanceAsOf:    auth.ScopeBalancesRead,
}

// AuthInterceptor validates the bearer token in the "authorization"
// metadata and enforces MethodScopes. Methods outside the table, such as
// the health service, pass through.
func AuthInterceptor(v *auth.JWTValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		scope, guarded := MethodScopes[info.FullMethod]
		if !guarded {
			return handler(ctx, req)
		}
		ai, err := v.Info(firstValue(ctx, "authorization"))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid_token")
		}
		if !ai.Has(scope) {
			return nil, status.Error(codes.PermissionDenied, "insufficient_scope")
		}
		return handler(auth.WithAuthInfo(ctx, ai), req)
	}
}

func firstValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// AllowlistInterceptor refuses peers outside allow.
func AllowlistInterceptor(allow security.Allowlist) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(allow) == 0 {
			return handler(ctx, req)
		}
		p, ok := peer.FromContext(ctx)
		if !ok || p.Addr == nil || !allow.AllowsAddr(p.Addr.String()) {
			return nil, status.Error(codes.PermissionDenied, "forbidden")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor carries the caller's correlation id into the context,
// logs each call and counts it by status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		cid := security.NormalizeCorrelationID(firstValue(ctx, correlationKey))
		ctx = security.WithCorrelationID(ctx, cid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(correlationKey, cid))

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		metrics.RPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		logger.Info("rpc_request",
			"cid", cid,
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
