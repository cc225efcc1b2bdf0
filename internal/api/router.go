// Package api is the operator HTTP surface of the engine: creating and
// driving requests, reading balances and registering cards.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/cards"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// RequestService is the part of the request engine the API drives.
type RequestService interface {
	Create(ctx context.Context, req *requests.Request) (*requests.Request, error)
	Submit(ctx context.Context, id, actor string) (*requests.Request, error)
	Get(ctx context.Context, id string) (*requests.Request, error)
	History(ctx context.Context, id string) ([]*requests.Transition, error)
	Execute(ctx context.Context, id, actor string) (*requests.Request, error)
	Cancel(ctx context.Context, id, reason, actor string) (*requests.Request, error)
	ConfirmTAN(ctx context.Context, id, userID, code string) (*requests.Request, error)
}

type RequestLister interface {
	ListRequests(ctx context.Context, f storage.RequestFilter) ([]*requests.Request, error)
}

type BalanceReader interface {
	BalanceAsOf(ctx context.Context, ref ledger.TargetRef, at time.Time) (decimal.Decimal, error)
}

type CardIssuer interface {
	Issue(ctx context.Context, p cards.IssueParams) (*ledger.Card, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Requests RequestService
	Lister   RequestLister
	Balances BalanceReader
	Cards    CardIssuer

	// Health reports readiness, typically a database ping.
	Health  func(ctx context.Context) error
	Metrics http.Handler

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  security.Allowlist
	CORSOrigins  []string
	MaxBodyBytes int64

	// Now defaults to time.Now.
	Now func() time.Time
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, logger: deps.Logger}

	createV, err := security.NewJSONSchemaValidator("create_request", createRequestSchema)
	if err != nil {
		return nil, err
	}
	cancelV, err := security.NewJSONSchemaValidator("cancel_request", cancelSchema)
	if err != nil {
		return nil, err
	}
	tanV, err := security.NewJSONSchemaValidator("confirm_tan", tanSchema)
	if err != nil {
		return nil, err
	}
	cardV, err := security.NewJSONSchemaValidator("issue_card", issueCardSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scope := func(s string) func(http.Handler) http.Handler { return auth.RequireScopes(onAuthError, s) }

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", security.CorrelationIDHeader},
			ExposedHeaders: []string{security.CorrelationIDHeader},
			MaxAge:         300,
		}))
	}
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		r.Route("/requests", func(r chi.Router) {
			r.With(scope(auth.ScopeRequestsRead)).Get("/", h.listRequests)
			r.With(scope(auth.ScopeRequestsWrite), createV.Middleware).Post("/", h.createRequest)
			r.With(scope(auth.ScopeRequestsRead)).Get("/{id}", h.getRequest)
			r.With(scope(auth.ScopeRequestsRead)).Get("/{id}/transitions", h.transitions)
			r.With(scope(auth.ScopeRequestsExecute)).Post("/{id}/execute", h.execute)
			r.With(scope(auth.ScopeRequestsExecute), cancelV.Middleware).Post("/{id}/cancel", h.cancel)
			r.With(scope(auth.ScopeRequestsWrite), tanV.Middleware).Post("/{id}/tan", h.confirmTAN)
		})

		r.With(scope(auth.ScopeBalancesRead)).Get("/balances/{kind}/{id}", h.balance)
		r.With(scope(auth.ScopeCardsWrite), cardV.Middleware).Post("/cards", h.issueCard)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
