package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/internal/transfers"
)

type fixture struct {
	conn *grpc.ClientConn
	keys *auth.KeySet
	src  string
	dst  string
}

func newFixture(t *testing.T, settings requests.Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, string(storage.SQLite), "file::memory:?_foreign_keys=on", 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	typ := &ledger.AccountType{Name: "current", CurrencyCode: "EUR"}
	require.NoError(t, db.CreateAccountType(ctx, typ))
	src := &ledger.Account{TypeID: typ.ID, UserID: "u1", InitialBalance: decimal.NewFromInt(100), IsActive: true, AllowWithdrawals: true, AllowDeposits: true}
	dst := &ledger.Account{TypeID: typ.ID, UserID: "u1", IsActive: true, AllowWithdrawals: true, AllowDeposits: true}
	require.NoError(t, db.CreateAccount(ctx, src))
	require.NoError(t, db.CreateAccount(ctx, dst))
	require.NoError(t, db.CreateRevenueAccount(ctx, &ledger.RevenueAccount{CurrencyCode: "EUR", IsDefault: true}))

	keys, err := auth.NewKeySet()
	require.NoError(t, err)
	l := ledger.New(db.Ledger())
	engine := requests.NewService(db.Requests(), l, transfers.NewRegistry(fees.NewEngine(nil)), settings)
	s, _ := NewGRPCServer(NewServer(engine, l, nil), Options{Validator: &auth.JWTValidator{KeySet: keys, Issuer: "wallet-test"}})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fixture{conn: conn, keys: keys, src: src.ID, dst: dst.ID}
}

// token signs an access token the way the OAuth endpoint does.
func (f *fixture) token(t *testing.T, client string, scopes ...string) string {
	t.Helper()
	claims := auth.AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "wallet-test",
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		ClientID: client,
		Scopes:   scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.keys.KeyID()
	signed, err := tok.SignedString(f.keys.PrivateKey())
	require.NoError(t, err)
	return signed
}

func (f *fixture) tba(amount string) *requests.Request {
	return &requests.Request{
		BaseCurrency: "EUR",
		Amount:       decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Data:         requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: f.src, DestinationAccountID: f.dst}},
	}
}

func TestSubmitAndBalance(t *testing.T) {
	f := newFixture(t, requests.NewSettings(nil))
	ctx := context.Background()
	c := NewClient(f.conn, f.token(t, "svc", auth.ScopeRequestsWrite, auth.ScopeRequestsRead, auth.ScopeBalancesRead))

	var header metadata.MD
	req, err := c.SubmitRequest(security.WithCorrelationID(ctx, "cid-rpc-1"), f.tba("40"), "ignored", grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"cid-rpc-1"}, header.Get("x-correlation-id"))
	assert.Equal(t, requests.StatusExecuted, req.Status)
	assert.Equal(t, requests.InitiatorAdmin, req.Initiator)
	assert.Equal(t, requests.SubjectTBA, req.Subject())

	got, err := c.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	bal, err := c.BalanceAsOf(ctx, &BalanceAsOfRequest{Kind: ledger.KindAccount, ID: f.src})
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(60)), bal.Balance.String())

	bal, err = c.BalanceAsOf(ctx, &BalanceAsOfRequest{Kind: ledger.KindAccount, ID: f.src, AsOf: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(100)), bal.Balance.String())
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t, requests.NewSettings(map[requests.Subject]requests.SubjectSettings{
		requests.SubjectTBA: {ActionRequired: true},
	}))
	ctx := context.Background()
	c := NewClient(f.conn, f.token(t, "svc", auth.ScopeRequestsWrite, auth.ScopeRequestsRead, auth.ScopeRequestsExecute, auth.ScopeBalancesRead))

	_, err := c.GetRequest(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.GetRequest(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad := f.tba("40")
	bad.BaseCurrency = ""
	_, err = c.SubmitRequest(ctx, bad, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.BalanceAsOf(ctx, &BalanceAsOfRequest{Kind: "wallet", ID: f.src})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	pending, err := c.SubmitRequest(ctx, f.tba("40"), "")
	require.NoError(t, err)
	require.Equal(t, requests.StatusPendingAction, pending.Status)

	cancelled, err := c.CancelRequest(ctx, pending.ID, "duplicate", "")
	require.NoError(t, err)
	assert.Equal(t, requests.StatusCancelled, cancelled.Status)

	_, err = c.ExecuteRequest(ctx, pending.ID, "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestAuthInterceptor(t *testing.T) {
	f := newFixture(t, requests.NewSettings(nil))
	ctx := context.Background()

	_, err := NewClient(f.conn, "").GetRequest(ctx, "x")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = NewClient(f.conn, "garbage").GetRequest(ctx, "x")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	reader := NewClient(f.conn, f.token(t, "reader", auth.ScopeRequestsRead))
	_, err = reader.SubmitRequest(ctx, f.tba("1"), "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	_, err = reader.GetRequest(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	// health is not guarded
	resp, err := healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestActorFromAuthenticatedClient(t *testing.T) {
	ctx := auth.WithAuthInfo(context.Background(), &auth.AuthInfo{ClientID: "svc"})
	assert.Equal(t, "client:svc", actorFrom(ctx, "someone"))
	assert.Equal(t, "someone", actorFrom(context.Background(), "someone"))
	assert.Equal(t, "rpc", actorFrom(context.Background(), ""))
}

func TestAllowlistInterceptor(t *testing.T) {
	allow, err := security.ParseCIDRAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	ic := AllowlistInterceptor(allow)
	info := &grpc.UnaryServerInfo{FullMethod: MethodGetRequest}
	ok := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	inside := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5000}})
	resp, err := ic(inside, nil, info, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	outside := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("172.16.0.1"), Port: 5000}})
	_, err = ic(outside, nil, info, ok)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = ic(context.Background(), nil, info, ok)
	assert.Equal(t, codes.PermissionDenied, status.Code(err), "no peer")

	resp, err = AllowlistInterceptor(nil)(context.Background(), nil, info, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
