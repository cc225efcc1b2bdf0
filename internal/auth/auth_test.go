package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memClients map[string]*Client

func (m memClients) GetClient(ctx context.Context, id string) (*Client, error) {
	c, ok := m[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

func newServer(t *testing.T) (*OAuthServer, *JWTValidator) {
	t.Helper()
	keys, err := NewKeySet()
	require.NoError(t, err)
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)
	store := memClients{"ops": {ID: "ops", SecretHash: hash, Scopes: []string{ScopeRequestsRead, ScopeRequestsExecute}}}
	return &OAuthServer{Store: store, Keys: keys, Issuer: "wallet-ledger", AccessTokenTTL: time.Minute},
		&JWTValidator{KeySet: keys, Issuer: "wallet-ledger"}
}

func token(t *testing.T, s *OAuthServer, form url.Values) (*httptest.ResponseRecorder, TokenResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.TokenHandler(rec, req)
	var out TokenResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	}
	return rec, out
}

func TestClientCredentialsGrant(t *testing.T) {
	s, v := newServer(t)

	rec, tok := token(t, s, url.Values{"grant_type": {"client_credentials"}, "client_id": {"ops"}, "client_secret": {"s3cret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "requests:execute requests:read", tok.Scope)

	info, err := v.Info("Bearer " + tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.ClientID)
	assert.True(t, info.Has(ScopeRequestsRead))
	assert.False(t, info.Has(ScopeCardsWrite))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestClientCredentialsBasicAuthAndClock(t *testing.T) {
	s, v := newServer(t)
	issued := time.Now().Add(-2 * time.Minute)
	s.Now = func() time.Time { return issued }

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader("grant_type=client_credentials&scope=requests:read"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("ops", "s3cret")
	rec := httptest.NewRecorder()
	s.TokenHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tok TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tok))
	assert.Equal(t, "requests:read", tok.Scope)

	// issued two minutes ago with a one minute lifetime
	_, err := v.Info("Bearer " + tok.AccessToken)
	assert.Error(t, err)
}

func TestTokenRequestFailures(t *testing.T) {
	s, _ := newServer(t)

	rec, _ := token(t, s, url.Values{"grant_type": {"password"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = token(t, s, url.Values{"grant_type": {"client_credentials"}, "client_id": {"ops"}, "client_secret": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = token(t, s, url.Values{"grant_type": {"client_credentials"}, "client_id": {"nobody"}, "client_secret": {"x"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = token(t, s, url.Values{"grant_type": {"client_credentials"}, "client_id": {"ops"}, "client_secret": {"s3cret"}, "scope": {"cards:write"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidatorRejectsForeignTokens(t *testing.T) {
	_, v := newServer(t)
	other, err := NewKeySet()
	require.NoError(t, err)

	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "wallet-ledger", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		ClientID:         "ops",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(other.PrivateKey())
	require.NoError(t, err)
	_, err = v.Validate(signed)
	assert.Error(t, err)

	_, err = v.Info("Basic abc")
	assert.Error(t, err)
}

func TestRequireScopes(t *testing.T) {
	onError := func(w http.ResponseWriter, r *http.Request, status int, code string) { w.WriteHeader(status) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireScopes(onError, ScopeCardsWrite)(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ctx := WithAuthInfo(context.Background(), &AuthInfo{ClientID: "ops", Scopes: map[string]struct{}{ScopeRequestsRead: {}}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ctx = WithAuthInfo(context.Background(), &AuthInfo{ClientID: "ops", Scopes: map[string]struct{}{ScopeCardsWrite: {}}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoadKeySetIsStable(t *testing.T) {
	generated, err := NewKeySet()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, generated.WriteFile(path))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	a, err := LoadKeySet(path)
	require.NoError(t, err)
	b, err := LoadKeySet(path)
	require.NoError(t, err)
	assert.Equal(t, a.KeyID(), b.KeyID())
	assert.Equal(t, generated.KeyID(), a.KeyID())
	assert.True(t, a.PublicKey().Equal(b.PublicKey()))

	// a token issued with one copy validates with the other
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "wallet", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		ClientID:         "svc",
		Scopes:           []string{ScopeRequestsRead},
	})
	signed, err := tok.SignedString(a.PrivateKey())
	require.NoError(t, err)
	info, err := (&JWTValidator{KeySet: b, Issuer: "wallet"}).Info("Bearer " + signed)
	require.NoError(t, err)
	assert.Equal(t, "svc", info.ClientID)

	_, err = LoadKeySet(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
