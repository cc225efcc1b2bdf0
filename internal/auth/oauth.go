package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrClientNotFound = errors.New("client not found")

// Client is an operator or service allowed to obtain access tokens.
type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
}

// ClientStore looks up registered clients. Unknown ids return
// ErrClientNotFound.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// OAuthServer issues RS256 access tokens for the client_credentials grant.
type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
	Logger         *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

type oauthError struct {
	status      int
	code        string
	description string
}

// TokenHandler serves POST /oauth/token. Credentials come from HTTP basic
// auth or the client_id/client_secret form fields.
func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp, oerr := s.grant(r)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *OAuthServer) grant(r *http.Request) (*TokenResponse, *oauthError) {
	if err := r.ParseForm(); err != nil {
		return nil, &oauthError{http.StatusBadRequest, "invalid_request", "malformed form body"}
	}
	if r.PostFormValue("grant_type") != "client_credentials" {
		return nil, &oauthError{http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported"}
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	}
	if clientID == "" || secret == "" {
		return nil, &oauthError{http.StatusUnauthorized, "invalid_client", "client credentials are required"}
	}

	client, err := s.Store.GetClient(r.Context(), clientID)
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		s.logger().Error("client lookup failed", "client_id", clientID, "error", err)
		return nil, &oauthError{http.StatusInternalServerError, "server_error", ""}
	}
	if client == nil || !VerifyClientSecret(client.SecretHash, secret) {
		s.logger().Warn("token refused", "client_id", clientID)
		return nil, &oauthError{http.StatusUnauthorized, "invalid_client", ""}
	}

	requested := strings.Fields(r.PostFormValue("scope"))
	granted := grantScopes(client.Scopes, requested)
	if len(requested) > 0 && len(granted) == 0 {
		return nil, &oauthError{http.StatusForbidden, "invalid_scope", "none of the requested scopes is granted to this client"}
	}

	ttl := s.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	issued := now()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scopes:   granted,
	})
	tok.Header["kid"] = s.Keys.KeyID()
	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		s.logger().Error("sign access token", "client_id", client.ID, "error", err)
		return nil, &oauthError{http.StatusInternalServerError, "server_error", ""}
	}

	s.logger().Info("token issued", "client_id", client.ID, "scopes", granted, "ttl", ttl.String())
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(granted, " "),
	}, nil
}

func (s *OAuthServer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// JWKSHandler publishes the verification key.
func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.JWKS()
	if err != nil {
		writeOAuthError(w, &oauthError{http.StatusInternalServerError, "server_error", ""})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(jwks)
}

func writeOAuthError(w http.ResponseWriter, e *oauthError) {
	body := map[string]string{"error": e.code}
	if e.description != "" {
		body["error_description"] = e.description
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.status)
	_ = json.NewEncoder(w).Encode(body)
}

// grantScopes returns the requested scopes the client holds, or all of
// them sorted when nothing is requested.
func grantScopes(allowed, requested []string) []string {
	held := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		if s = strings.TrimSpace(s); s != "" {
			held[s] = struct{}{}
		}
	}
	var out []string
	if len(requested) == 0 {
		for s := range held {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}
	for _, s := range requested {
		if _, ok := held[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
