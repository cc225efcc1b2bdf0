package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 128

type correlationIDKey struct{}

// CorrelationID takes the caller's correlation id, or mints one, and
// stores it in the request context and response header.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := NormalizeCorrelationID(r.Header.Get(CorrelationIDHeader))
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

// NormalizeCorrelationID returns cid when it is short printable ASCII and a
// fresh uuid otherwise. Ids end up in logs and audit payloads.
func NormalizeCorrelationID(cid string) string {
	if cid == "" || len(cid) > maxCorrelationIDLen {
		return uuid.NewString()
	}
	for i := 0; i < len(cid); i++ {
		if c := cid[i]; c <= ' ' || c > '~' {
			return uuid.NewString()
		}
	}
	return cid
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationIDKey{}).(string)
	return s
}
