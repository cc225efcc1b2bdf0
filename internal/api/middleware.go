package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/security"
)

// recorder captures what a handler wrote so middleware can report on it.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *recorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// served runs next and returns the recorder and elapsed time.
func served(next http.Handler, w http.ResponseWriter, r *http.Request) (*recorder, time.Duration) {
	rw := &recorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(rw, r)
	return rw, time.Since(start)
}

// routeOf is the chi pattern that matched, so metric labels stay bounded.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return "unmatched"
}

func clientOf(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return ai.ClientID
	}
	return "-"
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw, dur := served(next, w, r)
			route := routeOf(r)
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			if l == nil {
				return
			}
			l.Info("http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", rw.status,
				"bytes", rw.bytes,
				"duration_ms", dur.Milliseconds(),
			)
		})
	}
}

// AuditMiddleware appends one chained entry per state-changing call. Reads
// are not audited.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			rw, dur := served(next, w, r)
			a.Append(fmt.Sprintf("cid=%s client=%s method=%s route=%s path=%s status=%d dur_ms=%d",
				security.CorrelationIDFromContext(r.Context()), clientOf(r),
				r.Method, routeOf(r), r.URL.Path, rw.status, dur.Milliseconds()))
		})
	}
}
