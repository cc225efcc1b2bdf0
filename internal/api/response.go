package api

import (
	"errors"
	"net/http"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
)

var writeJSON = security.WriteJSON

// writeError maps the engine error taxonomy to a status code.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var resp security.ErrorResponse
	status := http.StatusInternalServerError

	var (
		verr  *ledger.ValidationError
		opErr *requests.InvalidOperationError
		trErr *requests.InvalidStateTransitionError
	)
	switch {
	case errors.As(err, &verr):
		status, resp.Error, resp.Field, resp.Detail = http.StatusBadRequest, "validation_error", verr.Field, verr.Reason
	case errors.As(err, &opErr), errors.As(err, &trErr):
		status, resp.Error, resp.Detail = http.StatusConflict, "invalid_operation", err.Error()
	case errors.Is(err, ledger.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAlreadyExists):
		status, resp.Error = http.StatusConflict, "already_exists"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		status, resp.Error = http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, requests.ErrTANUnavailable), errors.Is(err, ledger.ErrPersistence):
		status, resp.Error = http.StatusServiceUnavailable, "unavailable"
	default:
		if rule, ok := ledger.IsBusinessRule(err); ok {
			status, resp.Error, resp.Detail = http.StatusUnprocessableEntity, rule, err.Error()
		} else {
			resp.Error = "internal_error"
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	security.WriteError(w, r, status, resp)
}
