package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/cards"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
	"github.com/example/wallet-ledger/internal/storage"
)

type handlers struct {
	deps   Dependencies
	logger *slog.Logger
}

type requestResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Request       *requests.Request `json:"request"`
}

type listRequestsResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Requests      []*requests.Request `json:"requests"`
}

type transitionsResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Transitions   []*requests.Transition `json:"transitions"`
}

type balanceResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Target        ledger.TargetRef `json:"target"`
	Balance       decimal.Decimal  `json:"balance"`
	AsOf          time.Time        `json:"as_of"`
}

type cardResponse struct {
	CorrelationID string       `json:"correlation_id"`
	Card          *ledger.Card `json:"card"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type tanRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

// actor names the authenticated client in transitions.
func actor(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return "client:" + ai.ClientID
	}
	return "client:unknown"
}

func (h *handlers) available(w http.ResponseWriter, r *http.Request, dep any) bool {
	if dep == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "unavailable")
		return false
	}
	return true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) createRequest(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	var req requests.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, asValidation(err))
		return
	}
	if req.Initiator == "" {
		req.Initiator = requests.InitiatorAdmin
	}

	created, err := h.deps.Requests.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	submitted, err := h.deps.Requests.Submit(r.Context(), created.ID, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, requestResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Request:       submitted,
	})
}

// asValidation keeps typed validation errors and wraps JSON errors.
func asValidation(err error) error {
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return ledger.Invalid("body", err.Error())
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Lister) {
		return
	}
	q := r.URL.Query()
	f := storage.RequestFilter{
		UserID:  q.Get("user_id"),
		Status:  requests.Status(q.Get("status")),
		Subject: requests.Subject(q.Get("subject")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, ledger.Invalid("limit", "must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	list, err := h.deps.Lister.ListRequests(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*requests.Request{}
	}
	writeJSON(w, r, http.StatusOK, listRequestsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Requests:      list,
	})
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	req, err := h.deps.Requests.Get(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, req, err)
}

func (h *handlers) transitions(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	chain, err := h.deps.Requests.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transitionsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Transitions:   chain,
	})
}

func (h *handlers) execute(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	req, err := h.deps.Requests.Execute(r.Context(), chi.URLParam(r, "id"), actor(r))
	h.respond(w, r, req, err)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	var body cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req, err := h.deps.Requests.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason, actor(r))
	h.respond(w, r, req, err)
}

func (h *handlers) confirmTAN(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Requests) {
		return
	}
	var body tanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req, err := h.deps.Requests.ConfirmTAN(r.Context(), chi.URLParam(r, "id"), body.UserID, body.Code)
	h.respond(w, r, req, err)
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, req *requests.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, requestResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Request:       req,
	})
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Balances) {
		return
	}
	ref := ledger.TargetRef{Kind: ledger.TargetKind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "id")}
	if !ref.Valid() {
		h.writeError(w, r, ledger.Invalid("kind", "must be account, card or revenue_account"))
		return
	}
	at := h.deps.Now().UTC()
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.writeError(w, r, ledger.Invalid("as_of", "must be an RFC 3339 timestamp"))
			return
		}
		at = parsed.UTC()
	}
	bal, err := h.deps.Balances.BalanceAsOf(r.Context(), ref, at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Target:        ref,
		Balance:       bal,
		AsOf:          at,
	})
}

func (h *handlers) issueCard(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r, h.deps.Cards) {
		return
	}
	var p cards.IssueParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	card, err := h.deps.Cards.Issue(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, cardResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Card:          card,
	})
}
