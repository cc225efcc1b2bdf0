package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error answer of the HTTP surface.
type ErrorResponse struct {
	Error         string `json:"error"`
	Field         string `json:"field,omitempty"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteJSON writes v with status and echoes the correlation id header.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if cid := CorrelationIDFromContext(r.Context()); cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteError(w, r, status, ErrorResponse{Error: code})
}

// WriteError fills in the correlation id of resp and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	resp.CorrelationID = CorrelationIDFromContext(r.Context())
	WriteJSON(w, r, status, resp)
}
