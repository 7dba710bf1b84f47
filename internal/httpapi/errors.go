package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ArionMiles/ledgerlink/internal/qbo"
)

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps connector errors onto status codes. Unclassified errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var pe *qbo.ProviderError
	switch {
	case errors.Is(err, qbo.ErrNoActiveConnection):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "not_connected"})
	case errors.Is(err, qbo.ErrRefreshTokenRevoked), errors.Is(err, qbo.ErrAuthorizationExpired):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "reconnect_required"})
	case errors.Is(err, qbo.ErrAlreadyPushed):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "already_pushed"})
	case errors.Is(err, qbo.ErrMissingRequiredFields):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "missing_required_fields"})
	case errors.Is(err, qbo.ErrExpenseNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error:  "QuickBooks rejected the request",
			Code:   "provider_rejected",
			Status: pe.Status,
			Detail: pe.Body,
		})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
