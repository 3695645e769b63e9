package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/marcus/statesync/internal/replica"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeInternal          = "internal"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeStorageFailure    = "storage_failure"
	ErrCodeDispatchFailure   = "dispatch_failure"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Code: code, Message: message},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeEngineError maps an engine error onto a status and error code.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch replica.KindOf(err) {
	case replica.KindNotFound:
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case replica.KindInvalidTransition:
		writeError(w, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case replica.KindStorage:
		logFor(r.Context()).Error("storage failure", "err", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeStorageFailure, err.Error())
	case replica.KindDispatch:
		writeError(w, http.StatusBadGateway, ErrCodeDispatchFailure, err.Error())
	default:
		logFor(r.Context()).Error("engine error", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}
