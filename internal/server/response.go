package server

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

// ErrorResponse is the error envelope of every JSON endpoint.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes an ErrorResponse and logs server-side failures.
func fail(w http.ResponseWriter, r *http.Request, status int, code, msg string, err error) {
	if status >= http.StatusInternalServerError {
		LoggerFrom(r.Context()).Error().Err(err).Int("status", status).Str("code", code).Msg("api error")
	}
	writeJSON(w, status, ErrorResponse{
		RequestID: RequestIDFrom(r.Context()),
		Code:      code,
		Message:   msg,
	})
}
