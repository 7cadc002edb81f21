package httpapi

import (
	"encoding/json"
	"net/http"

	"inferd/internal/completion"
	"inferd/internal/engine"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSON writes a JSON payload with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload in the OpenAI
// error-body shape.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &types.ErrorResponse{
		Object:  "error",
		Message: msg,
		Type:    "invalid_request_error",
		Code:    status,
	})
}

// writeAPIError maps a service error to an HTTP response. ErrorResponse
// values pass through verbatim at their embedded status; well-known error
// classes get their canonical codes; everything else is a 500.
func writeAPIError(w http.ResponseWriter, err error) {
	if e, ok := err.(*types.ErrorResponse); ok {
		writeJSON(w, e.Code, e)
		return
	}
	if engine.IsDependencyUnavailable(err) {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if completion.IsTooBusy(err) {
		IncrementBackpressure("max_active")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
