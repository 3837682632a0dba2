package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/crosslogic/payledger/internal/apperr"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape every error response shares.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusForKind maps the closed apperr.Kind taxonomy to an HTTP status
// code exactly once, at the transport boundary.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidPayload, apperr.KindBadEncoding:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden, apperr.KindReplayAttack:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError maps err through apperr.KindOf and writes the
// corresponding status code and message. Used whenever a handler gets
// back an error from the gatekeeper, dispatcher, or subscription service.
func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, statusForKind(apperr.KindOf(err)), apperr.Message(err))
}
