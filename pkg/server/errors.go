package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/retry"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Error codes carried in HTTP error bodies and error frames.
const (
	CodeInvalid         = "invalid"
	CodeInvalidIndex    = "invalid_index"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to its HTTP status and code.
func classify(err error) (int, string) {
	var ie *session.InvalidIndexError
	switch {
	case errors.As(err, &ie):
		return http.StatusBadRequest, CodeInvalidIndex
	case session.IsValidation(err):
		return http.StatusBadRequest, CodeInvalid
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case session.IsAuthorization(err):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, retry.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// message hides internal failures from clients.
func message(err error, code string) string {
	if code == CodeInternal {
		return "internal error"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: message(err, code), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
