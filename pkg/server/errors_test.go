package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/retry"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&session.InvalidIndexError{Index: 3, Length: 1}, http.StatusBadRequest, CodeInvalidIndex},
		{session.Invalid("url", "empty"), http.StatusBadRequest, CodeInvalid},
		{identity.ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated},
		{&session.AuthorizationError{ViewerID: "v", Action: "play"}, http.StatusForbidden, CodeForbidden},
		{fmt.Errorf("load: %w", session.ErrSessionNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("roles: %w", retry.ErrCircuitOpen), http.StatusServiceUnavailable, CodeUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}

	if got := message(errors.New("disk on fire"), CodeInternal); got != "internal error" {
		t.Errorf("Expected internal errors to be hidden, got %q", got)
	}
}
