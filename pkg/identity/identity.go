// Package identity resolves who is calling and which role they hold in a
// session. Identity issuance and membership storage live elsewhere; this
// package only verifies and looks up.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Common identity errors.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotMember       = errors.New("viewer is not a member of the session")
)

// Principal is an authenticated viewer.
type Principal struct {
	ViewerID    string
	DisplayName string
	AvatarURL   string
}

// Authenticator extracts a principal from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// RoleLookup returns the role a viewer holds in a session.
type RoleLookup interface {
	Role(ctx context.Context, sessionID, viewerID string) (session.Role, error)
}

// HeaderAuthenticator trusts the X-Viewer-Id and X-Viewer-Name headers.
// Intended for development and tests behind a trusted proxy.
type HeaderAuthenticator struct{}

const (
	HeaderViewerID   = "X-Viewer-Id"
	HeaderViewerName = "X-Viewer-Name"
)

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderViewerID))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("viewerId"))
	}
	if id == "" {
		return Principal{}, ErrUnauthenticated
	}
	name := strings.TrimSpace(r.Header.Get(HeaderViewerName))
	if name == "" {
		name = id
	}
	return Principal{ViewerID: id, DisplayName: name}, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware authenticates every request and stores the principal in the
// request context. Failures are answered by onError.
func Middleware(auth Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := auth.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
