package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/retry"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

func TestHeaderAuthenticator(t *testing.T) {
	auth := HeaderAuthenticator{}

	r := httptest.NewRequest(http.MethodGet, "/session-state", nil)
	if _, err := auth.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}

	r.Header.Set(HeaderViewerID, "v1")
	p, err := auth.Authenticate(r)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if p.ViewerID != "v1" || p.DisplayName != "v1" {
		t.Errorf("Expected v1 with name fallback, got %+v", p)
	}

	q := httptest.NewRequest(http.MethodGet, "/ws?viewerId=v2", nil)
	if p, _ := auth.Authenticate(q); p.ViewerID != "v2" {
		t.Errorf("Expected query fallback v2, got %q", p.ViewerID)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator([]byte("secret"), "watchsync")

	token, err := auth.Sign("v1", "Ann", time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tests := []struct {
		name    string
		prepare func(r *http.Request)
		wantID  string
		wantErr bool
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, "v1", false},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, "v1", false},
		{"missing", func(r *http.Request) {}, "", true},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.prepare(r)
			p, err := auth.Authenticate(r)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Errorf("Expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if p.ViewerID != tt.wantID || p.DisplayName != "Ann" {
				t.Errorf("Expected %s/Ann, got %+v", tt.wantID, p)
			}
		})
	}
}

func TestJWTRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewJWTAuthenticator([]byte("one"), "")
	verifier := NewJWTAuthenticator([]byte("two"), "")

	token, _ := issuer.Sign("v1", "", time.Hour)
	if _, err := verifier.Parse(token); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected wrong secret to fail, got %v", err)
	}

	expired, _ := issuer.Sign("v1", "", -time.Minute)
	if _, err := issuer.Parse(expired); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected expired token to fail, got %v", err)
	}
}

func TestStaticRoles(t *testing.T) {
	roles := NewStaticRoles(map[string]string{
		"host":      "admin",
		"room/mod":  "MODERATOR",
		"room/host": "guest",
	}, session.RoleGuest)
	ctx := context.Background()

	tests := []struct {
		session, viewer string
		want            session.Role
	}{
		{"room", "host", session.RoleGuest},
		{"other", "host", session.RoleAdmin},
		{"room", "mod", session.RoleModerator},
		{"room", "nobody", session.RoleGuest},
	}
	for _, tt := range tests {
		got, err := roles.Role(ctx, tt.session, tt.viewer)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("Role(%s, %s): expected %s, got %s", tt.session, tt.viewer, tt.want, got)
		}
	}

	strict := NewStaticRoles(nil, "")
	if _, err := strict.Role(ctx, "room", "nobody"); !errors.Is(err, ErrNotMember) {
		t.Errorf("Expected ErrNotMember, got %v", err)
	}
}

func TestRemoteRolesRetriesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/sessions/room/members/host":
			if n == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"role":"ADMIN"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	roles := NewRemoteRoles(srv.URL, 16, time.Minute, WithRetry(&retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
	}))
	ctx := context.Background()

	role, err := roles.Role(ctx, "room", "host")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if role != session.RoleAdmin {
		t.Errorf("Expected ADMIN, got %s", role)
	}
	if _, err := roles.Role(ctx, "room", "host"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected one retry and a cached second lookup, got %d calls", calls.Load())
	}

	before := calls.Load()
	if _, err := roles.Role(ctx, "room", "stranger"); !errors.Is(err, ErrNotMember) {
		t.Errorf("Expected ErrNotMember, got %v", err)
	}
	if calls.Load()-before != 1 {
		t.Errorf("Expected 404 not to be retried, got %d calls", calls.Load()-before)
	}
}

func TestMiddlewareStoresPrincipal(t *testing.T) {
	var got Principal
	h := Middleware(HeaderAuthenticator{}, func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderViewerID, "v9")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got.ViewerID != "v9" {
		t.Errorf("Expected principal v9, got %+v", got)
	}
}
