package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload accepted from the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// JWTAuthenticator verifies HS256 bearer tokens. WebSocket clients that
// cannot set headers may pass the token as the "token" query parameter.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator creates an authenticator for tokens signed with
// secret. An empty issuer accepts any issuer.
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer, now: time.Now}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := bearer(r)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}
	claims, err := a.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Principal{ViewerID: claims.Subject, DisplayName: name, AvatarURL: claims.Avatar}, nil
}

// Parse validates a raw token and returns its claims.
func (a *JWTAuthenticator) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims, nil
}

// Sign issues a token for viewerID. Used by tests and the attach command.
func (a *JWTAuthenticator) Sign(viewerID, name string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   viewerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
