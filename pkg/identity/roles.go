package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gabrielmiguelok/watchsync/pkg/retry"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// StaticRoles assigns roles from a fixed table. Keys are "session/viewer"
// for a per-session role or "viewer" for a role in every session.
type StaticRoles struct {
	roles    map[string]session.Role
	fallback session.Role
	mu       sync.RWMutex
}

// NewStaticRoles creates a table where unknown viewers get fallback. An
// empty fallback means unknown viewers are not members.
func NewStaticRoles(roles map[string]string, fallback session.Role) *StaticRoles {
	s := &StaticRoles{roles: make(map[string]session.Role, len(roles)), fallback: fallback}
	for k, v := range roles {
		s.roles[k] = session.ParseRole(v)
	}
	return s
}

// Set assigns a role to a viewer in one session.
func (s *StaticRoles) Set(sessionID, viewerID string, role session.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[sessionID+"/"+viewerID] = role
}

// Role implements RoleLookup.
func (s *StaticRoles) Role(ctx context.Context, sessionID, viewerID string) (session.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.roles[sessionID+"/"+viewerID]; ok {
		return r, nil
	}
	if r, ok := s.roles[viewerID]; ok {
		return r, nil
	}
	if s.fallback == "" {
		return "", ErrNotMember
	}
	return s.fallback, nil
}

// RemoteRoles asks a membership service for roles:
//
//	GET {base}/sessions/{sessionId}/members/{viewerId} -> {"role":"ADMIN"}
//
// 404 means not a member. Server errors are retried; answers are cached.
// A run of failed lookups opens a circuit breaker and lookups then fail
// fast with retry.ErrCircuitOpen.
type RemoteRoles struct {
	base    string
	client  *http.Client
	retry   *retry.Config
	breaker *retry.Breaker
	cache   *expirable.LRU[string, session.Role]
}

// RemoteOption configures RemoteRoles.
type RemoteOption func(*RemoteRoles)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteRoles) {
		r.client = c
	}
}

// WithRetry replaces the retry policy.
func WithRetry(cfg *retry.Config) RemoteOption {
	return func(r *RemoteRoles) {
		r.retry = cfg
	}
}

// WithBreaker replaces the circuit breaker guarding the service.
func WithBreaker(b *retry.Breaker) RemoteOption {
	return func(r *RemoteRoles) {
		r.breaker = b
	}
}

// NewRemoteRoles creates a lookup against base, caching up to size answers
// for ttl.
func NewRemoteRoles(base string, size int, ttl time.Duration, opts ...RemoteOption) *RemoteRoles {
	if size <= 0 {
		size = 4096
	}
	r := &RemoteRoles{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Second},
		retry: &retry.Config{
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
		breaker: retry.NewBreaker(retry.DefaultBreakerConfig()),
		cache:   expirable.NewLRU[string, session.Role](size, nil, ttl),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type memberResponse struct {
	Role string `json:"role"`
}

// Role implements RoleLookup.
func (r *RemoteRoles) Role(ctx context.Context, sessionID, viewerID string) (session.Role, error) {
	key := sessionID + "/" + viewerID
	if role, ok := r.cache.Get(key); ok {
		return role, nil
	}

	role, err := retry.Guard(r.breaker, func() (session.Role, error) {
		return retry.RetryWithResult(ctx, r.retry, func() (session.Role, error) {
			return r.fetch(ctx, sessionID, viewerID)
		})
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return "", err
	}
	r.cache.Add(key, role)
	return role, nil
}

// Invalidate drops the cached role of a viewer.
func (r *RemoteRoles) Invalidate(sessionID, viewerID string) {
	r.cache.Remove(sessionID + "/" + viewerID)
}

func (r *RemoteRoles) fetch(ctx context.Context, sessionID, viewerID string) (session.Role, error) {
	u := fmt.Sprintf("%s/sessions/%s/members/%s", r.base, url.PathEscape(sessionID), url.PathEscape(viewerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", retry.Permanent(ErrNotMember)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("membership service: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return "", retry.Permanent(fmt.Errorf("membership service: %s", resp.Status))
	}

	var body memberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", retry.Permanent(fmt.Errorf("membership service: %w", err))
	}
	return session.ParseRole(body.Role), nil
}
