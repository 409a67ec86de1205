// Package state holds the authoritative session store. Sessions live in a
// Repository: in-memory by default, or Redis when several instances share
// one backend.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Common store errors.
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidData = errors.New("invalid data format")
)

// Sentinels a MutateFunc may return to control the commit.
var (
	// ErrNoChange commits nothing; Update still succeeds.
	ErrNoChange = errors.New("state: no change")
	// ErrRemove deletes the session atomically with the check that
	// decided to remove it.
	ErrRemove = errors.New("state: remove session")
)

// MutateFunc changes a private copy of a session. The copy is committed
// only when the function returns nil. It may be called more than once when
// the backend retries a conflicting update, so it must not have side
// effects beyond the session it receives and its own locals.
type MutateFunc func(s *session.Session) error

// Repository is a session storage backend.
type Repository interface {
	// Update runs fn against the session with the given id and commits
	// the result atomically with respect to other updates of that id.
	// When create is true a missing session is created at now; otherwise
	// session.ErrSessionNotFound is returned.
	Update(ctx context.Context, id string, create bool, now time.Time, fn MutateFunc) (*session.Session, error)

	// Get returns a copy of the session.
	Get(ctx context.Context, id string) (*session.Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// IDs lists stored session ids.
	IDs(ctx context.Context) ([]string, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the repository.
	Close() error
}
