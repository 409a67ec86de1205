// Package presence tracks which viewers are attached to a session.
package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/state"
)

// Tracker runs the join/leave/heartbeat lifecycle of viewers on top of the
// session store. Changes are atomic with respect to playback intents on
// the same session.
type Tracker struct {
	store   *state.Store
	onJoin  []func(sessionID string, v session.Viewer)
	onLeave []func(sessionID string, viewerID string)
	mu      sync.RWMutex
}

// NewTracker creates a tracker over store. Viewers the store prunes for
// inactivity are reported to the OnLeave handlers like explicit leaves.
func NewTracker(store *state.Store) *Tracker {
	t := &Tracker{store: store}
	store.OnPrune(func(sessionID string, viewers []session.Viewer) {
		for _, v := range viewers {
			t.left(sessionID, v.ID)
		}
	})
	return t
}

// OnJoin registers a handler called after a viewer is newly inserted.
func (t *Tracker) OnJoin(handler func(sessionID string, v session.Viewer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoin = append(t.onJoin, handler)
}

// OnLeave registers a handler called after a viewer is removed, either by
// leaving or by going stale.
func (t *Tracker) OnLeave(handler func(sessionID string, viewerID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeave = append(t.onLeave, handler)
}

// Join inserts the viewer or refreshes the entry with the same id.
func (t *Tracker) Join(ctx context.Context, sessionID string, v session.Viewer) (*session.Session, error) {
	v.ID = strings.TrimSpace(v.ID)
	if v.ID == "" {
		return nil, session.Invalid("viewer.id", "required")
	}
	if v.Role == "" {
		v.Role = session.RoleGuest
	}

	inserted := false
	s, err := t.store.Update(ctx, sessionID, true, func(s *session.Session, now time.Time) error {
		inserted = s.UpsertViewer(v, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		t.mu.RLock()
		handlers := t.onJoin
		t.mu.RUnlock()
		for _, h := range handlers {
			h(sessionID, s.Viewers[v.ID])
		}
	}
	return s, nil
}

// Leave removes the viewer. Leaving a session that does not exist is not
// an error.
func (t *Tracker) Leave(ctx context.Context, sessionID, viewerID string) (*session.Session, error) {
	if strings.TrimSpace(viewerID) == "" {
		return nil, session.Invalid("viewerId", "required")
	}

	removed := false
	s, err := t.store.Update(ctx, sessionID, true, func(s *session.Session, now time.Time) error {
		removed = s.RemoveViewer(viewerID)
		if !removed {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if removed {
		t.left(sessionID, viewerID)
	}
	return s, nil
}

func (t *Tracker) left(sessionID, viewerID string) {
	t.mu.RLock()
	handlers := t.onLeave
	t.mu.RUnlock()
	for _, h := range handlers {
		h(sessionID, viewerID)
	}
}

// Heartbeat refreshes the viewer's liveness. A viewer that already left,
// or a session that no longer exists, is left untouched.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, viewerID string) error {
	if strings.TrimSpace(viewerID) == "" {
		return session.Invalid("viewerId", "required")
	}

	_, err := t.store.Update(ctx, sessionID, false, func(s *session.Session, now time.Time) error {
		if !s.TouchViewer(viewerID, now) {
			return state.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil
	}
	return err
}

// SweepStale removes viewers of one session idle for longer than ttl and
// reports each to the OnLeave handlers.
func (t *Tracker) SweepStale(ctx context.Context, sessionID string, ttl time.Duration) (int, error) {
	var removed []session.Viewer
	_, err := t.store.Update(ctx, sessionID, false, func(s *session.Session, now time.Time) error {
		removed = s.PruneViewers(now.Add(-ttl))
		if len(removed) == 0 {
			return state.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, v := range removed {
		t.left(sessionID, v.ID)
	}
	return len(removed), nil
}

// List returns the viewers of a session ordered by id.
func (t *Tracker) List(ctx context.Context, sessionID string) ([]session.Viewer, error) {
	s, err := t.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return []session.Viewer{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ViewerList(), nil
}

// Count returns the number of viewers of a session.
func (t *Tracker) Count(ctx context.Context, sessionID string) (int, error) {
	list, err := t.List(ctx, sessionID)
	return len(list), err
}
