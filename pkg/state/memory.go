package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// MemoryRepository keeps sessions in process memory.
// Suitable for single-node deployments and testing.
type MemoryRepository struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
	closed   bool
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*session.Session),
	}
}

// Update implements Repository.
func (m *MemoryRepository) Update(ctx context.Context, id string, create bool, now time.Time, fn MutateFunc) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	current, ok := m.sessions[id]
	created := false
	if !ok {
		if !create {
			return nil, session.ErrSessionNotFound
		}
		current = session.New(id, now)
		created = true
	}

	work := current.Clone()
	err := fn(work)
	switch {
	case err == nil:
		m.sessions[id] = work
		return work.Clone(), nil
	case errors.Is(err, ErrNoChange):
		if created {
			m.sessions[id] = current
		}
		return current.Clone(), nil
	case errors.Is(err, ErrRemove):
		delete(m.sessions, id)
		return work, nil
	default:
		return nil, err
	}
}

// Get implements Repository.
func (m *MemoryRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Delete implements Repository.
func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.sessions, id)
	return nil
}

// IDs implements Repository.
func (m *MemoryRepository) IDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping implements Repository.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Repository.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of sessions held.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
