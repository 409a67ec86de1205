package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCacheMaxAge is how long a saved state may be restored.
const DefaultCacheMaxAge = 5 * time.Minute

const cacheKeyPrefix = "session/"

type cachedState struct {
	SavedAt time.Time  `msgpack:"at"`
	State   LocalState `msgpack:"s"`
}

// StateCache persists the last known state per session so a restarted
// client can render something before the first sync arrives.
type StateCache struct {
	db     *pebble.DB
	clock  clock.Clock
	maxAge time.Duration
}

// CacheOption configures a StateCache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	clock  clock.Clock
	maxAge time.Duration
	fs     vfs.FS
}

func WithCacheClock(c clock.Clock) CacheOption {
	return func(o *cacheOptions) { o.clock = c }
}

func WithCacheMaxAge(d time.Duration) CacheOption {
	return func(o *cacheOptions) { o.maxAge = d }
}

// WithInMemoryFS keeps the cache off disk.
func WithInMemoryFS() CacheOption {
	return func(o *cacheOptions) { o.fs = vfs.NewMem() }
}

// OpenStateCache opens or creates the cache stored in dir.
func OpenStateCache(dir string, opts ...CacheOption) (*StateCache, error) {
	o := cacheOptions{clock: clock.New(), maxAge: DefaultCacheMaxAge}
	for _, opt := range opts {
		opt(&o)
	}
	popts := &pebble.Options{}
	if o.fs != nil {
		popts.FS = o.fs
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open state cache: %w", err)
	}
	return &StateCache{db: db, clock: o.clock, maxAge: o.maxAge}, nil
}

// Save stores s stamped with the current time.
func (c *StateCache) Save(s LocalState) error {
	if s.SessionID == "" {
		return errors.New("state cache: empty session id")
	}
	val, err := msgpack.Marshal(cachedState{SavedAt: c.clock.Now(), State: s})
	if err != nil {
		return fmt.Errorf("encode cached state: %w", err)
	}
	return c.db.Set([]byte(cacheKeyPrefix+s.SessionID), val, pebble.Sync)
}

// Load returns the saved state for sessionID. A state older than the
// cache max age is discarded. A restored state is always paused.
func (c *StateCache) Load(sessionID string) (LocalState, bool, error) {
	key := []byte(cacheKeyPrefix + sessionID)
	raw, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return LocalState{}, false, nil
	}
	if err != nil {
		return LocalState{}, false, fmt.Errorf("read cached state: %w", err)
	}
	var entry cachedState
	err = msgpack.Unmarshal(raw, &entry)
	closer.Close()
	if err != nil {
		_ = c.db.Delete(key, pebble.NoSync)
		return LocalState{}, false, nil
	}

	if c.clock.Since(entry.SavedAt) > c.maxAge {
		_ = c.db.Delete(key, pebble.NoSync)
		return LocalState{}, false, nil
	}
	entry.State.IsPlaying = false
	return entry.State, true, nil
}

// Close closes the underlying store.
func (c *StateCache) Close() error {
	return c.db.Close()
}
