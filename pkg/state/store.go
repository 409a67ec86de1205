package state

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gabrielmiguelok/watchsync/pkg/playlist"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Config controls session lifetime.
type Config struct {
	// MaxAge is how old a session must be before an empty one is removed.
	MaxAge time.Duration
	// ViewerTTL is how long a viewer may stay silent before being dropped.
	ViewerTTL time.Duration
	// SweepInterval is the period between sweeps.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:        24 * time.Hour,
		ViewerTTL:     30 * time.Minute,
		SweepInterval: time.Hour,
	}
}

// Outcome describes what an applied intent changed.
type Outcome struct {
	// Changed is false for read-only intents and duplicate adds.
	Changed bool
	// Accepted reports whether an AddMedia appended its item.
	Accepted bool
	// Item is the appended item, or the existing duplicate.
	Item session.MediaItem
	// First is set when the accepted item is the only playlist entry.
	First bool
	// PresenceChanged is set when stale viewers were pruned on access.
	PresenceChanged bool
}

// Store is the single authoritative mutator of session state. It never
// broadcasts; callers publish the outcome.
type Store struct {
	repo   Repository
	clock  clock.Clock
	config Config

	mu      sync.RWMutex
	onPrune []func(sessionID string, viewers []session.Viewer)
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for timestamps and sweeps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.config = cfg
	}
}

// NewStore creates a store over repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		clock:  clock.New(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the store clock.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Config returns the lifetime configuration.
func (s *Store) Config() Config {
	return s.config
}

// Repository returns the backing repository.
func (s *Store) Repository() Repository {
	return s.repo
}

// OnPrune registers fn for viewers dropped for inactivity. It runs after
// the removal is committed, whichever call pruned them.
func (s *Store) OnPrune(fn func(sessionID string, viewers []session.Viewer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrune = append(s.onPrune, fn)
}

// GetOrCreate returns the session, creating it on first reference.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*session.Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var pruned []session.Viewer
	sess, err := s.repo.Update(ctx, id, true, now, func(sess *session.Session) error {
		pruned = s.prune(sess, now)
		if len(pruned) == 0 {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pruned(id, pruned)
	return sess, nil
}

// Get returns the session or session.ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Update runs fn atomically against the session. Used by the presence
// tracker for viewer mutations.
func (s *Store) Update(ctx context.Context, id string, create bool, fn func(sess *session.Session, now time.Time) error) (*session.Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return s.repo.Update(ctx, id, create, now, func(sess *session.Session) error {
		return fn(sess, now)
	})
}

// ApplyOption tunes a single Apply call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	actor string
}

// ByViewer records the issuing viewer: its liveness is refreshed and it
// becomes the submitter of added media.
func ByViewer(id string) ApplyOption {
	return func(o *applyOptions) {
		o.actor = id
	}
}

// Apply executes a playback, playlist or snapshot intent atomically.
// Presence intents belong to the presence tracker and are rejected.
func (s *Store) Apply(ctx context.Context, id string, intent protocol.Intent, opts ...ApplyOption) (*session.Session, Outcome, error) {
	if err := validID(id); err != nil {
		return nil, Outcome{}, err
	}
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := s.clock.Now()
	var (
		out    Outcome
		pruned []session.Viewer
	)

	sess, err := s.repo.Update(ctx, id, true, now, func(sess *session.Session) error {
		out = Outcome{}
		pruned = s.prune(sess, now)
		out.PresenceChanged = len(pruned) > 0
		touched := o.actor != "" && sess.TouchViewer(o.actor, now)

		changed, err := s.mutate(sess, intent, o.actor, now, &out)
		if err != nil {
			return err
		}
		out.Changed = changed
		if changed {
			sess.Touch(now)
		}
		if !changed && !touched && !out.PresenceChanged {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}
	s.pruned(id, pruned)
	return sess, out, nil
}

func (s *Store) mutate(sess *session.Session, intent protocol.Intent, actor string, now time.Time, out *Outcome) (bool, error) {
	switch in := intent.(type) {
	case protocol.Play:
		if in.Time != nil {
			if err := checkTime(*in.Time); err != nil {
				return false, err
			}
			sess.Progress = *in.Time
		}
		sess.IsPlaying = true
		return true, nil

	case protocol.Pause:
		if in.Time != nil {
			if err := checkTime(*in.Time); err != nil {
				return false, err
			}
			sess.Progress = *in.Time
		}
		sess.IsPlaying = false
		return true, nil

	case protocol.Seek:
		if err := checkTime(in.Time); err != nil {
			return false, err
		}
		sess.Progress = in.Time
		return true, nil

	case protocol.UpdateProgress:
		if err := checkTime(in.Time); err != nil {
			return false, err
		}
		sess.Progress = in.Time
		return true, nil

	case protocol.Advance:
		if in.Index < 0 || in.Index >= len(sess.Playlist) {
			return false, &session.InvalidIndexError{Index: in.Index, Length: len(sess.Playlist)}
		}
		sess.CurrentIndex = in.Index
		sess.Progress = 0
		return true, nil

	case protocol.AddMedia:
		item := in.Item
		if actor != "" {
			item.AddedBy = actor
		}
		item.AddedAt = now
		res, err := playlist.TryAdd(sess.Playlist, item)
		if err != nil {
			return false, err
		}
		out.Item = res.Item
		if !res.Accepted {
			return false, nil
		}
		sess.Playlist = res.Playlist
		out.Accepted = true
		out.First = len(sess.Playlist) == 1
		return true, nil

	case protocol.RequestSync:
		return false, nil

	case protocol.Join, protocol.Leave, protocol.Heartbeat:
		return false, session.Invalid("event", string(intent.Kind())+" is a presence intent")

	default:
		return false, session.Invalid("event", "unsupported intent")
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	// RemovedSessions counts expired sessions deleted.
	RemovedSessions int
	// RemovedViewers counts stale viewers dropped.
	RemovedViewers int
	// PresenceChanged lists surviving sessions whose viewer set shrank.
	PresenceChanged []string
}

// Sweep drops stale viewers and deletes empty sessions older than MaxAge.
// Decisions are made only from timestamps inside each session's atomic
// update, so a concurrent join always wins over the removal.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	ids, err := s.repo.IDs(ctx)
	if err != nil {
		return result, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		now := s.clock.Now()
		var removed []session.Viewer
		expired := false

		_, err := s.repo.Update(ctx, id, false, now, func(sess *session.Session) error {
			removed = s.prune(sess, now)
			expired = false
			if len(sess.Viewers) == 0 && s.config.MaxAge > 0 && now.Sub(sess.CreatedAt) > s.config.MaxAge {
				expired = true
				return ErrRemove
			}
			if len(removed) == 0 {
				return ErrNoChange
			}
			return nil
		})
		if errors.Is(err, session.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}

		s.pruned(id, removed)
		result.RemovedViewers += len(removed)
		switch {
		case expired:
			result.RemovedSessions++
		case len(removed) > 0:
			result.PresenceChanged = append(result.PresenceChanged, id)
		}
	}

	return result, nil
}

func (s *Store) prune(sess *session.Session, now time.Time) []session.Viewer {
	if s.config.ViewerTTL <= 0 {
		return nil
	}
	return sess.PruneViewers(now.Add(-s.config.ViewerTTL))
}

func (s *Store) pruned(id string, viewers []session.Viewer) {
	if len(viewers) == 0 {
		return
	}
	s.mu.RLock()
	hooks := s.onPrune
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(id, viewers)
	}
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return session.Invalid("sessionId", "required")
	}
	return nil
}

func checkTime(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return session.Invalid("time", "must be a non-negative number")
	}
	return nil
}
