// Package engine is the single path by which intents from either
// transport change session state and fan out as events.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/metrics"
	"github.com/gabrielmiguelok/watchsync/pkg/presence"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/security"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/state"
)

// Publisher fans an event out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.Event) error
}

// Engine validates, authorizes and applies intents, then publishes the
// resulting events.
type Engine struct {
	store    *state.Store
	tracker  *presence.Tracker
	roles    identity.RoleLookup
	pub      Publisher
	metrics  *metrics.Metrics
	logger   logging.Logger
	onChange []func(sessionID string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records intents and presence on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine. roles decides who may mutate playback and the
// playlist; pub receives every broadcast.
func New(store *state.Store, roles identity.RoleLookup, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		tracker: presence.NewTracker(store),
		roles:   roles,
		pub:     pub,
		logger:  logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics != nil {
		e.tracker.OnJoin(func(string, session.Viewer) { e.metrics.ViewersActive.Inc() })
		e.tracker.OnLeave(func(string, string) { e.metrics.ViewersActive.Dec() })
	}
	return e
}

// OnChange registers fn to run after a session's state changed.
func (e *Engine) OnChange(fn func(sessionID string)) {
	e.onChange = append(e.onChange, fn)
}

// Store returns the underlying store.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Presence returns the presence tracker.
func (e *Engine) Presence() *presence.Tracker {
	return e.tracker
}

// Apply runs intent for actor against the session. The returned session is
// nil only for a heartbeat on a session that does not exist.
func (e *Engine) Apply(ctx context.Context, actor identity.Principal, sessionID string, intent protocol.Intent) (*session.Session, error) {
	start := time.Now()
	sess, err := e.apply(ctx, actor, sessionID, intent)
	e.metrics.Intent(intent.Kind().String(), Result(err), time.Since(start).Seconds())
	if err != nil {
		e.logger.Debug("intent rejected",
			logging.String("session_id", sessionID),
			logging.String("viewer_id", actor.ViewerID),
			logging.String("event", intent.Kind().String()),
			logging.Err(err),
		)
	}
	return sess, err
}

func (e *Engine) apply(ctx context.Context, actor identity.Principal, sessionID string, intent protocol.Intent) (*session.Session, error) {
	switch in := intent.(type) {
	case protocol.Join:
		return e.join(ctx, actor, sessionID, in)

	case protocol.Leave:
		viewerID := firstNonEmpty(actor.ViewerID, in.ViewerID)
		sess, err := e.tracker.Leave(ctx, sessionID, viewerID)
		if err != nil {
			return nil, err
		}
		e.changed(sessionID)
		e.publish(ctx, protocol.LeaveEvent{Header: header(sessionID), ViewerID: viewerID})
		e.publish(ctx, protocol.NewSyncPresence(sess))
		return sess, nil

	case protocol.Heartbeat:
		viewerID := firstNonEmpty(actor.ViewerID, in.ViewerID)
		if err := e.tracker.Heartbeat(ctx, sessionID, viewerID); err != nil {
			return nil, err
		}
		sess, err := e.store.Get(ctx, sessionID)
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, nil
		}
		return sess, err

	case protocol.RequestSync:
		sess, out, err := e.store.Apply(ctx, sessionID, in, state.ByViewer(actor.ViewerID))
		if err != nil {
			return nil, err
		}
		if out.PresenceChanged {
			e.changed(sessionID)
		}
		e.publish(ctx, protocol.NewSync(sess))
		e.publish(ctx, protocol.NewSyncPresence(sess))
		return sess, nil
	}

	if protocol.Mutating(intent) {
		if err := e.authorize(ctx, actor, sessionID, intent.Kind()); err != nil {
			return nil, err
		}
	}

	sess, out, err := e.store.Apply(ctx, sessionID, intent, state.ByViewer(actor.ViewerID))
	if err != nil {
		return nil, err
	}
	if out.Changed || out.PresenceChanged {
		e.changed(sessionID)
	}

	h := header(sessionID)
	switch in := intent.(type) {
	case protocol.Play:
		e.publish(ctx, protocol.PlayEvent{Header: h, Time: in.Time})
	case protocol.Pause:
		e.publish(ctx, protocol.PauseEvent{Header: h, Time: in.Time})
	case protocol.Seek:
		e.publish(ctx, protocol.SeekEvent{Header: h, Time: in.Time})
	case protocol.Advance:
		e.publish(ctx, protocol.AdvanceEvent{Header: h, Index: in.Index})
	case protocol.AddMedia:
		if out.Accepted {
			e.publish(ctx, protocol.AddMediaEvent{Header: h, Item: out.Item})
			if out.First {
				e.publish(ctx, protocol.NewSync(sess))
			}
		}
	case protocol.UpdateProgress:
	}
	if out.PresenceChanged {
		e.publish(ctx, protocol.NewSyncPresence(sess))
	}
	return sess, nil
}

func (e *Engine) join(ctx context.Context, actor identity.Principal, sessionID string, in protocol.Join) (*session.Session, error) {
	v := in.Viewer
	if actor.ViewerID != "" {
		v.ID = actor.ViewerID
	}
	v.DisplayName = security.CleanText(v.DisplayName, security.MaxDisplayNameLength)
	if v.DisplayName == "" {
		v.DisplayName = firstNonEmpty(actor.DisplayName, v.ID)
	}
	if v.AvatarURL == "" {
		v.AvatarURL = actor.AvatarURL
	}

	role, err := e.role(ctx, sessionID, v.ID, protocol.EventJoin)
	if err != nil {
		return nil, err
	}
	v.Role = role

	sess, err := e.tracker.Join(ctx, sessionID, v)
	if err != nil {
		return nil, err
	}
	e.changed(sessionID)

	e.publish(ctx, protocol.JoinEvent{Header: header(sessionID), Viewer: sess.Viewers[v.ID]})
	e.publish(ctx, protocol.NewSyncPresence(sess))
	if len(sess.Playlist) > 0 {
		e.publish(ctx, protocol.NewSync(sess))
	}
	return sess, nil
}

func (e *Engine) authorize(ctx context.Context, actor identity.Principal, sessionID string, action protocol.EventType) error {
	role, err := e.role(ctx, sessionID, actor.ViewerID, action)
	if err != nil {
		return err
	}
	if !role.Elevated() {
		return &session.AuthorizationError{ViewerID: actor.ViewerID, Role: role, Action: action.String()}
	}
	return nil
}

func (e *Engine) role(ctx context.Context, sessionID, viewerID string, action protocol.EventType) (session.Role, error) {
	if viewerID == "" {
		return "", session.Invalid("viewer.id", "required")
	}
	role, err := e.roles.Role(ctx, sessionID, viewerID)
	if errors.Is(err, identity.ErrNotMember) {
		return "", &session.AuthorizationError{ViewerID: viewerID, Action: action.String()}
	}
	return role, err
}

// Snapshot returns the full state of a session, creating it on first
// reference.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	sess, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Sweep expires stale viewers and sessions and tells the survivors'
// subscribers about the new viewer set.
func (e *Engine) Sweep(ctx context.Context) (state.SweepResult, error) {
	res, err := e.store.Sweep(ctx)
	if err != nil {
		return res, err
	}

	for _, id := range res.PresenceChanged {
		sess, err := e.store.Get(ctx, id)
		if err != nil {
			continue
		}
		e.changed(id)
		e.publish(ctx, protocol.NewSyncPresence(sess))
	}

	if e.metrics != nil {
		e.metrics.SessionsSwept.Add(float64(res.RemovedSessions))
		if ids, err := e.store.Repository().IDs(ctx); err == nil {
			e.metrics.SessionsActive.Set(float64(len(ids)))
		}
	}
	if res.RemovedSessions > 0 || res.RemovedViewers > 0 {
		e.logger.Info("sweep completed",
			logging.Int("removed_sessions", res.RemovedSessions),
			logging.Int("removed_viewers", res.RemovedViewers),
		)
	}
	return res, nil
}

// Run sweeps every SweepInterval of the store until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.store.Config().SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := e.store.Clock().Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("sweep failed", logging.Err(err))
			}
		}
	}
}

// publish never fails the intent: state is already committed and
// subscribers recover through snapshots.
func (e *Engine) publish(ctx context.Context, ev protocol.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish failed",
			logging.String("session_id", ev.Session()),
			logging.String("event", ev.EventType().String()),
			logging.Err(err),
		)
	}
}

func (e *Engine) changed(sessionID string) {
	for _, fn := range e.onChange {
		fn(sessionID)
	}
}

// Result labels an intent outcome for metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case session.IsValidation(err):
		return "invalid"
	case session.IsAuthorization(err):
		return "forbidden"
	default:
		return "error"
	}
}

func header(sessionID string) protocol.Header {
	return protocol.Header{SessionID: sessionID}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
