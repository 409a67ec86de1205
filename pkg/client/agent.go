package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/playlist"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/reconnect"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/transport"
)

// ErrClosed is returned by operations on a closed agent.
var ErrClosed = errors.New("client: agent closed")

// Config configures an Agent.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL   string
	SessionID string
	Viewer    session.Viewer
	// Token is sent as a bearer token. Without it the viewer id and name
	// headers identify the agent.
	Token string

	HeartbeatInterval time.Duration
	// SyncThrottle drops RequestSync calls closer together than this.
	SyncThrottle time.Duration

	HTTPClient *http.Client
	Transport  *transport.TransportConfig
	Reconnect  reconnect.Config
	// Cache, when set, seeds the state on Start and is written on Close.
	Cache *StateCache

	// OnError receives errors the server reports asynchronously over the
	// push connection.
	OnError func(error)

	Clock  clock.Clock
	Logger logging.Logger
}

// DefaultConfig returns the browser client's timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SyncThrottle:      500 * time.Millisecond,
		Reconnect:         reconnect.DefaultConfig(),
	}
}

// Agent is one viewer attached to one session.
type Agent struct {
	cfg    Config
	clock  clock.Clock
	http   *http.Client
	codec  protocol.Codec
	logger logging.Logger
	recon  *reconnect.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    LocalState
	conn     *transport.Conn
	subs     map[chan LocalState]struct{}
	lastSync time.Time
	started  bool
	closed   bool
}

// New validates cfg and builds an agent. Nothing is sent until Start.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, session.Invalid("baseURL", "required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, session.Invalid("sessionId", "required")
	}
	if strings.TrimSpace(cfg.Viewer.ID) == "" {
		return nil, session.Invalid("viewer.id", "required")
	}
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.SyncThrottle < 0 {
		cfg.SyncThrottle = 0
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = defaults.Reconnect
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Reconnect.Clock == nil {
		cfg.Reconnect.Clock = cfg.Clock
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.DefaultTransportConfig()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	a := &Agent{
		cfg:    cfg,
		clock:  cfg.Clock,
		http:   cfg.HTTPClient,
		codec:  protocol.NewJSONCodec(),
		logger: cfg.Logger.With(logging.String("session_id", cfg.SessionID), logging.String("viewer_id", cfg.Viewer.ID)),
		state:  LocalState{SessionID: cfg.SessionID},
		subs:   make(map[chan LocalState]struct{}),
	}
	a.recon = reconnect.New(a.connect, a.poll, a.resync,
		reconnect.WithConfig(cfg.Reconnect),
		reconnect.WithLogger(a.logger),
	)
	a.recon.OnTransition(func(t reconnect.Transition) {
		a.logger.Info("connection state changed",
			logging.String("from", t.From.String()),
			logging.String("to", t.To.String()),
			logging.Int("attempt", t.Attempt),
		)
	})
	return a, nil
}

// Start restores any cached state, opens the push connection and starts
// the heartbeat. A failed first dial is not an error; the agent falls back
// to polling and keeps redialing.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return errors.New("client: agent already started")
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	if a.cfg.Cache != nil {
		if cached, ok, err := a.cfg.Cache.Load(a.cfg.SessionID); err != nil {
			a.logger.Warn("state cache unreadable", logging.Err(err))
		} else if ok {
			a.replace(cached)
		}
	}

	if err := a.connect(a.ctx); err != nil {
		a.logger.Warn("push connection unavailable, polling", logging.Err(err))
		if err := a.recon.Disconnected(a.ctx); err != nil {
			return err
		}
	} else if err := a.resync(a.ctx); err != nil {
		a.logger.Warn("initial join failed", logging.Err(err))
	}

	a.wg.Add(1)
	go a.heartbeat()
	return nil
}

// State returns a copy of the local state.
func (a *Agent) State() LocalState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// ConnState returns the state of the push connection.
func (a *Agent) ConnState() reconnect.State {
	return a.recon.State()
}

// Retry restarts reconnecting after the agent gave up.
func (a *Agent) Retry() error {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return ErrClosed
	}
	return a.recon.Retry(ctx)
}

// Subscribe returns a channel receiving the state after every change and
// a function that stops the subscription. Slow readers miss updates
// rather than block the agent.
func (a *Agent) Subscribe() (<-chan LocalState, func()) {
	ch := make(chan LocalState, 16)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	a.subs[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.subs[ch]; ok {
				delete(a.subs, ch)
				close(ch)
			}
		})
	}
}

// Role returns the local viewer's role as last reported by the server.
func (a *Agent) Role() session.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.state.Viewer(a.cfg.Viewer.ID); ok && v.Role != "" {
		return v.Role
	}
	return a.cfg.Viewer.Role
}

// Play starts playback for the room.
func (a *Agent) Play(ctx context.Context) error {
	return a.mutate(ctx, protocol.Play{})
}

// Pause stops playback for the room.
func (a *Agent) Pause(ctx context.Context) error {
	return a.mutate(ctx, protocol.Pause{})
}

func (a *Agent) Seek(ctx context.Context, t float64) error {
	return a.mutate(ctx, protocol.Seek{Time: t})
}

func (a *Agent) Advance(ctx context.Context, index int) error {
	return a.mutate(ctx, protocol.Advance{Index: index})
}

func (a *Agent) UpdateProgress(ctx context.Context, t float64) error {
	return a.mutate(ctx, protocol.UpdateProgress{Time: t})
}

// AddMedia normalizes rawURL, inserts it locally when new and sends it.
// The server's broadcast of the same item is then a no-op here.
func (a *Agent) AddMedia(ctx context.Context, rawURL, title string) error {
	if err := a.authorize(protocol.EventAddMedia); err != nil {
		return err
	}
	item, err := playlist.Prepare(session.MediaItem{
		URL:     rawURL,
		Title:   title,
		AddedBy: a.cfg.Viewer.ID,
		AddedAt: a.clock.Now(),
	})
	if err != nil {
		return err
	}
	a.apply(protocol.AddMediaEvent{Header: a.header(), Item: item})
	return a.send(ctx, protocol.AddMedia{Item: item})
}

// RequestSync asks the server for a full snapshot. Calls within the sync
// throttle of the previous one are dropped.
func (a *Agent) RequestSync(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	now := a.clock.Now()
	if !a.lastSync.IsZero() && now.Sub(a.lastSync) < a.cfg.SyncThrottle {
		a.mu.Unlock()
		return nil
	}
	a.lastSync = now
	a.mu.Unlock()
	return a.send(ctx, protocol.RequestSync{})
}

// Close stops every timer, sends a best-effort leave over the push
// connection and saves the state to the cache. The leave is not retried
// when the connection is down.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	state := a.state.Clone()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.recon.Stop()

	if conn != nil {
		if frame, err := a.frame(protocol.Leave{ViewerID: a.cfg.Viewer.ID}); err == nil {
			conn.Send(frame)
		}
		conn.Close()
	}
	a.wg.Wait()

	a.mu.Lock()
	for ch := range a.subs {
		delete(a.subs, ch)
		close(ch)
	}
	a.mu.Unlock()

	if a.cfg.Cache != nil && len(state.Playlist) > 0 {
		if err := a.cfg.Cache.Save(state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	return nil
}

func (a *Agent) mutate(ctx context.Context, in protocol.Intent) error {
	if err := a.authorize(in.Kind()); err != nil {
		return err
	}
	return a.send(ctx, in)
}

// authorize refuses mutating intents locally for guests. The server
// enforces the same rule.
func (a *Agent) authorize(kind protocol.EventType) error {
	role := a.Role()
	if role.Elevated() {
		return nil
	}
	return &session.AuthorizationError{ViewerID: a.cfg.Viewer.ID, Role: role, Action: string(kind)}
}

// send delivers in over the push connection, or over HTTP when the push
// connection is down or its queue is stuck.
func (a *Agent) send(ctx context.Context, in protocol.Intent) error {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if conn != nil {
		frame, err := a.frame(in)
		if err != nil {
			return err
		}
		err = conn.SendContext(ctx, frame)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		a.logger.Debug("push send failed, falling back to http", logging.Err(err))
	}
	return a.post(ctx, in)
}

func (a *Agent) frame(in protocol.Intent) ([]byte, error) {
	env, err := protocol.EncodeIntent(a.cfg.SessionID, in)
	if err != nil {
		return nil, err
	}
	return a.codec.Encode(&env)
}

type eventResponse struct {
	OK    bool              `json:"ok"`
	State *session.Snapshot `json:"state,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// post sends in to POST /session-event and applies the returned state.
func (a *Agent) post(ctx context.Context, in protocol.Intent) error {
	env, err := protocol.EncodeIntent(a.cfg.SessionID, in)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/session-event", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.identify(req.Header)

	resp, err := a.http.Do(req)
	if err != nil {
		return &session.TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.statusError(resp, in.Kind())
	}
	var out eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &session.TransportError{Op: "post", Err: err}
	}
	if out.State != nil {
		a.applySnapshot(*out.State)
	}
	return nil
}

// poll fetches GET /session-state while the push connection is down.
func (a *Agent) poll(ctx context.Context) error {
	u := a.cfg.BaseURL + "/session-state?" + url.Values{"sessionId": {a.cfg.SessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	a.identify(req.Header)

	resp, err := a.http.Do(req)
	if err != nil {
		return &session.TransportError{Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.statusError(resp, protocol.EventSync)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return &session.TransportError{Op: "poll", Err: err}
	}
	a.applySnapshot(snap)
	return nil
}

func (a *Agent) statusError(resp *http.Response, kind protocol.EventType) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &session.TransportError{Op: string(kind), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return a.remoteError(body.Code, body.Error, kind)
}

// remoteError maps a server error code back to the typed errors.
func (a *Agent) remoteError(code, msg string, kind protocol.EventType) error {
	switch code {
	case "invalid", "invalid_index":
		return &session.ValidationError{Reason: msg}
	case "unauthenticated":
		return fmt.Errorf("%w: %s", identity.ErrUnauthenticated, msg)
	case "forbidden":
		return &session.AuthorizationError{ViewerID: a.cfg.Viewer.ID, Role: a.Role(), Action: string(kind)}
	case "not_found":
		return session.ErrSessionNotFound
	default:
		return &session.TransportError{Op: string(kind), Err: errors.New(msg)}
	}
}

// connect dials the push endpoint and starts reading from it.
func (a *Agent) connect(ctx context.Context) error {
	target, err := a.wsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	a.identify(header)
	conn, err := transport.Dial(ctx, target, header, a.cfg.Transport)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.wg.Add(1)
	a.mu.Unlock()

	go a.read(conn)
	return nil
}

// resync re-announces the viewer and asks for a full snapshot.
func (a *Agent) resync(ctx context.Context) error {
	if err := a.send(ctx, protocol.Join{Viewer: a.cfg.Viewer}); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastSync = time.Time{}
	a.mu.Unlock()
	return a.RequestSync(ctx)
}

func (a *Agent) read(conn *transport.Conn) {
	defer a.wg.Done()
	for {
		select {
		case frame := <-conn.Receive():
			a.handleFrame(frame)
		case <-conn.Done():
			for drained := false; !drained; {
				select {
				case frame := <-conn.Receive():
					a.handleFrame(frame)
				default:
					drained = true
				}
			}
			a.mu.Lock()
			current := a.conn == conn
			if current {
				a.conn = nil
			}
			closed := a.closed
			ctx := a.ctx
			a.mu.Unlock()

			if current && !closed {
				a.logger.Info("push connection lost", logging.Err(conn.Err()))
				if err := a.recon.Disconnected(ctx); err != nil {
					a.logger.Debug("reconnect not started", logging.Err(err))
				}
			}
			return
		}
	}
}

func (a *Agent) handleFrame(frame []byte) {
	env, err := a.codec.Decode(frame)
	if err != nil {
		a.logger.Debug("dropping undecodable frame", logging.Err(err))
		return
	}
	ev, err := protocol.DecodeEvent(*env)
	if err != nil {
		a.logger.Debug("dropping unknown event", logging.String("event", string(env.Event)))
		return
	}

	if e, ok := ev.(protocol.ErrorEvent); ok {
		err := a.remoteError(e.Code, e.Message, e.Intent)
		a.logger.Warn("server rejected intent", logging.String("intent", string(e.Intent)), logging.Err(err))
		if a.cfg.OnError != nil {
			a.cfg.OnError(err)
		}
		// A rejected insert was applied optimistically.
		if e.Intent == protocol.EventAddMedia {
			a.mu.Lock()
			a.lastSync = time.Time{}
			a.mu.Unlock()
			if err := a.RequestSync(a.ctx); err != nil {
				a.logger.Debug("resync after rejection failed", logging.Err(err))
			}
		}
		return
	}
	a.apply(ev)
}

func (a *Agent) heartbeat() {
	defer a.wg.Done()
	ticker := a.clock.Ticker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(a.ctx, protocol.Heartbeat{ViewerID: a.cfg.Viewer.ID}); err != nil && a.ctx.Err() == nil {
				a.logger.Debug("heartbeat failed", logging.Err(err))
			}
		}
	}
}

func (a *Agent) header() protocol.Header {
	return protocol.Header{SessionID: a.cfg.SessionID}
}

func (a *Agent) applySnapshot(snap session.Snapshot) {
	a.apply(protocol.SyncEvent{
		Header:       a.header(),
		Playlist:     snap.Playlist,
		CurrentIndex: snap.CurrentIndex,
		IsPlaying:    snap.IsPlaying,
		Progress:     snap.Progress,
	})
	a.apply(protocol.SyncPresenceEvent{Header: a.header(), Viewers: snap.Viewers})
}

func (a *Agent) apply(ev protocol.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, changed := Reconcile(a.state, ev)
	if !changed {
		return
	}
	a.state = next
	a.publishLocked()
}

func (a *Agent) replace(s LocalState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.SessionID = a.cfg.SessionID
	a.state = s.Clone()
	a.publishLocked()
}

func (a *Agent) publishLocked() {
	for ch := range a.subs {
		select {
		case ch <- a.state.Clone():
		default:
		}
	}
}

func (a *Agent) identify(h http.Header) {
	if a.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+a.cfg.Token)
		return
	}
	h.Set(identity.HeaderViewerID, a.cfg.Viewer.ID)
	if a.cfg.Viewer.DisplayName != "" {
		h.Set(identity.HeaderViewerName, a.cfg.Viewer.DisplayName)
	}
}

func (a *Agent) wsURL() (string, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", session.Invalid("baseURL", err.Error())
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
