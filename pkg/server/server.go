// Package server exposes the sync engine over HTTP: the snapshot
// endpoint, the intent endpoint used as push fallback, the WebSocket push
// channel and the operational endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gabrielmiguelok/watchsync/pkg/engine"
	"github.com/gabrielmiguelok/watchsync/pkg/health"
	"github.com/gabrielmiguelok/watchsync/pkg/hub"
	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/limits"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/metrics"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/transport"
)

// Config tunes the HTTP surface.
type Config struct {
	// AllowedOrigins lists browser origins accepted for CORS and the
	// WebSocket handshake. Same-origin requests are always accepted.
	AllowedOrigins []string
	// DevMode accepts every origin.
	DevMode bool

	SnapshotTTL       time.Duration
	SnapshotCacheSize int

	// MaxConnections caps open push connections; zero is unlimited.
	MaxConnections int

	// RateLimit is the sustained intents per second allowed per viewer on
	// POST /session-event, with RateBurst headroom. Zero disables it.
	RateLimit float64
	RateBurst int

	Transport *transport.TransportConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:       5 * time.Second,
		SnapshotCacheSize: 1024,
		MaxConnections:    10000,
		RateLimit:         20,
		RateBurst:         40,
		Transport:         transport.DefaultTransportConfig(),
	}
}

// Server holds the HTTP handlers.
type Server struct {
	cfg       Config
	engine    *engine.Engine
	hub       *hub.Hub
	auth      identity.Authenticator
	metrics   *metrics.Metrics
	logger    logging.Logger
	health    *health.Checker
	snapshots *snapshotCache
	conns     *limits.ConnectionLimiter
	rate      *limits.TokenBucket
	codec     protocol.Codec
}

// Option configures a Server.
type Option func(*Server)

func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithHealth replaces the default checker. The repository and capacity
// checks are added to it either way.
func WithHealth(hc *health.Checker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// New creates a server. Snapshots cached by the server are invalidated by
// every change the engine commits and by every event the hub delivers, so
// changes made on other instances sharing the bus are seen too.
func New(eng *engine.Engine, h *hub.Hub, auth identity.Authenticator, opts ...Option) *Server {
	s := &Server{
		cfg:    DefaultConfig(),
		engine: eng,
		hub:    h,
		auth:   auth,
		logger: logging.NopLogger{},
		codec:  protocol.NewJSONCodec(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Transport == nil {
		s.cfg.Transport = transport.DefaultTransportConfig()
	}
	if s.health == nil {
		s.health = health.NewChecker("", eng.Store().Clock())
	}

	s.snapshots = newSnapshotCache(eng.Snapshot, s.cfg.SnapshotCacheSize, s.cfg.SnapshotTTL, s.metrics)
	eng.OnChange(s.snapshots.Invalidate)
	h.OnDeliver(func(env *protocol.Envelope) { s.snapshots.Invalidate(env.SessionID) })

	s.conns = limits.NewConnectionLimiter(s.cfg.MaxConnections)
	if s.cfg.RateLimit > 0 {
		s.rate = limits.NewTokenBucket(s.cfg.RateLimit, max(s.cfg.RateBurst, 1), eng.Store().Clock())
	}

	s.health.AddCritical("repository", health.PingCheck(eng.Store().Repository()), 2*time.Second)
	s.health.Add("push_capacity", health.CapacityCheck(s.conns.Count, s.cfg.MaxConnections), time.Second)
	return s
}

// Health returns the checker behind /healthz.
func (s *Server) Health() *health.Checker {
	return s.health
}

// Connections returns the number of open push connections.
func (s *Server) Connections() int {
	return s.conns.Count()
}

// PruneLimiter drops idle rate limit buckets. It is called from the
// sweep loop.
func (s *Server) PruneLimiter() {
	if s.rate != nil {
		s.rate.Prune()
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(s.logger))
	r.Use(s.recoverer)
	r.Use(cors(s.cfg.AllowedOrigins, s.cfg.DevMode))

	r.Get("/healthz", s.health.Handler().ServeHTTP)
	r.Get("/livez", s.health.LivenessHandler().ServeHTTP)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.auth, func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, err)
		}))

		r.Get("/session-state", s.handleState)
		if s.rate != nil {
			r.With(limits.RateLimitMiddleware(s.rate, rateKey)).Post("/session-event", s.handleEvent)
		} else {
			r.Post("/session-event", s.handleEvent)
		}
		r.Get("/ws", s.handleWS)
	})

	return r
}

func rateKey(r *http.Request) string {
	if p, ok := identity.FromContext(r.Context()); ok && p.ViewerID != "" {
		return "viewer:" + p.ViewerID
	}
	return "ip:" + limits.ClientIP(r)
}
