// Package hub fans session events out to connected subscribers.
package hub

import (
	"sync"

	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/metrics"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
)

// Subscriber is one connected receiver of event frames.
type Subscriber interface {
	// ID identifies the subscriber within the hub.
	ID() string
	// Send queues a frame without blocking. It reports false when the
	// frame was not accepted.
	Send(frame []byte) bool
}

// Stats reports the outcome of one delivery.
type Stats struct {
	Delivered int
	Dropped   int
}

// Hub keeps the session groups and the global set of registered
// subscribers. A subscriber can sit in several groups at once.
type Hub struct {
	subs    map[string]Subscriber
	rooms   map[string]map[string]Subscriber
	codec   protocol.Codec
	metrics *metrics.Metrics
	logger  logging.Logger
	observe []func(env *protocol.Envelope)
	mu      sync.RWMutex
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics records deliveries and drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithLogger sets the hub logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithCodec sets the codec frames are encoded with for subscribers
// (default JSON).
func WithCodec(c protocol.Codec) Option {
	return func(h *Hub) {
		h.codec = c
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]Subscriber),
		rooms:  make(map[string]map[string]Subscriber),
		codec:  protocol.NewJSONCodec(),
		logger: logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnDeliver registers fn to see every envelope before it is fanned out,
// including those published by other instances on the bus. Call it
// before the hub is attached.
func (h *Hub) OnDeliver(fn func(env *protocol.Envelope)) {
	h.observe = append(h.observe, fn)
}

// Register adds a subscriber to the global set.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ID()] = sub
}

// Unregister removes a subscriber from the global set and every group.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := sub.ID()
	delete(h.subs, id)
	for sessionID, room := range h.rooms {
		delete(room, id)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Join adds a registered subscriber to a session group.
func (h *Hub) Join(sub Subscriber, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub.ID()] = sub
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]Subscriber)
		h.rooms[sessionID] = room
	}
	room[sub.ID()] = sub
	h.logger.Debug("subscriber joined session",
		logging.String("subscriber_id", sub.ID()),
		logging.String("session_id", sessionID),
	)
}

// Leave removes a subscriber from one session group only.
func (h *Hub) Leave(sub Subscriber, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[sessionID]; ok {
		delete(room, sub.ID())
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Members returns the number of subscribers in a session group.
func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver sends env to its session group and, for global events, once to
// every other registered subscriber. Full subscriber queues drop the frame.
func (h *Hub) Deliver(env *protocol.Envelope) (Stats, error) {
	for _, fn := range h.observe {
		fn(env)
	}

	frame, err := h.codec.Encode(env)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	send := func(sub Subscriber) {
		if sub.Send(frame) {
			stats.Delivered++
		} else {
			stats.Dropped++
		}
	}

	h.mu.RLock()
	room := h.rooms[env.SessionID]
	for _, sub := range room {
		send(sub)
	}
	if protocol.Global(env.Event) {
		for id, sub := range h.subs {
			if _, member := room[id]; member {
				continue
			}
			send(sub)
		}
	}
	h.mu.RUnlock()

	h.metrics.Delivered(env.Event.String(), stats.Delivered)
	h.metrics.Dropped(stats.Dropped)
	if stats.Dropped > 0 {
		h.logger.Warn("dropped frames for slow subscribers",
			logging.String("session_id", env.SessionID),
			logging.String("event", env.Event.String()),
			logging.Int("dropped", stats.Dropped),
		)
	}
	return stats, nil
}
