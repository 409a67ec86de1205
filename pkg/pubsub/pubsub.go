// Package pubsub carries encoded session events between the engine and
// every server instance's subscriber hub.
package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// Common pubsub errors.
var (
	ErrPubSubClosed = errors.New("pubsub is closed")
)

// PubSub is the interface for pub/sub implementations.
type PubSub interface {
	// Subscribe adds a handler for a topic. Messages are handed to one
	// subscription in publish order.
	Subscribe(topic string, handler func(msg []byte)) (Subscription, error)

	// Publish sends a message to all subscribers of a topic.
	Publish(topic string, msg []byte) error

	// Close shuts down the pubsub system.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes this subscription.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// channelWrapper wraps a channel with sync.Once for safe closing.
type channelWrapper struct {
	ch        chan []byte
	closeOnce sync.Once
}

func newChannelWrapper(size int) *channelWrapper {
	return &channelWrapper{
		ch: make(chan []byte, size),
	}
}

func (cw *channelWrapper) close() {
	cw.closeOnce.Do(func() {
		close(cw.ch)
	})
}

// MemoryPubSub is an in-memory pub/sub implementation.
// Suitable for single-node deployments and testing.
type MemoryPubSub struct {
	topics     map[string]map[string]*channelWrapper
	subs       map[string]*memorySubscription
	nextID     int
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	mu         sync.RWMutex
}

// MemoryOption configures a MemoryPubSub.
type MemoryOption func(*MemoryPubSub)

// WithBufferSize sets the per-subscription queue length (default 1024).
func WithBufferSize(n int) MemoryOption {
	return func(ps *MemoryPubSub) {
		if n > 0 {
			ps.bufferSize = n
		}
	}
}

// NewMemoryPubSub creates a new in-memory pub/sub.
func NewMemoryPubSub(opts ...MemoryOption) *MemoryPubSub {
	ps := &MemoryPubSub{
		topics:     make(map[string]map[string]*channelWrapper),
		subs:       make(map[string]*memorySubscription),
		bufferSize: 1024,
	}
	for _, opt := range opts {
		opt(ps)
	}
	return ps
}

// Subscribe adds a handler for a topic.
func (ps *MemoryPubSub) Subscribe(topic string, handler func(msg []byte)) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrPubSubClosed
	}

	if ps.topics[topic] == nil {
		ps.topics[topic] = make(map[string]*channelWrapper)
	}

	ps.nextID++
	subID := topic + "-" + strconv.Itoa(ps.nextID)

	chWrapper := newChannelWrapper(ps.bufferSize)
	ps.topics[topic][subID] = chWrapper

	ctx, cancel := context.WithCancel(context.Background())

	sub := &memorySubscription{
		id:        subID,
		topic:     topic,
		ps:        ps,
		chWrapper: chWrapper,
		cancel:    cancel,
	}
	ps.subs[subID] = sub

	go func() {
		defer func() {
			// A panicking handler ends only its own subscription.
			_ = recover()
		}()

		for {
			select {
			case msg, ok := <-chWrapper.ch:
				if !ok || sub.closed.Load() {
					return
				}
				handler(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// Publish sends a message to all subscribers of a topic. A subscriber
// whose queue is full misses the message.
func (ps *MemoryPubSub) Publish(topic string, msg []byte) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrPubSubClosed
	}

	subscribers := ps.topics[topic]
	if subscribers == nil {
		return nil
	}

	msgCopy := make([]byte, len(msg))
	copy(msgCopy, msg)

	for subID, chWrapper := range subscribers {
		if sub := ps.subs[subID]; sub != nil && sub.closed.Load() {
			continue
		}

		select {
		case chWrapper.ch <- msgCopy:
		default:
			ps.dropped.Add(1)
		}
	}

	return nil
}

// Close shuts down the pubsub system.
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}

	ps.closed = true

	for _, subscribers := range ps.topics {
		for _, chWrapper := range subscribers {
			chWrapper.close()
		}
	}

	ps.topics = make(map[string]map[string]*channelWrapper)
	ps.subs = make(map[string]*memorySubscription)

	return nil
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics[topic])
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (ps *MemoryPubSub) Dropped() int64 {
	return ps.dropped.Load()
}

type memorySubscription struct {
	id        string
	topic     string
	ps        *MemoryPubSub
	chWrapper *channelWrapper
	closed    atomic.Bool
	cancel    context.CancelFunc
}

// Unsubscribe removes this subscription. Safe to call more than once and
// concurrently with Publish and Close.
func (s *memorySubscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	if subscribers := s.ps.topics[s.topic]; subscribers != nil {
		delete(subscribers, s.id)
		if len(subscribers) == 0 {
			delete(s.ps.topics, s.topic)
		}
	}
	delete(s.ps.subs, s.id)

	s.chWrapper.close()

	return nil
}

func (s *memorySubscription) Topic() string {
	return s.topic
}
