package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis-specific errors.
var (
	ErrRedisNotConnected = errors.New("redis not connected")
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	// Addr is the Redis server address (default: "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// PoolSize is the connection pool size (default: 10)
	PoolSize int

	// ReadTimeout for operations (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout for operations (default: 3s)
	WriteTimeout time.Duration

	// DialTimeout for initial connection (default: 5s)
	DialTimeout time.Duration

	// MaxRetries before giving up (default: 3)
	MaxRetries int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
		MaxRetries:   3,
	}
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, config *RedisConfig) (*redis.Client, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		DialTimeout:  config.DialTimeout,
		MaxRetries:   config.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisPubSub implements PubSub over Redis channels so every instance
// sharing the Redis server receives every published event.
type RedisPubSub struct {
	client redis.UniversalClient
	pubsub *redis.PubSub

	subs   map[string][]*redisSubscription
	nextID int64

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	done   chan struct{}

	mu sync.RWMutex
}

type redisSubscription struct {
	id      int64
	topic   string
	handler func([]byte)
	ps      *RedisPubSub
	closed  bool
	mu      sync.Mutex
}

// NewRedisPubSub creates a Redis pub/sub on an existing client.
func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())

	ps := &RedisPubSub{
		client: client,
		pubsub: client.Subscribe(ctx),
		subs:   make(map[string][]*redisSubscription),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go ps.receiveLoop()

	return ps
}

func (ps *RedisPubSub) receiveLoop() {
	defer close(ps.done)
	ch := ps.pubsub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ps.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (ps *RedisPubSub) dispatch(topic string, payload []byte) {
	ps.mu.RLock()
	subs := make([]*redisSubscription, len(ps.subs[topic]))
	copy(subs, ps.subs[topic])
	ps.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if !closed {
			sub.handler(payload)
		}
	}
}

// Subscribe adds a handler for a topic.
func (ps *RedisPubSub) Subscribe(topic string, handler func(msg []byte)) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrPubSubClosed
	}

	first := len(ps.subs[topic]) == 0

	ps.nextID++
	sub := &redisSubscription{
		id:      ps.nextID,
		topic:   topic,
		handler: handler,
		ps:      ps,
	}
	ps.subs[topic] = append(ps.subs[topic], sub)

	if first {
		if err := ps.pubsub.Subscribe(ps.ctx, topic); err != nil {
			ps.subs[topic] = ps.subs[topic][:len(ps.subs[topic])-1]
			return nil, fmt.Errorf("redis subscribe failed: %w", err)
		}
	}

	return sub, nil
}

// Publish sends a message to all subscribers of a topic on every instance.
func (ps *RedisPubSub) Publish(topic string, msg []byte) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()

	if closed {
		return ErrPubSubClosed
	}

	return ps.client.Publish(ps.ctx, topic, msg).Err()
}

// Ping checks the connection.
func (ps *RedisPubSub) Ping(ctx context.Context) error {
	if ps.client == nil {
		return ErrRedisNotConnected
	}
	return ps.client.Ping(ctx).Err()
}

// Close shuts down the pubsub system. The Redis client itself is owned by
// the caller.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	for _, subs := range ps.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		}
	}
	ps.subs = make(map[string][]*redisSubscription)
	ps.mu.Unlock()

	err := ps.pubsub.Close()
	ps.cancel()
	<-ps.done
	return err
}

// Unsubscribe removes this subscription.
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	subs := s.ps.subs[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			s.ps.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(s.ps.subs[s.topic]) == 0 && !s.ps.closed {
		delete(s.ps.subs, s.topic)
		return s.ps.pubsub.Unsubscribe(s.ps.ctx, s.topic)
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *redisSubscription) Topic() string {
	return s.topic
}
