package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gabrielmiguelok/watchsync/pkg/retry"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Redis key patterns:
// {prefix}session:{session_id}   STRING<msgpack session>  - session state, expires after TTL
// {prefix}sessions               SET<session_id>          - index of stored sessions

// RedisRepository stores sessions in Redis. Updates use WATCH/MULTI so two
// instances mutating the same session never interleave.
type RedisRepository struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	serializer *MsgPackSerializer
	retry      *retry.Config
}

// RedisOption configures a RedisRepository.
type RedisOption func(*RedisRepository)

// WithKeyPrefix sets the key prefix (default "watchsync:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRepository) {
		r.prefix = prefix
	}
}

// WithTTL sets the expiry applied to session keys on every write.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRepository) {
		r.ttl = ttl
	}
}

// NewRedisRepository creates a Redis-backed repository on an existing client.
func NewRedisRepository(client redis.UniversalClient, opts ...RedisOption) *RedisRepository {
	r := &RedisRepository{
		client:     client,
		prefix:     "watchsync:",
		ttl:        48 * time.Hour,
		serializer: NewMsgPackSerializer(),
		retry: &retry.Config{
			MaxRetries:   8,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0.2,
			RetryIf:      retry.RetryOn(redis.TxFailedErr),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRepository) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, id)
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + "sessions"
}

// Update implements Repository.
func (r *RedisRepository) Update(ctx context.Context, id string, create bool, now time.Time, fn MutateFunc) (*session.Session, error) {
	key := r.sessionKey(id)

	return retry.RetryWithResult(ctx, r.retry, func() (*session.Session, error) {
		var result *session.Session

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.load(ctx, tx, key)
			created := false
			if errors.Is(err, session.ErrSessionNotFound) {
				if !create {
					return err
				}
				current = session.New(id, now)
				created = true
			} else if err != nil {
				return err
			}

			work := current.Clone()
			ferr := fn(work)
			switch {
			case ferr == nil:
				result = work
			case errors.Is(ferr, ErrNoChange):
				result = current
				if !created {
					return nil
				}
			case errors.Is(ferr, ErrRemove):
				result = work
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, r.indexKey(), id)
					return nil
				})
				return err
			default:
				return ferr
			}

			data, err := r.serializer.Marshal(result)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, r.ttl)
				pipe.SAdd(ctx, r.indexKey(), id)
				return nil
			})
			return err
		}, key)
		if err != nil {
			return nil, err
		}
		return result.Clone(), nil
	})
}

func (r *RedisRepository) load(ctx context.Context, c redis.Cmdable, key string) (*session.Session, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.serializer.Unmarshal(data)
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	return r.load(ctx, r.client, r.sessionKey(id))
}

// Delete implements Repository.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// IDs implements Repository. Index entries whose key has expired are
// pruned on the way.
func (r *RedisRepository) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Ping implements Repository.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Repository.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
