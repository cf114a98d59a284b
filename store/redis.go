package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by github.com/redis/go-redis/v9. It is the
// backend used for multi-instance deployments, where DistributedSync
// (C9) needs a shared view of membership and the rate limiter/throttle
// counters must be consistent across processes.
type Redis struct {
	c *redis.Client
}

// NewRedis parses a redis:// URL and returns a Store.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Redis{c: redis.NewClient(opt)}, nil
}

// NewRedisFromClient wraps an already-constructed client, useful for tests
// that point at a miniredis instance.
func NewRedisFromClient(c *redis.Client) *Redis {
	return &Redis{c: c}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.c.Close() }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Increment uses INCRBY, which Redis guarantees is atomic, satisfying
// §4.1's atomicity requirement without an additional lock.
func (r *Redis) Increment(ctx context.Context, key string, by int64) (int64, error) {
	v, err := r.c.IncrBy(ctx, key, by).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.c.Persist(ctx, key).Err()
	}
	if err := r.c.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.c.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	// go-redis leaves Redis's own -2 (missing) and -1 (no expiry) sentinels
	// unscaled, which already matches §4.1's "TTL of -2 means missing".
	switch d {
	case -2 * time.Nanosecond:
		return MissingTTL, nil
	case -1 * time.Nanosecond:
		return -1, nil
	default:
		return d, nil
	}
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.c.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (r *Redis) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	pipe := r.c.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mset: %w", err)
	}
	return nil
}

// Lock implements the classic SET NX PX pattern.
func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := "lock:" + key
	ok, err := r.c.SetNX(ctx, lockKey, "1", ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_ = r.c.Del(context.Background(), lockKey).Err()
	}
	return release, true, nil
}

// Subscribe uses native Redis pub/sub, satisfying §4.9's "broadcast... on
// channel <channel> (pub/sub if the Store exposes one)".
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ps := r.c.Subscribe(ctx, channel)
	out := make(chan string, 32)
	done := make(chan struct{})

	go func() {
		defer close(out)
		rch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-rch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = ps.Close()
	}
	return out, cancel, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload string) error {
	if err := r.c.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}
