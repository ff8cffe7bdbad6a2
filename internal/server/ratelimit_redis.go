// ratelimit_redis.go - Redis backed fixed window limiter shared between instances.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per key in fixed windows shared by every
// instance that talks to the same Redis.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps client. Keys are namespaced with "filedrop:ratelimit".
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "filedrop:ratelimit",
		now:    time.Now,
	}
}

func (l *RedisLimiter) key(id string) string {
	bucket := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s:%s:%d", l.prefix, id, bucket)
}

// Allow implements Limiter. The first hit in a window sets the expiry so
// abandoned counters disappear on their own.
func (l *RedisLimiter) Allow(ctx context.Context, id string) (bool, error) {
	key := l.key(id)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return true, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n <= int64(l.limit), nil
}

// Ping checks the Redis connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
