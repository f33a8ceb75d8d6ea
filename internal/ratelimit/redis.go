package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter backed by shared Redis counters, one key per workspace
// per minute bucket. Keys expire with the bucket, so Redis cleans up after
// itself.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis connects to the Redis instance described by url.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), now: time.Now}, nil
}

// NewRedisWithClient wraps an existing client, sharing the connection pool
// with the cache.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, workspaceID string, limit int) (Result, error) {
	now := r.now()
	bucket, reset := bucketFor(now)
	key := fmt.Sprintf("ratelimit:%s:%d", workspaceID, bucket)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		// First hit in the bucket owns the expiry. Pad one second so the key
		// outlives the bucket boundary.
		if err := r.client.Expire(ctx, key, reset.Sub(now)+time.Second).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	res := Result{Limit: limit, Reset: reset}
	if int(count) > limit {
		res.Remaining = 0
		res.RetryAfter = reset.Sub(now)
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - int(count)
	return res, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
