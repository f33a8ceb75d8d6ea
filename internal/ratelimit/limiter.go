// Package ratelimit enforces the per-workspace request rate limit over fixed
// one-minute buckets. Two backends exist: an in-process counter map for
// single-instance deployments, and Redis for shared enforcement across
// replicas.
package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check. Remaining and Reset are
// returned to callers in response headers whether or not the request was
// allowed.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time     // start of the next bucket
	RetryAfter time.Duration // > 0 only when throttled
}

// Limiter counts requests per workspace per fixed minute bucket.
type Limiter interface {
	// Allow records one request for workspaceID against limit and reports
	// whether it fits in the current bucket.
	Allow(ctx context.Context, workspaceID string, limit int) (Result, error)
}

// bucketFor returns the fixed minute bucket containing now and the instant the
// next bucket starts.
func bucketFor(now time.Time) (int64, time.Time) {
	bucket := now.Unix() / 60
	reset := time.Unix((bucket+1)*60, 0).UTC()
	return bucket, reset
}
