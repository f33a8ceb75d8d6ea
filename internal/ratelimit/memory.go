package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Limiter. Counters from finished buckets are evicted
// lazily whenever a new minute starts, so the map stays bounded by the number
// of workspaces active in the current minute.
type Memory struct {
	mu         sync.Mutex
	counts     map[string]*memoryCounter
	lastBucket int64
	now        func() time.Time
}

type memoryCounter struct {
	bucket int64
	count  int
}

// NewMemory creates an in-process limiter.
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]*memoryCounter), now: time.Now}
}

func (m *Memory) Allow(_ context.Context, workspaceID string, limit int) (Result, error) {
	now := m.now()
	bucket, reset := bucketFor(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket != m.lastBucket {
		for id, c := range m.counts {
			if c.bucket != bucket {
				delete(m.counts, id)
			}
		}
		m.lastBucket = bucket
	}

	c := m.counts[workspaceID]
	if c == nil || c.bucket != bucket {
		c = &memoryCounter{bucket: bucket}
		m.counts[workspaceID] = c
	}
	c.count++

	res := Result{Limit: limit, Reset: reset}
	if c.count > limit {
		res.Remaining = 0
		res.RetryAfter = reset.Sub(now)
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - c.count
	return res, nil
}
