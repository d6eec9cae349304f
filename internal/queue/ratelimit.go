package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether one more alert may be accepted for key at the
// given event time. Allow consumes capacity when it returns true.
type RateLimiter interface {
	Allow(ctx context.Context, key string, at time.Time) (bool, error)
}

// MemoryRateLimiter keeps a rolling window of accepted timestamps per key.
type MemoryRateLimiter struct {
	window time.Duration
	limit  int

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryRateLimiter allows limit acceptances per key per rolling window.
func NewMemoryRateLimiter(window time.Duration, limit int) *MemoryRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryRateLimiter{window: window, limit: limit, hits: make(map[string][]time.Time)}
}

// Allow implements RateLimiter.
func (m *MemoryRateLimiter) Allow(_ context.Context, key string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.hits[key][:0]
	for _, ts := range m.hits[key] {
		if at.Sub(ts) < m.window {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= m.limit {
		m.hits[key] = kept
		return false, nil
	}
	m.hits[key] = append(kept, at)
	return true, nil
}

// Prune drops keys whose window closed before now.
func (m *MemoryRateLimiter) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, hits := range m.hits {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1]) >= m.window {
			delete(m.hits, key)
		}
	}
}

// RedisRateLimiter shares the cap across processes through redis_rate (GCRA).
// It measures time on the Redis server, so replayed event times are ignored.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisRateLimiter builds a limiter allowing limit events per window.
func NewRedisRateLimiter(rdb *redis.Client, window time.Duration, limit int, prefix string) *RedisRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if prefix == "" {
		prefix = "tradealerts:rate:"
	}
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: limit, Burst: limit, Period: window},
		prefix:  prefix,
	}
}

// Allow implements RateLimiter.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, error) {
	res, err := r.limiter.Allow(ctx, r.prefix+key, r.limit)
	if err != nil {
		return false, fmt.Errorf("redis rate limit %s: %w", key, err)
	}
	return res.Allowed > 0, nil
}

var (
	_ RateLimiter = (*MemoryRateLimiter)(nil)
	_ RateLimiter = (*RedisRateLimiter)(nil)
)
