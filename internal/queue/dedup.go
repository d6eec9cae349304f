package queue

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache maps a dedup key to the time its last record was admitted.
// Capacity bounds memory; evicting a live entry can only admit an extra
// record, never drop one.
type DedupCache struct {
	ttl   time.Duration
	cache *lru.Cache[uint64, time.Time]
}

// NewDedupCache builds a cache holding at most capacity keys.
func NewDedupCache(ttl time.Duration, capacity int) (*DedupCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	cache, err := lru.New[uint64, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &DedupCache{ttl: ttl, cache: cache}, nil
}

// Duplicate reports whether key was admitted within the TTL before at.
func (d *DedupCache) Duplicate(key uint64, at time.Time) bool {
	seen, ok := d.cache.Get(key)
	if !ok {
		return false
	}
	if at.Sub(seen) >= d.ttl {
		d.cache.Remove(key)
		return false
	}
	return true
}

// Mark records an admission for key at the given time.
func (d *DedupCache) Mark(key uint64, at time.Time) {
	d.cache.Add(key, at)
}

// Len returns the number of tracked keys.
func (d *DedupCache) Len() int { return d.cache.Len() }
