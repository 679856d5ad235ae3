package policy

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const cacheShards = 16

// cacheEntry is never mutated after insertion apart from its access time.
type cacheEntry struct {
	plan       *Plan
	insertedAt time.Time
	lastAccess atomic.Int64
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.insertedAt) > ttl
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	gens    map[string]uint64
}

// Generation identifies the invalidation state of one API. It changes on
// every Invalidate of that API and on every Clear.
type Generation struct {
	epoch uint64
	gen   uint64
}

// PlanCache holds resolved plans keyed by API specification id.
// Lookups take a shard read lock only, so readers never wait on each other,
// and a plan swap is a single pointer replacement under the shard write lock.
type PlanCache struct {
	shards  [cacheShards]*cacheShard
	maxSize int           // split evenly over shards; 0 means unbounded
	ttl     time.Duration // 0 means entries never expire
	hits    atomic.Uint64
	misses  atomic.Uint64
	epoch   atomic.Uint64 // bumped by Clear
	now     func() time.Time
}

// NewPlanCache creates a PlanCache with the given max size and TTL
func NewPlanCache(maxSize int, ttl time.Duration) *PlanCache {
	c := &PlanCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*cacheEntry),
			gens:    make(map[string]uint64),
		}
	}
	return c
}

func (c *PlanCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// Get returns the cached plan, or nil if missing or expired.
func (c *PlanCache) Get(apiSpecID string) *Plan {
	s := c.shard(apiSpecID)
	now := c.now()

	s.mu.RLock()
	entry, exists := s.entries[apiSpecID]
	s.mu.RUnlock()

	if !exists || entry.isExpired(c.ttl, now) {
		c.misses.Add(1)
		return nil
	}

	entry.lastAccess.Store(now.UnixNano())
	c.hits.Add(1)
	return entry.plan
}

// Generation returns the current invalidation state of an API. Take it
// before loading a specification and pass it to SetIfCurrent.
func (c *PlanCache) Generation(apiSpecID string) Generation {
	s := c.shard(apiSpecID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Generation{epoch: c.epoch.Load(), gen: s.gens[apiSpecID]}
}

// Set stores a plan, replacing any previous plan of the same API.
func (c *PlanCache) Set(plan *Plan) {
	s := c.shard(plan.APISpecID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.store(s, plan)
}

// SetIfCurrent stores plan only if the API was not invalidated since gen was
// taken. It reports whether the plan was stored.
func (c *PlanCache) SetIfCurrent(plan *Plan, gen Generation) bool {
	s := c.shard(plan.APISpecID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.epoch.Load() != gen.epoch || s.gens[plan.APISpecID] != gen.gen {
		return false
	}
	c.store(s, plan)
	return true
}

// store must be called with the shard lock held.
func (c *PlanCache) store(s *cacheShard, plan *Plan) {
	now := c.now()
	entry := &cacheEntry{plan: plan, insertedAt: now}
	entry.lastAccess.Store(now.UnixNano())

	if _, exists := s.entries[plan.APISpecID]; !exists {
		if limit := c.shardLimit(); limit > 0 && len(s.entries) >= limit {
			s.evictLRU()
		}
	}
	s.entries[plan.APISpecID] = entry
}

func (c *PlanCache) shardLimit() int {
	if c.maxSize <= 0 {
		return 0
	}
	limit := c.maxSize / cacheShards
	if limit < 1 {
		limit = 1
	}
	return limit
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (s *cacheShard) evictLRU() {
	var (
		oldestKey string
		oldest    int64
	)
	for key, entry := range s.entries {
		access := entry.lastAccess.Load()
		if oldestKey == "" || access < oldest {
			oldestKey, oldest = key, access
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// Invalidate removes the plan of one API. Loads of that API started
// before the call can no longer store their result.
func (c *PlanCache) Invalidate(apiSpecID string) bool {
	s := c.shard(apiSpecID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gens[apiSpecID]++
	_, exists := s.entries[apiSpecID]
	delete(s.entries, apiSpecID)
	return exists
}

// Clear removes all entries from the cache
func (c *PlanCache) Clear() {
	c.epoch.Add(1)
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*cacheEntry)
		s.gens = make(map[string]uint64)
		s.mu.Unlock()
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *PlanCache) Stats() CacheStats {
	size := 0
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.entries)
		s.mu.RUnlock()
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// CleanupExpired removes all expired entries
// Should be called periodically in a background goroutine
func (c *PlanCache) CleanupExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.isExpired(c.ttl, now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartCleanupWorker starts a background worker to periodically clean up expired entries
func (c *PlanCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
