package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultShards = 32

// RateLimitRequest represents a rate limit check request
type RateLimitRequest struct {
	APISpecID string
	// PolicyDefinitionID separates the buckets of limiters configured on the same API.
	PolicyDefinitionID int64
	SubscriptionID     int64
	ClientIP       string
	KeyBy          string
	ReplenishRate  int64
	BurstCapacity  int64
	Requested      int64
	Window         time.Duration
}

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed         bool
	Limit           int64
	Remaining       int64
	ResetAt         time.Time
	RetryAfter      time.Duration
	ViolationReason string
}

// bucket is a token bucket refilled at ReplenishRate tokens per Window.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// RateLimitService enforces request rate limits with in-memory token buckets.
// Buckets are spread over fnv-hashed shards so unrelated keys never share a lock.
type RateLimitService struct {
	shards []*shard
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(logger *zap.Logger) *RateLimitService {
	s := &RateLimitService{
		shards: make([]*shard, defaultShards),
		now:    time.Now,
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return s
}

func (s *RateLimitService) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// CheckLimit takes Requested tokens from the bucket of the request scope.
func (s *RateLimitService) CheckLimit(ctx context.Context, req RateLimitRequest) (*RateLimitResult, error) {
	if req.ReplenishRate <= 0 || req.Window <= 0 {
		return nil, fmt.Errorf("invalid rate limit: rate %d per %s", req.ReplenishRate, req.Window)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	burst := req.BurstCapacity
	if burst < req.ReplenishRate {
		burst = req.ReplenishRate
	}
	requested := req.Requested
	if requested <= 0 {
		requested = 1
	}

	key := s.buildScopeKey(req)
	now := s.now()
	perToken := req.Window / time.Duration(req.ReplenishRate)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), lastRefill: now}
		sh.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = math.Min(float64(burst), b.tokens+float64(elapsed)/float64(req.Window)*float64(req.ReplenishRate))
		b.lastRefill = now
	}
	b.lastSeen = now

	missing := float64(burst) - b.tokens
	result := &RateLimitResult{
		Limit:   burst,
		ResetAt: now.Add(time.Duration(missing * float64(perToken))),
	}

	if b.tokens >= float64(requested) {
		b.tokens -= float64(requested)
		result.Allowed = true
		result.Remaining = int64(b.tokens)
		result.ResetAt = now.Add(time.Duration((float64(burst) - b.tokens) * float64(perToken)))
		return result, nil
	}

	result.Remaining = int64(b.tokens)
	result.RetryAfter = time.Duration(math.Ceil((float64(requested) - b.tokens) * float64(perToken)))
	result.ViolationReason = fmt.Sprintf("exceeded %d requests per %s", req.ReplenishRate, req.Window)

	s.logger.Debug("rate limit exceeded",
		zap.String("scope", key),
		zap.Duration("retry_after", result.RetryAfter))

	return result, nil
}

// buildScopeKey builds a unique key for the rate limit scope
func (s *RateLimitService) buildScopeKey(req RateLimitRequest) string {
	prefix := fmt.Sprintf("api:%s:filter:%d", req.APISpecID, req.PolicyDefinitionID)
	switch req.KeyBy {
	case "api":
		return prefix
	case "ip":
		return fmt.Sprintf("%s:ip:%s", prefix, req.ClientIP)
	default:
		return fmt.Sprintf("%s:sub:%d", prefix, req.SubscriptionID)
	}
}

// CleanupIdle drops buckets not used for longer than idle.
func (s *RateLimitService) CleanupIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartCleanupWorker starts a background worker to periodically drop idle buckets
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupIdle(retention); n > 0 {
				s.logger.Debug("removed idle rate limit buckets", zap.Int("count", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
