package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucketAdapter smooths bursts with a per-key token bucket instead of
// a fixed window. Remaining is the floor of the available tokens; Reset is
// when the bucket refills completely.
type tokenBucketAdapter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// TokenBucketConfig holds configuration for the token bucket adapter.
type TokenBucketConfig struct {
	// Rate is the steady-state refill rate in requests per second.
	Rate float64

	// Burst is the bucket capacity.
	Burst int
}

// NewTokenBucket creates a token bucket adapter.
func NewTokenBucket(cfg TokenBucketConfig) (Adapter, error) {
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, ErrInvalidConfig
	}

	a := &tokenBucketAdapter{
		limit:    rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}

	go a.sweepLoop()

	return a, nil
}

// Increment consumes a token for the key.
func (a *tokenBucketAdapter) Increment(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	limiter := a.getOrCreate(key)

	GetRateLimitMetrics().requestsTotal.WithLabelValues("token_bucket").Inc()

	allowed := limiter.Allow()
	result := a.snapshot(limiter, time.Now())
	result.Limited = !allowed
	if result.Limited {
		GetRateLimitMetrics().limitedTotal.WithLabelValues("token_bucket").Inc()
		// Wait for one token's worth of refill.
		result.RetryAfter = time.Duration(float64(time.Second) / float64(a.limit))
	}

	return result, nil
}

// Get reports the key's current state without consuming a token.
func (a *tokenBucketAdapter) Get(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	limiter, exists := a.limiters[key]
	a.mu.Unlock()

	now := time.Now()
	if !exists {
		return Result{
			Limit:     int64(a.burst),
			Remaining: int64(a.burst),
			Reset:     now,
		}, nil
	}

	result := a.snapshot(limiter, now)
	result.Limited = limiter.Tokens() < 1
	return result, nil
}

// Reset restores the key's bucket to full.
func (a *tokenBucketAdapter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.limiters, key)
	a.mu.Unlock()
	return nil
}

// Close stops the idle-bucket sweep.
func (a *tokenBucketAdapter) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	return nil
}

func (a *tokenBucketAdapter) getOrCreate(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	limiter, exists := a.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(a.limit, a.burst)
		a.limiters[key] = limiter
	}
	return limiter
}

// snapshot derives a Result from the bucket's current fill level.
func (a *tokenBucketAdapter) snapshot(limiter *rate.Limiter, now time.Time) Result {
	tokens := limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}

	refill := time.Duration((float64(a.burst) - tokens) / float64(a.limit) * float64(time.Second))
	if refill < 0 {
		refill = 0
	}

	return Result{
		Limit:     int64(a.burst),
		Remaining: int64(math.Floor(tokens)),
		Reset:     now.Add(refill),
	}
}

// sweepLoop drops full, idle buckets so the map does not grow without
// bound.
func (a *tokenBucketAdapter) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			for key, limiter := range a.limiters {
				if limiter.Tokens() >= float64(a.burst) {
					delete(a.limiters, key)
				}
			}
			a.mu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}
