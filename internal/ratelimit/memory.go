package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/avenir-labs/gantry/internal/observability"
)

// defaultSweepInterval is how often stale windows are removed.
const defaultSweepInterval = time.Minute

// window is one key's counter for the current fixed window.
type window struct {
	mu    sync.Mutex
	count int64
	start time.Time
}

// memoryAdapter is the in-memory fixed-window reference adapter. Each key
// holds its own locked counter so concurrent increments on the same key
// are atomic read-modify-write operations.
type memoryAdapter struct {
	logger observability.Logger
	cfg    Config

	mu      sync.RWMutex
	windows map[string]*window

	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption is a functional option for the memory adapter.
type MemoryOption func(*memoryAdapter)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(a *memoryAdapter) {
		a.logger = logger
	}
}

// NewMemory creates an in-memory fixed-window adapter and starts its
// stale-window sweep.
func NewMemory(cfg Config, opts ...MemoryOption) (Adapter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &memoryAdapter{
		logger:  observability.NopLogger(),
		cfg:     cfg,
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	go a.sweepLoop()

	return a, nil
}

// Increment records a request against the key.
func (a *memoryAdapter) Increment(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() {
		GetRateLimitMetrics().operationDuration.WithLabelValues("memory", "increment").
			Observe(time.Since(start).Seconds())
	}()

	w := a.getOrCreate(key)

	w.mu.Lock()
	now := time.Now()
	ws := windowStart(now, a.cfg.Window)
	if !w.start.Equal(ws) {
		// New window: the counter restarts.
		w.start = ws
		w.count = 0
	}
	w.count++
	count := w.count
	w.mu.Unlock()

	result := buildResult(count, a.cfg.Limit, ws.Add(a.cfg.Window), now)

	GetRateLimitMetrics().requestsTotal.WithLabelValues("memory").Inc()
	if result.Limited {
		GetRateLimitMetrics().limitedTotal.WithLabelValues("memory").Inc()
		a.logger.Debug("rate limit exceeded",
			observability.String("key", key),
			observability.Int64("limit", a.cfg.Limit))
	}

	return result, nil
}

// Get reports the key's current state without consuming a slot.
func (a *memoryAdapter) Get(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := time.Now()
	ws := windowStart(now, a.cfg.Window)

	a.mu.RLock()
	w, exists := a.windows[key]
	a.mu.RUnlock()

	var count int64
	if exists {
		w.mu.Lock()
		if w.start.Equal(ws) {
			count = w.count
		}
		w.mu.Unlock()
	}

	return buildResult(count, a.cfg.Limit, ws.Add(a.cfg.Window), now), nil
}

// Reset clears the key's counter.
func (a *memoryAdapter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.windows, key)
	a.mu.Unlock()
	return nil
}

// Close stops the stale-window sweep.
func (a *memoryAdapter) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	return nil
}

// getOrCreate returns the key's window, creating it under the write lock
// on first use.
func (a *memoryAdapter) getOrCreate(key string) *window {
	a.mu.RLock()
	w, exists := a.windows[key]
	a.mu.RUnlock()
	if exists {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, exists = a.windows[key]; exists {
		return w
	}
	w = &window{}
	a.windows[key] = w
	return w
}

// sweepLoop periodically drops windows that ended before the previous
// window boundary.
func (a *memoryAdapter) sweepLoop() {
	interval := defaultSweepInterval
	if a.cfg.Window < interval {
		interval = a.cfg.Window
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.stopCh:
			return
		}
	}
}

// sweep removes windows stale by at least one full window.
func (a *memoryAdapter) sweep() {
	cutoff := windowStart(time.Now(), a.cfg.Window).Add(-a.cfg.Window)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, w := range a.windows {
		w.mu.Lock()
		stale := w.start.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(a.windows, key)
			removed++
		}
	}

	if removed > 0 {
		a.logger.Debug("rate limit sweep completed",
			observability.Int("removed", removed))
	}
}
