package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avenir-labs/gantry/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "gantry/cache"

// DefaultSweepInterval is how often the background sweep removes expired
// entries.
const DefaultSweepInterval = time.Minute

// MemoryConfig holds configuration for the in-memory cache adapter.
type MemoryConfig struct {
	// DefaultTTL is applied when Set is called with a negative TTL.
	DefaultTTL time.Duration

	// SweepInterval is the interval of the background expiry sweep.
	SweepInterval time.Duration
}

// DefaultMemoryConfig returns a MemoryConfig with default values.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DefaultTTL:    0,
		SweepInterval: DefaultSweepInterval,
	}
}

// memoryAdapter is the in-memory reference cache adapter. Every entry's tag
// is mirrored in the tag index; removing an entry on any path prunes it
// from every tag's key set.
type memoryAdapter struct {
	logger observability.Logger
	cfg    MemoryConfig

	mu       sync.RWMutex
	items    map[string]*Entry
	tagIndex map[string]map[string]struct{}

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

// NewMemory creates an in-memory cache adapter and starts its expiry sweep.
func NewMemory(cfg MemoryConfig, opts ...MemoryOption) Adapter {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	a := &memoryAdapter{
		logger:   observability.NopLogger(),
		cfg:      cfg,
		items:    make(map[string]*Entry),
		tagIndex: make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	go a.sweepLoop()

	return a
}

// Get retrieves a value. An expired entry is removed and its tags pruned
// before reporting the miss.
func (a *memoryAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues("memory", "get").
			Observe(time.Since(start).Seconds())
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, exists := a.items[key]
	if !exists {
		GetCacheMetrics().missesTotal.WithLabelValues("memory").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	if entry.IsExpired() {
		a.removeLocked(key, entry)
		GetCacheMetrics().missesTotal.WithLabelValues("memory").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	GetCacheMetrics().hitsTotal.WithLabelValues("memory").Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(entry.Value)),
	)

	return entry.Value, nil
}

// Set upserts a value. A TTL of 0 means the entry never expires; a negative
// TTL falls back to the configured default.
func (a *memoryAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues("memory", "set").
			Observe(time.Since(start).Seconds())
	}()

	if ttl < 0 {
		ttl = a.cfg.DefaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := &Entry{
		Value:     value,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
		Tags:      tags,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Upsert: drop the old entry's tag references first so the tag index
	// never holds orphans in either direction.
	if old, exists := a.items[key]; exists {
		a.pruneTagsLocked(key, old)
	}

	a.items[key] = entry
	for _, tag := range tags {
		keys, ok := a.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			a.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}

	GetCacheMetrics().sizeGauge.WithLabelValues("memory").Set(float64(len(a.items)))

	a.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(a.items)))

	return nil
}

// Delete removes a value.
func (a *memoryAdapter) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, exists := a.items[key]; exists {
		a.removeLocked(key, entry)
	}
	return nil
}

// Invalidate removes every key matching the pattern.
func (a *memoryAdapter) Invalidate(_ context.Context, pattern string) (int, error) {
	regex, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []string
	for key := range a.items {
		if regex.MatchString(key) {
			matched = append(matched, key)
		}
	}

	for _, key := range matched {
		a.removeLocked(key, a.items[key])
	}

	GetCacheMetrics().invalidationsTotal.WithLabelValues("memory", "pattern").
		Add(float64(len(matched)))

	return len(matched), nil
}

// InvalidateByTag removes every key indexed under the tag.
func (a *memoryAdapter) InvalidateByTag(_ context.Context, tag string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys, exists := a.tagIndex[tag]
	if !exists {
		return 0, nil
	}

	removed := 0
	for key := range keys {
		if entry, ok := a.items[key]; ok {
			a.removeLocked(key, entry)
			removed++
		}
	}
	delete(a.tagIndex, tag)

	GetCacheMetrics().invalidationsTotal.WithLabelValues("memory", "tag").
		Add(float64(removed))

	a.logger.Debug("cache tag invalidated",
		observability.String("tag", tag),
		observability.Int("removed", removed))

	return removed, nil
}

// Clear removes all entries.
func (a *memoryAdapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items = make(map[string]*Entry)
	a.tagIndex = make(map[string]map[string]struct{})
	GetCacheMetrics().sizeGauge.WithLabelValues("memory").Set(0)
	return nil
}

// Close stops the expiry sweep.
func (a *memoryAdapter) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	return nil
}

// removeLocked removes an entry and prunes it from every tag's key set.
// Must be called with the lock held.
func (a *memoryAdapter) removeLocked(key string, entry *Entry) {
	delete(a.items, key)
	a.pruneTagsLocked(key, entry)
	GetCacheMetrics().sizeGauge.WithLabelValues("memory").Set(float64(len(a.items)))
}

// pruneTagsLocked removes the key from every tag set the entry references,
// dropping tag index entries that become empty. Must be called with the
// lock held.
func (a *memoryAdapter) pruneTagsLocked(key string, entry *Entry) {
	for _, tag := range entry.Tags {
		if keys, ok := a.tagIndex[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(a.tagIndex, tag)
			}
		}
	}
}

// sweepLoop periodically removes expired entries.
func (a *memoryAdapter) sweepLoop() {
	ticker := time.NewTicker(a.cfg.SweepInterval)
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

// sweep removes expired entries. Candidates are collected first and removed
// under the same lock so the sweep never iterates while mutating.
func (a *memoryAdapter) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, entry := range a.items {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		a.removeLocked(key, a.items[key])
	}

	if len(expired) > 0 {
		GetCacheMetrics().evictionsTotal.WithLabelValues("memory").
			Add(float64(len(expired)))
		a.logger.Debug("cache sweep completed",
			observability.Int("removed", len(expired)))
	}
}
