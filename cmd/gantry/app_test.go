package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avenir-labs/gantry/internal/adapter"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/config"
	"github.com/avenir-labs/gantry/internal/health"
	"github.com/avenir-labs/gantry/internal/observability"
)

// brokenCache fails every read with a transport error.
type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	return nil
}

func (brokenCache) Delete(ctx context.Context, key string) error { return nil }

func (brokenCache) Invalidate(ctx context.Context, pattern string) (int, error) { return 0, nil }

func (brokenCache) InvalidateByTag(ctx context.Context, tag string) (int, error) { return 0, nil }

func (brokenCache) Clear(ctx context.Context) error { return nil }

func (brokenCache) Close() error { return nil }

func TestBuildHealthChecker_FreshCacheIsHealthy(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		CacheAdapters: []config.CacheAdapterConfig{
			{Name: "memory", Backend: config.BackendMemory, Default: true},
		},
	}

	caches, err := buildCacheRegistry(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		caches.Range(func(_ string, a cache.Adapter) { _ = a.Close() })
	})

	checker := buildHealthChecker(cfg, caches, observability.NopLogger())
	report := checker.Run(context.Background())

	// A miss on the never-written key is a healthy answer.
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, health.StatusHealthy, report.Checks["cache:memory"].Status)
}

func TestBuildHealthChecker_AdapterFailureDegrades(t *testing.T) {
	t.Parallel()

	caches := adapter.NewRegistry[cache.Adapter]("cache")
	require.NoError(t, caches.Register("broken", brokenCache{}))

	cfg := &config.Config{}
	checker := buildHealthChecker(cfg, caches, observability.NopLogger())
	report := checker.Run(context.Background())

	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.Equal(t, "connection refused", report.Checks["cache:broken"].Error)
}
