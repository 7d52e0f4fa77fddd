package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) Adapter {
	t.Helper()
	a := NewMemory(DefaultMemoryConfig())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestMemory_SetGet(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), time.Minute, nil))

	val, err := a.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestMemory_Get_Miss(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)

	_, err := a.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemory_Get_Expired(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond, []string{"t1"}))

	time.Sleep(20 * time.Millisecond)

	_, err := a.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// The expired read pruned the tag, so tag invalidation finds nothing.
	removed, err := a.InvalidateByTag(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), 0, nil))

	time.Sleep(20 * time.Millisecond)

	val, err := a.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestMemory_Delete(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"t1"}))
	require.NoError(t, a.Delete(ctx, "k1"))

	_, err := a.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, a.Delete(ctx, "k1"))
}

func TestMemory_InvalidateByTag(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "a", []byte("1"), time.Minute, []string{"users"}))
	require.NoError(t, a.Set(ctx, "b", []byte("2"), time.Minute, []string{"users", "admins"}))
	require.NoError(t, a.Set(ctx, "c", []byte("3"), time.Minute, []string{"orders"}))

	removed, err := a.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = a.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = a.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Entries under other tags are untouched.
	val, err := a.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)

	removed, err = a.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemory_InvalidateByTag_UpsertDropsOldTags(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"old"}))
	require.NoError(t, a.Set(ctx, "k1", []byte("v2"), time.Minute, []string{"new"}))

	removed, err := a.InvalidateByTag(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = a.InvalidateByTag(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemory_Invalidate_Pattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		removed int
		gone    []string
		kept    []string
	}{
		{
			name:    "single wildcard stays within segment",
			pattern: "users/*",
			removed: 2,
			gone:    []string{"users/1", "users/2"},
			kept:    []string{"users/1/orders", "orders/1"},
		},
		{
			name:    "double wildcard crosses segments",
			pattern: "users/**",
			removed: 3,
			gone:    []string{"users/1", "users/2", "users/1/orders"},
			kept:    []string{"orders/1"},
		},
		{
			name:    "question mark matches one character",
			pattern: "users/?",
			removed: 2,
			gone:    []string{"users/1", "users/2"},
			kept:    []string{"users/1/orders", "orders/1"},
		},
		{
			name:    "no match",
			pattern: "items/*",
			removed: 0,
			kept:    []string{"users/1", "users/2", "users/1/orders", "orders/1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newTestMemory(t)
			ctx := context.Background()

			for _, key := range []string{"users/1", "users/2", "users/1/orders", "orders/1"} {
				require.NoError(t, a.Set(ctx, key, []byte("v"), time.Minute, nil))
			}

			removed, err := a.Invalidate(ctx, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.removed, removed)

			for _, key := range tt.gone {
				_, err := a.Get(ctx, key)
				assert.ErrorIs(t, err, ErrCacheMiss, key)
			}
			for _, key := range tt.kept {
				_, err := a.Get(ctx, key)
				assert.NoError(t, err, key)
			}
		})
	}
}

func TestMemory_Clear(t *testing.T) {
	t.Parallel()

	a := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", []byte("v1"), time.Minute, []string{"t1"}))
	require.NoError(t, a.Set(ctx, "k2", []byte("v2"), time.Minute, nil))

	require.NoError(t, a.Clear(ctx))

	_, err := a.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = a.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemory_Sweep(t *testing.T) {
	t.Parallel()

	a := NewMemory(MemoryConfig{SweepInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "short", []byte("v"), 5*time.Millisecond, []string{"t"}))
	require.NoError(t, a.Set(ctx, "long", []byte("v"), time.Minute, []string{"t"}))

	assert.Eventually(t, func() bool {
		mem := a.(*memoryAdapter)
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		_, exists := mem.items["short"]
		return !exists
	}, time.Second, 10*time.Millisecond)

	val, err := a.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	removed, err := a.InvalidateByTag(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemory_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a := NewMemory(DefaultMemoryConfig())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestEntry_TTL(t *testing.T) {
	t.Parallel()

	never := &Entry{}
	assert.False(t, never.IsExpired())
	assert.Zero(t, never.TTL())

	live := &Entry{ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, live.IsExpired())
	assert.Positive(t, live.TTL())

	dead := &Entry{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, dead.IsExpired())
	assert.Zero(t, dead.TTL())
}
