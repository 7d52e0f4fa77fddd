package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenBucket_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewTokenBucket(TokenBucketConfig{Rate: 0, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTokenBucket(TokenBucketConfig{Rate: 1, Burst: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTokenBucket_BurstThenLimited(t *testing.T) {
	t.Parallel()

	// A slow refill rate keeps the bucket empty for the whole test.
	a, err := NewTokenBucket(TokenBucketConfig{Rate: 0.001, Burst: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()

	for i := range 2 {
		result, err := a.Increment(ctx, "client")
		require.NoError(t, err)
		assert.False(t, result.Limited, "call %d", i+1)
	}

	result, err := a.Increment(ctx, "client")
	require.NoError(t, err)
	assert.True(t, result.Limited)
	assert.Positive(t, result.RetryAfter)
}

func TestTokenBucket_Refill(t *testing.T) {
	t.Parallel()

	a, err := NewTokenBucket(TokenBucketConfig{Rate: 100, Burst: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()

	result, err := a.Increment(ctx, "client")
	require.NoError(t, err)
	require.False(t, result.Limited)

	result, err = a.Increment(ctx, "client")
	require.NoError(t, err)
	require.True(t, result.Limited)

	time.Sleep(20 * time.Millisecond)

	result, err = a.Increment(ctx, "client")
	require.NoError(t, err)
	assert.False(t, result.Limited)
}

func TestTokenBucket_Get_DoesNotConsume(t *testing.T) {
	t.Parallel()

	a, err := NewTokenBucket(TokenBucketConfig{Rate: 0.001, Burst: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()

	result, err := a.Get(ctx, "unseen")
	require.NoError(t, err)
	assert.False(t, result.Limited)
	assert.Equal(t, int64(5), result.Remaining)

	_, err = a.Increment(ctx, "unseen")
	require.NoError(t, err)

	result, err = a.Get(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Remaining)
}

func TestTokenBucket_Reset(t *testing.T) {
	t.Parallel()

	a, err := NewTokenBucket(TokenBucketConfig{Rate: 0.001, Burst: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()

	_, err = a.Increment(ctx, "client")
	require.NoError(t, err)

	result, err := a.Increment(ctx, "client")
	require.NoError(t, err)
	require.True(t, result.Limited)

	require.NoError(t, a.Reset(ctx, "client"))

	result, err = a.Increment(ctx, "client")
	require.NoError(t, err)
	assert.False(t, result.Limited)
}
