package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Zero values for an empty context.
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.True(t, StartTimeFromContext(ctx).IsZero())
	assert.Empty(t, RouteFromContext(ctx))
	assert.Nil(t, PathParamsFromContext(ctx))
	assert.Equal(t, time.Duration(0), ElapsedTime(ctx))

	start := time.Now().Add(-time.Second)
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithStartTime(ctx, start)
	ctx = ContextWithRoute(ctx, "/items/:id")
	ctx = ContextWithPathParams(ctx, map[string]string{"id": "7"})

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, start, StartTimeFromContext(ctx))
	assert.Equal(t, "/items/:id", RouteFromContext(ctx))
	assert.Equal(t, map[string]string{"id": "7"}, PathParamsFromContext(ctx))
	assert.GreaterOrEqual(t, ElapsedTime(ctx), time.Second)
}
