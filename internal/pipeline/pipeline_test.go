package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avenir-labs/gantry/internal/adapter"
	"github.com/avenir-labs/gantry/internal/auth"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/health"
	"github.com/avenir-labs/gantry/internal/ratelimit"
	"github.com/avenir-labs/gantry/internal/validation"
)

func okHandler(ctx context.Context, rc *Context) (any, error) {
	return map[string]any{"ok": true}, nil
}

func getRequest(path string) *Request {
	return &Request{
		Method:     http.MethodGet,
		Path:       path,
		RemoteAddr: "10.0.0.1:43210",
	}
}

func envelope(t *testing.T, resp *Response) *Envelope {
	t.Helper()
	env, ok := resp.Body.(*Envelope)
	require.True(t, ok, "expected envelope body, got %T", resp.Body)
	return env
}

func newCacheRegistry(t *testing.T) *adapter.Registry[cache.Adapter] {
	t.Helper()
	reg := adapter.NewRegistry[cache.Adapter]("cache")
	mem := cache.NewMemory(cache.DefaultMemoryConfig())
	t.Cleanup(func() { _ = mem.Close() })
	require.NoError(t, reg.Register("memory", mem))
	return reg
}

func newLimiterRegistry(t *testing.T, limit int64, window time.Duration) *adapter.Registry[ratelimit.Adapter] {
	t.Helper()
	reg := adapter.NewRegistry[ratelimit.Adapter]("ratelimit")
	mem, err := ratelimit.NewMemory(ratelimit.Config{Limit: limit, Window: window})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	require.NoError(t, reg.Register("memory", mem))
	return reg
}

func TestPipeline_Success(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method:  http.MethodGet,
		Pattern: "/items/:id",
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			return map[string]any{"id": rc.Params["id"]}, nil
		},
	}))

	resp := p.Execute(context.Background(), getRequest("/items/7"))

	assert.Equal(t, http.StatusOK, resp.Status)
	env := envelope(t, resp)
	assert.True(t, env.Success)
	assert.Equal(t, map[string]any{"id": "7"}, env.Data)
	assert.NotEmpty(t, resp.Headers["X-Request-ID"])
	assert.NotEmpty(t, resp.Headers["X-Response-Time"])
}

func TestPipeline_RequestIDPropagated(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items", Handler: okHandler,
	}))

	req := getRequest("/items")
	req.Headers = map[string]string{"X-Request-ID": "req-42"}

	resp := p.Execute(context.Background(), req)

	assert.Equal(t, "req-42", resp.Headers["X-Request-ID"])
}

func TestPipeline_NotFound(t *testing.T) {
	t.Parallel()

	p := New()

	resp := p.Execute(context.Background(), getRequest("/missing"))

	assert.Equal(t, http.StatusNotFound, resp.Status)
	env := envelope(t, resp)
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Code)
	// Decoration still ran on the error path.
	assert.NotEmpty(t, resp.Headers["X-Request-ID"])
}

func TestPipeline_Register_RequiresHandler(t *testing.T) {
	t.Parallel()

	p := New()
	err := p.Register(Endpoint{Method: http.MethodGet, Pattern: "/items"})
	assert.Error(t, err)
}

func TestPipeline_RateLimit(t *testing.T) {
	t.Parallel()

	p := New(WithRateLimitRegistry(newLimiterRegistry(t, 2, time.Minute)))
	require.NoError(t, p.Register(Endpoint{
		Method:    http.MethodGet,
		Pattern:   "/items",
		Handler:   okHandler,
		RateLimit: &RateLimitPolicy{},
	}))

	ctx := context.Background()

	for i := range 2 {
		resp := p.Execute(ctx, getRequest("/items"))
		assert.Equal(t, http.StatusOK, resp.Status, "request %d", i+1)
	}

	resp := p.Execute(ctx, getRequest("/items"))
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)

	env := envelope(t, resp)
	assert.Equal(t, "RATE_LIMITED", env.Code)
	assert.Equal(t, int64(2), env.Metadata["limit"])
	assert.Equal(t, int64(0), env.Metadata["remaining"])
	assert.NotNil(t, env.Metadata["reset"])
	assert.NotNil(t, env.Metadata["retryAfter"])
	assert.NotEmpty(t, resp.Headers["X-Request-ID"])
}

func TestPipeline_RateLimit_IsolatesClients(t *testing.T) {
	t.Parallel()

	p := New(WithRateLimitRegistry(newLimiterRegistry(t, 1, time.Minute)))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items", Handler: okHandler,
		RateLimit: &RateLimitPolicy{},
	}))

	ctx := context.Background()

	resp := p.Execute(ctx, getRequest("/items"))
	require.Equal(t, http.StatusOK, resp.Status)

	resp = p.Execute(ctx, getRequest("/items"))
	require.Equal(t, http.StatusTooManyRequests, resp.Status)

	other := getRequest("/items")
	other.RemoteAddr = "10.0.0.2:43210"
	resp = p.Execute(ctx, other)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestPipeline_AuthRequired_NoToken(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewJWTProvider(auth.JWTConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	p := New(WithAuthProvider(provider))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/me", Handler: okHandler,
		Auth: AuthPolicy{Mode: AuthRequired},
	}))

	resp := p.Execute(context.Background(), getRequest("/me"))

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	env := envelope(t, resp)
	assert.Equal(t, "Authentication required", env.Error)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", env.Code)
}

func TestPipeline_AuthRequired_ValidToken(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewJWTProvider(auth.JWTConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	pair, err := provider.GenerateToken(ctx, &auth.User{ID: "u1", Roles: []string{"admin"}})
	require.NoError(t, err)

	p := New(WithAuthProvider(provider))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/me",
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			require.NotNil(t, rc.User)
			return map[string]any{"user": rc.User.ID}, nil
		},
		Auth: AuthPolicy{Mode: AuthRequired},
	}))

	req := getRequest("/me")
	req.Headers = map[string]string{"Authorization": "Bearer " + pair.Token}

	resp := p.Execute(ctx, req)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"user": "u1"}, envelope(t, resp).Data)
}

func TestPipeline_AuthRequired_RoleCheck(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewJWTProvider(auth.JWTConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	pair, err := provider.GenerateToken(ctx, &auth.User{ID: "u1", Roles: []string{"viewer"}})
	require.NoError(t, err)

	p := New(WithAuthProvider(provider))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/admin", Handler: okHandler,
		Auth: AuthPolicy{Mode: AuthRequired, Roles: []string{"admin"}},
	}))

	req := getRequest("/admin")
	req.Headers = map[string]string{"Authorization": "Bearer " + pair.Token}

	resp := p.Execute(ctx, req)

	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "FORBIDDEN", envelope(t, resp).Code)
}

func TestPipeline_AuthOptional_InvalidToken(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewJWTProvider(auth.JWTConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	var sawUser atomic.Bool

	p := New(WithAuthProvider(provider))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/feed",
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			sawUser.Store(rc.User != nil)
			return "ok", nil
		},
		Auth: AuthPolicy{Mode: AuthOptional},
	}))

	req := getRequest("/feed")
	req.Headers = map[string]string{"Authorization": "Bearer garbage"}

	resp := p.Execute(context.Background(), req)

	// The handler still ran, unauthenticated.
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, sawUser.Load())
}

func TestPipeline_AuthRequired_NoProvider(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/me", Handler: okHandler,
		Auth: AuthPolicy{Mode: AuthRequired},
	}))

	resp := p.Execute(context.Background(), getRequest("/me"))

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "ADAPTER_MISCONFIGURED", envelope(t, resp).Code)
}

func TestPipeline_Validation_QueryCoercedAndDefaulted(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		QuerySchema: validation.MustSchema(validation.Rules{
			"page":  {Type: validation.TypeInt, Default: int64(1)},
			"limit": {Type: validation.TypeInt, Min: validation.Bound(1), Max: validation.Bound(100)},
		}),
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			return map[string]any{"page": rc.Query["page"], "limit": rc.Query["limit"]}, nil
		},
	}))

	req := getRequest("/items")
	req.Query = map[string]string{"limit": "25"}

	resp := p.Execute(context.Background(), req)

	require.Equal(t, http.StatusOK, resp.Status)
	data := envelope(t, resp).Data.(map[string]any)
	assert.Equal(t, int64(1), data["page"])
	assert.Equal(t, int64(25), data["limit"])
}

func TestPipeline_Validation_AggregatesSections(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodPost, Pattern: "/items/:id",
		ParamsSchema: validation.MustSchema(validation.Rules{
			"id": {Type: validation.TypeInt},
		}),
		BodySchema: validation.MustSchema(validation.Rules{
			"name": {Type: validation.TypeString, Required: true},
		}),
		Handler: okHandler,
	}))

	req := &Request{
		Method:     http.MethodPost,
		Path:       "/items/abc",
		RemoteAddr: "10.0.0.1:1",
		Body:       map[string]any{},
	}

	resp := p.Execute(context.Background(), req)

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	env := envelope(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
	assert.Contains(t, env.Metadata, "params")
	assert.Contains(t, env.Metadata, "body")
}

func TestPipeline_Validation_BodySkippedForGet(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		BodySchema: validation.MustSchema(validation.Rules{
			"name": {Type: validation.TypeString, Required: true},
		}),
		Handler: okHandler,
	}))

	resp := p.Execute(context.Background(), getRequest("/items"))
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestPipeline_Validation_ValidatedParamsWin(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items/:id",
		ParamsSchema: validation.MustSchema(validation.Rules{
			"id": {Type: validation.TypeInt},
		}),
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			return rc.Params["id"], nil
		},
	}))

	resp := p.Execute(context.Background(), getRequest("/items/007"))

	require.Equal(t, http.StatusOK, resp.Status)
	// The coerced value replaced the raw capture.
	assert.Equal(t, "7", envelope(t, resp).Data)
}

func TestPipeline_Timeout(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/slow",
		Timeout: 100 * time.Millisecond,
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	start := time.Now()
	resp := p.Execute(context.Background(), getRequest("/slow"))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Equal(t, "REQUEST_TIMEOUT", envelope(t, resp).Code)
	// The response is emitted when the deadline fires, not when the
	// handler finishes.
	assert.Less(t, elapsed, 180*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestPipeline_Timeout_HandlerSeesCancellation(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/slow",
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	}))

	p.Execute(context.Background(), getRequest("/slow"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestPipeline_Cache_SecondRequestHits(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	p := New(WithCacheRegistry(newCacheRegistry(t)))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		Cache: &CachePolicy{TTL: time.Minute},
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			calls.Add(1)
			return map[string]any{"n": 1}, nil
		},
	}))

	ctx := context.Background()

	resp := p.Execute(ctx, getRequest("/items"))
	require.Equal(t, http.StatusOK, resp.Status)

	resp = p.Execute(ctx, getRequest("/items"))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"n": float64(1)}, envelope(t, resp).Data)

	assert.Equal(t, int32(1), calls.Load())
}

func TestPipeline_Cache_PostBypasses(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	p := New(WithCacheRegistry(newCacheRegistry(t)))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodPost, Pattern: "/items",
		Cache: &CachePolicy{TTL: time.Minute},
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			calls.Add(1)
			return "created", nil
		},
	}))

	ctx := context.Background()
	req := &Request{Method: http.MethodPost, Path: "/items", RemoteAddr: "10.0.0.1:1"}

	p.Execute(ctx, req)
	p.Execute(ctx, req)

	assert.Equal(t, int32(2), calls.Load())
}

func TestPipeline_Cache_ConcurrentMissesComputeOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})

	p := New(WithCacheRegistry(newCacheRegistry(t)))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		Cache: &CachePolicy{TTL: time.Minute},
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			calls.Add(1)
			<-release
			return "v", nil
		},
	}))

	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := p.Execute(ctx, getRequest("/items"))
			assert.Equal(t, http.StatusOK, resp.Status)
		}()
	}

	// Give every request time to reach the cache stage before the
	// single computation finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestPipeline_Cache_VaryByQuery(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	p := New(WithCacheRegistry(newCacheRegistry(t)))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		Cache: &CachePolicy{
			TTL: time.Minute,
			Key: cache.KeyConfig{IncludeQuery: []string{"page"}},
		},
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			calls.Add(1)
			return "v", nil
		},
	}))

	ctx := context.Background()

	req1 := getRequest("/items")
	req1.Query = map[string]string{"page": "1"}
	req2 := getRequest("/items")
	req2.Query = map[string]string{"page": "2"}

	p.Execute(ctx, req1)
	p.Execute(ctx, req2)
	p.Execute(ctx, req1)

	assert.Equal(t, int32(2), calls.Load())
}

func TestPipeline_Cache_MissingAdapter(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items",
		Cache:   &CachePolicy{TTL: time.Minute},
		Handler: okHandler,
	}))

	resp := p.Execute(context.Background(), getRequest("/items"))

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "ADAPTER_MISCONFIGURED", envelope(t, resp).Code)
}

func TestPipeline_Health(t *testing.T) {
	t.Parallel()

	checker := health.NewChecker()
	checker.Register(health.Probe{Name: "cache", Check: func(ctx context.Context) error {
		return nil
	}})

	p := New(WithHealthChecker(checker))

	resp := p.Execute(context.Background(), getRequest("/health"))

	require.Equal(t, http.StatusOK, resp.Status)
	report, ok := resp.Body.(*health.Report)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, report.Status)
}

func TestPipeline_Health_CriticalFailure(t *testing.T) {
	t.Parallel()

	checker := health.NewChecker()
	checker.Register(health.Probe{
		Name: "database", Critical: true,
		Check: func(ctx context.Context) error { return errors.New("down") },
	})

	p := New(WithHealthChecker(checker), WithHealthPath("/status"))

	resp := p.Execute(context.Background(), getRequest("/status"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	// The default path is not registered when overridden.
	resp = p.Execute(context.Background(), getRequest("/health"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestPipeline_CORS_Decoration(t *testing.T) {
	t.Parallel()

	p := New(WithCORS(CORSConfig{
		AllowOrigins: []string{"https://app.example.com"},
		AllowMethods: []string{"GET", "POST"},
	}))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items", Handler: okHandler,
	}))

	req := getRequest("/items")
	req.Headers = map[string]string{"Origin": "https://app.example.com"}

	resp := p.Execute(context.Background(), req)

	assert.Equal(t, "https://app.example.com", resp.Headers["Access-Control-Allow-Origin"])
	assert.Equal(t, "GET, POST", resp.Headers["Access-Control-Allow-Methods"])

	// Disallowed origins get no CORS headers.
	req.Headers["Origin"] = "https://evil.example.net"
	resp = p.Execute(context.Background(), req)
	assert.Empty(t, resp.Headers["Access-Control-Allow-Origin"])
}

func TestPipeline_CORS_AppliedToErrors(t *testing.T) {
	t.Parallel()

	p := New(WithCORS(DefaultCORSConfig()))

	req := getRequest("/missing")
	req.Headers = map[string]string{"Origin": "https://app.example.com"}

	resp := p.Execute(context.Background(), req)

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "https://app.example.com", resp.Headers["Access-Control-Allow-Origin"])
}

func TestPipeline_CORS_Preflight(t *testing.T) {
	t.Parallel()

	p := New(WithCORS(DefaultCORSConfig()))
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items", Handler: okHandler,
	}))

	req := &Request{
		Method:     http.MethodOptions,
		Path:       "/items",
		RemoteAddr: "10.0.0.1:1",
		Headers:    map[string]string{"Origin": "https://app.example.com"},
	}

	resp := p.Execute(context.Background(), req)

	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "https://app.example.com", resp.Headers["Access-Control-Allow-Origin"])
}

func TestPipeline_Breaker_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Name:   "flaky",
		Method: http.MethodGet, Pattern: "/flaky",
		Breaker: true,
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			calls.Add(1)
			return nil, errors.New("boom")
		},
	}))

	ctx := context.Background()

	for range 5 {
		resp := p.Execute(ctx, getRequest("/flaky"))
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	}

	resp := p.Execute(ctx, getRequest("/flaky"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "SERVICE_UNAVAILABLE", envelope(t, resp).Code)

	// The open breaker short-circuits before the handler.
	assert.Equal(t, int32(5), calls.Load())
}

func TestPipeline_HandlerError_TypedPassthrough(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items/:id",
		Handler: func(ctx context.Context, rc *Context) (any, error) {
			return nil, errors.New("database exploded")
		},
	}))

	resp := p.Execute(context.Background(), getRequest("/items/1"))

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	env := envelope(t, resp)
	// Internal details never leak into the envelope.
	assert.Equal(t, "Internal server error", env.Error)
	assert.Equal(t, "INTERNAL_ERROR", env.Code)
}

func TestPipeline_HeadFallsBackToGet(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Register(Endpoint{
		Method: http.MethodGet, Pattern: "/items", Handler: okHandler,
	}))

	req := &Request{Method: http.MethodHead, Path: "/items", RemoteAddr: "10.0.0.1:1"}
	resp := p.Execute(context.Background(), req)

	assert.Equal(t, http.StatusOK, resp.Status)
}
