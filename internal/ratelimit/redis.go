package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avenir-labs/gantry/internal/observability"
)

// fixedWindowScript increments the window counter atomically, setting the
// expiry when the counter is created.
// KEYS[1] = window key
// ARGV[1] = window in milliseconds
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RedisConfig holds configuration for the Redis rate limit adapter.
type RedisConfig struct {
	// URL is the Redis connection URL.
	URL string

	// KeyPrefix namespaces every key. Defaults to "gantry:ratelimit:".
	KeyPrefix string

	// Limit and Window define the fixed window.
	Limit  int64
	Window time.Duration

	// PoolSize overrides the client connection pool size when positive.
	PoolSize int
}

// redisAdapter implements the fixed-window adapter on Redis. Window keys
// embed the window start so counters roll over without coordination, and
// the Lua script keeps increment-and-expire atomic across instances.
type redisAdapter struct {
	logger    observability.Logger
	client    redis.UniversalClient
	keyPrefix string
	cfg       Config
}

// RedisOption is a functional option for the Redis adapter.
type RedisOption func(*redisAdapter)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(a *redisAdapter) {
		a.logger = logger
	}
}

// WithRedisClient supplies a pre-built client, bypassing URL parsing.
func WithRedisClient(client redis.UniversalClient) RedisOption {
	return func(a *redisAdapter) {
		a.client = client
	}
}

// NewRedis creates a Redis fixed-window adapter and verifies connectivity.
func NewRedis(cfg RedisConfig, opts ...RedisOption) (Adapter, error) {
	limitCfg := Config{Limit: cfg.Limit, Window: cfg.Window}.withDefaults()
	if err := limitCfg.Validate(); err != nil {
		return nil, err
	}

	a := &redisAdapter{
		logger:    observability.NopLogger(),
		keyPrefix: cfg.KeyPrefix,
		cfg:       limitCfg,
	}
	if a.keyPrefix == "" {
		a.keyPrefix = "gantry:ratelimit:"
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redis URL is required")
		}
		clientOpts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.New("invalid redis URL: " + err.Error())
		}
		if cfg.PoolSize > 0 {
			clientOpts.PoolSize = cfg.PoolSize
		}
		a.client = redis.NewClient(clientOpts)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Ping(pingCtx).Err(); err != nil {
		_ = a.client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	a.logger.Info("redis rate limiter initialized",
		observability.String("keyPrefix", a.keyPrefix),
		observability.Int64("limit", limitCfg.Limit),
		observability.Duration("window", limitCfg.Window))

	return a, nil
}

// windowKey embeds the window start in the storage key so each window is
// an independent counter.
func (a *redisAdapter) windowKey(key string, ws time.Time) string {
	return a.keyPrefix + key + ":" + strconv.FormatInt(ws.UnixMilli(), 10)
}

// Increment records a request against the key.
func (a *redisAdapter) Increment(ctx context.Context, key string) (Result, error) {
	start := time.Now()
	defer func() {
		GetRateLimitMetrics().operationDuration.WithLabelValues("redis", "increment").
			Observe(time.Since(start).Seconds())
	}()

	now := time.Now()
	ws := windowStart(now, a.cfg.Window)

	raw, err := fixedWindowScript.Run(ctx, a.client,
		[]string{a.windowKey(key, ws)},
		a.cfg.Window.Milliseconds(),
	).Result()
	if err != nil {
		a.logger.Error("redis rate limit increment failed",
			observability.String("key", key),
			observability.Error(err))
		return Result{}, fmt.Errorf("redis script error: %w", err)
	}

	count, ok := raw.(int64)
	if !ok {
		return Result{}, fmt.Errorf("redis script returned unexpected type: %T", raw)
	}

	result := buildResult(count, a.cfg.Limit, ws.Add(a.cfg.Window), now)

	GetRateLimitMetrics().requestsTotal.WithLabelValues("redis").Inc()
	if result.Limited {
		GetRateLimitMetrics().limitedTotal.WithLabelValues("redis").Inc()
	}

	return result, nil
}

// Get reports the key's current state without consuming a slot.
func (a *redisAdapter) Get(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	ws := windowStart(now, a.cfg.Window)

	val, err := a.client.Get(ctx, a.windowKey(key, ws)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return buildResult(0, a.cfg.Limit, ws.Add(a.cfg.Window), now), nil
		}
		return Result{}, fmt.Errorf("redis get error: %w", err)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse counter: %w", err)
	}

	return buildResult(count, a.cfg.Limit, ws.Add(a.cfg.Window), now), nil
}

// Reset clears the key's counter for the current window.
func (a *redisAdapter) Reset(ctx context.Context, key string) error {
	ws := windowStart(time.Now(), a.cfg.Window)
	if err := a.client.Del(ctx, a.windowKey(key, ws)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (a *redisAdapter) Close() error {
	return a.client.Close()
}
