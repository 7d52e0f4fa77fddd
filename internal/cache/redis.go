package cache

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avenir-labs/gantry/internal/observability"
)

// RedisConfig holds configuration for the Redis cache adapter.
type RedisConfig struct {
	// URL is the Redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// KeyPrefix namespaces every key. Defaults to "gantry:cache:".
	KeyPrefix string

	// DefaultTTL is applied when Set is called with a negative TTL.
	DefaultTTL time.Duration

	// TTLJitter randomizes TTLs by up to the given fraction to avoid
	// synchronized expiry. 0.1 means plus or minus 10 percent.
	TTLJitter float64

	// HashKeys stores keys as SHA-256 digests. Use when keys carry
	// header or query material that may exceed key length limits.
	HashKeys bool

	// PoolSize overrides the client connection pool size when positive.
	PoolSize int

	// ConnectTimeout, ReadTimeout and WriteTimeout override the client
	// timeouts when positive.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// redisAdapter implements the cache Adapter on Redis. Tag membership is
// tracked in two directions: a set per tag holding its keys, and a set per
// key holding its tags, so removal on any path can prune both.
type redisAdapter struct {
	logger    observability.Logger
	client    redis.UniversalClient
	keyPrefix string
	cfg       RedisConfig
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

// NewRedis creates a Redis cache adapter and verifies connectivity.
func NewRedis(cfg RedisConfig, opts ...RedisOption) (Adapter, error) {
	a := &redisAdapter{
		logger:    observability.NopLogger(),
		keyPrefix: cfg.KeyPrefix,
		cfg:       cfg,
	}
	if a.keyPrefix == "" {
		a.keyPrefix = "gantry:cache:"
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
		if cfg.ConnectTimeout > 0 {
			clientOpts.DialTimeout = cfg.ConnectTimeout
		}
		if cfg.ReadTimeout > 0 {
			clientOpts.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout > 0 {
			clientOpts.WriteTimeout = cfg.WriteTimeout
		}
		a.client = redis.NewClient(clientOpts)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Ping(pingCtx).Err(); err != nil {
		_ = a.client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	a.logger.Info("redis cache initialized",
		observability.String("keyPrefix", a.keyPrefix),
		observability.Duration("defaultTTL", cfg.DefaultTTL),
		observability.Bool("hashKeys", cfg.HashKeys))

	return a, nil
}

// resolveKey applies the key prefix and optional SHA-256 hashing.
func (a *redisAdapter) resolveKey(key string) string {
	if a.cfg.HashKeys {
		return a.keyPrefix + HashKey(key)
	}
	return a.keyPrefix + key
}

func (a *redisAdapter) tagSetKey(tag string) string {
	return a.keyPrefix + "tag:" + tag
}

func (a *redisAdapter) keyTagsKey(fullKey string) string {
	return fullKey + ":tags"
}

// applyTTLJitter randomizes a TTL to avoid synchronized expiry.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not require cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	result := ttl + jitter
	if result <= 0 {
		return ttl
	}
	return result
}

// Get retrieves a value.
func (a *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues("redis", "get").
			Observe(time.Since(start).Seconds())
	}()

	val, err := a.client.Get(ctx, a.resolveKey(key)).Bytes()
	if err == nil {
		GetCacheMetrics().hitsTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(val)),
		)
		return val, nil
	}

	if errors.Is(err, redis.Nil) {
		GetCacheMetrics().missesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	GetCacheMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	a.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, err
}

// Set upserts a value. Tag sets live slightly longer than the entry so a
// stale tag member is possible but a missing one is not; InvalidateByTag
// counts only keys that were actually deleted.
func (a *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues("redis", "set").
			Observe(time.Since(start).Seconds())
	}()

	if ttl < 0 {
		ttl = a.cfg.DefaultTTL
	}
	ttl = applyTTLJitter(ttl, a.cfg.TTLJitter)

	fullKey := a.resolveKey(key)

	// An upsert must unlink the key from the tags of the entry it
	// replaces, in both directions, before the new tags are written.
	oldTags, err := a.client.SMembers(ctx, a.keyTagsKey(fullKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	pipe := a.client.TxPipeline()
	for _, tag := range oldTags {
		pipe.SRem(ctx, a.tagSetKey(tag), fullKey)
	}
	pipe.Set(ctx, fullKey, value, ttl)
	pipe.Del(ctx, a.keyTagsKey(fullKey))
	if len(tags) > 0 {
		members := make([]any, len(tags))
		for i, tag := range tags {
			members[i] = tag
			pipe.SAdd(ctx, a.tagSetKey(tag), fullKey)
		}
		pipe.SAdd(ctx, a.keyTagsKey(fullKey), members...)
		if ttl > 0 {
			pipe.Expire(ctx, a.keyTagsKey(fullKey), ttl+time.Minute)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		a.logger.Error("redis set failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	a.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(value)))

	return nil
}

// Delete removes a value and prunes its tag sets.
func (a *redisAdapter) Delete(ctx context.Context, key string) error {
	fullKey := a.resolveKey(key)
	if _, err := a.removeKeys(ctx, []string{fullKey}); err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "delete").Inc()
		a.logger.Error("redis delete failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}
	return nil
}

// Invalidate removes every key matching the pattern. Keys are discovered
// with SCAN under the adapter prefix and matched client-side, so hashed
// keys never match a pattern.
func (a *redisAdapter) Invalidate(ctx context.Context, pattern string) (int, error) {
	regex, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	var matched []string
	iter := a.client.Scan(ctx, 0, a.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		logical := fullKey[len(a.keyPrefix):]
		if regex.MatchString(logical) {
			matched = append(matched, fullKey)
		}
	}
	if err := iter.Err(); err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "invalidate").Inc()
		return 0, err
	}

	removed, err := a.removeKeys(ctx, matched)
	if err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "invalidate").Inc()
		return 0, err
	}

	GetCacheMetrics().invalidationsTotal.WithLabelValues("redis", "pattern").
		Add(float64(removed))

	return removed, nil
}

// InvalidateByTag removes every key in the tag's set.
func (a *redisAdapter) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	members, err := a.client.SMembers(ctx, a.tagSetKey(tag)).Result()
	if err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "invalidate_tag").Inc()
		return 0, err
	}

	removed, err := a.removeKeys(ctx, members)
	if err != nil {
		GetCacheMetrics().errorsTotal.WithLabelValues("redis", "invalidate_tag").Inc()
		return 0, err
	}

	if err := a.client.Del(ctx, a.tagSetKey(tag)).Err(); err != nil {
		return removed, err
	}

	GetCacheMetrics().invalidationsTotal.WithLabelValues("redis", "tag").
		Add(float64(removed))

	a.logger.Debug("cache tag invalidated",
		observability.String("tag", tag),
		observability.Int("removed", removed))

	return removed, nil
}

// Clear removes every key under the adapter prefix.
func (a *redisAdapter) Clear(ctx context.Context) error {
	var keys []string
	iter := a.client.Scan(ctx, 0, a.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return a.client.Del(ctx, keys...).Err()
}

// Close closes the Redis connection.
func (a *redisAdapter) Close() error {
	a.logger.Info("redis cache closing")
	return a.client.Close()
}

// removeKeys deletes the given full keys, pruning each from its tag sets
// first. Returns how many value keys actually existed.
func (a *redisAdapter) removeKeys(ctx context.Context, fullKeys []string) (int, error) {
	removed := 0
	for _, fullKey := range fullKeys {
		tags, err := a.client.SMembers(ctx, a.keyTagsKey(fullKey)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, err
		}

		pipe := a.client.TxPipeline()
		for _, tag := range tags {
			pipe.SRem(ctx, a.tagSetKey(tag), fullKey)
		}
		pipe.Del(ctx, a.keyTagsKey(fullKey))
		delCmd := pipe.Del(ctx, fullKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed += int(delCmd.Val())
	}
	return removed, nil
}
