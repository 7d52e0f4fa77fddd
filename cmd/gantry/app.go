package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avenir-labs/gantry/internal/adapter"
	"github.com/avenir-labs/gantry/internal/auth"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/config"
	"github.com/avenir-labs/gantry/internal/health"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/pipeline"
	"github.com/avenir-labs/gantry/internal/ratelimit"
	"github.com/avenir-labs/gantry/internal/server"
	"github.com/avenir-labs/gantry/internal/validation"
)

// application holds every component the binary wires together.
type application struct {
	server   *server.Server
	caches   *adapter.Registry[cache.Adapter]
	limiters *adapter.Registry[ratelimit.Adapter]
	authn    auth.Provider
	checker  *health.Checker
	logger   observability.Logger

	shutdownTimeout time.Duration
}

// buildCacheRegistry creates every configured cache adapter.
func buildCacheRegistry(cfg *config.Config, logger observability.Logger) (*adapter.Registry[cache.Adapter], error) {
	reg := adapter.NewRegistry[cache.Adapter]("cache")

	for _, ac := range cfg.CacheAdapters {
		var (
			a   cache.Adapter
			err error
		)

		switch ac.Backend {
		case config.BackendMemory:
			a = cache.NewMemory(cache.MemoryConfig{
				DefaultTTL:    ac.DefaultTTL.Duration(),
				SweepInterval: ac.SweepInterval.Duration(),
			}, cache.WithMemoryLogger(logger))
		case config.BackendRedis:
			a, err = cache.NewRedis(cache.RedisConfig{
				URL:        ac.URL,
				KeyPrefix:  ac.KeyPrefix,
				DefaultTTL: ac.DefaultTTL.Duration(),
				TTLJitter:  ac.TTLJitter,
				HashKeys:   ac.HashKeys,
				PoolSize:   ac.PoolSize,
			}, cache.WithRedisLogger(logger))
		default:
			err = fmt.Errorf("unknown cache backend %q", ac.Backend)
		}
		if err != nil {
			return nil, fmt.Errorf("cache adapter %q: %w", ac.Name, err)
		}

		if err := reg.Register(ac.Name, a); err != nil {
			return nil, err
		}
		if ac.Default {
			if err := reg.SetDefault(ac.Name); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}

// buildLimiterRegistry creates every configured rate limit adapter.
func buildLimiterRegistry(cfg *config.Config, logger observability.Logger) (*adapter.Registry[ratelimit.Adapter], error) {
	reg := adapter.NewRegistry[ratelimit.Adapter]("ratelimit")

	for _, lc := range cfg.RateLimitAdapters {
		a, err := buildLimiter(lc, logger)
		if err != nil {
			return nil, fmt.Errorf("rate limit adapter %q: %w", lc.Name, err)
		}

		if err := reg.Register(lc.Name, a); err != nil {
			return nil, err
		}
		if lc.Default {
			if err := reg.SetDefault(lc.Name); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}

func buildLimiter(lc config.LimiterAdapterConfig, logger observability.Logger) (ratelimit.Adapter, error) {
	window := lc.Window.Duration()
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}

	if lc.Algorithm == config.AlgorithmTokenBucket {
		return ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
			Rate:  float64(lc.Limit) / window.Seconds(),
			Burst: int(lc.Limit),
		})
	}

	if lc.Backend == config.BackendRedis {
		return ratelimit.NewRedis(ratelimit.RedisConfig{
			URL:       lc.URL,
			KeyPrefix: lc.KeyPrefix,
			Limit:     lc.Limit,
			Window:    window,
			PoolSize:  lc.PoolSize,
		}, ratelimit.WithRedisLogger(logger))
	}

	return ratelimit.NewMemory(ratelimit.Config{
		Limit:  lc.Limit,
		Window: window,
	}, ratelimit.WithMemoryLogger(logger))
}

// buildAuthProvider creates the JWT provider when configured.
func buildAuthProvider(cfg *config.Config, logger observability.Logger) (auth.Provider, error) {
	if cfg.Auth == nil || cfg.Auth.JWT == nil {
		return nil, nil
	}

	jc := cfg.Auth.JWT
	return auth.NewJWTProvider(auth.JWTConfig{
		Secret:     []byte(jc.Secret),
		Issuer:     jc.Issuer,
		Audience:   jc.Audience,
		AccessTTL:  jc.AccessTTL.Duration(),
		RefreshTTL: jc.RefreshTTL.Duration(),
		ClockSkew:  jc.ClockSkew.Duration(),
	}, auth.WithJWTLogger(logger))
}

// buildHealthChecker registers a probe per cache adapter. A missing probe
// key is a healthy answer; only transport failures count.
func buildHealthChecker(
	cfg *config.Config,
	caches *adapter.Registry[cache.Adapter],
	logger observability.Logger,
) *health.Checker {
	checker := health.NewChecker(
		health.WithLogger(logger),
		health.WithVersion(version),
		health.WithEnvironment(cfg.Server.Environment),
	)

	caches.Range(func(name string, entry cache.Adapter) {
		checker.Register(health.Probe{
			Name:     "cache:" + name,
			Critical: false,
			Timeout:  2 * time.Second,
			Check: func(ctx context.Context) error {
				_, err := entry.Get(ctx, "health:probe")
				if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
					return err
				}
				return nil
			},
		})
	})

	return checker
}

// buildPipeline assembles the pipeline from the configured endpoints and
// the named handler set.
func buildPipeline(
	cfg *config.Config,
	caches *adapter.Registry[cache.Adapter],
	limiters *adapter.Registry[ratelimit.Adapter],
	authn auth.Provider,
	checker *health.Checker,
	logger observability.Logger,
) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithPipelineLogger(logger),
		pipeline.WithCacheRegistry(caches),
		pipeline.WithRateLimitRegistry(limiters),
		pipeline.WithHealthChecker(checker),
		pipeline.WithHealthPath(cfg.Server.HealthPath),
	}
	if authn != nil {
		opts = append(opts, pipeline.WithAuthProvider(authn))
	}
	if cfg.CORS != nil {
		opts = append(opts, pipeline.WithCORS(pipeline.CORSConfig{
			AllowOrigins:     cfg.CORS.AllowOrigins,
			AllowMethods:     cfg.CORS.AllowMethods,
			AllowHeaders:     cfg.CORS.AllowHeaders,
			ExposeHeaders:    cfg.CORS.ExposeHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	p := pipeline.New(opts...)

	for _, ec := range cfg.Endpoints {
		ep, err := buildEndpoint(ec)
		if err != nil {
			return nil, err
		}
		if err := p.Register(*ep); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// buildEndpoint converts one endpoint config into a pipeline endpoint.
func buildEndpoint(ec config.EndpointConfig) (*pipeline.Endpoint, error) {
	handler, ok := namedHandlers[ec.Handler]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: unknown handler %q", ec.Name, ec.Handler)
	}

	ep := &pipeline.Endpoint{
		Name:    ec.Name,
		Method:  ec.Method,
		Pattern: ec.Path,
		Handler: handler,
		Timeout: ec.Timeout.Duration(),
		Breaker: ec.Breaker,
	}

	if ec.Auth != nil {
		ep.Auth = pipeline.AuthPolicy{
			Mode:        pipeline.AuthMode(ec.Auth.Mode),
			Roles:       ec.Auth.Roles,
			Permissions: ec.Auth.Permissions,
			RequireAll:  ec.Auth.RequireAll,
		}
	}

	if ec.Cache != nil {
		ep.Cache = &pipeline.CachePolicy{
			Adapter: ec.Cache.Adapter,
			TTL:     ec.Cache.TTL.Duration(),
			Tags:    ec.Cache.Tags,
			Key: cache.KeyConfig{
				IncludeQuery:   ec.Cache.Key.Query,
				IncludeHeaders: ec.Cache.Key.Headers,
				VaryByUser:     ec.Cache.Key.VaryByUser,
				Prefix:         ec.Cache.Key.Prefix,
			},
		}
	}

	if ec.RateLimit != nil {
		ep.RateLimit = &pipeline.RateLimitPolicy{
			Adapter: ec.RateLimit.Adapter,
			Key: ratelimit.KeyConfig{
				VaryByUser:   ec.RateLimit.Key.VaryByUser,
				VaryByRoute:  ec.RateLimit.Key.VaryByRoute,
				VaryByMethod: ec.RateLimit.Key.VaryByMethod,
				Prefix:       ec.RateLimit.Key.Prefix,
			},
		}
	}

	var err error
	if ep.ParamsSchema, err = buildSchema(ec.Params); err != nil {
		return nil, fmt.Errorf("endpoint %s: params: %w", ec.Name, err)
	}
	if ep.QuerySchema, err = buildSchema(ec.Query); err != nil {
		return nil, fmt.Errorf("endpoint %s: query: %w", ec.Name, err)
	}
	if ep.BodySchema, err = buildSchema(ec.Body); err != nil {
		return nil, fmt.Errorf("endpoint %s: body: %w", ec.Name, err)
	}

	return ep, nil
}

// buildSchema converts YAML field rules into a compiled schema. Nil rules
// mean the section is unvalidated.
func buildSchema(rules map[string]config.FieldRule) (validation.Schema, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	converted := make(validation.Rules, len(rules))
	for name, r := range rules {
		converted[name] = validation.Field{
			Type:     validation.FieldType(r.Type),
			Required: r.Required,
			Default:  r.Default,
			Min:      r.Min,
			Max:      r.Max,
			Pattern:  r.Pattern,
			Enum:     r.Enum,
			Tag:      r.Tag,
		}
	}

	return validation.NewSchema(converted)
}
