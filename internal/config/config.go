// Package config defines the explicit configuration structure for the
// server: every recognized option appears in a struct field, defaults are
// applied by the Default* constructors, and the whole tree is validated once
// by Validate before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Backend names accepted by the adapter sections.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Rate limit algorithms accepted by the rate limit adapter section.
const (
	AlgorithmFixedWindow = "fixed_window"
	AlgorithmTokenBucket = "token_bucket"
)

// Config is the root configuration.
type Config struct {
	Server            ServerConfig           `yaml:"server"`
	Logging           LoggingConfig          `yaml:"logging"`
	CORS              *CORSConfig            `yaml:"cors,omitempty"`
	Auth              *AuthConfig            `yaml:"auth,omitempty"`
	CacheAdapters     []CacheAdapterConfig   `yaml:"cacheAdapters,omitempty"`
	RateLimitAdapters []LimiterAdapterConfig `yaml:"rateLimitAdapters,omitempty"`
	Endpoints         []EndpointConfig       `yaml:"endpoints,omitempty"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	MetricsPath     string   `yaml:"metricsPath"`
	HealthPath      string   `yaml:"healthPath"`
	Version         string   `yaml:"version"`
	Environment     string   `yaml:"environment"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CORSConfig configures cross-origin decoration and preflight handling.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders"`
	ExposeHeaders    []string `yaml:"exposeHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AuthConfig configures the authentication provider.
type AuthConfig struct {
	JWT *JWTConfig `yaml:"jwt,omitempty"`
}

// JWTConfig configures the JWT provider. The secret is usually supplied via
// environment substitution, e.g. "${GANTRY_JWT_SECRET}".
type JWTConfig struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	AccessTTL  Duration `yaml:"accessTTL"`
	RefreshTTL Duration `yaml:"refreshTTL"`
	ClockSkew  Duration `yaml:"clockSkew"`
}

// CacheAdapterConfig configures one named cache adapter.
type CacheAdapterConfig struct {
	Name          string   `yaml:"name"`
	Backend       string   `yaml:"backend"`
	Default       bool     `yaml:"default"`
	DefaultTTL    Duration `yaml:"defaultTTL"`
	SweepInterval Duration `yaml:"sweepInterval"`

	// Redis-only fields.
	URL       string  `yaml:"url,omitempty"`
	KeyPrefix string  `yaml:"keyPrefix,omitempty"`
	TTLJitter float64 `yaml:"ttlJitter,omitempty"`
	HashKeys  bool    `yaml:"hashKeys,omitempty"`
	PoolSize  int     `yaml:"poolSize,omitempty"`
}

// LimiterAdapterConfig configures one named rate limit adapter.
type LimiterAdapterConfig struct {
	Name      string   `yaml:"name"`
	Backend   string   `yaml:"backend"`
	Algorithm string   `yaml:"algorithm"`
	Default   bool     `yaml:"default"`
	Limit     int64    `yaml:"limit"`
	Window    Duration `yaml:"window"`

	// Redis-only fields.
	URL       string `yaml:"url,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
	PoolSize  int    `yaml:"poolSize,omitempty"`
}

// EndpointConfig binds a named handler to a route with its policies.
// Handlers are registered in code; the config references them by name.
type EndpointConfig struct {
	Name      string               `yaml:"name"`
	Method    string               `yaml:"method"`
	Path      string               `yaml:"path"`
	Handler   string               `yaml:"handler"`
	Auth      *EndpointAuth        `yaml:"auth,omitempty"`
	Cache     *EndpointCache       `yaml:"cache,omitempty"`
	RateLimit *EndpointRateLimit   `yaml:"rateLimit,omitempty"`
	Timeout   Duration             `yaml:"timeout,omitempty"`
	Breaker   bool                 `yaml:"breaker,omitempty"`
	Params    map[string]FieldRule `yaml:"params,omitempty"`
	Query     map[string]FieldRule `yaml:"query,omitempty"`
	Body      map[string]FieldRule `yaml:"body,omitempty"`
}

// EndpointAuth configures the authentication stage for one endpoint.
type EndpointAuth struct {
	Mode        string   `yaml:"mode"`
	Roles       []string `yaml:"roles,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
	RequireAll  bool     `yaml:"requireAll,omitempty"`
}

// EndpointCache configures response caching for one endpoint.
type EndpointCache struct {
	Adapter string      `yaml:"adapter,omitempty"`
	TTL     Duration    `yaml:"ttl"`
	Tags    []string    `yaml:"tags,omitempty"`
	Key     EndpointKey `yaml:"key,omitempty"`
}

// EndpointKey configures cache key dimensions.
type EndpointKey struct {
	Query      []string `yaml:"query,omitempty"`
	Headers    []string `yaml:"headers,omitempty"`
	VaryByUser bool     `yaml:"varyByUser,omitempty"`
	Prefix     string   `yaml:"prefix,omitempty"`
}

// EndpointRateLimit configures rate limiting for one endpoint.
type EndpointRateLimit struct {
	Adapter string             `yaml:"adapter,omitempty"`
	Key     EndpointLimiterKey `yaml:"key,omitempty"`
}

// EndpointLimiterKey configures rate limit key dimensions.
type EndpointLimiterKey struct {
	VaryByUser   bool   `yaml:"varyByUser,omitempty"`
	VaryByRoute  bool   `yaml:"varyByRoute,omitempty"`
	VaryByMethod bool   `yaml:"varyByMethod,omitempty"`
	Prefix       string `yaml:"prefix,omitempty"`
}

// FieldRule is the YAML form of one validation field rule.
type FieldRule struct {
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required,omitempty"`
	Default  any      `yaml:"default,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Enum     []string `yaml:"enum,omitempty"`
	Tag      string   `yaml:"tag,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Logging: DefaultLoggingConfig(),
	}
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     Duration(10 * time.Second),
		WriteTimeout:    Duration(30 * time.Second),
		IdleTimeout:     Duration(120 * time.Second),
		ShutdownTimeout: Duration(15 * time.Second),
		MetricsPath:     "/metrics",
		HealthPath:      "/health",
		Environment:     "development",
	}
}

// DefaultLoggingConfig returns the logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyDefaults fills zero values with defaults after unmarshaling.
func (c *Config) applyDefaults() {
	defaults := DefaultServerConfig()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Addr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaults.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaults.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = defaults.IdleTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = defaults.MetricsPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = defaults.HealthPath
	}
	if c.Server.Environment == "" {
		c.Server.Environment = defaults.Environment
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validAuthModes = map[string]bool{
	"": true, "none": true, "required": true, "optional": true,
}

// Validate checks the configuration tree. Unknown backend names, duplicate
// adapter names, and endpoints referencing nothing all fail here rather
// than at request time.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}

	if c.Auth != nil && c.Auth.JWT != nil && len(c.Auth.JWT.Secret) < 32 {
		return fmt.Errorf("config: auth.jwt.secret must be at least 32 bytes")
	}

	if err := c.validateCacheAdapters(); err != nil {
		return err
	}
	if err := c.validateLimiterAdapters(); err != nil {
		return err
	}
	return c.validateEndpoints()
}

func (c *Config) validateCacheAdapters() error {
	seen := make(map[string]bool, len(c.CacheAdapters))
	for i, a := range c.CacheAdapters {
		if a.Name == "" {
			return fmt.Errorf("config: cacheAdapters[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate cache adapter name %q", a.Name)
		}
		seen[a.Name] = true

		switch a.Backend {
		case BackendMemory:
		case BackendRedis:
			if a.URL == "" {
				return fmt.Errorf("config: cache adapter %q: redis backend requires url", a.Name)
			}
		default:
			return fmt.Errorf("config: cache adapter %q: unknown backend %q", a.Name, a.Backend)
		}
	}
	return nil
}

func (c *Config) validateLimiterAdapters() error {
	seen := make(map[string]bool, len(c.RateLimitAdapters))
	for i, a := range c.RateLimitAdapters {
		if a.Name == "" {
			return fmt.Errorf("config: rateLimitAdapters[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate rate limit adapter name %q", a.Name)
		}
		seen[a.Name] = true

		if a.Limit <= 0 {
			return fmt.Errorf("config: rate limit adapter %q: limit must be positive", a.Name)
		}

		switch a.Algorithm {
		case "", AlgorithmFixedWindow, AlgorithmTokenBucket:
		default:
			return fmt.Errorf("config: rate limit adapter %q: unknown algorithm %q", a.Name, a.Algorithm)
		}

		switch a.Backend {
		case "", BackendMemory:
		case BackendRedis:
			if a.URL == "" {
				return fmt.Errorf("config: rate limit adapter %q: redis backend requires url", a.Name)
			}
			if a.Algorithm == AlgorithmTokenBucket {
				return fmt.Errorf("config: rate limit adapter %q: token_bucket is memory-only", a.Name)
			}
		default:
			return fmt.Errorf("config: rate limit adapter %q: unknown backend %q", a.Name, a.Backend)
		}
	}
	return nil
}

func (c *Config) validateEndpoints() error {
	cacheNames := make(map[string]bool, len(c.CacheAdapters))
	for _, a := range c.CacheAdapters {
		cacheNames[a.Name] = true
	}
	limiterNames := make(map[string]bool, len(c.RateLimitAdapters))
	for _, a := range c.RateLimitAdapters {
		limiterNames[a.Name] = true
	}

	for i, ep := range c.Endpoints {
		where := ep.Name
		if where == "" {
			where = fmt.Sprintf("endpoints[%d]", i)
		}

		if ep.Method == "" {
			return fmt.Errorf("config: %s: method is required", where)
		}
		if ep.Path == "" || !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("config: %s: path must start with /", where)
		}
		if ep.Handler == "" {
			return fmt.Errorf("config: %s: handler is required", where)
		}
		if ep.Auth != nil && !validAuthModes[ep.Auth.Mode] {
			return fmt.Errorf("config: %s: unknown auth mode %q", where, ep.Auth.Mode)
		}
		if ep.Auth != nil && ep.Auth.Mode == "required" && (c.Auth == nil || c.Auth.JWT == nil) {
			return fmt.Errorf("config: %s: auth required but no auth provider configured", where)
		}
		if ep.Cache != nil && ep.Cache.Adapter != "" && !cacheNames[ep.Cache.Adapter] {
			return fmt.Errorf("config: %s: unknown cache adapter %q", where, ep.Cache.Adapter)
		}
		if ep.RateLimit != nil && ep.RateLimit.Adapter != "" && !limiterNames[ep.RateLimit.Adapter] {
			return fmt.Errorf("config: %s: unknown rate limit adapter %q", where, ep.RateLimit.Adapter)
		}
	}
	return nil
}
