package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/avenir-labs/gantry/internal/auth"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/ratelimit"
	"github.com/avenir-labs/gantry/internal/validation"
)

// Request is the transport-independent shape of an incoming request. The
// pipeline never mutates it; derived state lives on the Context.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is the request path, without query string.
	Path string

	// Query holds the query parameters, first value per name.
	Query map[string]string

	// Headers holds the request headers, first value per name.
	Headers map[string]string

	// Body is the decoded request body, nil when absent.
	Body map[string]any

	// RemoteAddr is the client's network address.
	RemoteAddr string
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Envelope is the uniform response body shape.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the pipeline's normalized output.
type Response struct {
	// Status is the HTTP status code.
	Status int

	// Headers are the response headers set by decoration.
	Headers map[string]string

	// Body is the response body: an *Envelope for endpoint responses,
	// a *health.Report for the health endpoint, nil for empty bodies.
	Body any
}

// setHeader initializes the header map on first use.
func (r *Response) setHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// Context is the per-request bag the pipeline assembles before the handler
// runs. It is owned by the single in-flight request.
type Context struct {
	// Request is the incoming request.
	Request *Request

	// Params are the route parameters merged with validated path
	// parameters; validated values win on collision.
	Params map[string]string

	// Query and Body are the validated (coerced, defaulted) parameter
	// maps. Nil when the endpoint declares no schema for the section.
	Query map[string]any
	Body  map[string]any

	// User is the authenticated principal, nil when unauthenticated.
	User *auth.User

	// RequestID is the correlation id.
	RequestID string

	// StartTime is when the pipeline accepted the request.
	StartTime time.Time

	// Route is the matched path template.
	Route string

	// Logger carries the request's correlation fields.
	Logger observability.Logger
}

// Handler is the user function bound to an endpoint. The returned value
// becomes the envelope's data field.
type Handler func(ctx context.Context, rc *Context) (any, error)

// AuthMode selects how the authentication stage treats a request.
type AuthMode string

const (
	// AuthNone skips authentication.
	AuthNone AuthMode = "none"
	// AuthRequired rejects requests without a valid token.
	AuthRequired AuthMode = "required"
	// AuthOptional attaches the user when a valid token is present and
	// swallows authentication failures otherwise.
	AuthOptional AuthMode = "optional"
)

// AuthPolicy configures the authentication stage for one endpoint.
type AuthPolicy struct {
	Mode AuthMode

	// Roles and Permissions the user must hold. RequireAll selects
	// all-of matching instead of any-of.
	Roles       []string
	Permissions []string
	RequireAll  bool
}

// CachePolicy enables response caching for one endpoint. Only reads (GET,
// and HEAD via its GET fallback) consult the cache.
type CachePolicy struct {
	// Adapter names the cache adapter, empty for the registry default.
	Adapter string

	// TTL is the entry lifetime, 0 for never-expiring.
	TTL time.Duration

	// Tags index the entry for bulk invalidation.
	Tags []string

	// Key selects the request dimensions that form the cache key.
	Key cache.KeyConfig
}

// RateLimitPolicy enables rate limiting for one endpoint.
type RateLimitPolicy struct {
	// Adapter names the rate limit adapter, empty for the registry
	// default.
	Adapter string

	// Key selects the request dimensions that form the limit key.
	Key ratelimit.KeyConfig
}

// Endpoint binds a route to a handler plus its pipeline policies.
type Endpoint struct {
	// Name identifies the endpoint in logs, metrics and breaker state.
	// Defaults to "METHOD pattern".
	Name string

	// Method and Pattern are the route. Method accepts router.MethodAll.
	Method  string
	Pattern string

	// Handler is the user function.
	Handler Handler

	// Auth configures the authentication stage. The zero value skips it.
	Auth AuthPolicy

	// ParamsSchema, QuerySchema and BodySchema validate their sections
	// independently. Body validation only applies to methods that carry
	// a body.
	ParamsSchema validation.Schema
	QuerySchema  validation.Schema
	BodySchema   validation.Schema

	// Cache enables read caching when non-nil.
	Cache *CachePolicy

	// RateLimit enables rate limiting when non-nil.
	RateLimit *RateLimitPolicy

	// Timeout bounds handler execution. 0 means no deadline.
	Timeout time.Duration

	// Breaker trips the endpoint open after repeated handler failures.
	Breaker bool
}

// hasBody reports whether the method conventionally carries a body.
func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

// isRead reports whether the method is cacheable.
func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
