// Package pipeline orchestrates the request lifecycle: health
// short-circuit, rate limiting, authentication, validation, timeout-bounded
// execution with optional caching, and response decoration.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/avenir-labs/gantry/internal/adapter"
	"github.com/avenir-labs/gantry/internal/auth"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/health"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/ratelimit"
	"github.com/avenir-labs/gantry/internal/router"
	"github.com/avenir-labs/gantry/internal/util"
)

// pipelineTracerName is the OpenTelemetry tracer name for the pipeline.
const pipelineTracerName = "gantry/pipeline"

// DefaultHealthPath is where the health endpoint answers.
const DefaultHealthPath = "/health"

// Pipeline sequences the request stages for every registered endpoint.
// All fields are set at construction; per-request state never lands on the
// Pipeline itself, so concurrent requests share it freely.
type Pipeline struct {
	logger observability.Logger

	routes   *router.Router[*Endpoint]
	caches   *adapter.Registry[cache.Adapter]
	limiters *adapter.Registry[ratelimit.Adapter]
	authn    auth.Provider

	checker    *health.Checker
	healthPath string

	cors          *corsHeaders
	redactHeaders map[string]struct{}

	flight   singleflight.Group
	breakers sync.Map
}

// Option is a functional option for the pipeline.
type Option func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithCacheRegistry sets the cache adapter registry.
func WithCacheRegistry(reg *adapter.Registry[cache.Adapter]) Option {
	return func(p *Pipeline) {
		p.caches = reg
	}
}

// WithRateLimitRegistry sets the rate limit adapter registry.
func WithRateLimitRegistry(reg *adapter.Registry[ratelimit.Adapter]) Option {
	return func(p *Pipeline) {
		p.limiters = reg
	}
}

// WithAuthProvider sets the authentication provider.
func WithAuthProvider(provider auth.Provider) Option {
	return func(p *Pipeline) {
		p.authn = provider
	}
}

// WithHealthChecker enables the health endpoint.
func WithHealthChecker(checker *health.Checker) Option {
	return func(p *Pipeline) {
		p.checker = checker
	}
}

// WithHealthPath overrides the health endpoint path.
func WithHealthPath(path string) Option {
	return func(p *Pipeline) {
		p.healthPath = path
	}
}

// WithCORS enables CORS decoration and preflight handling.
func WithCORS(cfg CORSConfig) Option {
	return func(p *Pipeline) {
		p.cors = newCORSHeaders(cfg)
	}
}

// WithRedactedHeaders hides the named headers from access logs.
func WithRedactedHeaders(names ...string) Option {
	return func(p *Pipeline) {
		for _, name := range names {
			p.redactHeaders[strings.ToLower(name)] = struct{}{}
		}
	}
}

// New creates a pipeline. Registries default to empty ones; endpoints
// referencing an adapter that was never registered fail with an adapter
// misconfiguration at request time.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:        observability.NopLogger(),
		routes:        router.New[*Endpoint](),
		caches:        adapter.NewRegistry[cache.Adapter]("cache"),
		limiters:      adapter.NewRegistry[ratelimit.Adapter]("ratelimit"),
		healthPath:    DefaultHealthPath,
		redactHeaders: map[string]struct{}{"authorization": {}, "cookie": {}},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Register binds an endpoint to the route table. Registration is expected
// to finish before traffic starts.
func (p *Pipeline) Register(ep Endpoint) error {
	if ep.Handler == nil {
		return fmt.Errorf("pipeline: endpoint %s %s has no handler", ep.Method, ep.Pattern)
	}
	if ep.Name == "" {
		ep.Name = strings.ToUpper(ep.Method) + " " + ep.Pattern
	}
	if ep.Auth.Mode == "" {
		ep.Auth.Mode = AuthNone
	}

	if _, err := p.routes.Register(ep.Method, ep.Pattern, &ep); err != nil {
		return err
	}

	p.logger.Info("endpoint registered",
		observability.String("name", ep.Name),
		observability.String("method", strings.ToUpper(ep.Method)),
		observability.String("pattern", ep.Pattern))

	return nil
}

// Routes returns the registered endpoints in registration order.
func (p *Pipeline) Routes() []*Endpoint {
	routes := p.routes.Routes()
	endpoints := make([]*Endpoint, len(routes))
	for i, rt := range routes {
		endpoints[i] = rt.Handler
	}
	return endpoints
}

// Execute runs the full lifecycle for one request and always returns a
// decorated response. Errors from any stage are caught exactly once here
// and converted to the failure envelope.
func (p *Pipeline) Execute(ctx context.Context, req *Request) *Response {
	start := time.Now()

	requestID := req.Header("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = observability.ContextWithRequestID(ctx, requestID)

	ctx, span := otel.Tracer(pipelineTracerName).Start(ctx, "pipeline.Execute",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Path),
		),
	)
	defer span.End()

	resp := p.run(ctx, req, requestID, start)

	p.decorate(ctx, req, resp, requestID, start)

	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	GetPipelineMetrics().requestsTotal.
		WithLabelValues(strings.ToUpper(req.Method), fmt.Sprintf("%d", resp.Status)).Inc()
	GetPipelineMetrics().requestDuration.
		WithLabelValues(strings.ToUpper(req.Method)).Observe(time.Since(start).Seconds())

	return resp
}

// run executes the staged checks and the handler, returning the undecorated
// response. Every error path converts here so decoration sees a response.
func (p *Pipeline) run(ctx context.Context, req *Request, requestID string, start time.Time) *Response {
	method := strings.ToUpper(req.Method)

	// Stage 1: health short-circuit.
	if p.checker != nil && p.isHealthRequest(method, req.Path) {
		report := p.checker.Run(ctx)
		return &Response{Status: report.HTTPStatus(), Body: report}
	}

	route, params, err := p.routes.Dispatch(method, req.Path)
	if err != nil {
		// CORS preflight for routes registered under another method.
		if method == http.MethodOptions && p.cors != nil && req.Header("Origin") != "" {
			return &Response{Status: p.cors.preflightStatus}
		}
		return p.failure(err)
	}
	ep := route.Handler

	// Stage 2: rate limit.
	if err := p.checkRateLimit(ctx, req, ep, route.Pattern); err != nil {
		return p.failure(err)
	}

	// Stage 3: authentication and role/permission checks.
	user, err := p.authenticate(ctx, req, ep)
	if err != nil {
		return p.failure(err)
	}

	// Stage 4: validation, all sections aggregated into one failure.
	validated, err := p.validateRequest(req, ep, params)
	if err != nil {
		return p.failure(err)
	}

	// Stage 5: context assembly. Validated path parameters win over raw
	// route captures.
	rc := p.assembleContext(req, ep, params, validated, user, requestID, start)

	// Stage 6: execution.
	data, err := p.execute(ctx, req, ep, rc)
	if err != nil {
		return p.failure(err)
	}

	return &Response{
		Status: http.StatusOK,
		Body:   &Envelope{Success: true, Data: data},
	}
}

// isHealthRequest matches the configured health path for GET and HEAD,
// tolerating a trailing slash.
func (p *Pipeline) isHealthRequest(method, path string) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	return path == p.healthPath || path == p.healthPath+"/"
}

// checkRateLimit runs the rate limit stage.
func (p *Pipeline) checkRateLimit(ctx context.Context, req *Request, ep *Endpoint, pattern string) error {
	if ep.RateLimit == nil {
		return nil
	}

	limiter, err := p.limiters.Resolve(ep.RateLimit.Adapter)
	if err != nil {
		return err
	}

	var userID string
	// The rate limit stage runs before authentication; user-scoped keys
	// only see users propagated by the transport layer.

	key := ratelimit.NewKeyBuilder(ep.RateLimit.Key).
		Build(req.RemoteAddr, userID, pattern, req.Method)

	result, err := limiter.Increment(ctx, key)
	if err != nil {
		return util.NewInternalError(err)
	}

	if result.Limited {
		GetPipelineMetrics().stageErrorsTotal.WithLabelValues("ratelimit", "RATE_LIMITED").Inc()
		return util.NewRateLimitedError("Rate limit exceeded").WithMetadata(map[string]any{
			"limit":      result.Limit,
			"remaining":  result.Remaining,
			"reset":      int64(math.Ceil(time.Until(result.Reset).Seconds())),
			"retryAfter": int64(math.Ceil(result.RetryAfter.Seconds())),
		})
	}

	return nil
}

// authenticate runs the authentication stage. Optional-auth failures are
// swallowed; the request proceeds unauthenticated.
func (p *Pipeline) authenticate(ctx context.Context, req *Request, ep *Endpoint) (*auth.User, error) {
	if ep.Auth.Mode == AuthNone || ep.Auth.Mode == "" {
		return nil, nil
	}

	required := ep.Auth.Mode == AuthRequired

	if p.authn == nil {
		if required {
			return nil, util.NewAdapterMisconfiguredError("auth", "provider")
		}
		return nil, nil
	}

	token := bearerToken(req)
	if token == "" {
		if required {
			GetPipelineMetrics().stageErrorsTotal.WithLabelValues("auth", "AUTHENTICATION_REQUIRED").Inc()
			return nil, util.NewAuthenticationRequiredError("")
		}
		return nil, nil
	}

	user, err := p.authn.VerifyToken(ctx, token)
	if err != nil {
		if required {
			GetPipelineMetrics().stageErrorsTotal.WithLabelValues("auth", "AUTHENTICATION_REQUIRED").Inc()
			return nil, util.NewAuthenticationRequiredError("")
		}
		p.logger.Debug("optional authentication failed",
			observability.String("path", req.Path),
			observability.Error(err))
		return nil, nil
	}

	if err := checkAccess(user, ep.Auth); err != nil {
		GetPipelineMetrics().stageErrorsTotal.WithLabelValues("auth", "FORBIDDEN").Inc()
		return nil, err
	}

	return user, nil
}

// checkAccess evaluates role and permission requirements against the user.
func checkAccess(user *auth.User, policy AuthPolicy) error {
	if len(policy.Roles) > 0 {
		ok := user.HasAnyRole(policy.Roles...)
		if policy.RequireAll {
			ok = user.HasAllRoles(policy.Roles...)
		}
		if !ok {
			return util.NewForbiddenError("Insufficient role")
		}
	}

	if len(policy.Permissions) > 0 {
		ok := false
		if policy.RequireAll {
			ok = user.HasAllPermissions(policy.Permissions...)
		} else {
			for _, perm := range policy.Permissions {
				if user.HasPermission(perm) {
					ok = true
					break
				}
			}
		}
		if !ok {
			return util.NewForbiddenError("Insufficient permissions")
		}
	}

	return nil
}

// bearerToken extracts the Authorization bearer token, if any.
func bearerToken(req *Request) string {
	header := req.Header("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// validatedSections holds the outcome of the validation stage.
type validatedSections struct {
	params map[string]any
	query  map[string]any
	body   map[string]any
}

// validateRequest validates path parameters, query and body independently
// and aggregates every section's failures into one validation error.
func (p *Pipeline) validateRequest(req *Request, ep *Endpoint, params map[string]string) (*validatedSections, error) {
	out := &validatedSections{}
	sections := make(map[string]any)

	if ep.ParamsSchema != nil {
		raw := make(map[string]any, len(params))
		for k, v := range params {
			raw[k] = v
		}
		validated, err := ep.ParamsSchema.Validate(raw)
		if err != nil {
			sections["params"] = sectionDetails(err)
		} else {
			out.params = validated
		}
	}

	if ep.QuerySchema != nil {
		raw := make(map[string]any, len(req.Query))
		for k, v := range req.Query {
			raw[k] = v
		}
		validated, err := ep.QuerySchema.Validate(raw)
		if err != nil {
			sections["query"] = sectionDetails(err)
		} else {
			out.query = validated
		}
	}

	if ep.BodySchema != nil && hasBody(strings.ToUpper(req.Method)) {
		validated, err := ep.BodySchema.Validate(req.Body)
		if err != nil {
			sections["body"] = sectionDetails(err)
		} else {
			out.body = validated
		}
	}

	if len(sections) > 0 {
		GetPipelineMetrics().stageErrorsTotal.WithLabelValues("validation", "VALIDATION_ERROR").Inc()
		msg := fmt.Sprintf("validation failed for %d section(s)", len(sections))
		return nil, util.NewValidationError(msg).WithMetadata(sections)
	}

	return out, nil
}

// sectionDetails extracts the per-field messages from a section's
// validation error.
func sectionDetails(err error) any {
	if structured := util.FromError(err); structured.Metadata != nil {
		if fields, ok := structured.Metadata["fields"]; ok {
			return fields
		}
		return structured.Metadata
	}
	return err.Error()
}

// assembleContext builds the per-request Context. Validated values win over
// raw route captures on key collision.
func (p *Pipeline) assembleContext(
	req *Request, ep *Endpoint,
	params map[string]string, validated *validatedSections,
	user *auth.User, requestID string, start time.Time,
) *Context {
	merged := make(map[string]string, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range validated.params {
		merged[k] = fmt.Sprintf("%v", v)
	}

	logger := p.logger.With(
		observability.String("requestId", requestID),
		observability.String("endpoint", ep.Name),
	)

	return &Context{
		Request:   req,
		Params:    merged,
		Query:     validated.query,
		Body:      validated.body,
		User:      user,
		RequestID: requestID,
		StartTime: start,
		Route:     ep.Pattern,
		Logger:    logger,
	}
}

// failure converts a stage error into the undecorated failure response.
// This is the pipeline's single catch point.
func (p *Pipeline) failure(err error) *Response {
	structured := util.FromError(err)

	if structured.Status >= http.StatusInternalServerError {
		p.logger.Error("request failed",
			observability.String("code", structured.Code),
			observability.Error(err))
	}

	return &Response{
		Status: structured.Status,
		Body: &Envelope{
			Success:  false,
			Error:    structured.Message,
			Code:     structured.Code,
			Warnings: structured.Warnings,
			Metadata: structured.Metadata,
		},
	}
}

// breaker returns the endpoint's circuit breaker, creating it on first use.
func (p *Pipeline) breaker(ep *Endpoint) *gobreaker.CircuitBreaker {
	if cb, ok := p.breakers.Load(ep.Name); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    ep.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				observability.String("endpoint", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})

	actual, _ := p.breakers.LoadOrStore(ep.Name, cb)
	return actual.(*gobreaker.CircuitBreaker)
}
