package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avenir-labs/gantry/internal/util"
)

// MethodAll registers a route for every HTTP method.
const MethodAll = "ALL"

// Methods is the set of HTTP methods the router accepts.
var Methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodOptions,
	http.MethodHead,
}

// Route is a compiled route. Routes are immutable after registration.
type Route[T any] struct {
	// Method is the registered HTTP method, or MethodAll.
	Method string

	// Pattern is the original path template.
	Pattern string

	// Handler is the value bound to this route.
	Handler T

	regex      *regexp.Regexp
	paramNames []string
}

// Match reports whether the path matches this route and returns the
// captured parameters positionally aligned with the template's captures.
func (rt *Route[T]) Match(path string) (bool, map[string]string) {
	matches := rt.regex.FindStringSubmatch(path)
	if matches == nil {
		return false, nil
	}

	if len(rt.paramNames) == 0 {
		return true, nil
	}

	params := make(map[string]string, len(rt.paramNames))
	for i, name := range rt.paramNames {
		if i+1 < len(matches) {
			params[name] = matches[i+1]
		}
	}
	return true, params
}

// matchMethod reports whether the request method is served by this route.
// HEAD falls back onto GET, matching common router behavior.
func (rt *Route[T]) matchMethod(method string) bool {
	if rt.Method == MethodAll {
		return true
	}
	if rt.Method == method {
		return true
	}
	return method == http.MethodHead && rt.Method == http.MethodGet
}

// Router dispatches (method, path) pairs to registered routes. Registration
// is expected to finish before traffic starts; dispatch reads a snapshot of
// the route list without locking.
type Router[T any] struct {
	mu     sync.Mutex
	routes atomic.Pointer[[]*Route[T]]
}

// New creates an empty router.
func New[T any]() *Router[T] {
	r := &Router[T]{}
	empty := make([]*Route[T], 0)
	r.routes.Store(&empty)
	return r
}

// Register compiles a path template and appends the route. Registration
// order is significant: earlier routes win on overlap.
func (r *Router[T]) Register(method, pattern string, handler T) (*Route[T], error) {
	method = strings.ToUpper(method)
	if method != MethodAll && !validMethod(method) {
		return nil, fmt.Errorf("router: unsupported method %q", method)
	}

	regex, paramNames, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("router: failed to compile pattern %q: %w", pattern, err)
	}

	route := &Route[T]{
		Method:     method,
		Pattern:    pattern,
		Handler:    handler,
		regex:      regex,
		paramNames: paramNames,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.routes.Load()
	next := make([]*Route[T], len(current)+1)
	copy(next, current)
	next[len(current)] = route
	r.routes.Store(&next)

	return route, nil
}

// Dispatch finds the first matching route in registration order. A miss
// returns a NotFound error; the caller supplies the fallback response.
func (r *Router[T]) Dispatch(method, path string) (*Route[T], map[string]string, error) {
	method = strings.ToUpper(method)

	for _, route := range *r.routes.Load() {
		if !route.matchMethod(method) {
			continue
		}
		if matched, params := route.Match(path); matched {
			return route, params, nil
		}
	}

	return nil, nil, util.NewRouteNotFoundError(method, path)
}

// Routes returns the registered routes in registration order.
func (r *Router[T]) Routes() []*Route[T] {
	current := *r.routes.Load()
	routes := make([]*Route[T], len(current))
	copy(routes, current)
	return routes
}

// validMethod reports whether method is one of the supported HTTP methods.
func validMethod(method string) bool {
	for _, m := range Methods {
		if m == method {
			return true
		}
	}
	return false
}

// compilePattern translates a path template into an anchored regex plus the
// ordered capture parameter names.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, nil, fmt.Errorf("pattern must start with /")
	}

	trimmed := strings.Trim(pattern, "/")

	var sb strings.Builder
	sb.WriteString("^")

	var paramNames []string
	starCount := 0

	if trimmed != "" {
		for _, seg := range strings.Split(trimmed, "/") {
			switch {
			case strings.HasPrefix(seg, ":"):
				name := seg[1:]
				if name == "" {
					return nil, nil, fmt.Errorf("empty parameter name")
				}
				paramNames = append(paramNames, name)
				sb.WriteString("/([^/]+)")
			case seg == "*":
				starCount++
				name := "*"
				if starCount > 1 {
					name = "*" + strconv.Itoa(starCount)
				}
				paramNames = append(paramNames, name)
				sb.WriteString("/([^/]+)")
			case seg == "**":
				paramNames = append(paramNames, "**")
				sb.WriteString("/(.*)")
			default:
				sb.WriteString("/")
				sb.WriteString(regexp.QuoteMeta(seg))
			}
		}
	}

	// Tolerate a trailing slash on the request path.
	sb.WriteString("/?$")

	regex, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, err
	}
	return regex, paramNames, nil
}
