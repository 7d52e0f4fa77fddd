package pipeline

import (
	"strconv"
	"strings"
)

// CORSConfig contains CORS configuration for decorated responses.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int

	// PreflightStatus is the status for OPTIONS preflight responses.
	// Defaults to 204.
	PreflightStatus int
}

// DefaultCORSConfig returns default CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		MaxAge:       86400,
	}
}

// corsHeaders holds pre-computed CORS header values.
type corsHeaders struct {
	allowOrigins     map[string]bool
	wildcardPatterns []string
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	maxAge           string
	allowCredentials bool
	preflightStatus  int
}

// newCORSHeaders pre-computes the joined header values once at setup.
func newCORSHeaders(cfg CORSConfig) *corsHeaders {
	allowOrigins := make(map[string]bool)
	var wildcardPatterns []string
	allowAllOrigins := false

	for _, origin := range cfg.AllowOrigins {
		switch {
		case origin == "*":
			allowAllOrigins = true
		case strings.HasPrefix(origin, "*."):
			wildcardPatterns = append(wildcardPatterns, origin)
		default:
			allowOrigins[origin] = true
		}
	}

	status := cfg.PreflightStatus
	if status == 0 {
		status = 204
	}

	return &corsHeaders{
		allowOrigins:     allowOrigins,
		wildcardPatterns: wildcardPatterns,
		allowAllOrigins:  allowAllOrigins,
		allowMethods:     strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		maxAge:           strconv.Itoa(cfg.MaxAge),
		allowCredentials: cfg.AllowCredentials,
		preflightStatus:  status,
	}
}

// isOriginAllowed checks the origin against exact and wildcard entries.
func (h *corsHeaders) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if h.allowAllOrigins || h.allowOrigins[origin] {
		return true
	}
	for _, pattern := range h.wildcardPatterns {
		if matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches "*.example.com" against the origin's host.
func matchWildcardOrigin(origin, pattern string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}

	suffix := pattern[1:]

	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	// At least one character must precede the suffix (the subdomain).
	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

// apply sets the CORS headers on a response. The specific origin is always
// echoed rather than "*" so credentialed responses stay valid.
func (h *corsHeaders) apply(resp *Response, origin string) {
	if !h.isOriginAllowed(origin) {
		return
	}

	resp.setHeader("Access-Control-Allow-Origin", origin)
	resp.setHeader("Vary", "Origin")

	if h.allowMethods != "" {
		resp.setHeader("Access-Control-Allow-Methods", h.allowMethods)
	}
	if h.allowHeaders != "" {
		resp.setHeader("Access-Control-Allow-Headers", h.allowHeaders)
	}
	if h.exposeHeaders != "" {
		resp.setHeader("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	if h.allowCredentials {
		resp.setHeader("Access-Control-Allow-Credentials", "true")
	}
	if h.maxAge != "0" {
		resp.setHeader("Access-Control-Max-Age", h.maxAge)
	}
}
