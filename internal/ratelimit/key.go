package ratelimit

import "strings"

// KeyConfig selects which request dimensions contribute to the rate limit
// key. The client identity always contributes so limits isolate callers.
type KeyConfig struct {
	// VaryByUser scopes the limit to the authenticated user when one is
	// present, falling back to the client address otherwise. The pipeline
	// applies rate limits before authentication, so in that position a
	// user id is available only when the transport layer supplies one and
	// the fallback is the common case.
	VaryByUser bool

	// VaryByRoute scopes the limit to the matched route pattern so a
	// noisy endpoint cannot exhaust another endpoint's budget.
	VaryByRoute bool

	// VaryByMethod scopes the limit to the HTTP method.
	VaryByMethod bool

	// Prefix namespaces the key, typically with the endpoint name.
	Prefix string
}

// KeyBuilder builds rate limit keys from request dimensions.
type KeyBuilder struct {
	cfg KeyConfig
}

// NewKeyBuilder creates a key builder with the given configuration.
func NewKeyBuilder(cfg KeyConfig) *KeyBuilder {
	return &KeyBuilder{cfg: cfg}
}

// Build assembles the rate limit key for a request.
func (b *KeyBuilder) Build(clientAddr, userID, route, method string) string {
	var parts []string
	if b.cfg.Prefix != "" {
		parts = append(parts, b.cfg.Prefix)
	}

	if b.cfg.VaryByMethod && method != "" {
		parts = append(parts, strings.ToUpper(method))
	}
	if b.cfg.VaryByRoute && route != "" {
		parts = append(parts, route)
	}

	if b.cfg.VaryByUser && userID != "" {
		parts = append(parts, "user:"+userID)
	} else {
		parts = append(parts, "ip:"+StripPort(clientAddr))
	}

	return strings.Join(parts, ":")
}

// StripPort removes the port from a host:port address and the brackets
// from a bracketed IPv6 address.
func StripPort(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 && !strings.HasSuffix(addr, "]") {
		// Bare IPv6 addresses contain colons but no port.
		if strings.Count(addr, ":") == 1 || strings.HasPrefix(addr, "[") {
			addr = addr[:idx]
		}
	}
	addr = strings.TrimPrefix(addr, "[")
	addr = strings.TrimSuffix(addr, "]")
	return addr
}
