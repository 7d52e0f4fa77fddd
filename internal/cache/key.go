package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// KeyConfig selects which request dimensions contribute to the cache key.
// The method and path always contribute.
type KeyConfig struct {
	// IncludeQuery adds the named query parameters to the key. Empty means
	// no query parameters contribute.
	IncludeQuery []string

	// IncludeHeaders adds the named headers to the key. Header names are
	// compared case-insensitively.
	IncludeHeaders []string

	// VaryByUser adds the authenticated user ID to the key so responses
	// are never shared across users.
	VaryByUser bool

	// Prefix namespaces the key, typically with the endpoint name.
	Prefix string
}

// KeyBuilder builds deterministic cache keys from request dimensions.
// Selected dimensions are emitted in sorted order so two requests that
// differ only in parameter ordering share a key.
type KeyBuilder struct {
	cfg KeyConfig
}

// NewKeyBuilder creates a key builder with the given configuration.
func NewKeyBuilder(cfg KeyConfig) *KeyBuilder {
	return &KeyBuilder{cfg: cfg}
}

// Build assembles the cache key for a request.
func (b *KeyBuilder) Build(method, path string, query map[string]string, headers map[string]string, userID string) string {
	parts := []string{strings.ToUpper(method), path}

	if len(b.cfg.IncludeQuery) > 0 {
		parts = append(parts, b.selectDimensions("q", b.cfg.IncludeQuery, query, false)...)
	}
	if len(b.cfg.IncludeHeaders) > 0 {
		parts = append(parts, b.selectDimensions("h", b.cfg.IncludeHeaders, headers, true)...)
	}
	if b.cfg.VaryByUser && userID != "" {
		parts = append(parts, "u:"+userID)
	}

	key := strings.Join(parts, ":")
	if b.cfg.Prefix != "" {
		key = b.cfg.Prefix + ":" + key
	}
	return key
}

// selectDimensions extracts the named values in sorted name order. Absent
// names are skipped so presence itself is part of the key.
func (b *KeyBuilder) selectDimensions(prefix string, names []string, values map[string]string, foldCase bool) []string {
	lookup := values
	if foldCase {
		lookup = make(map[string]string, len(values))
		for k, v := range values {
			lookup[strings.ToLower(k)] = v
		}
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	var parts []string
	for _, name := range sorted {
		probe := name
		if foldCase {
			probe = strings.ToLower(name)
		}
		if v, ok := lookup[probe]; ok {
			parts = append(parts, prefix+":"+probe+"="+v)
		}
	}
	return parts
}

// HashKey returns a hex-encoded SHA-256 digest of the key, for backends
// with key length or character restrictions.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
