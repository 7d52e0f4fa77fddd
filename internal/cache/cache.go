// Package cache provides the pluggable cache adapter abstraction with
// TTL-based expiry and tag-based bulk invalidation.
package cache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Adapter is the capability interface every cache backing store implements.
// A TTL of 0 means the entry never expires.
type Adapter interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is absent
	// or expired; an expired read deletes the entry and prunes its tags.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set upserts a value with the given TTL and tags.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Invalidate removes every key whose string matches the pattern
	// ("*" matches within a segment, "**" across segments) and returns
	// the number of removed entries.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// InvalidateByTag removes every key indexed under the tag and clears
	// the tag's index entry. Returns the number of removed entries.
	InvalidateByTag(ctx context.Context, tag string) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Close stops background work and releases resources.
	Close() error
}

// Entry represents a cached entry with metadata.
type Entry struct {
	// Value is the cached value.
	Value []byte

	// CreatedAt is when the entry was created.
	CreatedAt time.Time

	// ExpiresAt is when the entry expires. The zero time means never.
	ExpiresAt time.Time

	// Tags are the labels the entry is indexed under.
	Tags []string
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}

// TTL returns the remaining time-to-live, or 0 for never-expiring entries.
func (e *Entry) TTL() time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// compilePattern translates an invalidation pattern into an anchored regex.
// "**" matches across segments, "*" within one, "?" a single character.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case i+1 < len(pattern) && pattern[i:i+2] == "**":
			sb.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			sb.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			sb.WriteString("[^/]")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
