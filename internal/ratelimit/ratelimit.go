// Package ratelimit provides the pluggable rate limit adapter abstraction
// with a fixed-window reference implementation.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// DefaultWindow is the window size used when none is configured.
const DefaultWindow = time.Minute

// ErrInvalidConfig indicates that the rate limit configuration is invalid.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Result describes the state of a rate limit key after an operation.
type Result struct {
	// Limited reports whether the request exceeds the limit.
	Limited bool

	// Limit is the configured maximum for the window.
	Limit int64

	// Remaining is how many requests are left in the window, never
	// negative.
	Remaining int64

	// Reset is when the current window ends and the counter restarts.
	Reset time.Time

	// RetryAfter is how long a limited caller should wait. Zero when
	// not limited.
	RetryAfter time.Duration
}

// Adapter is the capability interface every rate limit backing store
// implements. Increment consumes a slot; Get observes without consuming.
//
// The fixed-window adapters align windows to wall-clock boundaries
// (now truncated to the window size) rather than starting a window at a
// key's first increment. Result.Reset is therefore the next boundary,
// which may arrive sooner than one full window after the first request.
type Adapter interface {
	// Increment records a request against the key and reports whether
	// it exceeds the limit. The first request over the limit is the
	// first limited one.
	Increment(ctx context.Context, key string) (Result, error)

	// Get reports the key's current state without consuming a slot.
	Get(ctx context.Context, key string) (Result, error)

	// Reset clears the key's counter.
	Reset(ctx context.Context, key string) error

	// Close stops background work and releases resources.
	Close() error
}

// Config holds the limit and window shared by the fixed-window adapters.
type Config struct {
	// Limit is the maximum number of requests per window.
	Limit int64

	// Window is the fixed window size.
	Window time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

// withDefaults fills missing fields.
func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// windowStart aligns a timestamp to the start of its fixed window. All
// keys share window boundaries so the counter resets at predictable
// instants.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

// buildResult derives a Result from a window count. The boundary is
// exclusive: the request that takes the count past the limit is limited,
// the one that reaches it exactly is not.
func buildResult(count, limit int64, reset time.Time, now time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	r := Result{
		Limited:   count > limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
	if r.Limited {
		r.RetryAfter = reset.Sub(now)
		if r.RetryAfter < 0 {
			r.RetryAfter = 0
		}
	}
	return r
}
