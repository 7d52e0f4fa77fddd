// Package adapter provides a generic named registry shared by the cache,
// rate-limit, and auth subsystems. Each subsystem registers concrete
// adapters under names and resolves them at request time, optionally
// falling back to a configured default.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/avenir-labs/gantry/internal/util"
)

// Registry is a named registry with one default entry. It is safe for
// concurrent use; registration is expected to complete before traffic
// starts, after which lookups are read-mostly.
type Registry[T any] struct {
	kind string

	mu          sync.RWMutex
	entries     map[string]T
	defaultName string
}

// NewRegistry creates a registry. The kind labels error messages
// (e.g. "cache", "ratelimit", "auth").
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Register adds an entry under the given name. The first registered entry
// becomes the default. Registering an existing name is an error.
func (r *Registry[T]) Register(name string, entry T) error {
	if name == "" {
		return fmt.Errorf("%s registry: empty adapter name", r.kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%s registry: duplicate adapter name: %s", r.kind, name)
	}

	r.entries[name] = entry
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault marks a registered entry as the default.
func (r *Registry[T]) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("%s registry: unknown adapter name: %s", r.kind, name)
	}
	r.defaultName = name
	return nil
}

// Resolve returns the entry registered under name, or the default entry
// when name is empty. A miss on both is an AdapterMisconfigured error.
func (r *Registry[T]) Resolve(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lookup := name
	if lookup == "" {
		lookup = r.defaultName
	}

	if entry, exists := r.entries[lookup]; exists {
		return entry, nil
	}

	var zero T
	return zero, util.NewAdapterMisconfiguredError(r.kind, name)
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the current default name, or "" when empty.
func (r *Registry[T]) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Range calls fn for every registered entry. Used at shutdown to close
// adapters.
func (r *Registry[T]) Range(fn func(name string, entry T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, entry := range r.entries {
		fn(name, entry)
	}
}
