// Package registry maps capability tags read from configuration to typed
// constructors. Tags are resolved once at startup; nothing is looked up by
// name on the hot path.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a T from its configuration entry.
type Factory[C, T any] func(cfg C) (T, error)

// Registry is a set of factories keyed by capability tag.
type Registry[C, T any] struct {
	mu        sync.RWMutex
	kind      string
	factories map[string]Factory[C, T]
}

// New creates an empty registry. kind is used in error messages ("source", "actuator").
func New[C, T any](kind string) *Registry[C, T] {
	return &Registry[C, T]{kind: kind, factories: make(map[string]Factory[C, T])}
}

// Register adds a factory. Registering the same tag twice is an error.
func (r *Registry[C, T]) Register(tag string, f Factory[C, T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tag == "" {
		return fmt.Errorf("register %s: empty capability tag", r.kind)
	}
	if _, dup := r.factories[tag]; dup {
		return fmt.Errorf("register %s %q: already registered", r.kind, tag)
	}
	r.factories[tag] = f
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry[C, T]) MustRegister(tag string, f Factory[C, T]) {
	if err := r.Register(tag, f); err != nil {
		panic(err)
	}
}

// Build resolves tag and invokes its factory.
func (r *Registry[C, T]) Build(tag string, cfg C) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s type %q (known: %v)", r.kind, tag, r.Tags())
	}
	v, err := f(cfg)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("build %s %q: %w", r.kind, tag, err)
	}
	return v, nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry[C, T]) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
