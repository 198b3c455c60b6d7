package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps configured type names to implementations. It is safe for
// concurrent use; registrations normally happen once at startup.
type Registry[T any] struct {
	kind string

	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry creates an empty registry. kind names the entries in error
// messages ("behavior", "guard", "hook").
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, items: make(map[string]T)}
}

// Register adds or replaces the implementation for name.
func (r *Registry[T]) Register(name string, impl T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = impl
}

// Get returns the implementation registered under name.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.items[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no %s registered as %q", r.kind, name)
	}
	return impl, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BehaviorRegistry resolves ActionBehavior implementations by name.
type BehaviorRegistry = Registry[ActionBehavior]

// GuardRegistry resolves TransitionGuard implementations by type.
type GuardRegistry = Registry[TransitionGuard]

// HookRegistry resolves TransitionHook implementations by type.
type HookRegistry = Registry[TransitionHook]
