package events

import (
	"context"
	"sync"
)

// Reactor handles one event synchronously in the caller's goroutine. An error
// aborts the dispatch and is returned to the caller.
type Reactor func(ctx context.Context, event Event) error

// ReactorRegistry maps event type tags to ordered reactor lists. Registration
// is explicit per type; there is no reflection-based discovery. Reactors for
// a type run in registration order.
type ReactorRegistry struct {
	mu       sync.RWMutex
	reactors map[string][]Reactor
	strict   bool
}

// NewReactorRegistry creates an empty registry. A non-strict registry treats
// events with no reactors as a no-op; a strict one reports ErrNoReactors.
func NewReactorRegistry() *ReactorRegistry {
	return &ReactorRegistry{reactors: make(map[string][]Reactor)}
}

// NewStrictReactorRegistry creates a registry that rejects unobserved events.
func NewStrictReactorRegistry() *ReactorRegistry {
	return &ReactorRegistry{reactors: make(map[string][]Reactor), strict: true}
}

// Register appends a reactor for the given event type.
func (registry *ReactorRegistry) Register(eventType string, reactor Reactor) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	if reactor == nil {
		return ErrNilReactor
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.reactors[eventType] = append(registry.reactors[eventType], reactor)

	return nil
}

// ReactorsFor returns the reactors registered for eventType, in order.
func (registry *ReactorRegistry) ReactorsFor(eventType string) []Reactor {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	list := registry.reactors[eventType]
	if len(list) == 0 {
		return nil
	}

	out := make([]Reactor, len(list))
	copy(out, list)

	return out
}

// Types returns the registered event type tags.
func (registry *ReactorRegistry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.reactors))
	for eventType := range registry.reactors {
		types = append(types, eventType)
	}

	return types
}
