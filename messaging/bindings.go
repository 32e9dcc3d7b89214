package messaging

import (
	"sync"
	"sync/atomic"
)

// Binding pairs a routing pattern with the handler it feeds
type Binding struct {
	Pattern string
	Matcher *Matcher
	Handler Handler
}

// BindingRegistry is the ordered set of bindings of one queue. It is
// mutable until Freeze; after that it is read without locking.
type BindingRegistry struct {
	mu       sync.Mutex
	bindings []Binding
	frozen   atomic.Bool
}

// NewBindingRegistry creates an empty registry
func NewBindingRegistry() *BindingRegistry {
	return &BindingRegistry{}
}

// Add appends a binding. It fails once the registry is frozen.
func (r *BindingRegistry) Add(pattern string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	matcher, err := CompilePattern(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return ErrQueueActive
	}
	r.bindings = append(r.bindings, Binding{Pattern: pattern, Matcher: matcher, Handler: handler})
	return nil
}

// Freeze ends the setup phase
func (r *BindingRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether Freeze was called
func (r *BindingRegistry) Frozen() bool {
	return r.frozen.Load()
}

// Resolve returns every binding accepting routingKey, in bind order
func (r *BindingRegistry) Resolve(routingKey string) []Binding {
	var matched []Binding
	for _, b := range r.snapshot() {
		if b.Matcher.Match(routingKey) {
			matched = append(matched, b)
		}
	}
	return matched
}

// Patterns lists the bound patterns in bind order
func (r *BindingRegistry) Patterns() []string {
	bindings := r.snapshot()
	patterns := make([]string, len(bindings))
	for i, b := range bindings {
		patterns[i] = b.Pattern
	}
	return patterns
}

// Len returns the number of bindings
func (r *BindingRegistry) Len() int {
	return len(r.snapshot())
}

func (r *BindingRegistry) snapshot() []Binding {
	if r.frozen.Load() {
		return r.bindings
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Binding(nil), r.bindings...)
}
