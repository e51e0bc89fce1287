package vpn

import (
	"fmt"
	"sort"
	"sync"
)

// ErrProtocolNotRegistered is returned when no adapter is bound to a
// protocol tag. Which adapters are active is configuration, not code.
type ErrProtocolNotRegistered struct {
	Protocol Protocol
}

func (e *ErrProtocolNotRegistered) Error() string {
	return fmt.Sprintf("no adapter registered for protocol %s", e.Protocol)
}

// Registry maps protocol tags to adapter instances. Registration
// happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Protocol]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Protocol]Adapter),
	}
}

// Register binds an adapter to its protocol tag. Registering the same
// protocol twice is a configuration error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	p := a.Protocol()
	if !p.IsValid() {
		return fmt.Errorf("adapter reports invalid protocol %q", p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("adapter for protocol %s already registered", p)
	}
	r.adapters[p] = a
	return nil
}

// Get returns the adapter for protocol.
func (r *Registry) Get(protocol Protocol) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[protocol]
	if !ok {
		return nil, &ErrProtocolNotRegistered{Protocol: protocol}
	}
	return a, nil
}

// Supports reports whether an adapter is registered for protocol.
func (r *Registry) Supports(protocol Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[protocol]
	return ok
}

// Registered returns the registered protocol tags in stable order.
func (r *Registry) Registered() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
