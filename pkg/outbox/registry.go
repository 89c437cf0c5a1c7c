package outbox

import (
	"fmt"
	"sync"
)

// TypeDesc describes one message type the host application can send or
// receive. Hosts register every type at startup; nothing is discovered by
// reflection at runtime.
type TypeDesc struct {
	// Name is the full, stable type name stored in outbox rows.
	Name string

	// DefaultRoutingKey is used when the caller does not supply one.
	DefaultRoutingKey string

	// New returns a fresh instance for payload decoding.
	New func() any
}

// Registry maps full type names to their descriptors. It is safe for
// concurrent use after registration is done.
type Registry struct {
	mux   sync.RWMutex
	types map[string]TypeDesc
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeDesc)}
}

// Register adds a type descriptor. Registering the same name twice panics;
// registration is a startup-time wiring error, not a runtime condition.
func (r *Registry) Register(desc TypeDesc) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if desc.Name == "" {
		panic("outbox: register type with empty name")
	}

	if _, ok := r.types[desc.Name]; ok {
		panic(fmt.Sprintf("outbox: duplicate type registration for %q", desc.Name))
	}

	r.types[desc.Name] = desc
}

// Resolve returns the descriptor for a stored type name.
func (r *Registry) Resolve(name string) (TypeDesc, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	desc, ok := r.types[name]

	return desc, ok
}
